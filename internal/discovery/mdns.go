// ABOUTME: mDNS discovery of companion-screen sync services
// ABOUTME: TV devices advertise their CII endpoint; companions browse for it
package discovery

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type advertised for the CII endpoint.
const ServiceType = "_css-cii._tcp"

// Config holds discovery configuration.
type Config struct {
	// ServiceName is the instance name to advertise, e.g. a hostname.
	ServiceName string
	// Port is the TCP port the CII endpoint listens on.
	Port int
	// Path is the URL path of the CII endpoint, advertised in a TXT
	// record so clients can build the websocket URL.
	Path string
}

// ServerInfo describes a discovered sync service.
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// CIIURL builds the websocket URL of the discovered CII endpoint.
func (s *ServerInfo) CIIURL() string {
	path := s.Path
	if path == "" {
		path = "/cii"
	}
	return fmt.Sprintf("ws://%s:%d%s", s.Host, s.Port, path)
}

// Manager handles mDNS advertisement.
type Manager struct {
	config Config
	server *mdns.Server
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = "/cii"
	}
	return &Manager{config: config}
}

// Advertise publishes the CII endpoint via mDNS.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	m.server = server
	log.Printf("Advertising mDNS service: %s on port %d (type: %s)",
		m.config.ServiceName, m.config.Port, ServiceType)
	return nil
}

// Shutdown stops advertising.
func (m *Manager) Shutdown() {
	if m.server != nil {
		_ = m.server.Shutdown()
		m.server = nil
	}
}

// Browse looks for sync services on the LAN for the given duration.
func Browse(timeout time.Duration) ([]*ServerInfo, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	var found []*ServerInfo

	go func() {
		defer close(done)
		for entry := range entries {
			info := &ServerInfo{Name: entry.Name, Port: entry.Port}
			switch {
			case entry.AddrV4 != nil:
				info.Host = entry.AddrV4.String()
			case entry.AddrV6 != nil:
				info.Host = entry.AddrV6.String()
			default:
				continue
			}
			for _, field := range entry.InfoFields {
				if strings.HasPrefix(field, "path=") {
					info.Path = strings.TrimPrefix(field, "path=")
				}
			}
			found = append(found, info)
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mdns query failed: %w", err)
	}
	return found, nil
}

// getLocalIPs returns the non-loopback IPv4 addresses of this host.
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipNet.IP.To4() != nil {
			ips = append(ips, ipNet.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no usable network interfaces found")
	}
	return ips, nil
}
