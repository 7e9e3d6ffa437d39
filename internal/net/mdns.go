package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	serviceType = "_floorboard._tcp"
	// ShareScheme prefixes the links hosts hand out to clients.
	ShareScheme = "floorboard://"
)

// ErrNoHost is returned when discovery finds nothing.
var ErrNoHost = errors.New("no floorboard host found")

// Advertise announces a host on the local network.
func Advertise(port int, roomID string) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	info := []string{"FloorBoard", "room=" + roomID}
	service, err := mdns.NewMDNSService(host, serviceType, "", "", port, []net.IP{firstIPv4()}, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}

// Discover browses the local network for up to timeout and returns the
// address of the first host found.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errc := make(chan error, 1)
	go func() {
		errc <- mdns.Query(params)
		close(entries)
	}()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				if err := <-errc; err != nil {
					return "", fmt.Errorf("mdns lookup: %w", err)
				}
				return "", ErrNoHost
			}
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			return fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ShareLink formats the link a host hands out.
func ShareLink(ip string, port int) string {
	return fmt.Sprintf("%s%s:%d", ShareScheme, ip, port)
}

// ParseShareLink returns the host:port inside a share link.
func ParseShareLink(link string) (string, bool) {
	if !strings.HasPrefix(link, ShareScheme) {
		return "", false
	}
	addr := strings.TrimSuffix(strings.TrimPrefix(link, ShareScheme), "/")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", false
	}
	return addr, true
}

func firstIPv4() net.IP {
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.To4()
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
