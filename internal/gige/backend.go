package gige

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
)

const DefaultDiscoveryTimeout = time.Second

// Backend opens GigE Vision cameras for the camera registry.
type Backend struct {
	// Restrict discovery to one network interface. Empty means all.
	Interface string

	Timeout time.Duration
}

func NewBackend(iface string, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	return &Backend{Interface: iface, Timeout: timeout}
}

func (b *Backend) Enumerate(ctx context.Context) ([]camera.Info, error) {
	found, err := Discover(ctx, b.Interface, b.Timeout)
	if err != nil {
		return nil, err
	}
	infos := make([]camera.Info, 0, len(found))
	for _, d := range found {
		infos = append(infos, camera.Info{
			ID:      d.ID(),
			Vendor:  d.Manufacturer,
			Model:   d.Model,
			Serial:  d.Serial,
			Address: d.IP.String(),
		})
	}
	return infos, nil
}

// Open accepts an IP address, "host:port", or anything DeviceInfo.Matches.
func (b *Backend) Open(path string) (camera.Device, error) {
	if addr := parseAddr(path); addr != nil {
		return OpenAddr(addr)
	}
	found, err := Discover(context.Background(), b.Interface, b.Timeout)
	if err != nil {
		return nil, err
	}
	for _, info := range found {
		if info.Matches(path) {
			return OpenAddr(&net.UDPAddr{IP: info.IP, Port: ControlPort})
		}
	}
	return nil, errors.Errorf("no GigE Vision device %s among %d discovered", path, len(found))
}

func parseAddr(s string) *net.UDPAddr {
	if ip := net.ParseIP(s); ip != nil {
		return &net.UDPAddr{IP: ip, Port: ControlPort}
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	p, err := strconv.Atoi(port)
	if ip == nil || err != nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: p}
}
