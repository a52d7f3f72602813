// Package gige implements the GigE Vision camera backend: GVCP control,
// discovery and the GVSP stream receiver.
package gige

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/genicam"
	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/stream"
)

var log = logging.DefaultLogger.WithTag("gige")

const (
	defaultHeartbeat = 3 * time.Second

	// Consecutive failed heartbeats before control is considered lost.
	heartbeatFailures = 3
)

var _ camera.Device = (*Device)(nil)

// Device is an open GigE Vision camera, under control of this host.
type Device struct {
	info     DeviceInfo
	client   *Client
	nodes    *genicam.NodeMap
	tickFreq uint64

	heartbeat time.Duration
	lost      chan struct{}
	lostOnce  sync.Once

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenAddr takes control of the device at addr and loads its feature graph.
func OpenAddr(addr *net.UDPAddr) (*Device, error) {
	client, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	d, err := open(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

func open(client *Client) (*Device, error) {
	boot := make([]byte, bootstrapSize)
	if err := client.ReadMemory(0, boot); err != nil {
		return nil, errors.Wrap(err, "read bootstrap registers")
	}
	info, err := parseBootstrap(boot)
	if err != nil {
		return nil, err
	}
	if err := client.WriteRegister(regCCP, ccpControl); err != nil {
		return nil, errors.Wrap(err, "take control")
	}

	d := &Device{
		info:      info,
		client:    client,
		heartbeat: defaultHeartbeat,
		lost:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
	if ms, err := client.ReadRegister(regHeartbeatTimeout); err == nil && ms > 0 {
		d.heartbeat = time.Duration(ms) * time.Millisecond
	}
	if hi, err := client.ReadRegister(regTickFreqHigh); err == nil {
		if lo, err := client.ReadRegister(regTickFreqLow); err == nil {
			d.tickFreq = uint64(hi)<<32 | uint64(lo)
		}
	}

	if d.nodes, err = d.loadFeatures(); err != nil {
		client.WriteRegister(regCCP, 0)
		return nil, err
	}
	log.Info("Opened %s (%s %s) at %s, tick frequency %d Hz", info.ID(), info.Manufacturer, info.Model, client.RemoteAddr(), d.tickFreq)

	d.wg.Add(1)
	go d.keepAlive()
	return d, nil
}

// parseURL splits the first URL register, "Local:<file>;<addr>;<length>"
// with hexadecimal address and length.
func parseURL(url string) (name string, addr uint64, length int, err error) {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	if len(url) < 6 || !strings.EqualFold(url[:6], "local:") {
		return "", 0, 0, errors.Errorf("unsupported feature file location %q", url)
	}
	parts := strings.Split(strings.TrimLeft(url[6:], "/"), ";")
	if len(parts) != 3 {
		return "", 0, 0, errors.Errorf("malformed feature file location %q", url)
	}
	addr, err = strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "feature file address in %q", url)
	}
	n, err := strconv.ParseUint(parts[2], 16, 32)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "feature file length in %q", url)
	}
	return parts[0], addr, int(n), nil
}

func (d *Device) loadFeatures() (*genicam.NodeMap, error) {
	url, err := d.client.ReadString(regFirstURL, urlSize)
	if err != nil {
		return nil, errors.Wrap(err, "read feature file location")
	}
	name, addr, length, err := parseURL(url)
	if err != nil {
		return nil, err
	}
	log.Debug("Fetching %s (%d bytes at 0x%x)", name, length, addr)
	data := make([]byte, length)
	if err := d.client.ReadMemory(addr, data); err != nil {
		return nil, errors.Wrapf(err, "fetch %s", name)
	}
	return genicam.Load(name, data, d.client)
}

// keepAlive reads the control channel privilege register well within the
// heartbeat timeout. Losing the privilege, or repeated silence, closes
// ControlLost.
func (d *Device) keepAlive() {
	defer d.wg.Done()
	period := d.heartbeat / 3
	if period < 100*time.Millisecond {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		v, err := d.client.ReadRegister(regCCP)
		if err != nil {
			failures++
			log.Warn("Heartbeat %d/%d failed: %v", failures, heartbeatFailures, err)
			if failures >= heartbeatFailures {
				d.loseControl()
				return
			}
			continue
		}
		failures = 0
		if v&(ccpControl|ccpExclusive) == 0 {
			log.Warn("Control privilege revoked")
			d.loseControl()
			return
		}
	}
}

func (d *Device) loseControl() {
	d.lostOnce.Do(func() { close(d.lost) })
}

func (d *Device) Info() camera.Info {
	return camera.Info{
		ID:      d.info.ID(),
		Vendor:  d.info.Manufacturer,
		Model:   d.info.Model,
		Serial:  d.info.Serial,
		Address: d.info.IP.String(),
	}
}

func (d *Device) Lookup(name string) (camera.Feature, bool) {
	return d.nodes.Lookup(name)
}

func (d *Device) Integer(name string) (int64, error) {
	return d.nodes.Integer(name)
}

func (d *Device) Float(name string) (float64, error) {
	return d.nodes.Float(name)
}

func (d *Device) String(name string) (string, error) {
	return d.nodes.String(name)
}

func (d *Device) SetInteger(name string, v int64) error {
	return d.nodes.SetInteger(name, v)
}

func (d *Device) SetFloat(name string, v float64) error {
	return d.nodes.SetFloat(name, v)
}

func (d *Device) SetString(name string, v string) error {
	return d.nodes.SetString(name, v)
}

func (d *Device) IntegerBounds(name string) (int64, int64, error) {
	return d.nodes.IntegerBounds(name)
}

func (d *Device) Execute(name string) error {
	return d.nodes.Execute(name)
}

func (d *Device) PayloadSize() (int, error) {
	n, err := d.nodes.Integer("PayloadSize")
	return int(n), err
}

func (d *Device) Region() (camera.Region, error) {
	return camera.ReadRegion(d.nodes)
}

func (d *Device) ControlLost() <-chan struct{} {
	return d.lost
}

// OpenStream binds a socket on the interface facing the camera and points
// stream channel 0 at it.
func (d *Device) OpenStream(opts stream.Options) (stream.Transport, error) {
	local := d.client.LocalAddr().IP
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: local})
	if err != nil {
		return nil, errors.Wrap(err, "stream socket")
	}
	if opts.SocketBuffer > 0 {
		granted, err := setReceiveBuffer(conn, opts.SocketBuffer)
		if err != nil {
			log.Warn("Could not size stream socket buffer: %v", err)
		} else {
			log.Debug("Stream socket buffer %d bytes (asked %d)", granted, opts.SocketBuffer)
		}
	}

	scps, err := d.client.ReadRegister(regSCPS0)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "read stream packet size")
	}
	packetSize := int(scps & 0xffff)

	ip := local.To4()
	port := conn.LocalAddr().(*net.UDPAddr).Port
	if err := d.client.WriteRegister(regSCDA0, uint32(ip[0])<<24|uint32(ip[1])<<16|uint32(ip[2])<<8|uint32(ip[3])); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set stream destination")
	}
	if err := d.client.WriteRegister(regSCP0, uint32(port)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set stream port")
	}
	log.Debug("Stream channel 0 -> %s:%d, packet size %d", ip, port, packetSize)
	return newReceiver(conn, d.client, opts, d.tickFreq, packetSize), nil
}

// Close releases control of the device.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()
		select {
		case <-d.lost:
		default:
			if werr := d.client.WriteRegister(regCCP, 0); werr != nil {
				log.Debug("Release control: %v", werr)
			}
		}
		err = d.client.Close()
	})
	return err
}
