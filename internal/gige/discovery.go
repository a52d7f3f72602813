package gige

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/lanikai/camnode/internal/packet"
)

// DeviceInfo is the bootstrap block a device returns in its discovery ack.
type DeviceInfo struct {
	MAC          net.HardwareAddr
	IP           net.IP
	Manufacturer string
	Model        string
	Version      string
	Serial       string
	UserName     string

	// Interface the ack arrived on, when known.
	Interface string
}

// ID is the identifier cameras are opened by, "<manufacturer>-<serial>".
func (d DeviceInfo) ID() string {
	return d.Manufacturer + "-" + d.Serial
}

// Matches reports whether name identifies this device: its ID, serial
// number, user-defined name, MAC or IP address.
func (d DeviceInfo) Matches(name string) bool {
	switch name {
	case "":
		return false
	case d.ID(), d.Serial, d.UserName, d.MAC.String(), d.IP.String():
		return true
	}
	return false
}

func parseBootstrap(b []byte) (DeviceInfo, error) {
	var d DeviceInfo
	r := packet.NewReader(b)
	r.Skip(regMACHigh + 2)
	hi := r.ReadUint16()
	lo := r.ReadUint32()
	d.MAC = net.HardwareAddr{byte(hi >> 8), byte(hi), byte(lo >> 24), byte(lo >> 16), byte(lo >> 8), byte(lo)}
	r.Skip(regCurrentIP - r.Offset())
	ip := r.ReadUint32()
	d.IP = net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
	r.Skip(regManufacturer - r.Offset())
	d.Manufacturer = r.ReadCString(32)
	d.Model = r.ReadCString(32)
	d.Version = r.ReadCString(32)
	r.Skip(regSerial - r.Offset())
	d.Serial = r.ReadCString(16)
	d.UserName = r.ReadCString(16)
	if err := r.Err(); err != nil {
		return d, errors.Wrap(err, "bootstrap block")
	}
	return d, nil
}

// Discover broadcasts a DISCOVERY command on every IPv4 broadcast interface
// (or only the named one) and collects answers until the timeout elapses.
func Discover(ctx context.Context, ifname string, timeout time.Duration) ([]DeviceInfo, error) {
	targets, err := broadcastTargets(ifname)
	if err != nil {
		return nil, err
	}
	return discover(ctx, targets, timeout)
}

type target struct {
	ifindex int
	addr    *net.UDPAddr
}

func broadcastTargets(ifname string) ([]target, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}
	var targets []target
	for _, iface := range ifaces {
		if ifname != "" && iface.Name != ifname {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Debug("%s: %v", iface.Name, err)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			ip, mask := ipnet.IP.To4(), net.IP(ipnet.Mask).To4()
			if mask == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip[i] | ^mask[i]
			}
			targets = append(targets, target{
				ifindex: iface.Index,
				addr:    &net.UDPAddr{IP: bcast, Port: ControlPort},
			})
		}
	}
	if ifname != "" && len(targets) == 0 {
		return nil, errors.Errorf("no IPv4 broadcast address on %s", ifname)
	}
	if len(targets) == 0 {
		targets = append(targets, target{addr: &net.UDPAddr{IP: net.IPv4bcast, Port: ControlPort}})
	}
	return targets, nil
}

func discover(ctx context.Context, targets []target, timeout time.Duration) ([]DeviceInfo, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "discovery socket")
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		log.Debug("Interface control messages unavailable: %v", err)
	}

	cmd := command{flags: flagAckRequired | flagAllowBroadcast, code: cmdDiscovery, id: 1}
	msg := cmd.marshal()
	for _, t := range targets {
		var cm *ipv4.ControlMessage
		if t.ifindex != 0 {
			cm = &ipv4.ControlMessage{IfIndex: t.ifindex}
		}
		if _, err := pc.WriteTo(msg, cm, t.addr); err != nil {
			log.Warn("Discovery on %s: %v", t.addr, err)
		}
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	pc.SetReadDeadline(deadline)

	seen := make(map[string]bool)
	var found []DeviceInfo
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return found, nil
			}
			return found, errors.Wrap(err, "discovery receive")
		}
		a, err := parseAck(buf[:n])
		if err != nil || a.code != ackDiscovery || a.status != StatusSuccess {
			log.Debug("Ignoring discovery reply from %s", src)
			continue
		}
		info, err := parseBootstrap(a.payload)
		if err != nil {
			log.Warn("Bad discovery ack from %s: %v", src, err)
			continue
		}
		if cm != nil {
			if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				info.Interface = iface.Name
			}
		}
		key := fmt.Sprintf("%s/%s", info.MAC, info.IP)
		if seen[key] {
			continue
		}
		seen[key] = true
		log.Debug("Discovered %s at %s (%s)", info.ID(), info.IP, info.Model)
		found = append(found, info)
	}
}
