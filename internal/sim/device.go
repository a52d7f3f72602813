// Package sim is a camera backend with no hardware behind it. Frames carry
// a moving gradient and an onboard clock that drifts from the host clock.
package sim

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/stream"
)

var log = logging.DefaultLogger.WithTag("sim")

type feature struct {
	kind     camera.Kind
	writable bool

	i        int64
	f        float64
	s        string
	min, max int64

	// Enumeration entries, symbolic name to value.
	entries map[string]int64
}

// Device is a simulated camera. It is safe for concurrent use.
type Device struct {
	name string
	cfg  Config

	mu       sync.Mutex
	features map[string]*feature
	writes   []string
	failOpen int
	closed   bool

	lost     chan struct{}
	lostOnce sync.Once
}

var _ camera.Device = (*Device)(nil)

// NewDevice builds a simulated camera from the configuration.
func NewDevice(name string, cfg Config) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		name:     name,
		cfg:      cfg,
		features: make(map[string]*feature),
		lost:     make(chan struct{}),
	}

	formats := map[string]int64{}
	for _, n := range []string{"Mono8", "Mono16", "BayerRG8", "RGB8"} {
		formats[n] = int64(camera.PixelFormats[n])
	}
	pf, ok := camera.LookupPixelFormat(cfg.PixelFormat)
	if !ok {
		pf, _ = camera.LookupPixelFormat("Mono8")
	}

	d.str("DeviceVendorName", "Lanikai")
	d.str("DeviceModelName", "Simulator")
	d.str("DeviceID", name)
	d.str("DeviceVersion", "1.0")
	d.integer("SensorWidth", int64(cfg.Width), 0, 0, false)
	d.integer("SensorHeight", int64(cfg.Height), 0, 0, false)
	d.integer("Width", int64(cfg.Width), 8, int64(cfg.Width), true)
	d.integer("Height", int64(cfg.Height), 8, int64(cfg.Height), true)
	d.integer("OffsetX", 0, 0, int64(cfg.Width)-8, true)
	d.integer("OffsetY", 0, 0, int64(cfg.Height)-8, true)
	d.integer("PayloadSize", 0, 0, 0, false)
	d.integer("GevSCPSPacketSize", 1500, 576, 9000, true)
	d.integer("FocusPos", 0, 0, 1000, true)
	d.enum("PixelFormat", formats, int64(pf.Code))
	d.enum("AcquisitionMode", map[string]int64{"Continuous": 0, "SingleFrame": 1}, 0)
	d.enum("TriggerSelector", map[string]int64{"AcquisitionStart": 0, "FrameStart": 1}, 0)
	d.enum("TriggerMode", map[string]int64{"Off": 0, "On": 1}, 0)
	d.enum("TriggerSource", map[string]int64{"Software": 0, "Line1": 1}, 0)
	d.enum("ExposureAuto", map[string]int64{"Off": 0, "Once": 1, "Continuous": 2}, 0)
	d.enum("GainAuto", map[string]int64{"Off": 0, "Once": 1, "Continuous": 2}, 0)
	d.float("ExposureTimeAbs", 10000)
	d.float("Gain", 0)
	d.float("AcquisitionFrameRate", cfg.FrameRate)
	d.features["AcquisitionFrameRateEnable"] = &feature{kind: camera.KindBoolean, writable: true}
	d.features["AcquisitionStart"] = &feature{kind: camera.KindCommand, writable: true}
	d.features["AcquisitionStop"] = &feature{kind: camera.KindCommand, writable: true}
	return d
}

func (d *Device) str(name, v string) {
	d.features[name] = &feature{kind: camera.KindString, s: v}
}

func (d *Device) integer(name string, v, min, max int64, writable bool) {
	d.features[name] = &feature{kind: camera.KindInteger, i: v, min: min, max: max, writable: writable}
}

func (d *Device) float(name string, v float64) {
	d.features[name] = &feature{kind: camera.KindFloat, f: v, writable: true}
}

func (d *Device) enum(name string, entries map[string]int64, v int64) {
	d.features[name] = &feature{kind: camera.KindEnumeration, entries: entries, i: v, writable: true}
}

// feature returns the named feature. Must hold d.mu.
func (d *Device) feature(name string) (*feature, error) {
	if d.closed {
		return nil, camera.ErrClosed
	}
	f, ok := d.features[name]
	if !ok {
		return nil, errors.Wrap(camera.ErrNoSuchFeature, name)
	}
	return f, nil
}

func (d *Device) record(name string, v interface{}) {
	d.writes = append(d.writes, fmt.Sprintf("%s=%v", name, v))
	log.Debug("%s: %s=%v", d.name, name, v)
}

// Writes lists every feature write and command, in order, as "Name=value".
func (d *Device) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// Remove deletes a feature, to model cameras that lack it.
func (d *Device) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.features, name)
}

// FailOpenStream makes the next n OpenStream calls fail.
func (d *Device) FailOpenStream(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpen = n
}

// LoseControl simulates the camera dropping off the network.
func (d *Device) LoseControl() {
	d.lostOnce.Do(func() { close(d.lost) })
}

func (d *Device) Info() camera.Info {
	return camera.Info{
		ID:     d.name,
		Vendor: "Lanikai",
		Model:  "Simulator",
		Serial: d.name,
	}
}

func (d *Device) Lookup(name string) (camera.Feature, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.feature(name)
	if err != nil {
		return camera.Feature{}, false
	}
	return camera.Feature{Name: name, Kind: f.kind, Writable: f.writable}, true
}

// Names lists the simulated features, sorted.
func (d *Device) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for n := range d.features {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Device) Integer(name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.feature(name)
	if err != nil {
		return 0, err
	}
	switch f.kind {
	case camera.KindInteger, camera.KindEnumeration, camera.KindBoolean:
		if name == "PayloadSize" {
			return d.payloadSize(), nil
		}
		return f.i, nil
	case camera.KindFloat:
		return int64(f.f), nil
	}
	return 0, errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
}

// payloadSize is Width x Height x bytes per pixel. Must hold d.mu.
func (d *Device) payloadSize() int64 {
	pf := camera.Format{Code: uint32(d.features["PixelFormat"].i)}
	bpp := int64(pf.BytesPerPixel())
	if bpp == 0 {
		bpp = 1
	}
	return d.features["Width"].i * d.features["Height"].i * bpp
}

func (d *Device) Float(name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.feature(name)
	if err != nil {
		return 0, err
	}
	switch f.kind {
	case camera.KindFloat:
		return f.f, nil
	case camera.KindInteger, camera.KindEnumeration, camera.KindBoolean:
		return float64(f.i), nil
	}
	return 0, errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
}

func (d *Device) String(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.feature(name)
	if err != nil {
		return "", err
	}
	switch f.kind {
	case camera.KindString:
		return f.s, nil
	case camera.KindEnumeration:
		for sym, v := range f.entries {
			if v == f.i {
				return sym, nil
			}
		}
		return "", errors.Errorf("%s: no entry for %d", name, f.i)
	case camera.KindInteger:
		return strconv.FormatInt(f.i, 10), nil
	case camera.KindFloat:
		return strconv.FormatFloat(f.f, 'g', -1, 64), nil
	case camera.KindBoolean:
		return strconv.FormatBool(f.i != 0), nil
	}
	return "", errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
}

func (d *Device) writable(name string) (*feature, error) {
	f, err := d.feature(name)
	if err != nil {
		return nil, err
	}
	if !f.writable {
		return nil, errors.Wrap(camera.ErrReadOnly, name)
	}
	return f, nil
}

func (d *Device) SetInteger(name string, v int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setInteger(name, v)
}

// Must hold d.mu.
func (d *Device) setInteger(name string, v int64) error {
	f, err := d.writable(name)
	if err != nil {
		return err
	}
	switch f.kind {
	case camera.KindInteger:
		if f.min != f.max && (v < f.min || v > f.max) {
			return errors.Errorf("%s: %d out of range [%d, %d]", name, v, f.min, f.max)
		}
		f.i = v
	case camera.KindBoolean:
		f.i = 0
		if v != 0 {
			f.i = 1
		}
	case camera.KindEnumeration:
		found := false
		for _, e := range f.entries {
			found = found || e == v
		}
		if !found {
			return errors.Errorf("%s: no entry for %d", name, v)
		}
		f.i = v
	case camera.KindFloat:
		f.f = float64(v)
	default:
		return errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
	}
	d.record(name, v)
	return nil
}

func (d *Device) SetFloat(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.writable(name)
	if err != nil {
		return err
	}
	if f.kind != camera.KindFloat {
		return d.setInteger(name, int64(v))
	}
	f.f = v
	d.record(name, v)
	return nil
}

func (d *Device) SetString(name string, v string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.writable(name)
	if err != nil {
		return err
	}
	switch f.kind {
	case camera.KindEnumeration:
		e, ok := f.entries[v]
		if !ok {
			return errors.Errorf("%s: no entry named %s", name, v)
		}
		f.i = e
	case camera.KindString:
		f.s = v
	default:
		return errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
	}
	d.record(name, v)
	return nil
}

func (d *Device) IntegerBounds(name string) (int64, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.feature(name)
	if err != nil {
		return 0, 0, err
	}
	if f.kind != camera.KindInteger {
		return 0, 0, errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
	}
	return f.min, f.max, nil
}

func (d *Device) Execute(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.feature(name)
	if err != nil {
		return err
	}
	if f.kind != camera.KindCommand {
		return errors.Wrapf(camera.ErrWrongKind, "%s is %v", name, f.kind)
	}
	d.record(name, "execute")
	return nil
}

func (d *Device) PayloadSize() (int, error) {
	n, err := d.Integer("PayloadSize")
	return int(n), err
}

func (d *Device) Region() (camera.Region, error) {
	return camera.ReadRegion(d)
}

func (d *Device) format() camera.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return camera.Format{Code: uint32(d.features["PixelFormat"].i)}
}

func (d *Device) OpenStream(opts stream.Options) (stream.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, camera.ErrClosed
	}
	if d.failOpen > 0 {
		d.failOpen--
		return nil, errors.New("simulated stream failure")
	}
	return newTransport(d), nil
}

func (d *Device) ControlLost() <-chan struct{} {
	return d.lost
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
