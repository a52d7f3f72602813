package camnode

import (
	"bytes"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/stream"
)

// syncBuffer is a bytes.Buffer safe to read while a logger writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLog redirects the package logger for the duration of the test.
func captureLog(t *testing.T) *syncBuffer {
	out := new(syncBuffer)
	saved := log
	log = logging.New("camnode", out)
	log.SetLevel(logging.Info)
	t.Cleanup(func() { log = saved })
	return out
}

// events is an ordered record of calls across fakes.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

// fakeTransport fills buffers only when the test asks it to.
type fakeTransport struct {
	ev      *events
	mu      sync.Mutex
	filler  stream.Filler
	held    []*stream.Buffer
	resent  uint64
	missing uint64
}

func (t *fakeTransport) Start(f stream.Filler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filler = f
	t.ev.add("transport start")
	return nil
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.held {
		b.Status = stream.Aborted
		t.filler.Complete(b)
	}
	t.held = nil
	t.ev.add("transport stop")
	return nil
}

func (t *fakeTransport) Statistics() (uint64, uint64) {
	t.ev.add("statistics")
	return t.resent, t.missing
}

// deliver completes one buffer with the given status. Returns false on
// underrun.
func (t *fakeTransport) deliver(status stream.Status, ts uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.filler.Acquire()
	if b == nil {
		return false
	}
	b.Status = status
	b.Timestamp = ts
	b.Size = len(b.Data)
	for i := range b.Data {
		b.Data[i] = byte(ts)
	}
	t.filler.Complete(b)
	return true
}

// begin keeps a buffer in flight.
func (t *fakeTransport) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b := t.filler.Acquire(); b != nil {
		t.held = append(t.held, b)
	}
}

func (t *fakeTransport) started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filler != nil
}

// fakeDevice implements the features named in its table and records every
// write, command and stream operation.
type fakeDevice struct {
	ev        *events
	features  map[string]camera.Kind
	values    map[string]string
	failOpen  int
	transport *fakeTransport
	lost      chan struct{}
}

func newFakeDevice(ev *events, names ...string) *fakeDevice {
	d := &fakeDevice{
		ev:        ev,
		features:  map[string]camera.Kind{},
		values:    map[string]string{},
		transport: &fakeTransport{ev: ev},
		lost:      make(chan struct{}),
	}
	base := map[string]camera.Kind{
		"DeviceVendorName": camera.KindString,
		"DeviceModelName":  camera.KindString,
		"DeviceID":         camera.KindString,
		"Width":            camera.KindInteger,
		"Height":           camera.KindInteger,
		"PixelFormat":      camera.KindEnumeration,
		"AcquisitionStart": camera.KindCommand,
		"AcquisitionStop":  camera.KindCommand,
	}
	for n, k := range base {
		d.features[n] = k
	}
	for _, n := range names {
		if _, ok := d.features[n]; !ok {
			d.features[n] = camera.KindFloat
		}
	}
	d.values["DeviceVendorName"] = "Acme"
	d.values["DeviceModelName"] = "Eye"
	d.values["DeviceID"] = "42"
	d.values["Width"] = "8"
	d.values["Height"] = "4"
	d.values["PixelFormat"] = "Mono8"
	return d
}

func (d *fakeDevice) Info() camera.Info {
	return camera.Info{ID: "fake:42", Vendor: "Acme"}
}

func (d *fakeDevice) Lookup(name string) (camera.Feature, bool) {
	k, ok := d.features[name]
	return camera.Feature{Name: name, Kind: k, Writable: true}, ok
}

func (d *fakeDevice) check(name string) error {
	if _, ok := d.features[name]; !ok {
		return errors.Wrap(camera.ErrNoSuchFeature, name)
	}
	return nil
}

func (d *fakeDevice) Integer(name string) (int64, error) {
	if err := d.check(name); err != nil {
		return 0, err
	}
	if name == "PixelFormat" {
		return int64(camera.PixelFormats["Mono8"]), nil
	}
	return strconv.ParseInt(d.values[name], 10, 64)
}

func (d *fakeDevice) Float(name string) (float64, error) {
	if err := d.check(name); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(d.values[name], 64)
}

func (d *fakeDevice) String(name string) (string, error) {
	if err := d.check(name); err != nil {
		return "", err
	}
	return d.values[name], nil
}

func (d *fakeDevice) set(name, v string) error {
	if err := d.check(name); err != nil {
		return err
	}
	d.values[name] = v
	d.ev.add("set " + name + "=" + v)
	return nil
}

func (d *fakeDevice) SetInteger(name string, v int64) error {
	return d.set(name, strconv.FormatInt(v, 10))
}

func (d *fakeDevice) SetFloat(name string, v float64) error {
	return d.set(name, strconv.FormatFloat(v, 'g', -1, 64))
}

func (d *fakeDevice) SetString(name string, v string) error {
	return d.set(name, v)
}

func (d *fakeDevice) IntegerBounds(name string) (int64, int64, error) {
	if err := d.check(name); err != nil {
		return 0, 0, err
	}
	return 0, 100, nil
}

func (d *fakeDevice) Execute(name string) error {
	if err := d.check(name); err != nil {
		return err
	}
	d.ev.add("execute " + name)
	return nil
}

func (d *fakeDevice) PayloadSize() (int, error) {
	return 32, nil
}

func (d *fakeDevice) Region() (camera.Region, error) {
	return camera.ReadRegion(d)
}

func (d *fakeDevice) OpenStream(opts stream.Options) (stream.Transport, error) {
	if d.failOpen > 0 {
		d.failOpen--
		return nil, errors.New("no stream today")
	}
	d.ev.add("open stream")
	return d.transport, nil
}

func (d *fakeDevice) ControlLost() <-chan struct{} {
	return d.lost
}

func (d *fakeDevice) Close() error {
	d.ev.add("close")
	return nil
}
