// Package camera defines the device abstraction shared by the camera
// backends, and a registry to open devices by identifier.
package camera

import (
	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/stream"
)

var log = logging.DefaultLogger.WithTag("camera")

var (
	ErrNoSuchFeature  = errors.New("no such feature")
	ErrNotImplemented = errors.New("feature not implemented")
	ErrWrongKind      = errors.New("feature has wrong kind")
	ErrReadOnly       = errors.New("feature is read-only")
	ErrClosed         = errors.New("device closed")
)

// Kind is the interface type of a device feature.
type Kind int

const (
	KindInteger Kind = iota + 1
	KindFloat
	KindString
	KindEnumeration
	KindBoolean
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindEnumeration:
		return "Enumeration"
	case KindBoolean:
		return "Boolean"
	case KindCommand:
		return "Command"
	}
	return "Unknown"
}

// Feature describes a named device feature that exists and is implemented.
type Feature struct {
	Name     string
	Kind     Kind
	Writable bool
}

// Device is an open camera. Enumeration features answer to both Integer
// (entry value) and String (symbolic name). Implementations need not be safe
// for concurrent use, except for ControlLost and Close.
type Device interface {
	// Info identifies the device.
	Info() Info

	// Lookup reports whether the named feature exists and is implemented.
	Lookup(name string) (Feature, bool)

	Integer(name string) (int64, error)
	Float(name string) (float64, error)
	String(name string) (string, error)
	SetInteger(name string, v int64) error
	SetFloat(name string, v float64) error
	SetString(name string, v string) error
	IntegerBounds(name string) (min, max int64, err error)
	Execute(name string) error

	// PayloadSize is the number of bytes needed to hold one frame.
	PayloadSize() (int, error)

	// Region returns the current region of interest.
	Region() (Region, error)

	OpenStream(opts stream.Options) (stream.Transport, error)

	// ControlLost is closed when the device stops answering, or another
	// host takes control.
	ControlLost() <-chan struct{}

	Close() error
}

// Region is a sensor window, in pixels.
type Region struct {
	X, Y          int64
	Width, Height int64
}

type integerReader interface {
	Integer(name string) (int64, error)
}

// ReadRegion reads OffsetX, OffsetY, Width and Height. Missing offsets read
// as zero.
func ReadRegion(d integerReader) (r Region, err error) {
	if r.Width, err = d.Integer("Width"); err != nil {
		return r, err
	}
	if r.Height, err = d.Integer("Height"); err != nil {
		return r, err
	}
	if x, err := d.Integer("OffsetX"); err == nil {
		r.X = x
	}
	if y, err := d.Integer("OffsetY"); err == nil {
		r.Y = y
	}
	return r, nil
}
