//////////////////////////////////////////////////////////////////////////////
//
// Camera capability probing and startup configuration
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camnode

import (
	"github.com/lanikai/camnode/internal/camera"
)

// Features probed once after the device opens.
var probedFeatures = []string{
	"AcquisitionMode",
	"GainRaw",
	"Gain",
	"ExposureTimeAbs",
	"ExposureAuto",
	"GainAuto",
	"TriggerSelector",
	"TriggerSource",
	"TriggerMode",
	"FocusPos",
	"GevSCPSPacketSize",
	"AcquisitionFrameRateEnable",
	"AcquisitionFrameRate",
	"AcquisitionFrameRateAbs",
	"SensorWidth",
	"SensorHeight",
}

// Capabilities records which optional features the device implements. It is
// read-only once ProbeCapabilities returns, except for the focus bounds
// filled in by Configure.
type Capabilities struct {
	implemented map[string]bool

	// Feature names used for frame rate and gain, or empty if the device
	// has neither variant.
	FrameRateKey string
	GainKey      string

	FocusMin, FocusMax int64
}

type featureLookup interface {
	Lookup(name string) (camera.Feature, bool)
}

func ProbeCapabilities(d featureLookup) *Capabilities {
	c := &Capabilities{implemented: make(map[string]bool)}
	for _, name := range probedFeatures {
		_, ok := d.Lookup(name)
		c.implemented[name] = ok
	}
	for _, key := range []string{"AcquisitionFrameRate", "AcquisitionFrameRateAbs"} {
		if c.implemented[key] {
			c.FrameRateKey = key
			break
		}
	}
	for _, key := range []string{"GainRaw", "Gain"} {
		if c.implemented[key] {
			c.GainKey = key
			break
		}
	}
	return c
}

// Has reports whether the feature was probed and found.
func (c *Capabilities) Has(name string) bool {
	return c.implemented[name]
}

func (c *Capabilities) CanSetFrameRate() bool { return c.FrameRateKey != "" }
func (c *Capabilities) CanSetExposure() bool  { return c.Has("ExposureTimeAbs") }
func (c *Capabilities) CanSetGain() bool      { return c.GainKey != "" }

// Settings are initial feature values. Nil pointers and a zero packet size
// leave the camera as it is.
type Settings struct {
	ExposureTimeAbs *float64
	Gain            *float64
	FrameRate       *float64
	PacketSize      int
}

// Configure applies the startup writes. Each is attempted once, and only if
// the feature it touches is implemented. Failed writes are logged and
// otherwise ignored.
func (c *Capabilities) Configure(d camera.Device, s Settings) {
	warn := func(err error) {
		if err != nil {
			log.Warn("%v", err)
		}
	}

	if c.Has("FocusPos") {
		lo, hi, err := d.IntegerBounds("FocusPos")
		warn(err)
		c.FocusMin, c.FocusMax = lo, hi
	}

	if c.Has("AcquisitionFrameRateEnable") {
		warn(d.SetInteger("AcquisitionFrameRateEnable", 1))
	}
	if c.Has("TriggerMode") && c.Has("TriggerSelector") {
		warn(d.SetString("TriggerSelector", "AcquisitionStart"))
		warn(d.SetString("TriggerMode", "Off"))
		warn(d.SetString("TriggerSelector", "FrameStart"))
		warn(d.SetString("TriggerMode", "Off"))
	}

	if s.ExposureTimeAbs != nil && c.CanSetExposure() {
		warn(d.SetFloat("ExposureTimeAbs", *s.ExposureTimeAbs))
	}
	if s.Gain != nil && c.CanSetGain() {
		if c.GainKey == "GainRaw" {
			warn(d.SetInteger("GainRaw", int64(*s.Gain)))
		} else {
			warn(d.SetFloat("Gain", *s.Gain))
		}
	}
	if s.FrameRate != nil && c.CanSetFrameRate() {
		warn(d.SetFloat(c.FrameRateKey, *s.FrameRate))
	}
	if s.PacketSize > 0 && c.Has("GevSCPSPacketSize") {
		warn(d.SetInteger("GevSCPSPacketSize", int64(s.PacketSize)))
	}
}

func yesNo(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Summary logs the configuration the camera ended up with.
func (c *Capabilities) Summary(d camera.Device, r camera.Region, f camera.Format) {
	str := func(name string) string {
		v, err := d.String(name)
		if err != nil {
			return "(" + err.Error() + ")"
		}
		return v
	}
	optional := func(name string) string {
		if !c.Has(name) {
			return "(not implemented in camera)"
		}
		return str(name)
	}
	integer := func(name string) int64 {
		if !c.Has(name) {
			return 0
		}
		v, _ := d.Integer(name)
		return v
	}

	log.Info("    Using Camera Configuration:")
	log.Info("    ---------------------------")
	log.Info("    Vendor name          = %s", str("DeviceVendorName"))
	log.Info("    Model name           = %s", str("DeviceModelName"))
	log.Info("    Device id            = %s", str("DeviceID"))
	log.Info("    Sensor width         = %d", integer("SensorWidth"))
	log.Info("    Sensor height        = %d", integer("SensorHeight"))
	log.Info("    ROI x,y,w,h          = %d, %d, %d, %d", r.X, r.Y, r.Width, r.Height)
	log.Info("    Pixel format         = %s", f.Name)
	log.Info("    BytesPerPixel        = %d", f.BytesPerPixel())
	log.Info("    Acquisition Mode     = %s", optional("AcquisitionMode"))
	log.Info("    Trigger Mode         = %s", optional("TriggerMode"))
	log.Info("    Trigger Source       = %s", optional("TriggerSource"))
	log.Info("    Can set FrameRate:     %s", yesNo(c.CanSetFrameRate()))
	if c.CanSetFrameRate() {
		if v, err := d.Float(c.FrameRateKey); err == nil {
			log.Info("    AcquisitionFrameRate = %g hz", v)
		}
	}
	log.Info("    Can set Exposure:      %s", yesNo(c.CanSetExposure()))
	if c.CanSetExposure() {
		log.Info("    Can set ExposureAuto:  %s", yesNo(c.Has("ExposureAuto")))
	}
	log.Info("    Can set Gain:          %s", yesNo(c.CanSetGain()))
	if c.CanSetGain() {
		log.Info("    Can set GainAuto:      %s", yesNo(c.Has("GainAuto")))
	}
	log.Info("    Can set FocusPos:      %s", yesNo(c.Has("FocusPos")))
	if c.Has("FocusPos") {
		log.Info("    FocusPos range       = [%d, %d]", c.FocusMin, c.FocusMax)
	}
	if c.Has("GevSCPSPacketSize") {
		log.Info("    Network mtu          = %d", integer("GevSCPSPacketSize"))
	}
	log.Info("    ---------------------------")
}
