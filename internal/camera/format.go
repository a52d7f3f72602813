package camera

import (
	"strings"
)

// Format is a pixel format, named as the device reports it and coded per the
// GenICam pixel format naming convention (PFNC).
type Format struct {
	Name string // lower case
	Code uint32
}

// BitsPerPixel is bits 16..23 of the PFNC code.
func (f Format) BitsPerPixel() int {
	return int((f.Code >> 16) & 0xff)
}

// BytesPerPixel truncates, so packed 10/12-bit formats report one byte.
func (f Format) BytesPerPixel() int {
	return f.BitsPerPixel() >> 3
}

func (f Format) String() string {
	return f.Name
}

// PixelFormats maps common PFNC names to their codes.
var PixelFormats = map[string]uint32{
	"Mono8":         0x01080001,
	"Mono10":        0x01100003,
	"Mono10Packed":  0x010C0004,
	"Mono12":        0x01100005,
	"Mono12Packed":  0x010C0006,
	"Mono16":        0x01100007,
	"BayerGR8":      0x01080008,
	"BayerRG8":      0x01080009,
	"BayerGB8":      0x0108000A,
	"BayerBG8":      0x0108000B,
	"BayerGR16":     0x0110002E,
	"BayerRG16":     0x0110002F,
	"BayerGB16":     0x01100030,
	"BayerBG16":     0x01100031,
	"RGB8":          0x02180014,
	"BGR8":          0x02180015,
	"RGBa8":         0x02200016,
	"BGRa8":         0x02200017,
	"YUV422_8_UYVY": 0x0210001F,
	"YUV422_8":      0x02100032,
}

// LookupPixelFormat resolves a PFNC name, ignoring case.
func LookupPixelFormat(name string) (Format, bool) {
	for n, code := range PixelFormats {
		if strings.EqualFold(n, name) {
			return Format{Name: strings.ToLower(n), Code: code}, true
		}
	}
	return Format{}, false
}

type formatReader interface {
	Integer(name string) (int64, error)
	String(name string) (string, error)
}

// ReadFormat reads the PixelFormat feature as both name and code.
func ReadFormat(d formatReader) (Format, error) {
	name, err := d.String("PixelFormat")
	if err != nil {
		return Format{}, err
	}
	code, err := d.Integer("PixelFormat")
	if err != nil {
		return Format{}, err
	}
	return Format{Name: strings.ToLower(name), Code: uint32(code)}, nil
}
