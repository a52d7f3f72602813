package camera

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDevice struct {
	Device
	path     string
	integers map[string]int64
	strings  map[string]string
}

func (d *stubDevice) Integer(name string) (int64, error) {
	if v, ok := d.integers[name]; ok {
		return v, nil
	}
	return 0, ErrNoSuchFeature
}

func (d *stubDevice) String(name string) (string, error) {
	if v, ok := d.strings[name]; ok {
		return v, nil
	}
	return "", ErrNoSuchFeature
}

type stubBackend struct {
	known []string
	fail  bool
}

func (b *stubBackend) Open(path string) (Device, error) {
	for _, k := range b.known {
		if k == path {
			return &stubDevice{path: path}, nil
		}
	}
	return nil, errors.Errorf("unknown device %s", path)
}

func (b *stubBackend) Enumerate(ctx context.Context) ([]Info, error) {
	if b.fail {
		return nil, errors.New("interface down")
	}
	var infos []Info
	for _, k := range b.known {
		infos = append(infos, Info{ID: k})
	}
	return infos, nil
}

func withRegistry(t *testing.T, backends map[string]Backend) {
	registryMu.Lock()
	saved := registry
	registry = backends
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	})
}

func TestOpenQualifiedAndBare(t *testing.T) {
	withRegistry(t, map[string]Backend{
		"alpha": &stubBackend{known: []string{"a1"}},
		"beta":  &stubBackend{known: []string{"b1", "Vendor-42"}},
	})

	d, err := Open("beta:b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", d.(*stubDevice).path)

	d, err = Open("Vendor-42")
	require.NoError(t, err)
	assert.Equal(t, "Vendor-42", d.(*stubDevice).path)

	_, err = Open("alpha:b1")
	assert.Error(t, err)

	_, err = Open("nowhere")
	assert.Error(t, err)
}

func TestOpenWithoutBackends(t *testing.T) {
	withRegistry(t, map[string]Backend{})
	_, err := Open("anything")
	assert.Error(t, err)
}

func TestEnumerateQualifiesAndSkipsFailures(t *testing.T) {
	withRegistry(t, map[string]Backend{
		"alpha": &stubBackend{known: []string{"a1", "a2"}},
		"beta":  &stubBackend{fail: true},
		"gamma": &stubBackend{known: []string{"g1"}},
	})

	infos, err := Enumerate(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, i := range infos {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []string{"alpha:a1", "alpha:a2", "gamma:g1"}, ids)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, Backends())
}

func TestFormatBytesPerPixel(t *testing.T) {
	f, ok := LookupPixelFormat("mono8")
	require.True(t, ok)
	assert.Equal(t, "mono8", f.Name)
	assert.Equal(t, 1, f.BytesPerPixel())

	f, _ = LookupPixelFormat("RGB8")
	assert.Equal(t, 3, f.BytesPerPixel())

	f, _ = LookupPixelFormat("Mono16")
	assert.Equal(t, 2, f.BytesPerPixel())

	f, _ = LookupPixelFormat("Mono12Packed")
	assert.Equal(t, 1, f.BytesPerPixel())

	_, ok = LookupPixelFormat("Unobtainium8")
	assert.False(t, ok)
}

func TestReadRegionAndFormat(t *testing.T) {
	d := &stubDevice{
		integers: map[string]int64{
			"Width": 640, "Height": 480, "OffsetX": 16,
			"PixelFormat": int64(PixelFormats["BayerRG8"]),
		},
		strings: map[string]string{"PixelFormat": "BayerRG8"},
	}

	r, err := ReadRegion(d)
	require.NoError(t, err)
	assert.Equal(t, Region{X: 16, Y: 0, Width: 640, Height: 480}, r)

	f, err := ReadFormat(d)
	require.NoError(t, err)
	assert.Equal(t, "bayerrg8", f.Name)
	assert.Equal(t, 1, f.BytesPerPixel())
}
