package camera

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Info describes a camera found during enumeration.
type Info struct {
	// ID is the qualified identifier, "tag:path".
	ID string

	Vendor  string
	Model   string
	Serial  string
	Address string
}

func (i Info) String() string {
	return i.ID
}

// Backend discovers and opens one family of devices.
type Backend interface {
	// Open a device by its backend-specific path.
	Open(path string) (Device, error)

	// Enumerate the devices currently reachable. Paths in the returned IDs
	// are not yet qualified with the backend tag.
	Enumerate(ctx context.Context) ([]Info, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register a backend, identified by its tag. Devices of this backend are
// opened with identifiers of the form "tag:path".
func Register(tag string, b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = b
}

func backends() (tags []string, list []Backend) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for t := range registry {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	for _, t := range tags {
		list = append(list, registry[t])
	}
	return
}

// Backends lists the registered backend tags, sorted.
func Backends() []string {
	tags, _ := backends()
	return tags
}

// Open a device. The identifier is either "tag:path", or a bare path that is
// tried against every registered backend in tag order.
func Open(id string) (Device, error) {
	tags, list := backends()
	log.Debug("Registered backends: %v", tags)

	if parts := strings.SplitN(id, ":", 2); len(parts) == 2 {
		for i, t := range tags {
			if t == parts[0] {
				return list[i].Open(parts[1])
			}
		}
	}

	var errs []string
	for i, b := range list {
		d, err := b.Open(id)
		if err == nil {
			return d, nil
		}
		errs = append(errs, tags[i]+": "+err.Error())
	}
	if len(errs) == 0 {
		return nil, errors.Errorf("no camera backends registered")
	}
	return nil, errors.Errorf("camera '%s' not found (%s)", id, strings.Join(errs, "; "))
}

// Enumerate lists the devices reachable through every registered backend.
// A failing backend is logged and skipped.
func Enumerate(ctx context.Context) ([]Info, error) {
	tags, list := backends()
	var all []Info
	for i, b := range list {
		found, err := b.Enumerate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			log.Warn("Enumerating %s devices: %v", tags[i], err)
			continue
		}
		for _, info := range found {
			info.ID = tags[i] + ":" + info.ID
			all = append(all, info)
		}
	}
	return all, nil
}
