// Package genicam evaluates GenICam register descriptions: the XML feature
// graph a camera publishes to describe its registers.
package genicam

import (
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/logging"
)

var log = logging.DefaultLogger.WithTag("genicam")

// Port is the device memory the register nodes map onto.
type Port interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

const cacheEntries = 512

// NodeMap is a parsed register description bound to a port. It is safe for
// concurrent use.
type NodeMap struct {
	VendorName string
	ModelName  string

	mu    sync.Mutex
	port  Port
	nodes map[string]*node

	// Locally held values of nodes with a literal Value.
	values map[string]string

	// Cachable register contents, keyed by regKey, and the keys each
	// register node populated.
	cache *lru.Cache
	keys  map[string][]regKey

	// Node name to the register nodes it invalidates.
	invalidators map[string][]string
}

// Parse a register description document.
func Parse(data []byte, port Port) (*NodeMap, error) {
	root, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	m := &NodeMap{
		VendorName:   root.attr("VendorName"),
		ModelName:    root.attr("ModelName"),
		port:         port,
		nodes:        make(map[string]*node),
		values:       make(map[string]string),
		cache:        lru.New(cacheEntries),
		keys:         make(map[string][]regKey),
		invalidators: make(map[string][]string),
	}
	m.collect(root.Children)
	log.Debug("Parsed %d nodes for %s %s", len(m.nodes), m.VendorName, m.ModelName)
	return m, nil
}

// Names lists every node, sorted.
func (m *NodeMap) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidate drops all cached register contents.
func (m *NodeMap) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Clear()
	m.keys = make(map[string][]regKey)
}

func kindOf(n *node) (camera.Kind, bool) {
	switch n.kind {
	case "Enumeration":
		return camera.KindEnumeration, true
	case "Boolean":
		return camera.KindBoolean, true
	case "Command":
		return camera.KindCommand, true
	case "StringReg", "String":
		return camera.KindString, true
	}
	if n.isInteger() {
		return camera.KindInteger, true
	}
	if n.isFloat() {
		return camera.KindFloat, true
	}
	return 0, false
}

// Lookup reports whether the named feature exists and is implemented.
func (m *NodeMap) Lookup(name string) (camera.Feature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return camera.Feature{}, false
	}
	kind, ok := kindOf(n)
	if !ok || !m.implemented(n, 0) {
		return camera.Feature{}, false
	}
	return camera.Feature{Name: name, Kind: kind, Writable: m.writable(n, 0)}, true
}

func (m *NodeMap) Integer(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intValue(name, 0)
}

func (m *NodeMap) Float(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.floatValue(name, 0)
}

// String returns string registers, the symbolic name of an enumeration's
// current entry, or the formatted value of numeric features.
func (m *NodeMap) String(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(name, 0)
	if err != nil {
		return "", err
	}
	switch n.kind {
	case "StringReg", "String":
		return m.readString(n, 0)
	case "Enumeration":
		v, err := m.intValue(name, 0)
		if err != nil {
			return "", err
		}
		for _, e := range n.entries {
			if e.value == v {
				return e.symbol, nil
			}
		}
		return "", errors.Errorf("%s: no entry for value %d", name, v)
	case "Boolean":
		v, err := m.intValue(name, 0)
		if err != nil {
			return "", err
		}
		on, ok, _ := m.refInt(n, "OnValue", 0)
		if !ok {
			return strconv.FormatBool(v != 0), nil
		}
		return strconv.FormatBool(v == on), nil
	}
	if n.isFloat() {
		v, err := m.floatValue(name, 0)
		return strconv.FormatFloat(v, 'g', -1, 64), err
	}
	v, err := m.intValue(name, 0)
	return strconv.FormatInt(v, 10), err
}

func (m *NodeMap) SetInteger(name string, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setInt(name, v, 0)
}

func (m *NodeMap) SetFloat(name string, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setFloat(name, v, 0)
}

// SetString selects an enumeration entry by symbolic name, or writes a
// string register.
func (m *NodeMap) SetString(name string, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(name, 0)
	if err != nil {
		return err
	}
	switch n.kind {
	case "Enumeration":
		for _, e := range n.entries {
			if e.symbol != s {
				continue
			}
			if !m.predicate(e.elem, "pIsImplemented", 0) {
				return errors.Wrapf(camera.ErrNotImplemented, "%s=%s", name, s)
			}
			return m.setInt(name, e.value, 0)
		}
		return errors.Errorf("%s: no entry named %s", name, s)
	case "StringReg", "String":
		if !m.writable(n, 0) {
			return errors.Wrap(camera.ErrReadOnly, name)
		}
		if err := m.writeString(n, s, 0); err != nil {
			return err
		}
		m.invalidate(name)
		return nil
	case "Boolean":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		var v int64
		if b {
			v = 1
		}
		return m.setInt(name, v, 0)
	}
	if n.isFloat() {
		v, err := parseFloat(s)
		if err != nil {
			return err
		}
		return m.setFloat(name, v, 0)
	}
	v, err := parseInt(s)
	if err != nil {
		return err
	}
	return m.setInt(name, v, 0)
}

func (m *NodeMap) IntegerBounds(name string) (min, max int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(name, 0)
	if err != nil {
		return 0, 0, err
	}
	return m.intBounds(n, 0)
}

// FloatBounds covers Float nodes; integer features report their integer
// bounds.
func (m *NodeMap) FloatBounds(name string) (min, max float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(name, 0)
	if err != nil {
		return 0, 0, err
	}
	if n.kind != "Float" {
		lo, hi, err := m.intBounds(n, 0)
		return float64(lo), float64(hi), err
	}
	min, max = math.Inf(-1), math.Inf(1)
	if v, ok, err := m.refFloat(n, "Min", 0); ok && err == nil {
		min = v
	}
	if v, ok, err := m.refFloat(n, "Max", 0); ok && err == nil {
		max = v
	}
	return min, max, nil
}

// Execute a command feature.
func (m *NodeMap) Execute(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(name, 0)
	if err != nil {
		return err
	}
	if n.kind != "Command" {
		return errors.Wrapf(camera.ErrWrongKind, "%s is %s", name, n.kind)
	}
	if !m.implemented(n, 0) {
		return errors.Wrap(camera.ErrNotImplemented, name)
	}
	v, ok, err := m.refInt(n, "CommandValue", 0)
	if err != nil {
		return err
	}
	if !ok {
		v = 1
	}
	log.Debug("Execute %s", name)
	return m.setInt(name, v, 0)
}
