package genicam

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
)

// Nodes reference each other by name; a register description with a cycle
// would otherwise recurse forever.
const maxDepth = 32

var ErrCycle = errors.New("node reference depth exceeded")

func (m *NodeMap) lookup(name string, depth int) (*node, error) {
	if depth > maxDepth {
		return nil, errors.Wrap(ErrCycle, name)
	}
	n, ok := m.nodes[name]
	if !ok {
		return nil, errors.Wrap(camera.ErrNoSuchFeature, name)
	}
	return n, nil
}

// ref reads a property that is either a literal child element (prop) or a
// reference to another node (p+prop).
func (m *NodeMap) refInt(n *node, prop string, depth int) (int64, bool, error) {
	if s, ok := n.text(prop); ok {
		v, err := parseInt(s)
		return v, true, err
	}
	if ref, ok := n.text("p" + prop); ok {
		v, err := m.intValue(ref, depth+1)
		return v, true, err
	}
	return 0, false, nil
}

func (m *NodeMap) refFloat(n *node, prop string, depth int) (float64, bool, error) {
	if s, ok := n.text(prop); ok {
		v, err := parseFloat(s)
		return v, true, err
	}
	if ref, ok := n.text("p" + prop); ok {
		v, err := m.floatValue(ref, depth+1)
		return v, true, err
	}
	return 0, false, nil
}

func (m *NodeMap) implemented(n *node, depth int) bool {
	return m.predicate(n.elem, "pIsImplemented", depth) && m.predicate(n.elem, "pIsAvailable", depth)
}

// predicate is true unless every referenced node evaluates to zero, or
// evaluation fails.
func (m *NodeMap) predicate(e *element, prop string, depth int) bool {
	for _, c := range e.Children {
		if c.XMLName.Local != prop {
			continue
		}
		v, err := m.intValue(c.text(), depth+1)
		if err != nil || v == 0 {
			return false
		}
	}
	return true
}

func (m *NodeMap) writable(n *node, depth int) bool {
	if depth > maxDepth {
		return false
	}
	for _, prop := range []string{"AccessMode", "ImposedAccessMode"} {
		if s, _ := n.text(prop); s == "RO" {
			return false
		}
	}
	switch n.kind {
	case "SwissKnife", "IntSwissKnife":
		return false
	}
	if ref, ok := n.text("pValue"); ok {
		target, err := m.lookup(ref, depth+1)
		return err == nil && m.writable(target, depth+1)
	}
	return true
}

func (m *NodeMap) intValue(name string, depth int) (int64, error) {
	n, err := m.lookup(name, depth)
	if err != nil {
		return 0, err
	}
	switch n.kind {
	case "Integer", "Enumeration", "Boolean", "Command":
		if s, ok := m.values[name]; ok {
			return parseInt(s)
		}
		v, ok, err := m.refInt(n, "Value", depth)
		if !ok {
			return 0, errors.Errorf("%s has no value", name)
		}
		return v, err
	case "IntReg", "MaskedIntReg":
		return m.readInt(n, depth)
	case "IntSwissKnife":
		return m.formulaInt(n, "Formula", nil, depth)
	case "IntConverter":
		to, err := m.intValue(n.textOr("pValue", ""), depth+1)
		if err != nil {
			return 0, err
		}
		return m.formulaInt(n, "FormulaFrom", map[string]int64{"TO": to}, depth)
	}
	if n.isFloat() {
		f, err := m.floatValue(name, depth)
		return int64(math.Round(f)), err
	}
	return 0, errors.Wrapf(camera.ErrWrongKind, "%s is %s", name, n.kind)
}

func (m *NodeMap) floatValue(name string, depth int) (float64, error) {
	n, err := m.lookup(name, depth)
	if err != nil {
		return 0, err
	}
	switch n.kind {
	case "Float":
		if s, ok := m.values[name]; ok {
			return parseFloat(s)
		}
		v, ok, err := m.refFloat(n, "Value", depth)
		if !ok {
			return 0, errors.Errorf("%s has no value", name)
		}
		return v, err
	case "FloatReg":
		return m.readFloat(n, depth)
	case "SwissKnife":
		return m.formulaFloat(n, "Formula", nil, depth)
	case "Converter":
		to, err := m.floatValue(n.textOr("pValue", ""), depth+1)
		if err != nil {
			return 0, err
		}
		return m.formulaFloat(n, "FormulaFrom", map[string]float64{"TO": to}, depth)
	}
	v, err := m.intValue(name, depth)
	return float64(v), err
}

func (m *NodeMap) setInt(name string, v int64, depth int) error {
	n, err := m.lookup(name, depth)
	if err != nil {
		return err
	}
	if !m.writable(n, depth) {
		return errors.Wrap(camera.ErrReadOnly, name)
	}
	switch n.kind {
	case "Integer":
		if err := m.checkIntBounds(n, v, depth); err != nil {
			return err
		}
		err = m.store(n, v, depth)
	case "Enumeration", "Command":
		err = m.store(n, v, depth)
	case "Boolean":
		on, ok, _ := m.refInt(n, "OnValue", depth)
		if !ok {
			on = 1
		}
		off, _, _ := m.refInt(n, "OffValue", depth)
		if v != 0 {
			v = on
		} else {
			v = off
		}
		err = m.store(n, v, depth)
	case "IntReg", "MaskedIntReg":
		err = m.writeInt(n, v, depth)
	case "IntConverter":
		var raw int64
		raw, err = m.formulaInt(n, "FormulaTo", map[string]int64{"FROM": v}, depth)
		if err == nil {
			err = m.setInt(n.textOr("pValue", ""), raw, depth+1)
		}
	default:
		if n.isFloat() {
			return m.setFloat(name, float64(v), depth)
		}
		return errors.Wrapf(camera.ErrWrongKind, "%s is %s", name, n.kind)
	}
	if err != nil {
		return err
	}
	m.invalidate(name)
	return nil
}

// store writes through pValue, or keeps the value locally when the node
// carries a literal Value.
func (m *NodeMap) store(n *node, v int64, depth int) error {
	if ref, ok := n.text("pValue"); ok {
		return m.setInt(ref, v, depth+1)
	}
	m.values[n.name] = strconv.FormatInt(v, 10)
	return nil
}

func (m *NodeMap) setFloat(name string, v float64, depth int) error {
	n, err := m.lookup(name, depth)
	if err != nil {
		return err
	}
	if !m.writable(n, depth) {
		return errors.Wrap(camera.ErrReadOnly, name)
	}
	switch n.kind {
	case "Float":
		min, hasMin, _ := m.refFloat(n, "Min", depth)
		max, hasMax, _ := m.refFloat(n, "Max", depth)
		if hasMin && v < min || hasMax && v > max {
			return errors.Errorf("%s: %g out of range [%g, %g]", name, v, min, max)
		}
		if ref, ok := n.text("pValue"); ok {
			err = m.setFloat(ref, v, depth+1)
		} else {
			m.values[name] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	case "FloatReg":
		err = m.writeFloat(n, v, depth)
	case "Converter":
		var raw float64
		raw, err = m.formulaFloat(n, "FormulaTo", map[string]float64{"FROM": v}, depth)
		if err == nil {
			err = m.setFloat(n.textOr("pValue", ""), raw, depth+1)
		}
	default:
		return m.setInt(name, int64(math.Round(v)), depth)
	}
	if err != nil {
		return err
	}
	m.invalidate(name)
	return nil
}

func (m *NodeMap) checkIntBounds(n *node, v int64, depth int) error {
	min, max, err := m.intBounds(n, depth)
	if err != nil {
		return nil
	}
	if v < min || v > max {
		return errors.Errorf("%s: %d out of range [%d, %d]", n.name, v, min, max)
	}
	if inc, ok, _ := m.refInt(n, "Inc", depth); ok && inc > 1 && (v-min)%inc != 0 {
		return errors.Errorf("%s: %d is not a multiple of %d from %d", n.name, v, inc, min)
	}
	return nil
}

func (m *NodeMap) intBounds(n *node, depth int) (min, max int64, err error) {
	switch n.kind {
	case "Integer":
		min, max = math.MinInt64, math.MaxInt64
		if ref, ok := n.text("pValue"); ok {
			if target, err := m.lookup(ref, depth+1); err == nil {
				min, max, _ = m.intBounds(target, depth+1)
			}
		}
		if v, ok, err := m.refInt(n, "Min", depth); ok && err == nil {
			min = v
		}
		if v, ok, err := m.refInt(n, "Max", depth); ok && err == nil {
			max = v
		}
		return min, max, nil
	case "IntReg":
		length, err := m.length(n, depth)
		if err != nil {
			return 0, 0, err
		}
		return regBounds(8*length, n.signed())
	case "MaskedIntReg":
		length, err := m.length(n, depth)
		if err != nil {
			return 0, 0, err
		}
		lsb, msb := m.bitRange(n, 8*length)
		return regBounds(msb-lsb+1, n.signed())
	case "Enumeration":
		first := true
		for _, e := range n.entries {
			if !m.predicate(e.elem, "pIsImplemented", depth) {
				continue
			}
			if first || e.value < min {
				min = e.value
			}
			if first || e.value > max {
				max = e.value
			}
			first = false
		}
		if first {
			return 0, 0, errors.Errorf("%s has no implemented entries", n.name)
		}
		return min, max, nil
	}
	return 0, 0, errors.Wrapf(camera.ErrWrongKind, "%s is %s", n.name, n.kind)
}

func regBounds(bits int, signed bool) (int64, int64, error) {
	switch {
	case bits <= 0:
		return 0, 0, errors.New("empty register")
	case bits >= 64:
		if signed {
			return math.MinInt64, math.MaxInt64, nil
		}
		return 0, math.MaxInt64, nil
	case signed:
		return -(1 << (bits - 1)), 1<<(bits-1) - 1, nil
	}
	return 0, 1<<bits - 1, nil
}

// Registers

type regKey struct {
	addr   uint64
	length int
}

func (m *NodeMap) address(n *node, depth int) (uint64, error) {
	var addr int64
	for _, c := range n.children("Address") {
		v, err := parseInt(c.text())
		if err != nil {
			return 0, errors.Wrapf(err, "%s address", n.name)
		}
		addr += v
	}
	for _, c := range n.children("pAddress") {
		v, err := m.intValue(c.text(), depth+1)
		if err != nil {
			return 0, err
		}
		addr += v
	}
	for _, c := range n.children("pIndex") {
		index, err := m.intValue(c.text(), depth+1)
		if err != nil {
			return 0, err
		}
		var offset int64 = 1
		if s := c.attr("Offset"); s != "" {
			offset, err = parseInt(s)
		} else if ref := c.attr("pOffset"); ref != "" {
			offset, err = m.intValue(ref, depth+1)
		}
		if err != nil {
			return 0, err
		}
		addr += index * offset
	}
	return uint64(addr), nil
}

func (m *NodeMap) length(n *node, depth int) (int, error) {
	v, ok, err := m.refInt(n, "Length", depth)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 4, nil
	}
	if v <= 0 || v > 1<<20 {
		return 0, errors.Errorf("%s: bad length %d", n.name, v)
	}
	return int(v), nil
}

// bitRange returns lsb <= msb, numbered from the least significant bit of
// the register value. Big-endian descriptions number from the most
// significant bit.
func (m *NodeMap) bitRange(n *node, bits int) (lsb, msb int) {
	if s, ok := n.text("Bit"); ok {
		b, _ := parseInt(s)
		lsb, msb = int(b), int(b)
	} else {
		l, _ := parseInt(n.textOr("LSB", "0"))
		h, _ := parseInt(n.textOr("MSB", strconv.Itoa(bits-1)))
		lsb, msb = int(l), int(h)
	}
	if n.bigEndian() {
		lsb, msb = bits-1-lsb, bits-1-msb
	}
	if lsb > msb {
		lsb, msb = msb, lsb
	}
	return lsb, msb
}

func (m *NodeMap) readRegister(n *node, depth int) ([]byte, error) {
	if m.port == nil {
		return nil, errors.Errorf("%s: no port", n.name)
	}
	addr, err := m.address(n, depth)
	if err != nil {
		return nil, err
	}
	length, err := m.length(n, depth)
	if err != nil {
		return nil, err
	}
	key := regKey{addr, length}
	cachable := n.textOr("Cachable", "WriteThrough") != "NoCache"
	if cachable {
		if v, ok := m.cache.Get(key); ok {
			return v.([]byte), nil
		}
	}
	buf := make([]byte, length)
	if err := m.port.ReadMemory(addr, buf); err != nil {
		return nil, errors.Wrapf(err, "read %s at 0x%08x", n.name, addr)
	}
	if cachable {
		m.cache.Add(key, buf)
		m.keys[n.name] = appendKey(m.keys[n.name], key)
	}
	return buf, nil
}

func (m *NodeMap) writeRegister(n *node, data []byte, depth int) error {
	if m.port == nil {
		return errors.Errorf("%s: no port", n.name)
	}
	addr, err := m.address(n, depth)
	if err != nil {
		return err
	}
	if err := m.port.WriteMemory(addr, data); err != nil {
		return errors.Wrapf(err, "write %s at 0x%08x", n.name, addr)
	}
	key := regKey{addr, len(data)}
	m.cache.Remove(key)
	if n.textOr("Cachable", "WriteThrough") == "WriteThrough" {
		m.cache.Add(key, append([]byte(nil), data...))
		m.keys[n.name] = appendKey(m.keys[n.name], key)
	}
	return nil
}

func appendKey(keys []regKey, key regKey) []regKey {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

// invalidate drops cached registers of every node naming this one as its
// pInvalidator.
func (m *NodeMap) invalidate(name string) {
	for _, dep := range m.invalidators[name] {
		for _, key := range m.keys[dep] {
			m.cache.Remove(key)
		}
		delete(m.keys, dep)
	}
}

func decodeUint(data []byte, big bool) uint64 {
	var v uint64
	for i := range data {
		b := data[i]
		if !big {
			b = data[len(data)-1-i]
		}
		v = v<<8 | uint64(b)
	}
	return v
}

func encodeUint(v uint64, length int, big bool) []byte {
	data := make([]byte, length)
	for i := 0; i < length; i++ {
		b := byte(v >> (8 * uint(i)))
		if big {
			data[length-1-i] = b
		} else {
			data[i] = b
		}
	}
	return data
}

func (m *NodeMap) readInt(n *node, depth int) (int64, error) {
	data, err := m.readRegister(n, depth)
	if err != nil {
		return 0, err
	}
	if len(data) > 8 {
		return 0, errors.Errorf("%s: %d-byte register is not an integer", n.name, len(data))
	}
	raw := decodeUint(data, n.bigEndian())
	bits := 8 * len(data)
	if n.kind == "MaskedIntReg" {
		lsb, msb := m.bitRange(n, bits)
		bits = msb - lsb + 1
		raw = (raw >> uint(lsb)) & mask(bits)
	}
	if n.signed() && bits < 64 && raw&(1<<uint(bits-1)) != 0 {
		return int64(raw) - 1<<uint(bits), nil
	}
	return int64(raw), nil
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(bits) - 1
}

func (m *NodeMap) writeInt(n *node, v int64, depth int) error {
	length, err := m.length(n, depth)
	if err != nil {
		return err
	}
	if length > 8 {
		return errors.Errorf("%s: %d-byte register is not an integer", n.name, length)
	}
	raw := uint64(v)
	if n.kind == "MaskedIntReg" {
		current, err := m.readRegister(n, depth)
		if err != nil {
			return err
		}
		lsb, msb := m.bitRange(n, 8*length)
		field := mask(msb-lsb+1) << uint(lsb)
		raw = decodeUint(current, n.bigEndian())&^field | (uint64(v)<<uint(lsb))&field
	}
	return m.writeRegister(n, encodeUint(raw, length, n.bigEndian()), depth)
}

func (m *NodeMap) readFloat(n *node, depth int) (float64, error) {
	data, err := m.readRegister(n, depth)
	if err != nil {
		return 0, err
	}
	order := byteOrder(n)
	switch len(data) {
	case 4:
		return float64(math.Float32frombits(order.Uint32(data))), nil
	case 8:
		return math.Float64frombits(order.Uint64(data)), nil
	}
	return 0, errors.Errorf("%s: bad float length %d", n.name, len(data))
}

func (m *NodeMap) writeFloat(n *node, v float64, depth int) error {
	length, err := m.length(n, depth)
	if err != nil {
		return err
	}
	data := make([]byte, length)
	order := byteOrder(n)
	switch length {
	case 4:
		order.PutUint32(data, math.Float32bits(float32(v)))
	case 8:
		order.PutUint64(data, math.Float64bits(v))
	default:
		return errors.Errorf("%s: bad float length %d", n.name, length)
	}
	return m.writeRegister(n, data, depth)
}

func byteOrder(n *node) binary.ByteOrder {
	if n.bigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (m *NodeMap) readString(n *node, depth int) (string, error) {
	if n.kind == "String" {
		if s, ok := m.values[n.name]; ok {
			return s, nil
		}
		return n.textOr("Value", ""), nil
	}
	data, err := m.readRegister(n, depth)
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

func (m *NodeMap) writeString(n *node, s string, depth int) error {
	if n.kind == "String" {
		m.values[n.name] = s
		return nil
	}
	length, err := m.length(n, depth)
	if err != nil {
		return err
	}
	if len(s) > length {
		return errors.Errorf("%s: %d bytes do not fit in %d", n.name, len(s), length)
	}
	data := make([]byte, length)
	copy(data, s)
	return m.writeRegister(n, data, depth)
}

// Formulas

type scope struct {
	m      *NodeMap
	n      *node
	depth  int
	ints   map[string]int64
	floats map[string]float64
}

func (s *scope) variable(name string) (*element, string) {
	for _, c := range s.n.elem.Children {
		if c.attr("Name") != name {
			continue
		}
		switch c.XMLName.Local {
		case "pVariable", "Constant", "Expression":
			return c, c.XMLName.Local
		}
	}
	return nil, ""
}

func (s *scope) intVar(name string) (int64, error) {
	if v, ok := s.ints[name]; ok {
		return v, nil
	}
	if v, ok := s.floats[name]; ok {
		return int64(v), nil
	}
	c, kind := s.variable(name)
	switch kind {
	case "pVariable":
		return s.m.intValue(c.text(), s.depth+1)
	case "Constant":
		return parseInt(c.text())
	case "Expression":
		e, ok := s.n.formulas["Expression:"+name]
		if !ok {
			return 0, errors.Errorf("%s: bad expression %s", s.n.name, name)
		}
		return evalInt(e, s)
	}
	return 0, errors.Errorf("%s: unknown variable %s", s.n.name, name)
}

func (s *scope) floatVar(name string) (float64, error) {
	if v, ok := s.floats[name]; ok {
		return v, nil
	}
	if v, ok := s.ints[name]; ok {
		return float64(v), nil
	}
	c, kind := s.variable(name)
	switch kind {
	case "pVariable":
		return s.m.floatValue(c.text(), s.depth+1)
	case "Constant":
		return parseFloat(c.text())
	case "Expression":
		e, ok := s.n.formulas["Expression:"+name]
		if !ok {
			return 0, errors.Errorf("%s: bad expression %s", s.n.name, name)
		}
		return evalFloat(e, s)
	}
	return 0, errors.Errorf("%s: unknown variable %s", s.n.name, name)
}

func (m *NodeMap) formulaInt(n *node, key string, vars map[string]int64, depth int) (int64, error) {
	e, ok := n.formulas[key]
	if !ok {
		return 0, errors.Errorf("%s: missing or invalid %s", n.name, key)
	}
	return evalInt(e, &scope{m: m, n: n, depth: depth, ints: vars})
}

func (m *NodeMap) formulaFloat(n *node, key string, vars map[string]float64, depth int) (float64, error) {
	e, ok := n.formulas[key]
	if !ok {
		return 0, errors.Errorf("%s: missing or invalid %s", n.name, key)
	}
	return evalFloat(e, &scope{m: m, n: n, depth: depth, floats: vars})
}
