package genicam

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type entry struct {
	symbol string
	value  int64
	elem   *element
}

type node struct {
	kind    string
	name    string
	elem    *element
	entries []*entry

	// Parsed Formula, FormulaTo, FormulaFrom and named Expression children.
	formulas map[string]expr
}

func newNode(kind, name string, e *element) *node {
	n := &node{kind: kind, name: name, elem: e, formulas: map[string]expr{}}
	for _, c := range e.Children {
		switch c.XMLName.Local {
		case "Formula", "FormulaTo", "FormulaFrom":
			n.parseFormula(c.XMLName.Local, c.text())
		case "Expression":
			n.parseFormula("Expression:"+c.attr("Name"), c.text())
		case "EnumEntry":
			ent := &entry{symbol: c.attr("Name"), elem: c}
			for _, p := range c.Children {
				switch p.XMLName.Local {
				case "Symbolic":
					ent.symbol = p.text()
				case "Value":
					ent.value, _ = parseInt(p.text())
				}
			}
			n.entries = append(n.entries, ent)
		}
	}
	return n
}

func (n *node) parseFormula(key, src string) {
	e, err := parseFormula(src)
	if err != nil {
		log.Debug("Node %s: %s: %v", n.name, key, err)
		return
	}
	n.formulas[key] = e
}

func (n *node) children(prop string) []*element {
	var list []*element
	for _, c := range n.elem.Children {
		if c.XMLName.Local == prop {
			list = append(list, c)
		}
	}
	return list
}

func (n *node) text(prop string) (string, bool) {
	for _, c := range n.elem.Children {
		if c.XMLName.Local == prop {
			return c.text(), true
		}
	}
	return "", false
}

func (n *node) textOr(prop, fallback string) string {
	if s, ok := n.text(prop); ok && s != "" {
		return s
	}
	return fallback
}

func (n *node) isInteger() bool {
	switch n.kind {
	case "Integer", "IntReg", "MaskedIntReg", "IntSwissKnife", "IntConverter",
		"Enumeration", "Boolean", "Command":
		return true
	}
	return false
}

func (n *node) isFloat() bool {
	switch n.kind {
	case "Float", "FloatReg", "SwissKnife", "Converter":
		return true
	}
	return false
}

func (n *node) bigEndian() bool {
	return n.textOr("Endianess", "LittleEndian") == "BigEndian"
}

func (n *node) signed() bool {
	return n.textOr("Sign", "Unsigned") == "Signed"
}

// parseInt accepts decimal and 0x-prefixed hexadecimal, as register
// descriptions use both.
func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("bad integer %q", s)
	}
	return int64(v), nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := parseInt(s)
		return float64(v), err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("bad float %q", s)
	}
	return v, nil
}
