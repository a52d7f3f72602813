package genicam

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html/charset"
)

// element is a generic XML element. Register descriptions have dozens of
// node types sharing a small set of child properties, so nodes are kept as
// loosely typed trees and interpreted on access.
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []*element `xml:",any"`
}

func (e *element) attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (e *element) text() string {
	return strings.TrimSpace(e.Text)
}

// Load parses a register description fetched from a device. Files named
// *.zip are unpacked first; the archive must contain one XML document.
func Load(filename string, data []byte, port Port) (*NodeMap, error) {
	if strings.EqualFold(path.Ext(filename), ".zip") {
		var err error
		if data, err = unzip(data); err != nil {
			return nil, errors.Wrapf(err, "unpack %s", filename)
		}
	}
	return Parse(data, port)
}

func unzip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New("no XML file in archive")
}

func decodeDocument(data []byte) (*element, error) {
	var root element
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&root); err != nil {
		return nil, errors.Wrap(err, "decode register description")
	}
	if root.XMLName.Local != "RegisterDescription" {
		return nil, errors.Errorf("unexpected root element <%s>", root.XMLName.Local)
	}
	return &root, nil
}

// collect walks the document, flattening Group wrappers and expanding
// StructReg entries into MaskedIntReg nodes.
func (m *NodeMap) collect(elems []*element) {
	for _, e := range elems {
		kind := e.XMLName.Local
		switch kind {
		case "Group":
			m.collect(e.Children)
			continue
		case "StructReg":
			m.collectStruct(e)
			continue
		}
		name := e.attr("Name")
		if name == "" {
			continue
		}
		m.add(newNode(kind, name, e))
	}
}

func (m *NodeMap) collectStruct(e *element) {
	var shared []*element
	for _, c := range e.Children {
		if c.XMLName.Local != "StructEntry" {
			shared = append(shared, c)
		}
	}
	for _, c := range e.Children {
		name := c.attr("Name")
		if c.XMLName.Local != "StructEntry" || name == "" {
			continue
		}
		merged := &element{
			XMLName:  xml.Name{Local: "MaskedIntReg"},
			Attrs:    c.Attrs,
			Children: append(append([]*element{}, shared...), c.Children...),
		}
		m.add(newNode("MaskedIntReg", name, merged))
	}
}

func (m *NodeMap) add(n *node) {
	if _, dup := m.nodes[n.name]; dup {
		log.Debug("Duplicate node %s, keeping the first", n.name)
		return
	}
	m.nodes[n.name] = n
	for _, inv := range n.children("pInvalidator") {
		m.invalidators[inv.text()] = append(m.invalidators[inv.text()], n.name)
	}
}
