// Package plist decodes property lists whose root value is a dict, the format
// of launchd job definitions. XML and binary lists are accepted.
package plist

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	hplist "howett.net/plist"
)

var (
	ErrNotPlist     = errors.New("plist: root element is not <plist>")
	ErrExpectedDict = errors.New("plist: expected <dict>")
	ErrExpectedKey  = errors.New("plist: expected <key>")
)

// errEnd marks the end element of the container being read.
var errEnd = errors.New("end of element")

var binaryMagic = []byte("bplist")

// DecodeFile decodes the property list at path.
func DecodeFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	return decode(b)
}

// Decode reads a property list and returns its root dict. Values decode to
// map[string]any, []any, string, int64, float64, bool, time.Time and []byte.
func Decode(r io.Reader) (map[string]any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decode(b)
}

func decode(b []byte) (map[string]any, error) {
	if !bytes.HasPrefix(b, binaryMagic) {
		if err := checkXML(b); err != nil {
			return nil, err
		}
	}
	var root any
	if _, err := hplist.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("plist: %w", err)
	}
	m, ok := normalize(root).(map[string]any)
	if !ok {
		return nil, ErrExpectedDict
	}
	return m, nil
}

// normalize folds the integer and float widths of decoded values into int64
// and float64.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return t
	case float32:
		return float64(t)
	}
	return v
}

var leaves = map[string]bool{
	"string": true, "integer": true, "real": true, "true": true,
	"false": true, "date": true, "data": true,
}

// checkXML walks the element structure: a <plist> root holding one <dict>,
// dicts made of <key> and value pairs, and leaves without child elements.
// Leaf contents are left to the decoder.
func checkXML(b []byte) error {
	w := walker{xml.NewDecoder(bytes.NewReader(b))}
	root, err := w.nextStart()
	if err != nil {
		if errors.Is(err, errEnd) {
			return ErrNotPlist
		}
		return err
	}
	if root.Name.Local != "plist" {
		return ErrNotPlist
	}
	first, err := w.nextStart()
	if err != nil {
		if errors.Is(err, errEnd) {
			return ErrExpectedDict
		}
		return err
	}
	if first.Name.Local != "dict" {
		return fmt.Errorf("%w, got <%s>", ErrExpectedDict, first.Name.Local)
	}
	return w.dict()
}

type walker struct {
	x *xml.Decoder
}

// nextStart returns the next start element, skipping whitespace, comments
// and directives. It returns errEnd when the enclosing element closes first.
func (w walker) nextStart() (xml.StartElement, error) {
	for {
		tok, err := w.x.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, io.ErrUnexpectedEOF
			}
			return xml.StartElement{}, fmt.Errorf("plist: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, errEnd
		case xml.CharData:
			if s := strings.TrimSpace(string(t)); s != "" {
				return xml.StartElement{}, fmt.Errorf("plist: unexpected text %q", s)
			}
		}
	}
}

// leaf skips the character data of a leaf element up to its end.
func (w walker) leaf(name string) error {
	for {
		tok, err := w.x.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("plist: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			return fmt.Errorf("plist: unexpected <%s> inside <%s>", t.Name.Local, name)
		}
	}
}

func (w walker) dict() error {
	for {
		se, err := w.nextStart()
		if errors.Is(err, errEnd) {
			return nil
		}
		if err != nil {
			return err
		}
		if se.Name.Local != "key" {
			return fmt.Errorf("%w, got <%s>", ErrExpectedKey, se.Name.Local)
		}
		if err := w.leaf("key"); err != nil {
			return err
		}
		ve, err := w.nextStart()
		if errors.Is(err, errEnd) {
			return errors.New("plist: key has no value")
		}
		if err != nil {
			return err
		}
		if err := w.value(ve); err != nil {
			return err
		}
	}
}

func (w walker) array() error {
	for {
		se, err := w.nextStart()
		if errors.Is(err, errEnd) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.value(se); err != nil {
			return err
		}
	}
}

func (w walker) value(se xml.StartElement) error {
	name := se.Name.Local
	switch {
	case name == "dict":
		return w.dict()
	case name == "array":
		return w.array()
	case leaves[name]:
		return w.leaf(name)
	default:
		return fmt.Errorf("plist: unsupported element <%s>", name)
	}
}
