// Package unitfile reads systemd unit files into sections of key/value pairs.
package unitfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Section maps keys to their unquoted values.
type Section map[string]string

// Unit maps section names to their contents.
type Unit map[string]Section

// Get returns the value of key in section.
func (u Unit) Get(section, key string) (string, bool) {
	s, ok := u[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// Sections returns the section names in sorted order.
func (u Unit) Sections() []string {
	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseError reports a malformed line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unit file line %d: %s", e.Line, e.Msg)
}

// ParseFile parses the unit file at path.
func ParseFile(path string) (Unit, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads a unit. Lines ending in a backslash continue on the next line,
// joined with a single space. Comment lines (# or ;) are skipped together with
// their continuations. A repeated section is merged into the earlier one and a
// repeated key keeps the last value.
func Parse(r io.Reader) (Unit, error) {
	unit := Unit{}
	var (
		section   Section
		key       string
		value     strings.Builder
		continued bool
		ignoring  bool
	)
	flush := func() {
		if key != "" {
			section[key] = Unquote(value.String())
		}
		key = ""
		value.Reset()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		body, more := strings.CutSuffix(line, `\`)

		if ignoring {
			ignoring = more
			continue
		}
		if continued {
			if body = strings.TrimSpace(body); body != "" {
				if value.Len() > 0 {
					value.WriteByte(' ')
				}
				value.WriteString(body)
			}
			continued = more
			if !more {
				flush()
			}
			continue
		}
		if line == "" {
			continue
		}
		if line[0] == '#' || line[0] == ';' {
			ignoring = more
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, &ParseError{Line: lineNo, Msg: "empty section name"}
			}
			if unit[name] == nil {
				unit[name] = Section{}
			}
			section = unit[name]
			continue
		}
		if section == nil {
			return nil, &ParseError{Line: lineNo, Msg: "assignment outside of a section"}
		}
		k, v, ok := strings.Cut(body, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &ParseError{Line: lineNo, Msg: "expected key=value"}
		}
		key = k
		value.WriteString(strings.TrimSpace(v))
		continued = more
		if !more {
			flush()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if continued {
		flush()
	}
	return unit, nil
}

// Unquote removes one layer of matching single or double quotes from every
// quoted run in s and resolves the escapes \", \' and \\ inside them. An
// unterminated quote is kept literally.
func Unquote(s string) string {
	if !strings.ContainsAny(s, `"'`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '"' && c != '\'' {
			b.WriteByte(c)
			i++
			continue
		}
		end := closingQuote(s, i+1, c)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(unescape(s[i+1 : end]))
		i = end + 1
	}
	return b.String()
}

func closingQuote(s string, from int, q byte) int {
	for j := from; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case q:
			return j
		}
	}
	return -1
}

var unescaper = strings.NewReplacer(`\"`, `"`, `\'`, `'`, `\\`, `\`)

func unescape(s string) string {
	return unescaper.Replace(s)
}
