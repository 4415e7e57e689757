// Package logformat implements the "%"-directive interpolation table
// used by log backends.
package logformat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Values is the set of data a formatter function may read from. icapsrv
// populates one of these per transaction; services may add entries to
// Attributes for the %Sa{name} directive.
type Values struct {
	Now            time.Time
	ClientIP       string
	LocalIP        string
	Method         string
	Service        string
	StatusCode     int
	BytesIn        int64
	BytesOut       int64
	Header         func(name string) (string, bool)
	Attributes     map[string]string
	RequestCounter int64
}

// Formatter returns a directive's expansion; width and alignment are
// applied afterwards by the interpolator, which pads but never
// truncates. param is the optional "{...}" argument (e.g. a header
// name); empty if none was given.
type Formatter func(v *Values, param string) string

var directives = map[string]Formatter{
	"a":  func(v *Values, _ string) string { return v.ClientIP },
	"la": func(v *Values, _ string) string { return v.LocalIP },
	"tl": func(v *Values, _ string) string { return v.Now.Format("02/Jan/2006:15:04:05 -0700") },
	"m":  func(v *Values, _ string) string { return v.Method },
	"s":  func(v *Values, _ string) string { return v.Service },
	"Sl": func(v *Values, _ string) string { return strconv.Itoa(v.StatusCode) },
	">b": func(v *Values, _ string) string { return strconv.FormatInt(v.BytesOut, 10) },
	"<b": func(v *Values, _ string) string { return strconv.FormatInt(v.BytesIn, 10) },
	"ho": func(v *Values, param string) string {
		if v.Header == nil {
			return "-"
		}
		if val, ok := v.Header(param); ok {
			return val
		}
		return "-"
	},
	">ho": func(v *Values, param string) string {
		if v.Header == nil {
			return "-"
		}
		if val, ok := v.Header(param); ok {
			return val
		}
		return "-"
	},
	"Sa": func(v *Values, param string) string {
		if v.Attributes == nil {
			return "-"
		}
		if val, ok := v.Attributes[param]; ok {
			return val
		}
		return "-"
	},
	"rc": func(v *Values, _ string) string { return strconv.FormatInt(v.RequestCounter, 10) },
}

// RegisterDirective lets a caller (e.g. a service) add a custom
// directive name to the table. Panics if name is already registered,
// since two conflicting formatters silently shadowing each other is
// exactly the class of bug this table exists to avoid.
func RegisterDirective(name string, fn Formatter) {
	if _, exists := directives[name]; exists {
		panic("logformat: directive already registered: " + name)
	}
	directives[name] = fn
}

// Interpolate expands every "%directive" occurrence in format against
// v, writing into a strings.Builder; the output length is not bounded.
// Unknown directives are left
// uninterpreted (copied verbatim). Directives accept
// an optional width (e.g. "%20a"), an optional "-" left-align prefix
// (e.g. "%-20a"), and an optional "{param}" argument (e.g. "%ho{Host}").
func Interpolate(format string, v *Values) string {
	var out strings.Builder
	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			out.WriteByte(c)
			i++
			continue
		}
		rest := format[i+1:]
		expanded, consumed, ok := expandOne(rest, v)
		if !ok {
			out.WriteByte('%')
			i++
			continue
		}
		out.WriteString(expanded)
		i += 1 + consumed
	}
	return out.String()
}

// expandOne parses and expands a single directive starting just after
// the '%' at position 0 of s, returning how many bytes of s it consumed.
func expandOne(s string, v *Values) (expanded string, consumed int, ok bool) {
	pos := 0
	leftAlign := false
	if pos < len(s) && s[pos] == '-' {
		leftAlign = true
		pos++
	}
	widthStart := pos
	for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
		pos++
	}
	width := 0
	if pos > widthStart {
		width, _ = strconv.Atoi(s[widthStart:pos])
	}

	// Directive name: the longest registered name that prefixes the rest
	// (">ho" over "ho", "la"/"tl"/"Sl"/"Sa"/"rc" over a single letter).
	name, nameLen, foundName := matchDirectiveName(s[pos:])
	if !foundName {
		return "", 0, false
	}
	pos += nameLen

	param := ""
	if pos < len(s) && s[pos] == '{' {
		end := strings.IndexByte(s[pos:], '}')
		if end < 0 {
			return "", 0, false
		}
		param = s[pos+1 : pos+end]
		pos += end + 1
	}

	fn, ok := directives[name]
	if !ok {
		return "", 0, false
	}
	val := fn(v, param)
	if width > 0 {
		if leftAlign {
			val = fmt.Sprintf("%-*s", width, val)
		} else {
			val = fmt.Sprintf("%*s", width, val)
		}
	}
	return val, pos, true
}

// matchDirectiveName picks the longest registered directive name that
// prefixes s, preferring multi-character names (">ho", "la", "tl",
// "Sl", "Sa", "rc") over the bare single-letter ones they could
// otherwise be mistaken for.
func matchDirectiveName(s string) (name string, length int, ok bool) {
	best := ""
	for candidate := range directives {
		if strings.HasPrefix(s, candidate) && len(candidate) > len(best) {
			best = candidate
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, len(best), true
}
