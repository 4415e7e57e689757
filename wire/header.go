package wire

import (
	"errors"
	"strings"
)

// ErrHeaderPacked is returned when a mutating HeaderList operation is
// attempted while the list is in its packed (wire) form: once packed,
// no mutation is allowed without an explicit Unpack first.
var ErrHeaderPacked = errors.New("wire: header list is packed, call Unpack first")

// HeaderList is an ordered sequence of "name: value" lines addressable
// by case-insensitive name. Index 0 is the start-line (request-line or
// status-line) when one is present; name lookups begin at index 1.
type HeaderList struct {
	lines  []string // unpacked form, one entry per logical line
	packed []byte   // non-nil only while in packed form
}

// NewHeaderList returns an empty, unpacked list.
func NewHeaderList() *HeaderList { return &HeaderList{} }

// SetStartLine sets or replaces index 0 (the request-line/status-line).
func (h *HeaderList) SetStartLine(line string) error {
	if h.packed != nil {
		return ErrHeaderPacked
	}
	if len(h.lines) == 0 {
		h.lines = append(h.lines, line)
		return nil
	}
	h.lines[0] = line
	return nil
}

// StartLine returns index 0, or "" if none has been set.
func (h *HeaderList) StartLine() string {
	if len(h.lines) == 0 {
		return ""
	}
	return h.lines[0]
}

// Add appends a header line of the form "Name: value". Leading
// whitespace on the value is preserved in storage but stripped for
// comparisons done by Search.
func (h *HeaderList) Add(line string) error {
	if h.packed != nil {
		return ErrHeaderPacked
	}
	if len(h.lines) == 0 {
		h.lines = append(h.lines, "") // reserve the start-line slot
	}
	h.lines = append(h.lines, line)
	return nil
}

// Remove deletes every header line (excluding the start-line) whose name
// matches, case-insensitively. O(n) and compacts in place.
func (h *HeaderList) Remove(name string) error {
	if h.packed != nil {
		return ErrHeaderPacked
	}
	if len(h.lines) == 0 {
		return nil
	}
	out := h.lines[:1]
	for _, line := range h.lines[1:] {
		n, _ := splitHeaderLine(line)
		if !strings.EqualFold(n, name) {
			out = append(out, line)
		}
	}
	h.lines = out
	return nil
}

// Search returns the value of the first header line matching name
// (case-insensitive), with leading whitespace stripped. The
// second return is false if no such header exists.
func (h *HeaderList) Search(name string) (string, bool) {
	for _, line := range h.lines[minIdx(h):] {
		n, v := splitHeaderLine(line)
		if strings.EqualFold(n, name) {
			return v, true
		}
	}
	return "", false
}

// Iterate calls fn once per header line (excluding the start-line) in
// order, stopping early if fn returns false.
func (h *HeaderList) Iterate(fn func(name, value string) bool) {
	for _, line := range h.lines[minIdx(h):] {
		n, v := splitHeaderLine(line)
		if !fn(n, v) {
			return
		}
	}
}

func minIdx(h *HeaderList) int {
	if len(h.lines) == 0 {
		return 0
	}
	return 1
}

func splitHeaderLine(line string) (name, value string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " \t")
}

// Len returns the number of lines, including the start-line if set.
func (h *HeaderList) Len() int { return len(h.lines) }

// Reset empties the list back to its zero state.
func (h *HeaderList) Reset() {
	h.lines = nil
	h.packed = nil
}

// Packed reports whether the list currently holds its packed form.
func (h *HeaderList) Packed() bool { return h.packed != nil }

// Pack serializes the unpacked lines into a single "\r\n"-joined,
// empty-line-terminated buffer and switches the list into packed form.
func (h *HeaderList) Pack() []byte {
	var b strings.Builder
	for _, line := range h.lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	h.packed = []byte(b.String())
	return h.packed
}

// Unpack parses buf (a packed header block, terminated by an empty
// line) into lines, replacing "\r\n" separators and recording
// line-start offsets implicitly via the slice. buf may or may not
// include the terminating empty line; trailing empty lines are dropped.
func (h *HeaderList) Unpack(buf []byte) error {
	h.lines = nil
	h.packed = nil
	s := string(buf)
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return nil
	}
	for _, raw := range strings.Split(s, "\r\n") {
		h.lines = append(h.lines, raw)
	}
	return nil
}

// Grow mirrors the C implementation's setsize(n): it raises the line
// slice's capacity to at least n, keeping the existing lines, and does
// nothing when the capacity is already n or more.
func (h *HeaderList) Grow(n int) {
	if cap(h.lines) < n {
		grown := make([]string, len(h.lines), n)
		copy(grown, h.lines)
		h.lines = grown
	}
}
