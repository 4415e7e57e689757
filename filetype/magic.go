// Package filetype implements a magic-byte and text-encoding classifier:
// a small embedded magic database plus a text-encoding heuristic
// fallback, with an HTTP-aware extension that inflates compressed
// preview data and upgrades HTML/CSS/JS content-types into the TEXT
// group's HTML type.
package filetype

import "bytes"

// Group tags the coarse category a Type belongs to, consulted by ACLs.
// Each type belongs to one or more groups.
type Group int

const (
	GroupText Group = 1 << iota
	GroupData
)

// Type is one entry of the magic database: a stable id, a human name,
// and the groups it belongs to.
type Type struct {
	ID     string
	Name   string
	Groups Group
}

// block is one (offset, pattern) tuple of a (possibly multi-block)
// magic entry; all blocks of an entry must match for the entry to hit.
type block struct {
	offset  int
	pattern []byte
}

type magicEntry struct {
	typ    Type
	blocks []block
}

// DefaultDatabase is a small, illustrative magic table covering common
// binary formats plus the text/HTML upgrade path; callers needing the
// full magic file format load one externally and call NewDatabase with
// the parsed entries (loading that file format is out of this core's
// scope).
var DefaultDatabase = NewDatabase([]RawEntry{
	{ID: "gif", Name: "GIF image", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte("GIF8")}}},
	{ID: "png", Name: "PNG image", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}}}},
	{ID: "jpeg", Name: "JPEG image", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte{0xFF, 0xD8, 0xFF}}}},
	{ID: "pdf", Name: "PDF document", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte("%PDF-")}}},
	{ID: "zip", Name: "ZIP archive", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte{'P', 'K', 0x03, 0x04}}}},
	{ID: "gzip", Name: "gzip archive", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte{0x1F, 0x8B}}}},
	{ID: "elf", Name: "ELF binary", Groups: GroupData, Blocks: []RawBlock{{Offset: 0, Pattern: []byte{0x7F, 'E', 'L', 'F'}}}},
})

// RawBlock/RawEntry are the plain-data shapes used to build a Database,
// kept separate from the internal block/magicEntry types so callers
// constructing a custom database don't need access to unexported fields.
type RawBlock struct {
	Offset  int
	Pattern []byte
}

type RawEntry struct {
	ID     string
	Name   string
	Groups Group
	Blocks []RawBlock
}

// Database is an ordered magic table; insertion order determines the
// tie-break when more than one entry's blocks would match: the first
// entry by insertion order wins.
type Database struct {
	entries []magicEntry
}

// NewDatabase builds a Database preserving raw's order.
func NewDatabase(raw []RawEntry) *Database {
	db := &Database{}
	for _, r := range raw {
		e := magicEntry{typ: Type{ID: r.ID, Name: r.Name, Groups: r.Groups}}
		for _, b := range r.Blocks {
			e.blocks = append(e.blocks, block{offset: b.Offset, pattern: b.Pattern})
		}
		db.entries = append(db.entries, e)
	}
	return db
}

// matchMagic returns the first entry (by insertion order) all of whose
// blocks match data, or ok=false if none do.
func (db *Database) matchMagic(data []byte) (Type, bool) {
	for _, e := range db.entries {
		if entryMatches(e, data) {
			return e.typ, true
		}
	}
	return Type{}, false
}

func entryMatches(e magicEntry, data []byte) bool {
	if len(e.blocks) == 0 {
		return false
	}
	for _, b := range e.blocks {
		if b.offset < 0 || b.offset+len(b.pattern) > len(data) {
			return false
		}
		if !bytes.Equal(data[b.offset:b.offset+len(b.pattern)], b.pattern) {
			return false
		}
	}
	return true
}

// textTypes are the text-encoding fallback results.
var (
	TypeASCII       = Type{ID: "ascii", Name: "US-ASCII text", Groups: GroupText}
	TypeISO8859     = Type{ID: "iso-8859", Name: "ISO-8859 text", Groups: GroupText}
	TypeExtASCII    = Type{ID: "ext-ascii", Name: "extended-ASCII text", Groups: GroupText}
	TypeUTF8        = Type{ID: "utf-8", Name: "UTF-8 text", Groups: GroupText}
	TypeUTF16       = Type{ID: "utf-16", Name: "UTF-16 text", Groups: GroupText}
	TypeBinary      = Type{ID: "binary", Name: "binary data", Groups: GroupData}
	TypeHTML        = Type{ID: "html", Name: "HTML/CSS/JS text", Groups: GroupText}
)

// Classify runs two-pronged detection: a magic-byte lookup first, then
// a text-encoding heuristic fallback over the first N bytes of data
// when nothing matches. An empty input always classifies as binary
// with ok=false; the classification guarantee only holds for inputs of
// at least one byte.
func (db *Database) Classify(data []byte) (Type, bool) {
	if len(data) == 0 {
		return TypeBinary, false
	}
	if t, ok := db.matchMagic(data); ok {
		return t, true
	}
	return classifyTextEncoding(data), true
}

// Classify is a package-level convenience using DefaultDatabase.
func Classify(data []byte) (Type, bool) { return DefaultDatabase.Classify(data) }
