package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one element of a Path. Index 0 means the segment carries no
// same-name-sibling index; indexes start at 1.
type Segment struct {
	Name  string
	Index int
}

// NoIndex marks a segment that has not (yet) been given a same-name-sibling index.
const NoIndex = 0

// String renders "name" or "name[i]".
func (s Segment) String() string {
	if s.Index == NoIndex {
		return s.Name
	}
	return s.Name + "[" + strconv.Itoa(s.Index) + "]"
}

// Same reports whether two segments address the same sibling. An unindexed
// segment is the first sibling, so "a" and "a[1]" are the same.
func (s Segment) Same(o Segment) bool {
	return s.Name == o.Name && s.effectiveIndex() == o.effectiveIndex()
}

func (s Segment) effectiveIndex() int {
	if s.Index == NoIndex {
		return 1
	}
	return s.Index
}

// ParseSegment parses "name" or "name[i]".
func ParseSegment(raw string) (Segment, error) {
	if raw == "" {
		return Segment{}, fmt.Errorf("empty path segment")
	}
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		if strings.IndexByte(raw, ']') >= 0 {
			return Segment{}, fmt.Errorf("invalid segment %q", raw)
		}
		return Segment{Name: raw}, nil
	}
	if open == 0 || !strings.HasSuffix(raw, "]") {
		return Segment{}, fmt.Errorf("invalid segment %q", raw)
	}
	idx, err := strconv.Atoi(raw[open+1 : len(raw)-1])
	if err != nil || idx < 1 {
		return Segment{}, fmt.Errorf("invalid same-name-sibling index in %q", raw)
	}
	return Segment{Name: raw[:open], Index: idx}, nil
}

// Path is an immutable absolute path. The zero value is the root path.
type Path struct {
	segments []Segment
}

// RootPath returns the root path "/".
func RootPath() Path { return Path{} }

// NewPath builds a path from segments.
func NewPath(segments ...Segment) Path {
	if len(segments) == 0 {
		return Path{}
	}
	cp := make([]Segment, len(segments))
	copy(cp, segments)
	return Path{segments: cp}
}

// ParsePath parses an absolute path such as "/a/b[2]/c". A missing leading
// slash is tolerated; "" and "/" are the root.
func ParsePath(raw string) (Path, error) {
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return Path{}, nil
	}
	parts := strings.Split(raw, "/")
	segs := make([]Segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		s, err := ParseSegment(p)
		if err != nil {
			return Path{}, err
		}
		segs = append(segs, s)
	}
	return NewPath(segs...), nil
}

// MustParsePath is ParsePath for literals; it panics on malformed input.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) IsRoot() bool          { return len(p.segments) == 0 }
func (p Path) Len() int              { return len(p.segments) }
func (p Path) Segment(i int) Segment { return p.segments[i] }

// Segments returns a copy of the path's segments.
func (p Path) Segments() []Segment {
	cp := make([]Segment, len(p.segments))
	copy(cp, p.segments)
	return cp
}

// Last returns the final segment; the root has none.
func (p Path) Last() (Segment, bool) {
	if p.IsRoot() {
		return Segment{}, false
	}
	return p.segments[len(p.segments)-1], true
}

// Parent returns the parent path. The root is its own parent.
func (p Path) Parent() Path {
	if len(p.segments) <= 1 {
		return Path{}
	}
	return Path{segments: p.segments[:len(p.segments)-1 : len(p.segments)-1]}
}

// Child returns a new path with seg appended.
func (p Path) Child(seg Segment) Path {
	segs := make([]Segment, len(p.segments)+1)
	copy(segs, p.segments)
	segs[len(p.segments)] = seg
	return Path{segments: segs}
}

// ChildNamed is Child(Segment{Name: name}).
func (p Path) ChildNamed(name string) Path {
	return p.Child(Segment{Name: name})
}

// Equal compares paths segment by segment using Segment.Same.
func (p Path) Equal(o Path) bool {
	if len(p.segments) != len(o.segments) {
		return false
	}
	for i := range p.segments {
		if !p.segments[i].Same(o.segments[i]) {
			return false
		}
	}
	return true
}

// IsAtOrBelow reports whether p equals ancestor or is a descendant of it.
func (p Path) IsAtOrBelow(ancestor Path) bool {
	if len(ancestor.segments) > len(p.segments) {
		return false
	}
	for i := range ancestor.segments {
		if !p.segments[i].Same(ancestor.segments[i]) {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether p is a strict ancestor of o.
func (p Path) IsAncestorOf(o Path) bool {
	return len(p.segments) < len(o.segments) && o.IsAtOrBelow(p)
}

// Relative returns the segments of p below ancestor. ok is false when p is
// not at or below ancestor.
func (p Path) Relative(ancestor Path) (rel []Segment, ok bool) {
	if !p.IsAtOrBelow(ancestor) {
		return nil, false
	}
	return p.Segments()[ancestor.Len():], true
}

// Resolve appends rel to p.
func (p Path) Resolve(rel []Segment) Path {
	if len(p.segments)+len(rel) == 0 {
		return Path{}
	}
	segs := make([]Segment, 0, len(p.segments)+len(rel))
	segs = append(segs, p.segments...)
	segs = append(segs, rel...)
	return Path{segments: segs}
}

// String renders the path with a leading slash.
func (p Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		b.WriteString(s.String())
	}
	return b.String()
}

// Key is a canonical map key: indexes of 1 are dropped so that "a" and "a[1]"
// share a key.
func (p Path) Key() string {
	if p.IsRoot() {
		return "/"
	}
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		b.WriteString(s.Name)
		if s.Index > 1 {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteByte(']')
		}
	}
	return b.String()
}
