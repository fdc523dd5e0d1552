// Package trace provides types for breakpoint-hit collection and statistics.
package trace

import (
	"sort"
	"sync"
	"time"
)

// Tag represents a breakpoint-hit category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags, one per handler policy plus unexpected stops.
const (
	Printf     Tag = "printf"
	Advance    Tag = "advance"
	Return     Tag = "return"
	Patch      Tag = "patch"
	Redirect   Tag = "redirect"
	Fatal      Tag = "fatal"
	NoOp       Tag = "noop"
	Unexpected Tag = "unexpected"
	Boot       Tag = "boot"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one dispatched stop.
type Event struct {
	PC        uint32 // program counter at the stop
	CPU       int    // index of the CPU that matched, -1 for unexpected stops
	Tags      Tags   // first is primary
	Name      string // breakpoint name or the unexpected-stop description
	Detail    string // e.g. the introspected printf line
	Timestamp time.Time
}

// NewEvent creates a new event.
func NewEvent(pc uint32, cpu int, tag Tag, name, detail string) *Event {
	return &Event{
		PC:        pc,
		CPU:       cpu,
		Tags:      Tags{tag},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Stats counts hits per breakpoint name. Safe for concurrent use.
type Stats struct {
	mu    sync.Mutex
	hits  map[string]int
	tags  map[string]Tag
	total int
	last  *Event
}

// NewStats creates an empty hit counter.
func NewStats() *Stats {
	return &Stats{hits: make(map[string]int), tags: make(map[string]Tag)}
}

// Record counts an event. Unexpected stops are folded into one bucket.
func (s *Stats) Record(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.Name
	if e.Tags.Has(Unexpected) {
		key = string(Unexpected)
	}
	s.hits[key]++
	if _, ok := s.tags[key]; !ok && len(e.Tags) > 0 {
		s.tags[key] = e.Tags[0]
	}
	s.total++
	s.last = e
}

// Total returns the number of recorded events.
func (s *Stats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Last returns the most recent event, or nil.
func (s *Stats) Last() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Hit is a (name, count) pair.
type Hit struct {
	Name  string
	Tag   Tag
	Count int
}

// Hits returns counts sorted by descending count, then name.
func (s *Stats) Hits() []Hit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Hit, 0, len(s.hits))
	for name, n := range s.hits {
		out = append(out, Hit{Name: name, Tag: s.tags[name], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
