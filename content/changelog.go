package content

import (
	"slices"
	"time"
)

// Mutation is one recorded change to a tracked document.
type Mutation struct {
	Field string
	Old   any
	New   any
	At    time.Time
}

// TrackedResource wraps a Resource with explicit setters that record a
// mutation log entry on every change, for the admin curation flow.
type TrackedResource struct {
	resource Resource
	log      []Mutation
	now      func() time.Time
}

// Track starts change tracking over a resource snapshot.
func Track(r Resource) *TrackedResource {
	return &TrackedResource{resource: r, now: time.Now}
}

// Resource returns the current state of the tracked resource.
func (t *TrackedResource) Resource() Resource {
	return t.resource
}

// Mutations returns the recorded changes in order.
func (t *TrackedResource) Mutations() []Mutation {
	out := make([]Mutation, len(t.log))
	copy(out, t.log)
	return out
}

// Dirty reports whether any mutation has been recorded.
func (t *TrackedResource) Dirty() bool {
	return len(t.log) > 0
}

// SetTitle updates the title.
func (t *TrackedResource) SetTitle(title string) {
	if t.resource.Title == title {
		return
	}
	t.record("title", t.resource.Title, title)
	t.resource.Title = title
}

// SetURL updates the asset link.
func (t *TrackedResource) SetURL(url string) {
	if t.resource.URL == url {
		return
	}
	t.record("url", t.resource.URL, url)
	t.resource.URL = url
}

// SetType updates the asset type.
func (t *TrackedResource) SetType(typ string) {
	if t.resource.Type == typ {
		return
	}
	t.record("type", t.resource.Type, typ)
	t.resource.Type = typ
}

// SetTags replaces the tag set.
func (t *TrackedResource) SetTags(tags []string) {
	if slices.Equal(t.resource.Tags, tags) {
		return
	}
	t.record("tags", t.resource.Tags, tags)
	t.resource.Tags = slices.Clone(tags)
}

func (t *TrackedResource) record(field string, oldVal, newVal any) {
	t.log = append(t.log, Mutation{
		Field: field,
		Old:   oldVal,
		New:   newVal,
		At:    t.now(),
	})
	t.resource.UpdatedAt = t.now()
}
