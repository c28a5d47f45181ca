// Package content defines the sales-enablement documents the viewer
// curates and binds their retrieval to the cache engine.
package content

import (
	"slices"
	"time"
)

// Document names, matching the JSON files served by the content origin.
const (
	DocResources = "resources"
	DocPersonas  = "personas"
	DocUseCases  = "use-cases"
)

// Resource is one sales asset: a deck, one-pager, demo recording or
// case study linked from the stage checklists.
type Resource struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Type        string    `json:"type"`
	Industries  []string  `json:"industries,omitempty"`
	Personas    []string  `json:"personas,omitempty"`
	SalesStages []string  `json:"salesStages,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Persona is one buyer persona card.
type Persona struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Role          string   `json:"role"`
	Industry      string   `json:"industry,omitempty"`
	PainPoints    []string `json:"painPoints,omitempty"`
	Goals         []string `json:"goals,omitempty"`
	TalkingPoints []string `json:"talkingPoints,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// UseCase is one industry use case tying personas to resources.
type UseCase struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Industry  string   `json:"industry,omitempty"`
	Problem   string   `json:"problem,omitempty"`
	Solution  string   `json:"solution,omitempty"`
	Personas  []string `json:"personas,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Filter narrows a document to the viewer's current selection. The
// filter participates in the cache key, so differently-filtered requests
// for the same document never collide.
type Filter struct {
	Industry string   `json:"industry,omitempty"`
	Persona  string   `json:"persona,omitempty"`
	Stage    string   `json:"stage,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// IsZero reports whether the filter selects everything.
func (f Filter) IsZero() bool {
	return f.Industry == "" && f.Persona == "" && f.Stage == "" && len(f.Tags) == 0
}

func (f Filter) matchResource(r Resource) bool {
	if f.Industry != "" && !slices.Contains(r.Industries, f.Industry) {
		return false
	}
	if f.Persona != "" && !slices.Contains(r.Personas, f.Persona) {
		return false
	}
	if f.Stage != "" && !slices.Contains(r.SalesStages, f.Stage) {
		return false
	}
	return containsAll(r.Tags, f.Tags)
}

func (f Filter) matchPersona(p Persona) bool {
	if f.Industry != "" && p.Industry != f.Industry {
		return false
	}
	if f.Persona != "" && p.ID != f.Persona {
		return false
	}
	return containsAll(p.Tags, f.Tags)
}

func (f Filter) matchUseCase(u UseCase) bool {
	if f.Industry != "" && u.Industry != f.Industry {
		return false
	}
	if f.Persona != "" && !slices.Contains(u.Personas, f.Persona) {
		return false
	}
	return containsAll(u.Tags, f.Tags)
}

func containsAll(haystack, needles []string) bool {
	for _, n := range needles {
		if !slices.Contains(haystack, n) {
			return false
		}
	}
	return true
}
