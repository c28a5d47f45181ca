package content

import (
	"context"
	"encoding/json"
	"fmt"

	salescache "github.com/ebleck55/uipath-sales-cycle-guide-sub002"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/engine"
)

// Library is the viewer's read path: typed access to the content
// documents, routed through the cache engine so every read benefits from
// caching, de-duplication, retries and the durable fallback.
type Library struct {
	client *Client
	engine *engine.Engine
	opts   engine.Options
}

// NewLibrary binds a content client to a cache engine.
func NewLibrary(client *Client, eng *engine.Engine) *Library {
	return &Library{
		client: client,
		engine: eng,
		opts:   engine.Options{Persist: true, FallbackToDB: true},
	}
}

// Resources returns the resources document narrowed by filter.
func (l *Library) Resources(ctx context.Context, filter Filter) ([]Resource, error) {
	var out []Resource
	err := l.load(ctx, DocResources, filter, func(all json.RawMessage) (any, error) {
		var resources []Resource
		if err := json.Unmarshal(all, &resources); err != nil {
			return nil, err
		}
		return filtered(resources, filter.matchResource)
	}, &out)
	return out, err
}

// Personas returns the personas document narrowed by filter.
func (l *Library) Personas(ctx context.Context, filter Filter) ([]Persona, error) {
	var out []Persona
	err := l.load(ctx, DocPersonas, filter, func(all json.RawMessage) (any, error) {
		var personas []Persona
		if err := json.Unmarshal(all, &personas); err != nil {
			return nil, err
		}
		return filtered(personas, filter.matchPersona)
	}, &out)
	return out, err
}

// UseCases returns the use-cases document narrowed by filter.
func (l *Library) UseCases(ctx context.Context, filter Filter) ([]UseCase, error) {
	var out []UseCase
	err := l.load(ctx, DocUseCases, filter, func(all json.RawMessage) (any, error) {
		var useCases []UseCase
		if err := json.Unmarshal(all, &useCases); err != nil {
			return nil, err
		}
		return filtered(useCases, filter.matchUseCase)
	}, &out)
	return out, err
}

// Document returns a raw document without filtering, for callers that
// render it as-is.
func (l *Library) Document(ctx context.Context, doc string) (json.RawMessage, error) {
	key, err := salescache.NewKey(doc, nil)
	if err != nil {
		return nil, err
	}
	v, err := l.engine.Load(ctx, key, func(ctx context.Context) (any, error) {
		raw, err := l.client.FetchDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}, l.opts)
	if err != nil {
		return nil, err
	}
	return asRaw(v)
}

// load runs one filtered document fetch through the engine. The loader
// fetches the whole document, applies the filter, and caches the filtered
// JSON under a key qualified by the filter's hash. Both cached and
// fallback values arrive as raw JSON, so the decode below handles every
// path uniformly.
func (l *Library) load(ctx context.Context, doc string, filter Filter, narrow func(json.RawMessage) (any, error), out any) error {
	var keyOpts any
	if !filter.IsZero() {
		keyOpts = filter
	}
	key, err := salescache.NewKey(doc, keyOpts)
	if err != nil {
		return err
	}

	v, err := l.engine.Load(ctx, key, func(ctx context.Context) (any, error) {
		all, err := l.client.FetchDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		return narrow(all)
	}, l.opts)
	if err != nil {
		return err
	}

	raw, err := asRaw(v)
	if err != nil {
		return fmt.Errorf("decoding cached %s: %w", doc, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding cached %s: %w", doc, err)
	}
	return nil
}

// filtered narrows items and re-encodes them so the cached value is the
// filtered JSON, not the full document.
func filtered[T any](items []T, match func(T) bool) (any, error) {
	kept := make([]T, 0, len(items))
	for _, item := range items {
		if match(item) {
			kept = append(kept, item)
		}
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// asRaw normalizes an engine value to raw JSON. Fresh loads and durable
// fallbacks both produce json.RawMessage already; anything else (a value
// placed with Engine.Put) is marshaled.
func asRaw(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return val, nil
	case []byte:
		return val, nil
	default:
		return json.Marshal(val)
	}
}
