package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/engine"
)

const resourcesDoc = `[
	{"id":"r-1","title":"Banking Automation Deck","type":"deck","industries":["banking"],"personas":["ops-lead"],"salesStages":["discovery"],"tags":["automation"]},
	{"id":"r-2","title":"Insurance Case Study","type":"case-study","industries":["insurance"],"personas":["cio"],"salesStages":["evaluation"],"tags":["roi"]}
]`

const personasDoc = `[
	{"id":"ops-lead","name":"Operations Lead","role":"Head of Operations","industry":"banking","tags":["automation"]},
	{"id":"cio","name":"CIO","role":"Chief Information Officer","industry":"insurance"}
]`

func newTestLibrary(t *testing.T) (*Library, *atomic.Int64) {
	t.Helper()

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		switch r.URL.Path {
		case "/resources.json":
			_, _ = w.Write([]byte(resourcesDoc))
		case "/personas.json":
			_, _ = w.Write([]byte(personasDoc))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	eng := engine.New(engine.Config{RetryBaseDelay: time.Millisecond})
	return NewLibrary(NewClient(srv.URL), eng), &fetches
}

func TestLibraryResourcesUnfiltered(t *testing.T) {
	lib, _ := newTestLibrary(t)

	resources, err := lib.Resources(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	require.Equal(t, "r-1", resources[0].ID)
}

func TestLibraryResourcesFiltered(t *testing.T) {
	lib, _ := newTestLibrary(t)

	resources, err := lib.Resources(context.Background(), Filter{Industry: "banking"})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "Banking Automation Deck", resources[0].Title)

	resources, err = lib.Resources(context.Background(), Filter{Tags: []string{"roi"}})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "r-2", resources[0].ID)
}

func TestLibraryFilteredRequestsCachedSeparately(t *testing.T) {
	lib, fetches := newTestLibrary(t)
	ctx := context.Background()

	_, err := lib.Resources(ctx, Filter{Industry: "banking"})
	require.NoError(t, err)
	_, err = lib.Resources(ctx, Filter{Industry: "insurance"})
	require.NoError(t, err)
	require.EqualValues(t, 2, fetches.Load())

	// Repeats are cache hits; the origin is not consulted again.
	_, err = lib.Resources(ctx, Filter{Industry: "banking"})
	require.NoError(t, err)
	_, err = lib.Resources(ctx, Filter{Industry: "insurance"})
	require.NoError(t, err)
	require.EqualValues(t, 2, fetches.Load())
}

func TestLibraryPersonas(t *testing.T) {
	lib, _ := newTestLibrary(t)

	personas, err := lib.Personas(context.Background(), Filter{Industry: "banking"})
	require.NoError(t, err)
	require.Len(t, personas, 1)
	require.Equal(t, "Operations Lead", personas[0].Name)
}

func TestLibraryDocumentRaw(t *testing.T) {
	lib, _ := newTestLibrary(t)

	raw, err := lib.Document(context.Background(), DocPersonas)
	require.NoError(t, err)
	require.JSONEq(t, personasDoc, string(raw))
}

func TestLibraryMissingDocument(t *testing.T) {
	lib, _ := newTestLibrary(t)

	_, err := lib.UseCases(context.Background(), Filter{})
	require.Error(t, err)
	require.ErrorContains(t, err, "not found")
}
