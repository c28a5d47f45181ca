// Package broadcast propagates cache-invalidating announcements between
// independent contexts sharing the same content library. Delivery is
// best-effort: at least once when the receiver is listening, possibly
// zero times when it is not. That is the documented contract, not a bug.
//
// Two implementations are provided. Hub/LocalChannel is the native
// in-process fan-out and should be preferred. SlotChannel is the
// shared-slot fallback for hosts without a broadcast primitive: the
// envelope is written to a shared file slot, cleared shortly afterwards,
// and receivers are driven by the host's change notification.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the JSON payload exchanged between contexts.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel publishes announcements to, and receives them from, other
// contexts. A channel never delivers its own publishes to its own
// subscribers.
type Channel interface {
	// Publish announces an envelope to other contexts. A zero ID and
	// Timestamp are filled in.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe registers fn for envelopes from other contexts and
	// returns a function that removes the registration.
	Subscribe(fn func(Envelope)) func()

	// Close releases channel resources. Further publishes fail.
	Close() error
}

// stamp fills in the envelope identity fields when the caller left them
// zero.
func stamp(env Envelope, now func() time.Time) Envelope {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now()
	}
	return env
}
