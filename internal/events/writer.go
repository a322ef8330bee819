package events

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"opsline/internal/domain"
	"opsline/internal/store"
)

// Publisher receives every event after it has been appended to the log.
type Publisher interface {
	Publish(domain.Event) error
}

// Writer appends timeline events. Emit never fails the caller: the event log
// is an audit trail, so a lost event is logged and the transition stands.
type Writer struct {
	Store *store.Store
	Bus   Publisher
	Log   zerolog.Logger
	Now   func() time.Time

	ids *idSource
}

func NewWriter(st *store.Store, bus Publisher, log zerolog.Logger) Writer {
	return Writer{
		Store: st,
		Bus:   bus,
		Log:   log,
		Now:   time.Now,
		ids:   newIDSource(),
	}
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Emit stamps e with an id and timestamp, appends it and publishes it.
func (w Writer) Emit(ctx context.Context, e domain.Event) domain.Event {
	if e.TS.IsZero() {
		e.TS = w.now().UTC()
	}
	if e.ID == "" {
		e.ID = w.ids.next(e.TS)
	}
	if err := w.Store.Append(store.Events, e); err != nil {
		w.Log.Warn().Err(err).Str("kind", string(e.Kind)).Str("event", e.ID).Msg("event append failed")
		return e
	}
	if w.Bus != nil {
		if err := w.Bus.Publish(e); err != nil {
			w.Log.Warn().Err(err).Str("kind", string(e.Kind)).Str("event", e.ID).Msg("event publish failed")
		}
	}
	return e
}

type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var sharedIDs = newIDSource()

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// next returns a ULID that sorts after every id previously returned by s.
func (s *idSource) next(ts time.Time) string {
	if s == nil {
		s = sharedIDs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), s.entropy)
	if err != nil {
		// entropy overflow within one millisecond; move to a fresh source
		s.entropy = ulid.Monotonic(rand.Reader, 0)
		id = ulid.MustNew(ulid.Timestamp(ts), s.entropy)
	}
	return id.String()
}
