package captcha

import (
	"sync"
	"time"

	"github.com/tilinna/clock"
)

// Store tracks payloads which have already been accepted, so that a solved
// payload cannot be replayed for as long as it would otherwise remain valid.
//
// A Store never influences whether a payload is a correct solution; it is
// only consulted after a payload has independently verified.
type Store interface {

	// MarkUsed records the signature of an accepted payload, returning false
	// if it had already been recorded. The record is cleared once the expiry
	// is reached.
	MarkUsed(signature string, expiresAt time.Time) bool

	Close() error
}

// MemoryStoreOpts are optional parameters to NewMemoryStore. A nil value is
// equivalent to a zero value.
type MemoryStoreOpts struct {
	// Clock is used for controlling the view of time.
	//
	// Defaults to clock.Realtime().
	Clock clock.Clock
}

func (o *MemoryStoreOpts) withDefaults() *MemoryStoreOpts {
	if o == nil {
		o = new(MemoryStoreOpts)
	}

	if o.Clock == nil {
		o.Clock = clock.Realtime()
	}

	return o
}

type inMemStore struct {
	opts *MemoryStoreOpts

	m          map[string]time.Time
	l          sync.Mutex
	closeCh    chan struct{}
	spinLoopCh chan struct{} // only used by tests
}

const inMemStoreGCPeriod = 5 * time.Second

// NewMemoryStore initializes and returns an in-memory Store implementation.
func NewMemoryStore(opts *MemoryStoreOpts) Store {
	s := &inMemStore{
		opts:       opts.withDefaults(),
		m:          map[string]time.Time{},
		closeCh:    make(chan struct{}),
		spinLoopCh: make(chan struct{}, 1),
	}
	go s.spin(s.opts.Clock.NewTicker(inMemStoreGCPeriod))
	return s
}

func (s *inMemStore) spin(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := s.opts.Clock.Now()

			s.l.Lock()
			for signature, expiresAt := range s.m {
				if !now.Before(expiresAt) {
					delete(s.m, signature)
				}
			}
			s.l.Unlock()

		case <-s.closeCh:
			return
		}

		select {
		case s.spinLoopCh <- struct{}{}:
		default:
		}
	}
}

func (s *inMemStore) MarkUsed(signature string, expiresAt time.Time) bool {
	s.l.Lock()
	defer s.l.Unlock()

	if prev, ok := s.m[signature]; ok && prev.After(s.opts.Clock.Now()) {
		return false
	}

	s.m[signature] = expiresAt
	return true
}

func (s *inMemStore) Close() error {
	close(s.closeCh)
	return nil
}
