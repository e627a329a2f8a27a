package captcha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tilinna/clock"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	type testHarness struct {
		clock *clock.Mock
		store Store
	}

	newTestHarness := func(t *testing.T) *testHarness {
		t.Parallel()

		clock := clock.NewMock(time.Now().Truncate(time.Hour))
		store := NewMemoryStore(&MemoryStoreOpts{Clock: clock})
		t.Cleanup(func() { store.Close() })

		return &testHarness{clock, store}
	}

	t.Run("first use succeeds, second fails", func(t *testing.T) {
		h := newTestHarness(t)
		expiresAt := h.clock.Now().Add(time.Minute)

		assert.True(t, h.store.MarkUsed("sig-a", expiresAt))
		assert.False(t, h.store.MarkUsed("sig-a", expiresAt))
		assert.True(t, h.store.MarkUsed("sig-b", expiresAt))
	})

	t.Run("signature is usable again after its expiry", func(t *testing.T) {
		h := newTestHarness(t)
		expiresAt := h.clock.Now().Add(time.Minute)

		assert.True(t, h.store.MarkUsed("sig-a", expiresAt))

		h.clock.Add(2 * time.Minute)
		assert.True(t, h.store.MarkUsed("sig-a", h.clock.Now().Add(time.Minute)))
	})

	t.Run("expired entries are garbage collected", func(t *testing.T) {
		h := newTestHarness(t)

		assert.True(t, h.store.MarkUsed("sig-a", h.clock.Now().Add(time.Second)))

		h.clock.Add(inMemStoreGCPeriod)
		<-h.store.(*inMemStore).spinLoopCh

		h.store.(*inMemStore).l.Lock()
		assert.Empty(t, h.store.(*inMemStore).m)
		h.store.(*inMemStore).l.Unlock()
	})
}
