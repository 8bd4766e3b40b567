package index

import (
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func token(t *testing.T, org, rawURL string, device uuid.UUID) StorageToken {
	t.Helper()
	return StorageToken{
		Token:          org,
		ClientURL:      mustURL(t, rawURL),
		DeviceID:       device,
		OrganizationID: org,
	}
}

func TestUpdateAndGet(t *testing.T) {
	x := New()
	device := uuid.New()
	st := token(t, "org-A", "tcp://10.0.0.1:43210", device)

	assert.True(t, x.Update(st, 100))

	u, ok := x.GetURL("org-A", device)
	require.True(t, ok)
	assert.Equal(t, "tcp://10.0.0.1:43210", u.String())

	_, ok = x.GetURL("org-B", device)
	assert.False(t, ok)
	_, ok = x.GetURL("org-A", uuid.New())
	assert.False(t, ok)
}

func TestUpdateLastWriterWins(t *testing.T) {
	device := uuid.New()
	older := token(t, "org-A", "tcp://10.0.0.1:1111", device)
	newer := token(t, "org-A", "tcp://10.0.0.1:2222", device)

	// The larger timestamp wins regardless of call order.
	forward := New()
	assert.True(t, forward.Update(older, 100))
	assert.True(t, forward.Update(newer, 200))

	reversed := New()
	assert.True(t, reversed.Update(newer, 200))
	assert.False(t, reversed.Update(older, 100))

	for _, x := range []*Index{forward, reversed} {
		u, ok := x.GetURL("org-A", device)
		require.True(t, ok)
		assert.Equal(t, "tcp://10.0.0.1:2222", u.String())
	}
}

func TestUpdateEqualTimestampDoesNotOverwrite(t *testing.T) {
	x := New()
	device := uuid.New()

	require.True(t, x.Update(token(t, "org-A", "tcp://10.0.0.1:1111", device), 100))
	assert.False(t, x.Update(token(t, "org-A", "tcp://10.0.0.1:2222", device), 100))

	u, ok := x.GetURL("org-A", device)
	require.True(t, ok)
	assert.Equal(t, "tcp://10.0.0.1:1111", u.String())
}

func TestRemoveRequiresMatchingURL(t *testing.T) {
	x := New()
	device := uuid.New()
	current := token(t, "org-A", "tcp://10.0.0.1:2222", device)
	stale := token(t, "org-A", "tcp://10.0.0.1:1111", device)

	require.True(t, x.Update(current, 200))

	// A stale session dropping must not evict its replacement's entry.
	x.Remove(stale)
	_, ok := x.GetURL("org-A", device)
	assert.True(t, ok)

	x.Remove(current)
	_, ok = x.GetURL("org-A", device)
	assert.False(t, ok)
}

func TestRemoveDropsEmptyOrganizationBucket(t *testing.T) {
	x := New()
	device := uuid.New()
	st := token(t, "org-A", "tcp://10.0.0.1:1111", device)

	require.True(t, x.Update(st, 100))
	x.Remove(st)

	x.mu.RLock()
	_, ok := x.orgs["org-A"]
	x.mu.RUnlock()
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	x := New()
	for i := 0; i < 3; i++ {
		st := token(t, "org-A", fmt.Sprintf("tcp://10.0.0.%d:1111", i), uuid.New())
		require.True(t, x.Update(st, int64(100+i)))
	}
	require.True(t, x.Update(token(t, "org-B", "ws://10.1.0.1:80", uuid.New()), 100))

	assert.Len(t, x.List("org-A"), 3)
	assert.Len(t, x.List("org-B"), 1)
	assert.Empty(t, x.List("org-C"))
}

func TestHandleAcquireAfterClose(t *testing.T) {
	x := New()
	h := x.Handle()

	got, ok := h.Acquire()
	require.True(t, ok)
	assert.Same(t, x, got)

	x.Close()
	_, ok = h.Acquire()
	assert.False(t, ok)

	var zero Handle
	_, ok = zero.Acquire()
	assert.False(t, ok)
}

func TestConcurrentUpdates(t *testing.T) {
	x := New()
	device := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := token(t, "org-A", fmt.Sprintf("tcp://10.0.0.1:%d", 1000+i), device)
			x.Update(st, int64(i))
		}(i)
	}
	wg.Wait()

	u, ok := x.GetURL("org-A", device)
	require.True(t, ok)
	assert.Equal(t, "tcp://10.0.0.1:1063", u.String())
}
