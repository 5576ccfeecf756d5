package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		target string
		host   string
		want   string
	}{
		{name: "absolute", method: "GET", target: "http://example.com/a?b=c", want: "GET http://example.com/a?b=c"},
		{name: "origin form uses host", method: "GET", target: "/a?b=c", host: "example.com", want: "GET http://example.com/a?b=c"},
		{name: "trimmed", method: " HEAD ", target: " http://example.com/ ", want: "HEAD http://example.com/"},
		{name: "no canonicalization", method: "GET", target: "http://EXAMPLE.com:80/", want: "GET http://EXAMPLE.com:80/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Key(tt.method, tt.target, tt.host))
		})
	}
}

func TestCacheable(t *testing.T) {
	t.Parallel()

	require.True(t, Cacheable("GET"))
	require.True(t, Cacheable("HEAD"))
	require.False(t, Cacheable("POST"))
	require.False(t, Cacheable("CONNECT"))
	require.False(t, Cacheable("get"))
}

func TestDoStoresAndGetHits(t *testing.T) {
	t.Parallel()

	c := New(0)
	_, ok := c.Get("GET http://a/")
	require.False(t, ok)

	e, fetched, err := c.Do("GET http://a/", func() ([]byte, error) {
		return []byte("resp"), nil
	})
	require.NoError(t, err)
	require.True(t, fetched)
	require.Equal(t, []byte("resp"), e.Response)
	require.False(t, e.StoredAt.IsZero())

	got, ok := c.Get("GET http://a/")
	require.True(t, ok)
	require.Same(t, e, got)

	e2, fetched, err := c.Do("GET http://a/", func() ([]byte, error) {
		t.Fatal("fetch called for cached key")
		return nil, nil
	})
	require.NoError(t, err)
	require.False(t, fetched)
	require.Same(t, e, e2)
	require.Equal(t, 1, c.Len())
}

func TestDoSingleFlight(t *testing.T) {
	t.Parallel()

	c := New(0)
	var fetches atomic.Int64
	release := make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	var fetchedCount atomic.Int64
	results := make([][]byte, n)
	started := make(chan struct{}, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			e, fetched, err := c.Do("GET http://slow/", func() ([]byte, error) {
				fetches.Add(1)
				<-release
				return []byte("slow response"), nil
			})
			if err != nil {
				t.Error(err)
				return
			}
			if fetched {
				fetchedCount.Add(1)
			}
			results[i] = e.Response
		}()
	}

	for range n {
		<-started
	}
	// Give the waiters a moment to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), fetches.Load())
	require.Equal(t, int64(1), fetchedCount.Load())
	for _, r := range results {
		require.Equal(t, []byte("slow response"), r)
	}
}

func TestDoErrorNotStored(t *testing.T) {
	t.Parallel()

	c := New(0)
	errUpstream := errors.New("upstream down")

	_, fetched, err := c.Do("GET http://down/", func() ([]byte, error) {
		return nil, errUpstream
	})
	require.ErrorIs(t, err, errUpstream)
	require.True(t, fetched)

	_, ok := c.Get("GET http://down/")
	require.False(t, ok)

	e, _, err := c.Do("GET http://down/", func() ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("recovered"), e.Response)
}

func TestDoWaiterRetriesAfterFailedFlight(t *testing.T) {
	t.Parallel()

	c := New(0)
	errUpstream := errors.New("upstream down")
	ownerStarted := make(chan struct{})
	release := make(chan struct{})

	ownerErr := make(chan error, 1)
	go func() {
		_, _, err := c.Do("GET http://flaky/", func() ([]byte, error) {
			close(ownerStarted)
			<-release
			return nil, errUpstream
		})
		ownerErr <- err
	}()
	<-ownerStarted

	type result struct {
		entry   *Entry
		fetched bool
		err     error
	}
	var waiterFetches atomic.Int64
	waiter := make(chan result, 1)
	go func() {
		e, fetched, err := c.Do("GET http://flaky/", func() ([]byte, error) {
			waiterFetches.Add(1)
			return []byte("own response"), nil
		})
		waiter <- result{e, fetched, err}
	}()

	// Let the waiter join the owner's flight before it fails.
	time.Sleep(200 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-ownerErr, errUpstream)

	r := <-waiter
	require.NoError(t, r.err)
	require.True(t, r.fetched)
	require.Equal(t, []byte("own response"), r.entry.Response)
	require.Equal(t, int64(1), waiterFetches.Load())

	got, ok := c.Get("GET http://flaky/")
	require.True(t, ok)
	require.Same(t, r.entry, got)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	c := New(50 * time.Millisecond)
	_, _, err := c.Do("GET http://ttl/", func() ([]byte, error) {
		return []byte("x"), nil
	})
	require.NoError(t, err)

	_, ok := c.Get("GET http://ttl/")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Get("GET http://ttl/")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoExpirationByDefault(t *testing.T) {
	t.Parallel()

	c := New(0)
	_, _, err := c.Do("GET http://forever/", func() ([]byte, error) {
		return []byte("x"), nil
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("GET http://forever/")
	require.True(t, ok)
}
