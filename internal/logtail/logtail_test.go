package logtail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(s.Close)

	client, err := NewClient(context.Background(), &Config{Addr: s.Addr()})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return NewCache(client), s
}

func TestCache(t *testing.T) {
	t.Run("keeps the latest tail", func(t *testing.T) {
		ctx := context.Background()
		cache, _ := newTestCache(t)

		for _, tail := range []string{"configure", "make all"} {
			if err := cache.Set(ctx, "BINARYPACKAGE-1", tail); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		got, err := cache.Get(ctx, "BINARYPACKAGE-1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := "make all"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("expires after a day", func(t *testing.T) {
		ctx := context.Background()
		cache, s := newTestCache(t)

		if err := cache.Set(ctx, "SNAP-1", "snapcraft"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := s.TTL("logtail:SNAP-1"), 24*time.Hour; got != want {
			t.Fatalf("got ttl %v, want %v", got, want)
		}

		s.FastForward(25 * time.Hour)

		_, err := cache.Get(ctx, "SNAP-1")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want %v", err, ErrNotFound)
		}
	})

	t.Run("reports a missing tail", func(t *testing.T) {
		cache, _ := newTestCache(t)

		_, err := cache.Get(context.Background(), "LIVEFS-1")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want %v", err, ErrNotFound)
		}
	})
}

func TestNewClient(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	addr := s.Addr()
	s.Close()

	if _, err = NewClient(context.Background(), &Config{Addr: addr}); err == nil {
		t.Fatalf("got nil, want an error for a closed server")
	}
}
