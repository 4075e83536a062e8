package common

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetacherReportsOutcomes(t *testing.T) {
	d := NewDetacher(nil, time.Second)
	var mu sync.Mutex
	got := map[string]error{}
	d.OnDone = func(o Outcome) {
		mu.Lock()
		got[o.Name] = o.Err
		mu.Unlock()
	}

	boom := errors.New("boom")
	d.Go(context.Background(), "ok", func(context.Context) error { return nil })
	d.Go(context.Background(), "fails", func(context.Context) error { return boom })
	d.Go(context.Background(), "panics", func(context.Context) error { panic("bad") })
	d.Wait()

	require.Len(t, got, 3)
	assert.NoError(t, got["ok"])
	assert.ErrorIs(t, got["fails"], boom)
	assert.Contains(t, got["panics"].Error(), "panic")
}

func TestDetacherIgnoresCallerCancellation(t *testing.T) {
	d := NewDetacher(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var seen error
	d.Go(ctx, "after-cancel", func(c context.Context) error {
		seen = c.Err()
		return nil
	})
	d.Wait()
	assert.NoError(t, seen)
}

func TestDetacherRefusesAfterClose(t *testing.T) {
	d := NewDetacher(nil, time.Second)
	release := make(chan struct{})
	var ran sync.WaitGroup
	ran.Add(1)
	require.True(t, d.Go(context.Background(), "slow", func(context.Context) error {
		ran.Done()
		<-release
		return nil
	}))
	ran.Wait()

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.closed
	}, time.Second, time.Millisecond)

	called := false
	assert.False(t, d.Go(context.Background(), "late", func(context.Context) error {
		called = true
		return nil
	}))

	select {
	case <-closed:
		t.Fatal("Close returned before the running task finished")
	default:
	}
	close(release)
	<-closed
	assert.False(t, called)
}

func TestNewGuestID(t *testing.T) {
	id := NewGuestID()
	require.True(t, strings.HasPrefix(id, "guest_"))
	assert.Len(t, strings.TrimPrefix(id, "guest_"), 16)
	assert.NotEqual(t, id, NewGuestID())
}

func TestNewULIDSorts(t *testing.T) {
	a, err := NewULID()
	require.NoError(t, err)
	b, err := NewULID()
	require.NoError(t, err)
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
