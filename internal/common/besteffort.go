package common

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Outcome is what a detached task reports when it finishes.
type Outcome struct {
	Name string
	Err  error
	Took time.Duration
}

// Detacher runs side effects whose failure must never reach the caller:
// session counters, usage accounting. Outcomes are only logged (and
// optionally observed through OnDone).
type Detacher struct {
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// OnDone, when set, receives every outcome after it is logged.
	OnDone func(Outcome)
}

func NewDetacher(log *slog.Logger, timeout time.Duration) *Detacher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Detacher{log: log, timeout: timeout}
}

// Go runs fn on its own goroutine. The context handed to fn keeps the
// values of ctx but not its cancellation. After Close, fn is dropped and
// Go reports false.
func (d *Detacher) Go(ctx context.Context, name string, fn func(context.Context) error) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("best-effort task refused after shutdown", "task", name)
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		start := time.Now()
		err := run(dctx, fn)
		out := Outcome{Name: name, Err: err, Took: time.Since(start)}
		if err != nil {
			d.log.Warn("best-effort task failed", "task", name, "err", err, "took", out.Took)
		} else {
			d.log.Debug("best-effort task done", "task", name, "took", out.Took)
		}
		if d.OnDone != nil {
			d.OnDone(out)
		}
	}()
	return true
}

// Wait blocks until every task started with Go has finished.
func (d *Detacher) Wait() { d.wg.Wait() }

// Close stops accepting tasks and waits for the running ones.
func (d *Detacher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
