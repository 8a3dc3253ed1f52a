// Package dispatch bounds concurrent calls into the model service.
//
// The model service degrades badly under unbounded concurrency, so every
// generate call goes through a fixed pool of slots. Callers either wait for
// a slot, give up after a configurable queue timeout, or are cancelled with
// their context. A background keep-warm loop keeps the model loaded during
// idle periods without ever competing with real requests for slots.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/paperchat-ai/paperchat/internal/backend"
	"github.com/paperchat-ai/paperchat/internal/reliability"
)

// ErrBusy reports that every dispatch slot stayed occupied for the whole
// queue timeout.
var ErrBusy = errors.New("backend busy: all dispatch slots in use")

// ErrCallTimeout reports that a call held a slot longer than the per-call
// budget and was abandoned.
var ErrCallTimeout = errors.New("backend call timed out")

const (
	defaultParallelism = 4
	warmProbeTimeout   = 30 * time.Second
	warmBackoffCap     = 10 * time.Minute
)

// Config controls dispatcher behavior.
type Config struct {
	// Parallelism is the number of concurrent backend calls allowed.
	Parallelism int
	// CallTimeout bounds a single backend call once it holds a slot.
	CallTimeout time.Duration
	// QueueTimeout bounds how long a caller waits for a free slot. Zero
	// means wait as long as the caller's context allows.
	QueueTimeout time.Duration
	// KeepAliveInterval spaces keep-warm probes. Zero disables them.
	KeepAliveInterval time.Duration
}

// Dispatcher serializes access to the model service through a slot pool.
type Dispatcher struct {
	client backend.Client
	cfg    Config
	slots  chan struct{}
}

func New(client backend.Client, cfg Config) *Dispatcher {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Parallelism),
	}
}

// InFlight returns the number of slots currently held.
func (d *Dispatcher) InFlight() int {
	return len(d.slots)
}

// Call runs a blocking generate call under a slot.
func (d *Dispatcher) Call(ctx context.Context, prompt string) (string, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	callCtx, cancel := d.callContext(ctx)
	defer cancel()

	text, err := d.client.Generate(callCtx, prompt)
	if err != nil {
		return "", d.classify(ctx, callCtx, err)
	}
	return text, nil
}

// CallStream runs a streaming generate call under a slot. onDelta sees
// fragments in generation order; the returned string is the full answer.
func (d *Dispatcher) CallStream(ctx context.Context, prompt string, onDelta backend.DeltaHandler) (string, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	callCtx, cancel := d.callContext(ctx)
	defer cancel()

	text, err := d.client.GenerateStream(callCtx, prompt, onDelta)
	if err != nil {
		return "", d.classify(ctx, callCtx, err)
	}
	return text, nil
}

// acquire blocks until a slot is free, the queue timeout fires, or ctx is
// done. The returned release is idempotent and must always be called; it is
// the only way a slot comes back, including on panics in the caller via
// defer.
func (d *Dispatcher) acquire(ctx context.Context) (func(), error) {
	if d.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(d.cfg.QueueTimeout)
		defer timer.Stop()
		select {
		case d.slots <- struct{}{}:
		case <-timer.C:
			return nil, ErrBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-d.slots })
	}, nil
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.CallTimeout)
}

// classify maps a failed call to the dispatcher's error vocabulary. A
// deadline on the per-call context while the caller is still live is the
// call-timeout case; caller cancellation passes through untouched.
func (d *Dispatcher) classify(ctx, callCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return ErrCallTimeout
	}
	return err
}

// StartKeepAlive launches the keep-warm loop if the client supports warming
// and an interval is configured. The loop stops when ctx is cancelled.
func (d *Dispatcher) StartKeepAlive(ctx context.Context) {
	if d.cfg.KeepAliveInterval <= 0 {
		return
	}
	warmer, ok := d.client.(backend.Warmer)
	if !ok {
		return
	}
	go d.keepAliveLoop(ctx, warmer)
}

func (d *Dispatcher) keepAliveLoop(ctx context.Context, warmer backend.Warmer) {
	failures := 0
	timer := time.NewTimer(d.cfg.KeepAliveInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		skipped, err := d.warmOnce(ctx, warmer)
		wait := d.cfg.KeepAliveInterval
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			wait = reliability.ExponentialBackoff(failures, d.cfg.KeepAliveInterval, warmBackoffCap)
			log.Printf("keep-warm probe failed (attempt %d, next in %s): %v", failures, wait, err)
		case err == nil && !skipped:
			failures = 0
		}
		timer.Reset(wait)
	}
}

// warmOnce sends one warm probe if a slot is free right now. Real requests
// always win: when the pool is saturated the probe is skipped, since live
// traffic keeps the model loaded anyway.
func (d *Dispatcher) warmOnce(ctx context.Context, warmer backend.Warmer) (skipped bool, err error) {
	select {
	case d.slots <- struct{}{}:
	default:
		return true, nil
	}
	defer func() { <-d.slots }()

	timeout := warmProbeTimeout
	if d.cfg.KeepAliveInterval < timeout {
		timeout = d.cfg.KeepAliveInterval
	}
	warmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return false, warmer.Warm(warmCtx)
}
