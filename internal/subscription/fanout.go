package subscription

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
)

// TaskKind selects the callback shape a task produces.
type TaskKind int

const (
	// TaskDiff delivers a regular diff callback shaped by the
	// subscription's granularity.
	TaskDiff TaskKind = iota
	// TaskResync delivers a full-replacement resync callback.
	TaskResync
	// TaskNotify delivers a data-less notification carrying only the
	// resource URL, for peers that do not understand resync.
	TaskNotify
)

// Task is one callback delivery.
type Task struct {
	ActorID      string
	Subscription *store.Subscription
	Diff         *store.Diff
	Kind         TaskKind
	ResourceURL  string
}

// CallbackPoster is the outbound POST the fan-out needs.
type CallbackPoster interface {
	PostCallback(ctx context.Context, url, secret string, payload []byte) (int, error)
}

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	peerPause        = 10 * time.Second

	maxAttempts = 3
)

// Fanout delivers callbacks through a bounded worker pool. Each peer has a
// circuit breaker; an open breaker or a full queue drops the delivery, the
// diff stays retained for pull sync either way.
type Fanout struct {
	store  store.Store
	poster CallbackPoster
	clock  clockwork.Clock
	logger *zap.Logger

	queue   chan Task
	workers int
	wg      sync.WaitGroup

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewFanout creates the fan-out manager. workers<=0 selects the default
// pool size.
func NewFanout(st store.Store, poster CallbackPoster, clock clockwork.Clock, workers int, logger *zap.Logger) *Fanout {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Fanout{
		store:    st,
		poster:   poster,
		clock:    clock,
		logger:   logger,
		queue:    make(chan Task, defaultQueueSize),
		workers:  workers,
		breakers: make(map[string]*breaker),
	}
}

// Start launches the worker pool.
func (f *Fanout) Start() {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (f *Fanout) Stop() {
	close(f.queue)
	f.wg.Wait()
}

// Enqueue hands a task to the pool without blocking the mutation path.
func (f *Fanout) Enqueue(t Task) {
	select {
	case f.queue <- t:
	default:
		awCallbackDeliveries.WithLabelValues("dropped").Inc()
		f.logger.Warn("fan-out queue full, callback dropped",
			zap.String("actor_id", t.ActorID),
			zap.String("subscription_id", t.Subscription.ID))
	}
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for t := range f.queue {
		f.deliver(context.Background(), t)
	}
}

func (f *Fanout) breakerFor(peerID string) *breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[peerID]
	if !ok {
		b = &breaker{}
		f.breakers[peerID] = b
	}
	return b
}

// deliver posts one callback with retries. Transport errors and 5xx are
// transient; 4xx are terminal, with 429 additionally pausing the peer.
func (f *Fanout) deliver(ctx context.Context, t Task) {
	tr, err := f.store.GetTrust(ctx, t.ActorID, t.Subscription.PeerID)
	if err != nil || !tr.Active() || tr.BaseURI == "" {
		awCallbackDeliveries.WithLabelValues("skipped").Inc()
		return
	}

	br := f.breakerFor(tr.PeerID)
	if !br.allow(f.clock.Now(), breakerCooldown) {
		awCallbackDeliveries.WithLabelValues("blocked").Inc()
		f.logger.Debug("circuit open, callback withheld",
			zap.String("peer_id", tr.PeerID),
			zap.String("subscription_id", t.Subscription.ID))
		return
	}

	payload, err := json.Marshal(f.callback(t))
	if err != nil {
		f.logger.Error("callback encoding failed", zap.Error(err))
		return
	}
	url := tr.BaseURI + "/callbacks/subscriptions/" + t.ActorID + "/" + t.Subscription.ID

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			awCallbackRetries.Inc()
			f.clock.Sleep(retryBackoff(attempt))
		}

		status, err := f.poster.PostCallback(ctx, url, tr.Secret, payload)
		if err != nil {
			f.logger.Warn("callback delivery failed",
				zap.String("peer_id", tr.PeerID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		switch {
		case status >= 200 && status < 300:
			// Received is not confirmed: the diff survives until the
			// peer PUTs its confirmation.
			br.success()
			awCallbackDeliveries.WithLabelValues("success").Inc()
			return
		case status == 429:
			br.pause(f.clock.Now(), peerPause)
			awCallbackDeliveries.WithLabelValues("backpressure").Inc()
			f.logger.Debug("peer backpressure, paused",
				zap.String("peer_id", tr.PeerID))
			return
		case status >= 400 && status < 500:
			awCallbackDeliveries.WithLabelValues("rejected").Inc()
			f.logger.Warn("callback rejected by peer",
				zap.String("peer_id", tr.PeerID),
				zap.Int("status", status))
			return
		default:
			f.logger.Warn("callback delivery failed",
				zap.String("peer_id", tr.PeerID),
				zap.Int("attempt", attempt),
				zap.Int("status", status))
		}
	}

	br.failure(f.clock.Now(), breakerThreshold)
	awCallbackDeliveries.WithLabelValues("failure").Inc()
}

// callback builds the wire payload for a task.
func (f *Fanout) callback(t Task) Callback {
	cb := Callback{
		ID:             t.ActorID,
		SubscriptionID: t.Subscription.ID,
		Sequence:       t.Diff.Sequence,
		Target:         t.Diff.Target,
		Subtarget:      t.Diff.Subtarget,
		Timestamp:      t.Diff.Timestamp,
	}
	switch t.Kind {
	case TaskResync:
		cb.Type = TypeResync
		cb.Data = t.Diff.Blob
		cb.URL = t.ResourceURL
	case TaskNotify:
		cb.URL = t.ResourceURL
	default:
		if t.Subscription.Granularity == store.GranularityHigh {
			cb.Data = t.Diff.Blob
		} else {
			cb.URL = t.ResourceURL
		}
	}
	return cb
}

func retryBackoff(attempt int) time.Duration {
	base := time.Second << (attempt - 2)
	return base + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker is a per-peer circuit breaker. Consecutive delivery failures
// open it; after the cooldown it admits a single probe.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
	pausedUntil time.Time
	probing     bool
}

func (b *breaker) transition(to breakerState) {
	if b.state == to {
		return
	}
	b.state = to
	awBreakerTransitions.WithLabelValues(to.String()).Inc()
}

func (b *breaker) allow(now time.Time, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.pausedUntil) {
		return false
	}
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) < cooldown {
			return false
		}
		b.transition(breakerHalfOpen)
		b.probing = false
		fallthrough
	default: // half-open admits one probe
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(breakerClosed)
	b.failures = 0
	b.probing = false
}

func (b *breaker) failure(now time.Time, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.transition(breakerOpen)
		b.openedAt = now
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= threshold {
		b.transition(breakerOpen)
		b.openedAt = now
	}
}

func (b *breaker) pause(now time.Time, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil = now.Add(d)
}
