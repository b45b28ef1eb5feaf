// Package batch implements the asynchronous batching sender: per-kind
// bounded queues, a single drain loop, a bounded send-worker pool, and
// retry-with-backoff. It follows dd-trace-go's tracer flush/worker loop
// (ddtrace/tracer/tracer.go's worker goroutine and its traceWriter
// flush-on-size-or-interval logic), generalized to the two payload kinds
// this library ships (spans, errors) and driven by an injected send
// function rather than a hardcoded transport, so the package stays
// independent of internal/transport's concrete types.
package batch

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seuros/miniapm/internal/log"
	"github.com/seuros/miniapm/internal/transport"
)

// Kind identifies one of the two payload streams a Sender manages.
type Kind int

const (
	KindSpan Kind = iota
	KindError
)

func (k Kind) String() string {
	if k == KindSpan {
		return "span"
	}
	return "error"
}

const (
	maxRetryAttempts  = 3
	baseRetryDelay    = 500 * time.Millisecond
	drainTick         = 100 * time.Millisecond
	defaultJoinWindow = 5 * time.Second
)

// SendFunc performs one transport attempt for a batch of items of a given
// kind and reports the transport result. Supplied by the caller so this
// package never imports apmtrace/apmerror directly.
type SendFunc func(items []any) transport.Result

// KindStats holds the per-kind counters tracked by a Sender.
type KindStats struct {
	Enqueued int64
	Sent     int64
	Dropped  int64
	Failed   int64
}

// Stats is a snapshot of the Sender's counters: enqueued, sent, dropped and
// failed per kind, plus a global retry count.
type Stats struct {
	Span    KindStats
	Error   KindStats
	Retries int64
}

// Config configures a Sender. Zero values are replaced with defaults by New.
type Config struct {
	BatchSize          int
	FlushInterval      time.Duration
	MaxQueueSize       int
	MaxConcurrentSends int

	SendSpans  SendFunc
	SendErrors SendFunc
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = 4
	}
	return c
}

type lifecycleState int

const (
	stateStopped lifecycleState = iota
	stateStarted
	stateStopping
)

type dispatchItem struct {
	kind  Kind
	items []any
}

type kindState struct {
	mu        sync.Mutex
	queue     []any
	pending   []any
	lastFlush time.Time
	stats     KindStats
	send      SendFunc
}

// Sender is the process-wide batching pipeline. The zero value is not
// usable; construct with New.
type Sender struct {
	cfg Config

	lifecycleMu sync.Mutex
	state       lifecycleState

	kinds map[Kind]*kindState

	dispatch  chan dispatchItem
	shutdown  chan struct{}
	drainDone chan struct{}
	workersWG sync.WaitGroup
	inFlight  sync.WaitGroup

	retriesMu sync.Mutex
	retries   int64
}

// New builds a Sender in the Stopped state. Call Start before Enqueue has
// any effect.
func New(cfg Config) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		cfg: cfg,
		kinds: map[Kind]*kindState{
			KindSpan:  {send: cfg.SendSpans},
			KindError: {send: cfg.SendErrors},
		},
	}
}

// Start transitions Stopped -> Started, idempotently. Go has no portable
// process-exit hook, so callers are responsible for invoking Stop during
// their own shutdown path.
func (s *Sender) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.state != stateStopped {
		return
	}
	s.state = stateStarted
	s.dispatch = make(chan dispatchItem, s.cfg.MaxConcurrentSends*2)
	s.shutdown = make(chan struct{})
	s.drainDone = make(chan struct{})

	go s.drainLoop()
	for i := 0; i < s.cfg.MaxConcurrentSends; i++ {
		s.workersWG.Add(1)
		go s.sendWorker()
	}
}

// Enqueue adds item to kind's producer queue. It is a no-op if the sender
// is not started, and drops the item (incrementing the kind's Dropped
// counter) if the queue is at MaxQueueSize; the core never backpressures
// callers.
func (s *Sender) Enqueue(kind Kind, item any) {
	s.lifecycleMu.Lock()
	started := s.state == stateStarted
	s.lifecycleMu.Unlock()
	if !started {
		return
	}

	k := s.kinds[kind]
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.queue) >= s.cfg.MaxQueueSize {
		k.stats.Dropped++
		return
	}
	k.queue = append(k.queue, item)
	k.stats.Enqueued++
}

func (s *Sender) drainLoop() {
	defer close(s.drainDone)
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			s.drainAndDispatchAll()
			return
		case <-ticker.C:
			s.drainTickOnce(false)
		}
	}
}

// drainTickOnce moves queued items into each kind's pending buffer and
// dispatches any buffer that has crossed its size or time threshold. When
// force is true (Flush, Stop), the batch-size cap on how much moves from
// queue to pending is ignored: every queued item moves over and the whole
// buffer is dispatched immediately.
func (s *Sender) drainTickOnce(force bool) {
	now := time.Now()
	for kind, k := range s.kinds {
		k.mu.Lock()
		if len(k.queue) > 0 {
			if force {
				k.pending = append(k.pending, k.queue...)
				k.queue = nil
			} else if room := s.cfg.BatchSize - len(k.pending); room > 0 {
				n := room
				if n > len(k.queue) {
					n = len(k.queue)
				}
				k.pending = append(k.pending, k.queue[:n]...)
				k.queue = k.queue[n:]
			}
		}
		due := len(k.pending) >= s.cfg.BatchSize || now.Sub(k.lastFlush) >= s.cfg.FlushInterval
		var snapshot []any
		if len(k.pending) > 0 && (force || due) {
			snapshot = k.pending
			k.pending = nil
			k.lastFlush = now
		}
		k.mu.Unlock()

		if snapshot != nil {
			s.inFlight.Add(1)
			s.dispatch <- dispatchItem{kind: kind, items: snapshot}
		}
	}
}

func (s *Sender) drainAndDispatchAll() {
	s.drainTickOnce(true)
}

func (s *Sender) sendWorker() {
	defer s.workersWG.Done()
	for item := range s.dispatch {
		s.sendWithRetry(item.kind, item.items)
		s.inFlight.Done()
	}
}

// sendWithRetry sends one batch, retrying up to maxRetryAttempts total
// attempts with exponential backoff and jitter between attempts, and giving
// up without retrying on a 4xx response (the collector rejected the batch
// outright, so resending it changes nothing).
func (s *Sender) sendWithRetry(kind Kind, items []any) bool {
	k := s.kinds[kind]
	b := &backoff.ExponentialBackOff{
		InitialInterval:     baseRetryDelay,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	attempt := 0
	for {
		attempt++
		result := k.send(items)
		if result.NoOp {
			return true
		}
		if result.Success {
			k.mu.Lock()
			k.stats.Sent += int64(len(items))
			k.mu.Unlock()
			return true
		}
		if result.Status >= 400 && result.Status < 500 {
			k.mu.Lock()
			k.stats.Failed++
			k.mu.Unlock()
			log.Warn("miniapm: %s batch rejected by collector (status %d), not retrying", kind, result.Status)
			return false
		}
		if attempt >= maxRetryAttempts {
			k.mu.Lock()
			k.stats.Failed++
			k.mu.Unlock()
			log.Error("miniapm: %s batch failed after %d attempts", kind, attempt)
			return false
		}
		delay := b.NextBackOff()
		if delay <= 0 {
			delay = baseRetryDelay
		}
		time.Sleep(delay)
		s.retriesMu.Lock()
		s.retries++
		s.retriesMu.Unlock()
	}
}

// Flush moves every pending item into batches immediately, dispatches them,
// and blocks up to 5s for every dispatched batch to finish sending. Used by
// tests and by miniapm.Flush.
func (s *Sender) Flush() {
	s.drainTickOnce(true)
	s.waitInFlight(defaultJoinWindow)
}

// Stop transitions Started -> Stopping -> Stopped and is a no-op in any
// other state: it flushes
// remaining data, joins the drain loop and send workers (bounded at 5s
// each), and leaves the Sender ready for a future Start.
func (s *Sender) Stop() {
	s.lifecycleMu.Lock()
	if s.state != stateStarted {
		s.lifecycleMu.Unlock()
		return
	}
	s.state = stateStopping
	s.lifecycleMu.Unlock()

	close(s.shutdown)
	waitOnClose(s.drainDone, defaultJoinWindow)
	s.waitInFlight(defaultJoinWindow)

	close(s.dispatch)
	joined := make(chan struct{})
	go func() {
		s.workersWG.Wait()
		close(joined)
	}()
	waitOnClose(joined, defaultJoinWindow)

	s.lifecycleMu.Lock()
	s.state = stateStopped
	s.lifecycleMu.Unlock()
}

func (s *Sender) waitInFlight(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	waitOnClose(done, timeout)
}

func waitOnClose(ch chan struct{}, timeout time.Duration) {
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() Stats {
	span := s.kinds[KindSpan]
	errs := s.kinds[KindError]

	span.mu.Lock()
	spanStats := span.stats
	span.mu.Unlock()

	errs.mu.Lock()
	errStats := errs.stats
	errs.mu.Unlock()

	s.retriesMu.Lock()
	retries := s.retries
	s.retriesMu.Unlock()

	return Stats{Span: spanStats, Error: errStats, Retries: retries}
}

// ResetStats zeroes every counter without affecting lifecycle state or
// queued data. Test-only helper for isolating test cases that share a
// Sender.
func (s *Sender) ResetStats() {
	for _, k := range s.kinds {
		k.mu.Lock()
		k.stats = KindStats{}
		k.mu.Unlock()
	}
	s.retriesMu.Lock()
	s.retries = 0
	s.retriesMu.Unlock()
}
