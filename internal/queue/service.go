package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"aeternitas/internal/eventbus"
	"aeternitas/internal/guard"
	"aeternitas/internal/pollable"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the embedded worker-pool queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	exec     ExecFunc
	store    storage.Store
	registry *pollable.Registry

	q        chan Job
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	dropped             uint64
	lastQueueFullWarnAt int64
}

func New(cfg Config, exec ExecFunc, store storage.Store, registry *pollable.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		exec:     exec,
		store:    store,
		registry: registry,
		inflight: make(map[int64]struct{}),
	}
}

// Start spins up the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan Job, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	queue := s.q
	stopCh := s.stopCh
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue, idx)
		}(i)
	}
	s.log.Info("poll queue started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop signals the workers and waits for them, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	s.mu.Unlock()

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("poll queue stopped")
	case <-ctx.Done():
		s.log.Warn("poll queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit enqueues a job without blocking.
//
// ErrInFlight means the metadata id is already queued or running;
// callers should treat the record as handled. ErrQueueFull means the
// job was dropped and the record is untouched.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if j.MetaID <= 0 {
		return fmt.Errorf("submit: invalid meta id %d", j.MetaID)
	}

	s.mu.Lock()
	q := s.q
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	if !s.acquire(j.MetaID) {
		s.publish(eventbus.TypePollSkipped, j, 0, 0, "in_flight")
		return ErrInFlight
	}

	select {
	case q <- j:
		return nil
	default:
		s.release(j.MetaID)
		s.onQueueFull(j, q)
		return ErrQueueFull
	}
}

func (s *Service) acquire(metaID int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[metaID]; busy {
		return false
	}
	s.inflight[metaID] = struct{}{}
	return true
}

func (s *Service) release(metaID int64) {
	s.inflightMu.Lock()
	delete(s.inflight, metaID)
	s.inflightMu.Unlock()
}

// InFlight reports how many jobs are queued or running.
func (s *Service) InFlight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Job, idx int) {
	// Per-worker RNG so concurrent retries don't contend on a shared source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, stopCh, j, rng)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, j Job, rng *rand.Rand) {
	defer s.release(j.MetaID)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	s.publish(eventbus.TypePollStarted, j, 0, 1, "")

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
	attempt := 1
	for {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if cfg.PollTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.PollTimeout)
		}
		// A panicking poll must not take the worker down with it.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("poll panicked",
						logx.Int64("meta", j.MetaID), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = s.exec(runCtx, j.MetaID)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}

		var locked *guard.LockedError
		if errors.As(err, &locked) && s.sleepsOnLocked(j.Kind) {
			// Contention is not a failure. Wait out the reported retry
			// window (bounded) and deliver again without spending a retry.
			wait := time.Until(locked.RetryAt)
			if wait < 0 {
				wait = 0
			}
			if wait > cfg.MaxLockedWait {
				wait = cfg.MaxLockedWait
			}
			s.log.Debug("guard locked, waiting",
				logx.Int64("meta", j.MetaID), logx.String("key", locked.ID),
				logx.Duration("wait", wait))
			if !s.sleep(ctx, stopCh, wait) {
				return
			}
			continue
		}

		if attempt >= maxAttempts {
			break
		}
		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("poll retry scheduled",
			logx.Int64("meta", j.MetaID), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))
		if !s.sleep(ctx, stopCh, delay) {
			return
		}
		attempt++
	}

	dur := time.Since(start)
	if err == nil {
		return
	}

	// Lifecycle events for the poll itself come from the executor; the
	// queue only reports its own delivery outcomes.
	s.log.Warn("poll failed",
		logx.Int64("meta", j.MetaID), logx.String("kind", j.Kind),
		logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))

	// Every retry burned on a real failure: take the record out of
	// rotation so it stops consuming the pool. Shutdown and cancellation
	// are not failures of the pollable.
	if attempts >= maxAttempts && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		cleanup := context.WithoutCancel(ctx)
		reason := fmt.Sprintf("retries exhausted: %v", err)
		if derr := s.store.Deactivate(cleanup, j.MetaID, reason, time.Now()); derr != nil {
			s.log.Error("deactivation after exhausted retries failed",
				logx.Int64("meta", j.MetaID), logx.Err(derr))
		}
	}
}

// sleep waits for d, returning false if the queue stops or ctx ends first.
func (s *Service) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

func (s *Service) sleepsOnLocked(kind string) bool {
	if s.registry == nil {
		return true
	}
	reg, ok := s.registry.Lookup(kind)
	if !ok {
		return true
	}
	return reg.Config.SleepOnGuardLocked
}

func (s *Service) onQueueFull(j Job, q chan Job) {
	n := atomic.AddUint64(&s.dropped, 1)
	s.publish(eventbus.TypePollDropped, j, 0, 0, "queue_full")
	if s.shouldWarn(&s.lastQueueFullWarnAt) {
		s.log.Warn("poll job dropped: queue full",
			logx.Int64("meta", j.MetaID), logx.String("kind", j.Kind),
			logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", n))
	}
}

func (s *Service) shouldWarn(last *int64) bool {
	prev := atomic.LoadInt64(last)
	n := time.Now().UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) publish(typ string, j Job, dur time.Duration, attempts int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.PollEvent{
		MetaID:   j.MetaID,
		Kind:     j.Kind,
		Queue:    j.Queue,
		Duration: dur,
		Attempts: attempts,
		Error:    errMsg,
	}})
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
