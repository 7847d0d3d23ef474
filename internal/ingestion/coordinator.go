package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/54b3r/kbingest-go/internal/chunker"
	"github.com/54b3r/kbingest-go/internal/rag"
)

// ErrClosed is returned by Submit and Handle after Shutdown has begun or a
// fatal error stopped the coordinator.
var ErrClosed = errors.New("ingestion: coordinator is closed")

// Default coordinator settings.
const (
	DefaultWorkers      = 4
	DefaultStoreTimeout = 10 * time.Second
	DefaultStoreRetries = 3
)

// Extractor produces the plain text of a file.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Deps are the collaborators a Coordinator drives. All are required.
type Deps struct {
	Extractor Extractor
	Chunker   *chunker.Chunker
	Embedder  rag.Embedder
	Vectors   rag.VectorStore
	Graph     rag.GraphStore
}

// Config holds the tunables of a Coordinator.
type Config struct {
	// Workers bounds how many files are processed concurrently.
	// Defaults to DefaultWorkers if zero.
	Workers int

	// StoreTimeout bounds every individual store call.
	// Defaults to DefaultStoreTimeout if zero.
	StoreTimeout time.Duration

	// StoreRetries is how many times a transient store failure is retried.
	// Negative disables retries; zero uses DefaultStoreRetries.
	StoreRetries int

	// RetryInterval is the first backoff delay between store retries.
	// Defaults to 200ms if zero.
	RetryInterval time.Duration

	// OnComplete, if set, is called after every finished pipeline with the
	// event that ran and its error (nil on success or skip).
	OnComplete func(Event, error)

	// Logger receives pipeline logs. Defaults to the slog default logger.
	Logger *slog.Logger

	// Metrics records pipeline metrics. Defaults to unregistered collectors.
	Metrics *Metrics
}

// fileEntry tracks ownership of one file id.
type fileEntry struct {
	id    string
	state State
	// active is true from the moment a request is accepted for the file
	// until its last pending request has finished.
	active bool
	// pending is the request to run once the current one finishes.
	pending *Event
	// idle is closed when active drops back to false.
	idle chan struct{}
}

// Coordinator is the single writer to the vector and graph stores. It is safe
// for concurrent use; Submit never blocks on pipeline work.
type Coordinator struct {
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	pool    *ants.Pool

	// workCtx carries in-flight pipelines. It is detached from any caller's
	// cancellation and only cancelled when Shutdown gives up waiting or a
	// fatal error occurs.
	workCtx    context.Context
	cancelWork context.CancelFunc

	mu      sync.Mutex
	files   map[string]*fileEntry
	backlog []Event
	closed  bool
	active  sync.WaitGroup

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	fatalOnce sync.Once
	fatal     chan struct{}
	fatalErr  error
}

// New validates deps, starts the dispatcher and returns a ready Coordinator.
// Callers must call Shutdown to release the worker pool.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.Extractor == nil:
		return nil, fmt.Errorf("ingestion: extractor must not be nil")
	case deps.Chunker == nil:
		return nil, fmt.Errorf("ingestion: chunker must not be nil")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	case deps.Vectors == nil:
		return nil, fmt.Errorf("ingestion: vector store must not be nil")
	case deps.Graph == nil:
		return nil, fmt.Errorf("ingestion: graph store must not be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.StoreRetries == 0 {
		cfg.StoreRetries = DefaultStoreRetries
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		log.Error("ingestion: worker panic", slog.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("ingestion: create worker pool: %w", err)
	}

	workCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:       deps,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		pool:       pool,
		workCtx:    workCtx,
		cancelWork: cancel,
		files:      make(map[string]*fileEntry),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		fatal:      make(chan struct{}),
	}
	go c.dispatch()
	return c, nil
}

// Submit enqueues ev. If the file already has a queued or running pipeline,
// ev replaces any request waiting behind it, so only the latest event for a
// busy file runs next. Submit returns immediately.
func (c *Coordinator) Submit(ev Event) error {
	if ev.Kind < Created || ev.Kind > Deleted {
		return fmt.Errorf("ingestion: invalid event kind %d", ev.Kind)
	}
	id := ev.FileID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	e := c.entry(id)
	if e.active {
		if e.pending != nil {
			c.metrics.coalesced.Inc()
			c.log.Debug("ingestion: coalesced event",
				slog.String("file_id", id),
				slog.String("replaced", e.pending.Kind.String()),
				slog.String("event", ev.Kind.String()),
			)
		}
		e.pending = &ev
		return nil
	}

	c.activate(e)
	c.backlog = append(c.backlog, ev)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Handle runs ev on the calling goroutine and returns its error. It waits for
// any pipeline already running for the same file, so ownership is preserved.
// Requests that arrived while ev ran are handed to the worker pool.
func (c *Coordinator) Handle(ctx context.Context, ev Event) error {
	if ev.Kind < Created || ev.Kind > Deleted {
		return fmt.Errorf("ingestion: invalid event kind %d", ev.Kind)
	}
	id := ev.FileID()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		e := c.entry(id)
		if !e.active {
			c.activate(e)
			c.mu.Unlock()
			break
		}
		idle := e.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := c.run(ev)

	c.mu.Lock()
	e := c.files[id]
	if next := e.pending; next != nil {
		e.pending = nil
		c.backlog = append(c.backlog, *next)
		select {
		case c.wake <- struct{}{}:
		default:
		}
	} else {
		c.deactivate(e)
	}
	c.mu.Unlock()
	return err
}

// Run blocks until ctx is cancelled or a fatal pipeline error occurs. It
// returns nil on cancellation and the fatal error otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-c.fatal:
		return c.fatalErr
	}
}

// Err returns the fatal error that stopped the coordinator, if any.
func (c *Coordinator) Err() error {
	select {
	case <-c.fatal:
		return c.fatalErr
	default:
		return nil
	}
}

// State reports the coordinator's view of fileID.
func (c *Coordinator) State(fileID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.files[fileID]; ok {
		return e.state
	}
	return Idle
}

// Shutdown stops intake and waits for every accepted request, including
// pending ones, to finish. If ctx expires first, in-flight pipelines are
// cancelled and ctx's error is returned. The worker pool is released either way.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.active.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		c.cancelWork()
		<-drained
	}

	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.cancelWork()
		c.pool.Release()
	})
	return err
}

// entry returns the tracking entry for id, creating it. Caller holds c.mu.
func (c *Coordinator) entry(id string) *fileEntry {
	e, ok := c.files[id]
	if !ok {
		e = &fileEntry{id: id}
		c.files[id] = e
	}
	return e
}

// activate claims ownership of e. Caller holds c.mu.
func (c *Coordinator) activate(e *fileEntry) {
	e.active = true
	e.state = Processing
	e.idle = make(chan struct{})
	c.active.Add(1)
	c.metrics.inflight.Inc()
}

// deactivate releases ownership of e. An Idle file is forgotten so the map
// only holds files that are busy or last failed. Caller holds c.mu.
func (c *Coordinator) deactivate(e *fileEntry) {
	e.active = false
	close(e.idle)
	c.active.Done()
	c.metrics.inflight.Dec()
	if e.state == Idle && e.pending == nil {
		delete(c.files, e.id)
	}
}

// dispatch feeds the backlog into the worker pool. Only this goroutine blocks
// when every worker is busy.
func (c *Coordinator) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
		case <-c.stop:
			return
		}
		for {
			c.mu.Lock()
			if len(c.backlog) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.backlog[0]
			c.backlog = c.backlog[1:]
			c.mu.Unlock()

			if err := c.pool.Submit(func() { c.work(ev) }); err != nil {
				c.log.Error("ingestion: worker pool rejected request",
					slog.String("file_id", ev.FileID()),
					slog.String("error", err.Error()),
				)
				c.mu.Lock()
				e := c.files[ev.FileID()]
				e.state = Failed
				e.pending = nil
				c.deactivate(e)
				c.mu.Unlock()
			}
		}
	}
}

// work runs ev and then every request that was coalesced behind it, so the
// last event for a file is always the last one applied.
func (c *Coordinator) work(ev Event) {
	id := ev.FileID()
	for {
		_ = c.run(ev)

		c.mu.Lock()
		e := c.files[id]
		next := e.pending
		e.pending = nil
		if next == nil {
			c.deactivate(e)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		ev = *next
	}
}

// run executes one pipeline and records its outcome.
func (c *Coordinator) run(ev Event) error {
	start := time.Now()
	id := ev.FileID()

	outcome, err := c.process(c.workCtx, ev)
	if errors.Is(err, errFatal) {
		c.setFatal(err)
	}

	c.mu.Lock()
	if e, ok := c.files[id]; ok {
		if err != nil {
			e.state = Failed
		} else {
			e.state = Idle
		}
	}
	c.mu.Unlock()

	c.metrics.filesProcessed.WithLabelValues(ev.Kind.String(), outcome).Inc()
	c.metrics.fileDuration.WithLabelValues(ev.Kind.String()).Observe(time.Since(start).Seconds())

	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(ev, err)
	}
	return err
}

// setFatal records the first fatal error, stops intake and cancels in-flight work.
func (c *Coordinator) setFatal(err error) {
	c.fatalOnce.Do(func() {
		c.log.Error("ingestion: fatal error, stopping", slog.String("error", err.Error()))
		c.fatalErr = err
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancelWork()
		close(c.fatal)
	})
}
