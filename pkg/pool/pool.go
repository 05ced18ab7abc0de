package pool

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Task is one node execution closure
type Task func(ctx context.Context) (*types.StepReport, error)

// Result is what a future resolves to. DepFailure marks nodes that
// never ran because a hard dependency failed; SoftWarnings lists soft
// dependencies that failed without blocking the node.
type Result struct {
	Report       *types.StepReport
	Err          error
	DepFailure   bool
	FailedDeps   []string
	SoftWarnings []string
}

// Future resolves once its node reaches a terminal result
type Future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result Result
}

// Wait blocks for the result or the caller's deadline
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, fault.Wrap(fault.CodeTimeout, "awaiting node "+f.id, ctx.Err())
	}
}

func (f *Future) complete(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// item is one submitted node moving through pending, ready, running
type item struct {
	id       string
	priority types.Priority
	seq      int64
	hardDeps []string
	softDeps []string
	task     Task
	future   *Future
	index    int // heap bookkeeping
}

// Pool runs the nodes of one run under a concurrency bound C and a
// backpressure threshold theta. While running/C is at or above theta
// no new node launches; this is the intra-run backpressure layer.
// Submissions with unmet dependencies wait in pending until their
// dependencies complete.
type Pool struct {
	capacity int
	theta    float64
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	seq     int64
	pending map[string]*item
	ready   readyHeap
	running map[string]*item
	done    map[string]bool // id -> failed
	closed  bool

	wake chan struct{}
	idle sync.WaitGroup // running scheduler + tasks
}

// New creates a pool with concurrency bound c and backpressure
// threshold theta in (0,1]
func New(c int, theta float64) (*Pool, error) {
	if c < 1 {
		return nil, fault.Newf(fault.CodeSpecInvalid, "pool concurrency must be at least 1, got %d", c)
	}
	if theta <= 0 || theta > 1 {
		return nil, fault.Newf(fault.CodeSpecInvalid, "pool threshold must be in (0,1], got %v", theta)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		capacity: c,
		theta:    theta,
		sem:      semaphore.NewWeighted(int64(c)),
		logger:   log.WithComponent("pool"),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*item),
		running:  make(map[string]*item),
		done:     make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	heap.Init(&p.ready)

	p.idle.Add(1)
	go p.schedule()
	return p, nil
}

// Submit queues a node. Hard dependencies must succeed before launch;
// if one fails, the node resolves as a dependency failure without
// running. Soft dependencies order the node but only attach warnings.
// Dependencies must name nodes already submitted to this pool.
func (p *Pool) Submit(id string, priority types.Priority, hardDeps, softDeps []string, task Task) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fault.New(fault.CodeInternal, "pool is closed")
	}

	p.seq++
	it := &item{
		id:       id,
		priority: priority,
		seq:      p.seq,
		hardDeps: hardDeps,
		softDeps: softDeps,
		task:     task,
		future:   &Future{id: id, done: make(chan struct{})},
	}

	if p.depsMet(it) {
		p.admit(it)
	} else {
		p.pending[id] = it
	}
	p.kick()
	return it.future, nil
}

// depsMet requires every dependency, hard and soft, to be terminal
func (p *Pool) depsMet(it *item) bool {
	for _, dep := range it.hardDeps {
		if _, ok := p.done[dep]; !ok {
			return false
		}
	}
	for _, dep := range it.softDeps {
		if _, ok := p.done[dep]; !ok {
			return false
		}
	}
	return true
}

// admit moves a dependency-satisfied item toward launch, or fails it
// outright when a hard dependency failed. Holds p.mu.
func (p *Pool) admit(it *item) {
	var failed []string
	for _, dep := range it.hardDeps {
		if p.done[dep] {
			failed = append(failed, dep)
		}
	}
	if len(failed) > 0 {
		p.done[it.id] = true
		it.future.complete(Result{
			Err:        fault.Newf(fault.CodeInternal, "hard dependencies failed: %s", strings.Join(failed, ", ")),
			DepFailure: true,
			FailedDeps: failed,
		})
		return
	}

	var warnings []string
	for _, dep := range it.softDeps {
		if p.done[dep] {
			warnings = append(warnings, dep)
		}
	}
	it.softDeps = warnings // surviving entries become warnings at completion
	heap.Push(&p.ready, it)
}

// promote re-checks pending items after a completion, looping so that
// dependency failures cascade through chains. Holds p.mu.
func (p *Pool) promote() {
	for {
		moved := false
		for id, it := range p.pending {
			if p.depsMet(it) {
				delete(p.pending, id)
				p.admit(it)
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

func (p *Pool) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) schedule() {
	defer p.idle.Done()
	for {
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return
		}

		p.mu.Lock()
		for p.ready.Len() > 0 &&
			len(p.running) < p.capacity &&
			float64(len(p.running))/float64(p.capacity) < p.theta {
			if !p.sem.TryAcquire(1) {
				break
			}
			it := heap.Pop(&p.ready).(*item)
			p.running[it.id] = it
			metrics.PoolLaunches.Inc()

			p.idle.Add(1)
			go p.run(it)
		}
		if p.ready.Len() > 0 && float64(len(p.running))/float64(p.capacity) >= p.theta {
			metrics.PoolBackpressure.Inc()
		}
		p.mu.Unlock()
	}
}

func (p *Pool) run(it *item) {
	defer p.idle.Done()
	defer p.sem.Release(1)

	report, err := it.task(p.ctx)
	failed := err != nil || (report != nil && report.Status == types.ReportError)

	p.mu.Lock()
	delete(p.running, it.id)
	p.done[it.id] = failed
	p.promote()
	p.kick()
	p.mu.Unlock()

	it.future.complete(Result{
		Report:       report,
		Err:          err,
		SoftWarnings: it.softDeps,
	})
}

// Running reports how many nodes are in flight
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Waiting reports how many nodes are ready or dependency-blocked
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready.Len() + len(p.pending)
}

// Cancel stops the pool: in-flight nodes see their context cancelled
// and get the grace window to return; whatever is still running after
// that is abandoned as failed. Queued nodes resolve as cancelled
// without running.
func (p *Pool) Cancel(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	// Queued work never launches
	for _, it := range p.pending {
		it.future.complete(Result{Err: fault.New(fault.CodeTimeout, "pool cancelled before launch")})
	}
	p.pending = make(map[string]*item)
	for p.ready.Len() > 0 {
		it := heap.Pop(&p.ready).(*item)
		it.future.complete(Result{Err: fault.New(fault.CodeTimeout, "pool cancelled before launch")})
	}
	abandoned := make([]*item, 0, len(p.running))
	for _, it := range p.running {
		abandoned = append(abandoned, it)
	}
	p.mu.Unlock()

	p.cancel()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	finished := make(chan struct{})
	go func() {
		p.idle.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-deadline.C:
		for _, it := range abandoned {
			it.future.complete(Result{Err: fault.Newf(fault.CodeTimeout, "node %s abandoned after cancel grace", it.id)})
		}
		p.logger.Warn().Int("abandoned", len(abandoned)).Msg("Pool cancelled with nodes still running")
	}
}

// Drain closes the pool to new work and waits for everything
// submitted to finish
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.waitQuiet()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		p.idle.Wait()
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.CodeTimeout, "draining pool", ctx.Err())
	}
}

// waitQuiet returns when no work is queued or running
func (p *Pool) waitQuiet() {
	for {
		p.mu.Lock()
		quiet := p.ready.Len() == 0 && len(p.pending) == 0 && len(p.running) == 0
		p.mu.Unlock()
		if quiet {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readyHeap orders launchable items by priority class, then FIFO
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority.Rank() != h[j].priority.Rank() {
		return h[i].priority.Rank() < h[j].priority.Rank()
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
