package dispatcher

import (
	"context"
	"sync"

	"github.com/cuemby/nimbusdb/pkg/log"
	"github.com/cuemby/nimbusdb/pkg/metrics"
	"github.com/rs/zerolog"
)

// JobKind distinguishes the two kinds of background view work.
type JobKind int

const (
	JobUpdate JobKind = iota
	JobIntegrity
)

func (k JobKind) String() string {
	switch k {
	case JobUpdate:
		return "update"
	case JobIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// JobKey identifies a coalescing group: at most one job per key is ever
// queued or running at a time.
type JobKey struct {
	Database string
	View     string
	Kind     JobKind
}

type jobState struct {
	run     func(context.Context) error
	waiters []chan error
}

type dispatchedJob struct {
	key   JobKey
	state *jobState
}

// Dispatcher is a fixed-size worker pool that runs jobs submitted by key,
// merging a submission into an already-running or already-queued job of
// the same key. Every caller's returned channel receives the same
// completion error. Jobs are internal plumbing: the run closure is
// supplied by pkg/view, never by an end user of the database.
type Dispatcher struct {
	mu     sync.Mutex
	jobs   map[JobKey]*jobState
	workCh chan *dispatchedJob
	stopCh chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New starts a Dispatcher with the given number of worker goroutines.
func New(workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		jobs:   make(map[JobKey]*jobState),
		workCh: make(chan *dispatchedJob, 64),
		stopCh: make(chan struct{}),
		log:    log.WithComponent("dispatcher"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues run under key, or, if a job with that key is already
// queued or running, attaches a waiter to it instead of starting a second
// run. The returned channel receives run's error exactly once.
func (d *Dispatcher) Submit(key JobKey, run func(context.Context) error) <-chan error {
	ch := make(chan error, 1)

	d.mu.Lock()
	if state, ok := d.jobs[key]; ok {
		state.waiters = append(state.waiters, ch)
		d.mu.Unlock()
		return ch
	}
	state := &jobState{run: run, waiters: []chan error{ch}}
	d.jobs[key] = state
	d.mu.Unlock()

	metrics.DispatcherQueueDepth.Inc()
	select {
	case d.workCh <- &dispatchedJob{key: key, state: state}:
	case <-d.stopCh:
		d.mu.Lock()
		delete(d.jobs, key)
		d.mu.Unlock()
		metrics.DispatcherQueueDepth.Dec()
		ch <- context.Canceled
	}
	return ch
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.workCh:
			d.runJob(job)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) runJob(job *dispatchedJob) {
	metrics.DispatcherQueueDepth.Dec()
	timer := metrics.NewTimer()
	err := job.state.run(context.Background())
	timer.ObserveDurationVec(metrics.DispatcherJobDuration, job.key.Kind.String())

	outcome := "ok"
	if err != nil {
		outcome = "error"
		d.log.Error().Err(err).
			Str("database", job.key.Database).
			Str("view", job.key.View).
			Msg("dispatcher job failed")
	}
	metrics.DispatcherJobsTotal.WithLabelValues(job.key.Kind.String(), outcome).Inc()

	d.mu.Lock()
	delete(d.jobs, job.key)
	waiters := job.state.waiters
	d.mu.Unlock()

	for _, w := range waiters {
		w <- err
		close(w)
	}
}

// Close stops accepting new work and waits for in-flight jobs to finish.
func (d *Dispatcher) Close() error {
	close(d.stopCh)
	d.wg.Wait()
	return nil
}
