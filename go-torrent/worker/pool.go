// Package worker runs short non-blocking jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "worker")

var ErrPoolStopped = errors.New("worker pool stopped")

// semaphore is a counting semaphore starting at zero.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newSemaphore() *semaphore {
	s := &semaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *semaphore) release() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *semaphore) acquire() {
	s.mu.Lock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

type Pool interface {
	Submit(job *Job) bool
	Results() *Queue[error]
	Shutdown()
	Size() int
}

type pool struct {
	size    int
	jobs    *Queue[*Job]
	sem     *semaphore
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	results *Queue[error]

	mu      sync.Mutex
	stopped bool
}

// NewPool starts size workers. Jobs see a context derived from parent that is
// cancelled on Shutdown.
func NewPool(parent context.Context, size int) (Pool, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid worker count %d", size)
	}
	ctx, cancel := context.WithCancel(parent)
	p := &pool{
		size:    size,
		jobs:    NewQueue[*Job](),
		sem:     newSemaphore(),
		ctx:     ctx,
		cancel:  cancel,
		group:   &errgroup.Group{},
		results: NewQueue[error](),
	}
	for i := 0; i < size; i++ {
		p.group.Go(p.work)
	}
	return p, nil
}

func (p *pool) Size() int {
	return p.size
}

// Results holds the errors of failed jobs for the owner to log.
func (p *pool) Results() *Queue[error] {
	return p.results
}

func (p *pool) Submit(job *Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	p.jobs.Push(job)
	p.sem.release()
	return true
}

func (p *pool) work() error {
	for {
		p.sem.acquire()
		if p.ctx.Err() != nil {
			return nil
		}
		job, ok := p.jobs.Pop()
		if !ok {
			continue
		}
		err := job.execute(p.ctx)
		job.release()
		if err != nil {
			p.results.Push(errors.Wrapf(err, "%s job %s", job.Kind, job.Name))
		}
	}
}

// Shutdown cancels running jobs, wakes and joins every worker, then releases
// the jobs that never ran.
func (p *pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	for i := 0; i < p.size; i++ {
		p.sem.release()
	}
	p.group.Wait()

	pending := p.jobs.Drain()
	for _, job := range pending {
		job.release()
	}
	log.WithField("dropped", len(pending)).Debug("worker pool stopped")
}
