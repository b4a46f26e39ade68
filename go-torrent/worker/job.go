package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Kind tags what a job does, for logging.
type Kind int

const (
	KindGeneric Kind = iota
	KindPeer
	KindTracker
)

func (k Kind) String() string {
	switch k {
	case KindPeer:
		return "peer"
	case KindTracker:
		return "tracker"
	default:
		return "generic"
	}
}

// Job is a unit of work run by a Pool. Locks are acquired in order right
// before Run and released right after, so Run never handles them itself.
// Release, if set, frees whatever the job owns; it is called exactly once,
// after Run or instead of it when the pool shuts down first.
type Job struct {
	ID      string
	Kind    Kind
	Name    string
	Run     func(ctx context.Context) error
	Locks   []sync.Locker
	Release func()
}

func NewJob(kind Kind, name string, run func(ctx context.Context) error) *Job {
	return &Job{
		ID:   uuid.NewString(),
		Kind: kind,
		Name: name,
		Run:  run,
	}
}

// WithLock attaches a lock held for the duration of Run.
func (j *Job) WithLock(l sync.Locker) *Job {
	j.Locks = append(j.Locks, l)
	return j
}

// WithRelease sets the hook that frees the job's resources.
func (j *Job) WithRelease(release func()) *Job {
	j.Release = release
	return j
}

func (j *Job) execute(ctx context.Context) error {
	for _, l := range j.Locks {
		l.Lock()
	}
	defer func() {
		for i := len(j.Locks) - 1; i >= 0; i-- {
			j.Locks[i].Unlock()
		}
	}()
	return j.Run(ctx)
}

func (j *Job) release() {
	if j.Release != nil {
		j.Release()
	}
}
