package broadcast

import (
	"sync"
	"time"

	"routexd/internal/storage"
)

type Source string

const (
	SourceSchedule Source = "schedule"
	SourceAdHoc    Source = "adhoc"
	SourceEvent    Source = "event"
	// SourceRecovered tags jobs rebuilt from the durable queue after a
	// restart; their original source is unknown.
	SourceRecovered Source = "recovered"
)

type JobStatus string

const (
	StatusResolving   JobStatus = "resolving"
	StatusQueued      JobStatus = "queued"
	StatusDispatching JobStatus = "dispatching"
	StatusCompleted   JobStatus = "completed"
	StatusAborted     JobStatus = "aborted"
)

func (s JobStatus) Terminal() bool { return s == StatusCompleted || s == StatusAborted }

// Job is the in-memory record of one broadcast. The durable state lives in
// delivery_tasks; the job itself exists only for its lifetime (plus lookup
// until process exit).
type Job struct {
	ID         string
	Source     Source
	ScheduleID *int64
	Segment    string
	Payload    string
	Status     JobStatus
	Total      int
	Counts     storage.TaskCounts
	CreatedAt  time.Time
	FinishedAt time.Time
}

type registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	// bounds for prune; zero means the package defaults
	max int
	ttl time.Duration
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]*Job)}
}

func (r *registry) add(j *Job) {
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
}

func (r *registry) get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (r *registry) setStatus(id string, st JobStatus) {
	r.mu.Lock()
	if j := r.jobs[id]; j != nil && !j.Status.Terminal() {
		j.Status = st
	}
	r.mu.Unlock()
}

func (r *registry) setTotal(id string, total int) {
	r.mu.Lock()
	if j := r.jobs[id]; j != nil {
		j.Total = total
	}
	r.mu.Unlock()
}

// finish moves a job to a terminal status exactly once; a job aborted while
// its drain loop was sleeping stays aborted.
func (r *registry) finish(id string, st JobStatus, counts storage.TaskCounts, at time.Time) {
	r.mu.Lock()
	if j := r.jobs[id]; j != nil && !j.Status.Terminal() {
		j.Status = st
		j.Counts = counts
		j.FinishedAt = at
	}
	r.mu.Unlock()
}
