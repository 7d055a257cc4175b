package broadcast

import (
	"sort"
	"time"
)

const (
	// Keep the job registry bounded. Jobs are created on every schedule
	// fire, and keeping every status forever steadily retains memory.
	registryMax = 200
	registryTTL = 24 * time.Hour
)

// prune drops terminal jobs older than the TTL, then the oldest terminal
// jobs while the registry still exceeds the size cap. Open jobs are never
// evicted; their durable tasks are still being drained.
func (r *registry) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := r.max
	if max <= 0 {
		max = registryMax
	}
	ttl := r.ttl
	if ttl <= 0 {
		ttl = registryTTL
	}
	if len(r.jobs) == 0 {
		return
	}

	for id, j := range r.jobs {
		if !j.Status.Terminal() {
			continue
		}
		ref := j.FinishedAt
		if ref.IsZero() {
			ref = j.CreatedAt
		}
		if now.Sub(ref) > ttl {
			delete(r.jobs, id)
		}
	}

	if len(r.jobs) <= max {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(r.jobs))
	for id, j := range r.jobs {
		if !j.Status.Terminal() {
			continue
		}
		t := j.FinishedAt
		if t.IsZero() {
			t = j.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(r.jobs) - max
	for i := 0; i < excess && i < len(items); i++ {
		delete(r.jobs, items[i].id)
	}
}
