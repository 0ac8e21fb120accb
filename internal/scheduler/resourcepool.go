package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// jobsResource is the implicit resource every action draws one unit of,
// the system-wide cap on concurrent external commands (spec.md §4.6's
// "jobs budget").
const jobsResource = "jobs"

// ResourcePool admits actions against per-resource budgets using
// golang.org/x/sync/semaphore, queuing admission FIFO the way
// semaphore.Weighted itself queues acquirers, per spec.md §4.6's
// "Action admission".
type ResourcePool struct {
	mu      sync.Mutex
	budgets map[string]int64
	sems    map[string]*semaphore.Weighted
}

// NewResourcePool builds a pool with the given per-resource budgets
// (typically the resolved values of internal/params.ResourceParameters,
// plus "jobs"). A non-positive budget, for any resource, means unlimited;
// turning a negative --jobs value into a CPU-based count is done by
// internal/config's Flags.ResolveJobBudget before the pool is built.
func NewResourcePool(budgets map[string]int) *ResourcePool {
	p := &ResourcePool{
		budgets: make(map[string]int64, len(budgets)),
		sems:    make(map[string]*semaphore.Weighted, len(budgets)),
	}
	for name, budget := range budgets {
		p.budgets[name] = int64(budget)
	}
	return p
}

// unlimited is used as a semaphore capacity standing in for "no cap".
const unlimited = int64(1) << 40

func (p *ResourcePool) semFor(name string) (*semaphore.Weighted, int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	budget, known := p.budgets[name]
	if !known {
		return nil, 0, false
	}
	sem, ok := p.sems[name]
	if !ok {
		capacity := budget
		if capacity <= 0 {
			capacity = unlimited
		}
		sem = semaphore.NewWeighted(capacity)
		p.sems[name] = sem
	}
	return sem, budget, true
}

// Acquire reserves every resource in resources (plus an implicit "jobs"
// unit) against the global budget, blocking until capacity frees up. It
// implements internal/runner.ResourcePool.
func (p *ResourcePool) Acquire(ctx context.Context, resources map[string]int) (func(), error) {
	merged := make(map[string]int, len(resources)+1)
	for k, v := range resources {
		merged[k] = v
	}
	if _, ok := merged[jobsResource]; !ok {
		merged[jobsResource] = 1
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic acquire order avoids lock-order deadlocks

	type held struct {
		sem *semaphore.Weighted
		n   int64
	}
	var acquired []held

	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].sem.Release(acquired[i].n)
		}
	}

	for _, name := range names {
		need := int64(merged[name])
		sem, budget, known := p.semFor(name)
		if !known {
			release()
			return nil, fmt.Errorf("scheduler: action requires unregistered resource %q", name)
		}
		if budget > 0 && need > budget {
			release()
			return nil, fmt.Errorf("scheduler: action requires %d of resource %q exceeding budget %d", need, name, budget)
		}
		if err := sem.Acquire(ctx, need); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, held{sem: sem, n: need})
	}

	return release, nil
}
