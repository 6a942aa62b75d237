// Package gate bounds how many heavy download runs may hold external
// processes at the same time.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a fixed-capacity admission gate.
type Gate struct {
	name string
	cap  int64
	sem  *semaphore.Weighted
	held atomic.Int64
}

// Permit is one held slot. Release is safe to call more than once.
type Permit struct {
	g    *Gate
	once sync.Once
}

func New(name string, capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{name: name, cap: int64(capacity), sem: semaphore.NewWeighted(int64(capacity))}
}

func (g *Gate) Name() string  { return g.name }
func (g *Gate) Capacity() int { return int(g.cap) }

// Available reports how many permits are free right now.
func (g *Gate) Available() int { return int(g.cap - g.held.Load()) }

// TryAcquire never blocks: when every slot is held the caller is rejected
// instead of queued.
func (g *Gate) TryAcquire() (*Permit, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.held.Add(1)
	return &Permit{g: g}, true
}

// Acquire waits for a slot. Interactive callers use TryAcquire.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.held.Add(1)
	return &Permit{g: g}, nil
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.g.held.Add(-1)
		p.g.sem.Release(1)
	})
}
