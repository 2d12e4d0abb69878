package app

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// flightGroup holds one process-local busy flag per key. A key names a UI
// surface (a list screen, a book detail view) or a conversation.
type flightGroup struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newFlightGroup() *flightGroup {
	return &flightGroup{sems: make(map[string]*semaphore.Weighted)}
}

// begin claims key. ok is false when an operation on key is already in
// flight; the caller must then drop its request.
func (g *flightGroup) begin(key string) (release func(), ok bool) {
	g.mu.Lock()
	sem, exists := g.sems[key]
	if !exists {
		sem = semaphore.NewWeighted(1)
		g.sems[key] = sem
	}
	g.mu.Unlock()
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
