package sync

import (
	stdsync "sync"
	"sync/atomic"
)

// Guard is the state shared by everything that touches the repository: one
// lock held for the whole of each git command sequence, and a shutdown flag
// that is set once and never cleared.
type Guard struct {
	mu       stdsync.Mutex
	shutdown atomic.Bool
	done     chan struct{}
	once     stdsync.Once
}

// NewGuard creates an unlocked guard with shutdown not requested
func NewGuard() *Guard {
	return &Guard{done: make(chan struct{})}
}

// Lock blocks until no other command sequence is running
func (g *Guard) Lock() {
	g.mu.Lock()
}

// Unlock ends the current command sequence
func (g *Guard) Unlock() {
	g.mu.Unlock()
}

// Shutdown requests termination. Running sequences finish; new ones are skipped.
func (g *Guard) Shutdown() {
	g.once.Do(func() {
		g.shutdown.Store(true)
		close(g.done)
	})
}

// ShuttingDown reports whether Shutdown has been called
func (g *Guard) ShuttingDown() bool {
	return g.shutdown.Load()
}

// Done is closed when Shutdown is called
func (g *Guard) Done() <-chan struct{} {
	return g.done
}
