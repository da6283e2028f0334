package campaign

import (
	"sync/atomic"
	"time"
)

// State is shared by every worker of one campaign. Counters only grow and the shutdown flag is
// set at most once.
type State struct {
	executions      atomic.Uint64
	interesting     atomic.Uint64
	unique          atomic.Uint64
	skipped         atomic.Uint64
	execErrors      atomic.Uint64
	generatorErrors atomic.Uint64

	shutdown atomic.Bool
	start    time.Time
}

func newState() *State {
	return &State{start: time.Now()}
}

// Shutdown sets the shutdown flag and reports whether this call was the one that set it.
func (s *State) Shutdown() bool {
	return s.shutdown.CompareAndSwap(false, true)
}

func (s *State) ShuttingDown() bool {
	return s.shutdown.Load()
}

func (s *State) Executions() uint64 {
	return s.executions.Load()
}

func (s *State) Unique() uint64 {
	return s.unique.Load()
}

func (s *State) Elapsed() time.Duration {
	return time.Since(s.start)
}
