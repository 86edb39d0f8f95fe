package stage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/waveforge/waveforge/internal/artifact"
)

// ErrWorkerDivergence means workers disagreed on fingerprint or step
// count at a synchronization barrier. It is fatal for the stage.
var ErrWorkerDivergence = errors.New("workers diverged at barrier")

// Report is what each worker presents at a barrier.
type Report struct {
	Rank        int
	Step        int
	Fingerprint artifact.Fingerprint
}

// Barrier synchronizes n workers at epoch boundaries. Every worker must
// arrive before any proceeds. On arrival of the last worker the reports
// are checked for agreement; a disagreement breaks the barrier
// permanently and releases all waiters with ErrWorkerDivergence.
type Barrier struct {
	n    int
	mu   sync.Mutex
	cond *sync.Cond

	round   int
	reports []Report
	err     error
}

// NewBarrier creates a barrier for n workers.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Arrive blocks until all n workers have arrived for the current round,
// then returns nil if the reports agreed. Once broken, the barrier
// returns the same error to every subsequent arrival.
func (b *Barrier) Arrive(rep Report) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	b.reports = append(b.reports, rep)
	if len(b.reports) == b.n {
		base := b.reports[0]
		for _, r := range b.reports[1:] {
			if r.Step != base.Step || r.Fingerprint != base.Fingerprint {
				b.err = fmt.Errorf("rank %d at step %d (fp %s) vs rank %d at step %d (fp %s): %w",
					base.Rank, base.Step, base.Fingerprint.Short(),
					r.Rank, r.Step, r.Fingerprint.Short(), ErrWorkerDivergence)
				break
			}
		}
		b.reports = b.reports[:0]
		b.round++
		b.cond.Broadcast()
		return b.err
	}

	round := b.round
	for b.round == round && b.err == nil {
		b.cond.Wait()
	}
	return b.err
}

// Break releases all waiting workers with the given error. A worker
// that fails outside the barrier must call Break so its peers do not
// wait forever.
func (b *Barrier) Break(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.round++
	b.cond.Broadcast()
}
