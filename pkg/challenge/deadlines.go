package challenge

import (
	"sync"

	"github.com/google/btree"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// deadlineItem orders providers by (deadline, provider id).
type deadlineItem struct {
	deadline types.Tick
	provider types.ProviderID
}

func lessDeadline(a, b deadlineItem) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	for i := range a.provider {
		if a.provider[i] != b.provider[i] {
			return a.provider[i] < b.provider[i]
		}
	}
	return false
}

// DeadlineLedger is the in-memory index of challenge deadlines, ordered so
// the per-tick sweep can pop defaulters cheapest-first. It mirrors the
// persisted provider records and is rebuilt from them on startup.
type DeadlineLedger struct {
	mu   sync.Mutex
	tree *btree.BTreeG[deadlineItem]
	cur  map[types.ProviderID]types.Tick
}

// NewDeadlineLedger creates an empty ledger.
func NewDeadlineLedger() *DeadlineLedger {
	return &DeadlineLedger{
		tree: btree.NewG(8, lessDeadline),
		cur:  make(map[types.ProviderID]types.Tick),
	}
}

// Set records (or moves) a provider's next deadline.
func (l *DeadlineLedger) Set(provider types.ProviderID, deadline types.Tick) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.cur[provider]; ok {
		l.tree.Delete(deadlineItem{deadline: old, provider: provider})
	}
	l.cur[provider] = deadline
	l.tree.ReplaceOrInsert(deadlineItem{deadline: deadline, provider: provider})
}

// Remove drops a provider from the ledger.
func (l *DeadlineLedger) Remove(provider types.ProviderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.cur[provider]; ok {
		l.tree.Delete(deadlineItem{deadline: old, provider: provider})
		delete(l.cur, provider)
	}
}

// Deadline returns the provider's current deadline.
func (l *DeadlineLedger) Deadline(provider types.ProviderID) (types.Tick, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.cur[provider]
	return d, ok
}

// Due returns up to max providers whose deadline (plus tolerance) has passed
// at tick, in deadline order. The caller slashes them and rolls their
// deadlines forward via Set.
func (l *DeadlineLedger) Due(tick types.Tick, tolerance types.Tick, max uint32) []types.ProviderID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var due []types.ProviderID
	l.tree.Ascend(func(item deadlineItem) bool {
		if item.deadline+tolerance >= tick {
			return false
		}
		due = append(due, item.provider)
		return uint32(len(due)) < max
	})
	return due
}

// Len returns the number of tracked providers.
func (l *DeadlineLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cur)
}
