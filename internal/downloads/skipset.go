package downloads

import (
	"sync"

	"github.com/samber/lo"

	"github.com/ZrimYoung/StreetViewDownloader/internal/ledger"
)

// SkipSet holds the IDs that must not be drawn into a batch
type SkipSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewSkipSet creates a skip set holding ids
func NewSkipSet(ids ...string) *SkipSet {
	s := &SkipSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// BuildSkipSet derives the skip set from the ledgers: every success, plus
// every failure when retry is off, or only permanent failures when it is on
func BuildSkipSet(successIDs []string, failures []ledger.FailureRecord, retryFailed bool) *SkipSet {
	skipped := lo.FilterMap(failures, func(f ledger.FailureRecord, _ int) (string, bool) {
		return f.ID, !retryFailed || f.Kind.Permanent()
	})
	return NewSkipSet(append(successIDs, skipped...)...)
}

// Add marks id as done for this run
func (s *SkipSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// Contains reports whether id is skipped
func (s *SkipSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of skipped IDs
func (s *SkipSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
