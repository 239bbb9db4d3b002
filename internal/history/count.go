package history

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
	"go.uber.org/zap"
)

const totalCounterName = "history.total"

// Count is the aggregate number of history entries. Approximate values are lower bounds taken
// from the merged view; LastKnown is the most recent authoritative total seen on this device.
type Count struct {
	Value       int64
	Approximate bool
	LastKnown   int64
	ResolvedAt  time.Time
}

// Count returns the most recently resolved count.
func (s *Service) Count() Count {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ResolveCount asks the backend for the total and falls back to the merged view's length,
// marked approximate, when that fails. It never returns an error.
func (s *Service) ResolveCount(ctx context.Context) Count {
	s.mu.Lock()
	s.countSeq++
	sequence := s.countSeq
	s.mu.Unlock()

	var (
		total int64
		err   error
	)
	if s.authority.Authenticated() {
		total, err = s.authority.HistoryCount(ctx)
	} else {
		err = backend.ErrAuthRequired
	}

	resolvedAt := s.clock()
	if err == nil {
		if storeErr := s.store.SetCounter(totalCounterName, total); storeErr != nil {
			s.logger.Debug("persisting history total failed", zap.Error(storeErr))
		}
	} else {
		s.logger.Info("history count unavailable; using merged length", zap.Error(err))
	}

	s.mu.Lock()
	if sequence != s.countSeq {
		current := s.count
		s.mu.Unlock()
		return current
	}
	if err == nil {
		s.count = Count{Value: total, LastKnown: total, ResolvedAt: resolvedAt}
	} else {
		lastKnown := s.count.LastKnown
		if stored, ok := s.store.Counter(totalCounterName); ok {
			lastKnown = stored
		}
		s.count = Count{
			Value:       int64(len(s.merged)),
			Approximate: true,
			LastKnown:   lastKnown,
			ResolvedAt:  resolvedAt,
		}
	}
	count := s.count
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return count
}
