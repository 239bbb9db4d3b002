package history

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
	"github.com/MarcoPoloResearchLab/modhub/internal/localcache"
	"go.uber.org/zap"
)

// Phase is the state of the most recent mutation on a subject.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePending    Phase = "pending"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
)

// SubjectState is the favorite relationship and engagement counters of one mod, plus the
// metadata needed to log a download locally.
type SubjectState struct {
	SubjectID        activity.SubjectID
	DisplayName      string
	ThumbnailRef     string
	VersionTag       string
	ShortDescription string
	Category         string
	Tags             []string
	IsFavorite       bool
	FavoriteCount    int64
	DownloadCount    int64
	AssetLocation    string
	Phase            Phase
}

func (s SubjectState) clone() SubjectState {
	if s.Tags != nil {
		s.Tags = append([]string(nil), s.Tags...)
	}
	return s
}

func (s SubjectState) record(kind activity.Kind, occurredAt time.Time) activity.Record {
	return activity.Record{
		SubjectID:        s.SubjectID,
		Kind:             kind,
		DisplayName:      s.DisplayName,
		ThumbnailRef:     s.ThumbnailRef,
		VersionTag:       s.VersionTag,
		ShortDescription: s.ShortDescription,
		Category:         s.Category,
		Tags:             append([]string(nil), s.Tags...),
		OccurredAt:       occurredAt,
	}
}

// DownloadOutcome describes a download attempt. AssetLocation is set whenever some location
// was known, including the fallback location used when registration failed.
type DownloadOutcome struct {
	State         SubjectState
	AssetLocation string
	Registered    bool
	Opened        bool
}

// TrackSubject seeds or replaces the known state of a subject.
func (s *Service) TrackSubject(state SubjectState) error {
	subjectID, err := activity.NewSubjectID(state.SubjectID.String())
	if err != nil {
		return err
	}
	state.SubjectID = subjectID
	if state.Phase == "" {
		state.Phase = PhaseIdle
	}

	s.mu.Lock()
	if _, busy := s.pending[subjectID]; busy {
		s.mu.Unlock()
		return ErrMutationPending
	}
	s.subjects[subjectID] = state.clone()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return nil
}

// LoadSubject fetches a subject's metadata and counters from the backend and tracks them.
func (s *Service) LoadSubject(ctx context.Context, subjectID activity.SubjectID) (SubjectState, error) {
	subject, err := s.authority.GetSubject(ctx, subjectID)
	if err != nil {
		return SubjectState{}, err
	}
	state := SubjectState{
		SubjectID:        subject.SubjectID,
		DisplayName:      subject.DisplayName,
		ThumbnailRef:     subject.ThumbnailRef,
		VersionTag:       subject.VersionTag,
		ShortDescription: subject.ShortDescription,
		Category:         subject.Category,
		Tags:             subject.Tags,
		IsFavorite:       subject.IsFavorite,
		FavoriteCount:    subject.FavoriteCount,
		DownloadCount:    subject.DownloadCount,
		AssetLocation:    subject.AssetLocation,
		Phase:            PhaseIdle,
	}
	if state.SubjectID == "" {
		state.SubjectID = subjectID
	}
	if err := s.TrackSubject(state); err != nil {
		return SubjectState{}, err
	}
	return state, nil
}

// Subject returns the tracked state of a subject.
func (s *Service) Subject(subjectID activity.SubjectID) (SubjectState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subjects[subjectID]
	return state.clone(), ok
}

// logFavorite appends a newly favorited subject to the device log. Unfavoriting leaves the
// log alone and only tells sibling processes to refresh.
func (s *Service) logFavorite(committed SubjectState) {
	if !committed.IsFavorite {
		s.signalHistory()
		return
	}
	entry := committed.record(activity.KindFavorite, s.clock().UTC())
	if err := s.store.Append(entry); err != nil {
		s.logger.Warn("favorite saved but not recorded locally",
			zap.String("subject_id", committed.SubjectID.String()),
			zap.Error(err))
		s.signalHistory()
		return
	}
	s.remergeLocal()
}

// ToggleFavorite flips the favorite optimistically, then commits the backend's answer or
// restores the previous state.
func (s *Service) ToggleFavorite(ctx context.Context, subjectID activity.SubjectID) (SubjectState, error) {
	previous, err := s.beginMutation(operationToggleFavorite, subjectID, func(state *SubjectState) {
		state.IsFavorite = !state.IsFavorite
		if state.IsFavorite {
			state.FavoriteCount++
		} else if state.FavoriteCount > 0 {
			state.FavoriteCount--
		}
	})
	if err != nil {
		return previous, err
	}

	response, callErr := s.authority.ToggleFavorite(ctx, subjectID)
	if callErr != nil {
		return s.rollback(operationToggleFavorite, previous, callErr)
	}

	committed := s.commit(subjectID, func(state *SubjectState) {
		state.IsFavorite = response.IsFavorite
		state.FavoriteCount = response.FavoriteCount
	})
	s.logFavorite(committed)
	s.runBackground(ctx, func(ctx context.Context) {
		s.ResolveCount(ctx)
	})
	return committed, nil
}

// RegisterDownload registers a download, logs it on the device, and opens the asset. A failed
// registration is rolled back and skips the device log, but a known asset location is still
// opened; the outcome is returned together with the error.
func (s *Service) RegisterDownload(ctx context.Context, subjectID activity.SubjectID) (DownloadOutcome, error) {
	previous, err := s.beginMutation(operationRegisterDownload, subjectID, func(state *SubjectState) {
		state.DownloadCount++
	})
	if err != nil {
		return DownloadOutcome{State: previous}, err
	}

	response, callErr := s.authority.RegisterDownload(ctx, subjectID)
	if callErr != nil {
		restored, mutationErr := s.rollback(operationRegisterDownload, previous, callErr)
		outcome := DownloadOutcome{State: restored, AssetLocation: previous.AssetLocation}
		if outcome.AssetLocation != "" {
			outcome.Opened, _ = s.openAsset(ctx, subjectID, outcome.AssetLocation)
		}
		return outcome, mutationErr
	}

	committed := s.commit(subjectID, func(state *SubjectState) {
		state.DownloadCount = response.DownloadCount
		if response.AssetLocation != "" {
			state.AssetLocation = response.AssetLocation
		}
	})
	outcome := DownloadOutcome{State: committed, AssetLocation: committed.AssetLocation, Registered: true}

	entry := committed.record(activity.KindDownload, s.clock().UTC())
	if appendErr := s.store.Append(entry); appendErr != nil {
		s.logger.Warn("download registered but not recorded locally",
			zap.String("subject_id", subjectID.String()),
			zap.Error(appendErr))
		s.signalHistory()
	} else {
		s.remergeLocal()
	}
	s.runBackground(ctx, func(ctx context.Context) {
		s.ResolveCount(ctx)
	})

	if outcome.AssetLocation == "" {
		return outcome, nil
	}
	opened, openErr := s.openAsset(ctx, subjectID, outcome.AssetLocation)
	outcome.Opened = opened
	if openErr != nil {
		return outcome, fmt.Errorf("history: open asset: %w", openErr)
	}
	return outcome, nil
}

// beginMutation applies an optimistic update and marks the subject pending. It returns the
// pre-mutation state.
func (s *Service) beginMutation(operation string, subjectID activity.SubjectID, apply func(*SubjectState)) (SubjectState, error) {
	if _, err := activity.NewSubjectID(subjectID.String()); err != nil {
		return SubjectState{}, &MutationError{Operation: operation, SubjectID: subjectID, Err: err}
	}
	if !s.authority.Authenticated() {
		return s.subjectOrZero(subjectID), &MutationError{Operation: operation, SubjectID: subjectID, Err: backend.ErrAuthRequired}
	}

	s.mu.Lock()
	previous, ok := s.subjects[subjectID]
	if !ok {
		previous = SubjectState{SubjectID: subjectID, Phase: PhaseIdle}
	}
	if _, busy := s.pending[subjectID]; busy {
		s.mu.Unlock()
		return previous.clone(), &MutationError{Operation: operation, SubjectID: subjectID, Err: ErrMutationPending}
	}
	optimistic := previous.clone()
	apply(&optimistic)
	optimistic.Phase = PhasePending
	s.subjects[subjectID] = optimistic
	s.pending[subjectID] = struct{}{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return previous.clone(), nil
}

func (s *Service) commit(subjectID activity.SubjectID, apply func(*SubjectState)) SubjectState {
	s.mu.Lock()
	state := s.subjects[subjectID]
	apply(&state)
	state.Phase = PhaseCommitted
	s.subjects[subjectID] = state
	delete(s.pending, subjectID)
	committed := state.clone()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return committed
}

func (s *Service) rollback(operation string, previous SubjectState, cause error) (SubjectState, error) {
	restored := previous.clone()
	restored.Phase = PhaseRolledBack

	s.mu.Lock()
	s.subjects[previous.SubjectID] = restored
	delete(s.pending, previous.SubjectID)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	s.logger.Warn("mutation rolled back",
		zap.String("operation", operation),
		zap.String("subject_id", previous.SubjectID.String()),
		zap.Error(cause))
	return restored.clone(), &MutationError{Operation: operation, SubjectID: previous.SubjectID, RolledBack: true, Err: cause}
}

func (s *Service) subjectOrZero(subjectID activity.SubjectID) SubjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subjects[subjectID]
	if !ok {
		return SubjectState{SubjectID: subjectID, Phase: PhaseIdle}
	}
	return state.clone()
}

func (s *Service) openAsset(ctx context.Context, subjectID activity.SubjectID, location string) (bool, error) {
	if s.opener == nil {
		return false, nil
	}
	if err := s.opener.Open(ctx, location); err != nil {
		s.logger.Warn("asset open failed",
			zap.String("subject_id", subjectID.String()),
			zap.String("location", location),
			zap.Error(err))
		return false, err
	}
	return true, nil
}

func (s *Service) signalHistory() {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Signal(localcache.ChannelHistory); err != nil {
		s.logger.Debug("history signal failed", zap.Error(err))
	}
}
