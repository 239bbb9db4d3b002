package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/history"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const browseTimeout = 30 * time.Second

type filterFlags struct {
	search   string
	period   string
	category string
	page     int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.search, "search", "", "Case-insensitive text to match against name and description")
	cmd.Flags().StringVar(&f.period, "period", string(activity.PeriodAll), "Time window: all, today, week, month")
	cmd.Flags().StringVar(&f.category, "category", "", "Exact category to keep")
	cmd.Flags().IntVar(&f.page, "page", 1, "Page number")
}

func (f *filterFlags) patch() (activity.FilterPatch, error) {
	period, err := activity.ParsePeriod(f.period)
	if err != nil {
		return activity.FilterPatch{}, err
	}
	return activity.FilterPatch{Search: &f.search, Period: &period, Category: &f.category}, nil
}

func newHistoryCommand() *cobra.Command {
	var filters filterFlags
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the reconciled recent history from this device and the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := filters.patch()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			snapshot := s.history.Refresh(cmd.Context())
			s.history.SetFilters(patch)
			view := s.history.SetPage(filters.page)
			renderView(cmd.OutOrStdout(), view, snapshot)
			return nil
		},
	}
	filters.register(cmd)
	return cmd
}

func newCountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Show the total number of history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			renderCount(cmd.OutOrStdout(), s.history.ResolveCount(cmd.Context()))
			return nil
		},
	}
}

func newFavoriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <mod-id>",
		Short: "Toggle the favorite mark on a mod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID, err := activity.NewSubjectID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			loadSubject(cmd.Context(), s, subjectID)
			state, err := s.history.ToggleFavorite(cmd.Context(), subjectID)
			if err != nil {
				return err
			}
			renderSubject(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download <mod-id>",
		Short: "Register a download, record it on this device, and print the asset location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID, err := activity.NewSubjectID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			loadSubject(cmd.Context(), s, subjectID)
			outcome, err := s.history.RegisterDownload(cmd.Context(), subjectID)
			if err != nil && outcome.Opened {
				fmt.Fprintln(cmd.ErrOrStderr(), "download was not recorded; opened the last known location")
			}
			if err != nil {
				return err
			}
			renderSubject(cmd.OutOrStdout(), outcome.State)
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	var filters filterFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reprint history whenever another process on this device changes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := filters.patch()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			updates, unsubscribe := s.history.Subscribe()
			defer unsubscribe()
			stopWatching := s.history.Watch(ctx)
			defer stopWatching()

			s.history.SetFilters(patch)
			s.history.SetPage(filters.page)
			s.history.Refresh(ctx)

			for {
				select {
				case <-ctx.Done():
					return nil
				case snapshot, open := <-updates:
					if !open {
						return nil
					}
					renderView(cmd.OutOrStdout(), snapshot.View, snapshot)
				}
			}
		},
	}
	filters.register(cmd)
	return cmd
}

func newBrowseCommand() *cobra.Command {
	var filters filterFlags
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Page through the full history stored on the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := filters.patch()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			browser, err := history.NewBrowser(history.BrowserConfig{
				Authority: s.client,
				PageSize:  s.config.PageSize,
				Debounce:  s.config.Debounce,
				Logger:    s.logger,
			})
			if err != nil {
				return err
			}
			defer browser.Close()

			updates, unsubscribe := browser.Updates()
			defer unsubscribe()

			browser.SetFilters(patch)
			browser.SetPage(filters.page)

			ctx, cancel := context.WithTimeout(cmd.Context(), browseTimeout)
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return errors.New("timed out waiting for the backend")
				case state, open := <-updates:
					if !open {
						return nil
					}
					if state.Loading || state.Sequence == 0 {
						continue
					}
					if state.Err != nil {
						return state.Err
					}
					renderBrowse(cmd.OutOrStdout(), state)
					return nil
				}
			}
		},
	}
	filters.register(cmd)
	return cmd
}

// loadSubject seeds the subject's counters so optimistic updates start from real values.
// Failure is not fatal; the mutation then starts from zero counters.
func loadSubject(ctx context.Context, s *session, subjectID activity.SubjectID) {
	if !s.client.Authenticated() {
		return
	}
	if _, err := s.history.LoadSubject(ctx, subjectID); err != nil {
		s.logger.Debug("subject details unavailable", zap.String("subject_id", subjectID.String()), zap.Error(err))
	}
}
