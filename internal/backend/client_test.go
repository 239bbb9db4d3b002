package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
)

func newTestClient(serverURL, token string) *Client {
	return NewClient(ClientConfig{
		BaseURL:   serverURL,
		Token:     token,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestHistorySendsFiltersAndTagsRemoteOrigin(t *testing.T) {
	occurred := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		query := r.URL.Query()
		if r.URL.Path != "/v1/history" || query.Get("page") != "2" || query.Get("page_size") != "5" ||
			query.Get("search") != "maps" || query.Get("period") != "week" || query.Get("category") != "worlds" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		writeJSON(t, w, http.StatusOK, HistoryPage{
			Records:  []activity.Record{{SubjectID: "mod-a", Kind: activity.KindDownload, OccurredAt: occurred}},
			Page:     2,
			PageSize: 5,
			Total:    6,
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL, "token-1")
	page, err := client.History(context.Background(), HistoryQuery{
		Page:     2,
		PageSize: 5,
		Filters:  activity.Filters{Search: "maps", Period: activity.PeriodWeek, Category: "worlds"},
	})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if page.Total != 6 || len(page.Records) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Records[0].Origin != activity.OriginRemote || !page.Records[0].OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected record %+v", page.Records[0])
	}
}

func TestMissingTokenFailsWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(server.URL, "")
	if client.Authenticated() {
		t.Fatalf("client without token must not report authenticated")
	}
	if _, err := client.ToggleFavorite(context.Background(), "mod-a"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no network calls, got %d", calls.Load())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		target error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, target: ErrAuthRequired},
		{name: "not found", status: http.StatusNotFound, target: ErrRejected},
		{name: "bad request", status: http.StatusBadRequest, target: ErrRejected},
		{name: "server error", status: http.StatusInternalServerError, target: ErrTransport},
		{name: "throttled", status: http.StatusTooManyRequests, target: ErrTransport},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, testCase.status, ErrorResponse{Error: "failure_code", Message: "Mod not found"})
			}))
			defer server.Close()

			_, err := newTestClient(server.URL, "token").RegisterDownload(context.Background(), "mod-a")
			if !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}

func TestRejectedErrorCarriesBackendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, ErrorResponse{Error: "unknown_mod", Message: "Mod not found"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, "token").ToggleFavorite(context.Background(), "missing")
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.Code != "unknown_mod" || rejected.UserMessage() != "Mod not found" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
}

func TestGetRequestsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(t, w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
			return
		}
		writeJSON(t, w, http.StatusOK, CountResponse{Total: 12})
	}))
	defer server.Close()

	total, err := newTestClient(server.URL, "token").HistoryCount(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 12 || calls.Load() != 3 {
		t.Fatalf("expected 12 after 3 calls, got %d after %d", total, calls.Load())
	}
}

func TestMutationsAreNeverRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusBadGateway, ErrorResponse{Error: "bad_gateway"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, "token").ToggleFavorite(context.Background(), "mod-a")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestUnreachableBackendIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	address := server.URL
	server.Close()

	_, err := NewClient(ClientConfig{BaseURL: address, Token: "token", MaxRetries: -1}).HistoryCount(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestGetSubjectDecodesDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/mods/mod-a" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"mod_id":         "mod-a",
			"name":           "Better Maps",
			"tags":           []string{"world"},
			"is_favorite":    true,
			"favorite_count": 3,
			"download_count": 9,
			"asset_location": "https://cdn.example.com/a.zip",
		})
	}))
	defer server.Close()

	subject, err := newTestClient(server.URL, "token").GetSubject(context.Background(), "mod-a")
	if err != nil {
		t.Fatalf("get subject failed: %v", err)
	}
	if !subject.IsFavorite || subject.FavoriteCount != 3 || subject.DownloadCount != 9 || subject.AssetLocation == "" {
		t.Fatalf("unexpected subject %+v", subject)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewClient(ClientConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second})
	if delay := client.retryDelay(1, "1"); delay != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", delay)
	}
	if delay := client.retryDelay(3, ""); delay != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff of 400ms, got %s", delay)
	}
	if delay := client.retryDelay(10, ""); delay != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", delay)
	}
}
