package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/auth"
	"github.com/MarcoPoloResearchLab/modhub/internal/catalog"
	"github.com/MarcoPoloResearchLab/modhub/internal/database"
	"go.uber.org/zap"
)

type serverFixture struct {
	server  *httptest.Server
	tokens  *auth.TokenIssuer
	catalog *catalog.Service
}

type counterIDs struct {
	next int
}

func (c *counterIDs) NewID() (string, error) {
	c.next++
	return fmt.Sprintf("download-%04d", c.next), nil
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "modhub.db"), zap.NewNop(), database.CatalogSchema())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:   db,
		IDProvider: &counterIDs{},
	})
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	err = catalogService.UpsertMods(context.Background(), []catalog.Mod{
		{ModID: "mod-a", Name: "Better Maps", Category: "maps", TagsJSON: catalog.EncodeTags([]string{"world"}), AssetURL: "https://cdn.example.com/a.zip"},
		{ModID: "mod-b", Name: "Crafting Plus", Category: "gameplay", AssetURL: "https://cdn.example.com/b.zip"},
	})
	if err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "modhub-auth",
		Audience:      "modhub-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      tokenIssuer,
		Catalog:           catalogService,
		Realtime:          NewRealtimeDispatcher(),
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return serverFixture{server: server, tokens: tokenIssuer, catalog: catalogService}
}

func (f serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.tokens.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f serverFixture) do(t *testing.T, method, path, token string, out any) int {
	t.Helper()
	request, err := http.NewRequest(method, f.server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func TestHistoryStreamEmitsHistoryChangeEvents(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.token(t, "user-123")

	streamRequest, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/v1/history/stream?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	var favorite favoriteResponsePayload
	if status := fixture.do(t, http.MethodPost, "/v1/mods/mod-a/favorite", token, &favorite); status != http.StatusOK {
		t.Fatalf("unexpected favorite status: %d", status)
	}
	if !favorite.IsFavorite || favorite.FavoriteCount != 1 {
		t.Fatalf("unexpected favorite response: %+v", favorite)
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType != RealtimeEventHistoryChanged {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload streamEventPayload
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(payload.SubjectIDs) == 0 || payload.SubjectIDs[0] != "mod-a" {
				t.Fatalf("unexpected subject identifiers: %#v", payload.SubjectIDs)
			}
			return
		}
	}
}

func TestHistoryEndpointsReflectMutations(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.token(t, "user-1")

	var download downloadResponsePayload
	if status := fixture.do(t, http.MethodPost, "/v1/mods/mod-b/download", token, &download); status != http.StatusOK {
		t.Fatalf("unexpected download status: %d", status)
	}
	if download.DownloadCount != 1 || download.AssetLocation != "https://cdn.example.com/b.zip" {
		t.Fatalf("unexpected download response: %+v", download)
	}
	if status := fixture.do(t, http.MethodPost, "/v1/mods/mod-a/favorite", token, nil); status != http.StatusOK {
		t.Fatalf("unexpected favorite status: %d", status)
	}

	var history historyResponsePayload
	if status := fixture.do(t, http.MethodGet, "/v1/history?page=1&page_size=10", token, &history); status != http.StatusOK {
		t.Fatalf("unexpected history status: %d", status)
	}
	if history.Total != 2 || len(history.Records) != 2 {
		t.Fatalf("expected two history records, got %+v", history)
	}

	var filtered historyResponsePayload
	if status := fixture.do(t, http.MethodGet, "/v1/history?category=maps", token, &filtered); status != http.StatusOK {
		t.Fatalf("unexpected filtered status: %d", status)
	}
	if filtered.Total != 1 || filtered.Records[0].SubjectID != "mod-a" {
		t.Fatalf("unexpected filtered history: %+v", filtered)
	}

	var count countResponsePayload
	if status := fixture.do(t, http.MethodGet, "/v1/history/count", token, &count); status != http.StatusOK {
		t.Fatalf("unexpected count status: %d", status)
	}
	if count.Total != 2 {
		t.Fatalf("expected count 2, got %d", count.Total)
	}

	var other countResponsePayload
	fixture.do(t, http.MethodGet, "/v1/history/count", fixture.token(t, "user-2"), &other)
	if other.Total != 0 {
		t.Fatalf("history leaked across users: %d", other.Total)
	}

	var mod modResponsePayload
	if status := fixture.do(t, http.MethodGet, "/v1/mods/mod-a", token, &mod); status != http.StatusOK {
		t.Fatalf("unexpected mod status: %d", status)
	}
	if !mod.IsFavorite || mod.FavoriteCount != 1 || len(mod.Tags) != 1 || mod.AssetLocation == "" {
		t.Fatalf("unexpected mod response: %+v", mod)
	}
}

func TestHistoryEndpointsReportErrors(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.token(t, "user-1")

	testCases := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
		wantCode   string
	}{
		{name: "missing token", method: http.MethodGet, path: "/v1/history", wantStatus: http.StatusUnauthorized, wantCode: errorCodeAuth},
		{name: "garbage token", method: http.MethodGet, path: "/v1/history", token: "garbage", wantStatus: http.StatusUnauthorized, wantCode: errorCodeAuth},
		{name: "unknown mod download", method: http.MethodPost, path: "/v1/mods/missing/download", token: token, wantStatus: http.StatusNotFound, wantCode: errorCodeUnknown},
		{name: "unknown mod favorite", method: http.MethodPost, path: "/v1/mods/missing/favorite", token: token, wantStatus: http.StatusNotFound, wantCode: errorCodeUnknown},
		{name: "invalid period", method: http.MethodGet, path: "/v1/history?period=decade", token: token, wantStatus: http.StatusBadRequest, wantCode: errorCodePeriod},
		{name: "invalid page", method: http.MethodGet, path: "/v1/history?page=0", token: token, wantStatus: http.StatusBadRequest, wantCode: errorCodeRequest},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			var payload errorPayload
			status := fixture.do(t, testCase.method, testCase.path, testCase.token, &payload)
			if status != testCase.wantStatus {
				t.Fatalf("unexpected status: got %d, want %d", status, testCase.wantStatus)
			}
			if payload.Error != testCase.wantCode || payload.Message == "" {
				t.Fatalf("unexpected error payload: %+v", payload)
			}
		})
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error without token manager")
	}
	if _, err := NewHTTPHandler(Dependencies{TokenManager: stubTokenValidator{}}); err == nil {
		t.Fatalf("expected error without catalog")
	}
}
