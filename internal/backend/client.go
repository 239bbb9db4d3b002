package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"go.uber.org/zap"
)

const (
	defaultBaseURL    = "http://127.0.0.1:8080"
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	defaultTimeout    = 15 * time.Second
)

// ClientConfig configures the authoritative backend client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the authoritative backend over HTTP/JSON with a bearer credential.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewClient builds a Client; zero values fall back to defaults.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Authenticated reports whether a bearer credential is configured.
func (c *Client) Authenticated() bool {
	return c.token != ""
}

// History fetches one page of the user's server-side history.
func (c *Client) History(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	params := url.Values{}
	if query.Page > 0 {
		params.Set("page", strconv.Itoa(query.Page))
	}
	if query.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(query.PageSize))
	}
	if search := strings.TrimSpace(query.Filters.Search); search != "" {
		params.Set("search", search)
	}
	if query.Filters.Period != "" && query.Filters.Period != activity.PeriodAll {
		params.Set("period", string(query.Filters.Period))
	}
	if category := strings.TrimSpace(query.Filters.Category); category != "" {
		params.Set("category", category)
	}
	requestPath := "/v1/history"
	if encoded := params.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}

	var page HistoryPage
	if err := c.doJSON(ctx, http.MethodGet, requestPath, &page); err != nil {
		return HistoryPage{}, err
	}
	for index := range page.Records {
		page.Records[index].Origin = activity.OriginRemote
	}
	return page, nil
}

// HistoryCount fetches the authoritative total number of history entries.
func (c *Client) HistoryCount(ctx context.Context) (int64, error) {
	var response CountResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/history/count", &response); err != nil {
		return 0, err
	}
	return response.Total, nil
}

// ToggleFavorite flips the favorite on subjectID and returns the authoritative post-state.
func (c *Client) ToggleFavorite(ctx context.Context, subjectID activity.SubjectID) (FavoriteResponse, error) {
	var response FavoriteResponse
	if err := c.doJSON(ctx, http.MethodPost, subjectPath(subjectID, "favorite"), &response); err != nil {
		return FavoriteResponse{}, err
	}
	return response, nil
}

// RegisterDownload records a download and returns where the asset can be retrieved.
func (c *Client) RegisterDownload(ctx context.Context, subjectID activity.SubjectID) (DownloadResponse, error) {
	var response DownloadResponse
	if err := c.doJSON(ctx, http.MethodPost, subjectPath(subjectID, "download"), &response); err != nil {
		return DownloadResponse{}, err
	}
	return response, nil
}

// GetSubject fetches a mod's metadata and the caller's favorite flag.
func (c *Client) GetSubject(ctx context.Context, subjectID activity.SubjectID) (Subject, error) {
	var response Subject
	if err := c.doJSON(ctx, http.MethodGet, subjectPath(subjectID, ""), &response); err != nil {
		return Subject{}, err
	}
	return response, nil
}

func subjectPath(subjectID activity.SubjectID, action string) string {
	requestPath := "/v1/mods/" + url.PathEscape(subjectID.String())
	if action != "" {
		requestPath += "/" + action
	}
	return requestPath
}

// doJSON sends one request. GETs are retried on network errors, 429, and 5xx; other methods
// are sent exactly once.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, out any) error {
	if c.token == "" {
		return ErrAuthRequired
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, http.NoBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &TransportError{Err: ctx.Err()}
			}
			if attempt < retries {
				c.logRetry(method, requestPath, attempt, 0, err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &TransportError{Err: waitErr}
				}
				continue
			}
			return &TransportError{Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransportError{StatusCode: resp.StatusCode, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < retries {
			c.logRetry(method, requestPath, attempt, resp.StatusCode, nil)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &TransportError{StatusCode: resp.StatusCode, Err: waitErr}
			}
			continue
		}

		var errPayload ErrorResponse
		_ = json.Unmarshal(payload, &errPayload)
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthRequired, errPayload.Error)
		case retryable:
			return &TransportError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		default:
			return &RejectedError{StatusCode: resp.StatusCode, Code: errPayload.Error, Message: errPayload.Message}
		}
	}
}

func (c *Client) logRetry(method, requestPath string, attempt, status int, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", requestPath),
		zap.Int("attempt", attempt+1),
	}
	if status > 0 {
		fields = append(fields, zap.Int("status", status))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Debug("retrying backend request", fields...)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
