package alexa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	getItemsPath   = "/alexashoppinglists/api/getlistitems"
	updateItemPath = "/alexashoppinglists/api/updatelistitem"

	// the mobile app webview user agent routes to the live list backend
	userAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 13_5_1 like Mac OS X) " +
		"AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 " +
		"PitanguiBridge/2.2.345247.0-[HARDWARE=iPhone10_4][SOFTWARE=13.5.1]"

	maxRetries = 3
)

// Config holds configuration for the Alexa list client
type Config struct {
	BaseURL     string
	CookiesPath string
	ListName    string
	// SkipCheckoff turns CheckOff into a logged no-op
	SkipCheckoff bool
	// RateLimit is requests per second; zero means unlimited
	RateLimit float64
	Timeout   time.Duration
}

// Client reads and updates the Alexa shopping list
type Client struct {
	httpClient  *http.Client
	config      Config
	rateLimiter *rate.Limiter
	logger      *zap.Logger
	// backoff is swapped out in tests
	backoff func(attempt int) time.Duration
}

// NewClient creates a new Alexa list client
func NewClient(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config:      config,
		rateLimiter: rate.NewLimiter(limit, 5),
		logger:      logger.Named("alexa"),
		backoff:     exponentialBackoff,
	}
}

// exponentialBackoff returns 1s, 2s, 4s for attempts 1, 2, 3
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// cookieFile is the on-disk session captured after a manual login
type cookieFile struct {
	Cookies map[string]string `json:"cookies"`
	Source  string            `json:"source,omitempty"`
}

// cookieHeader reads the cookie file on every call so a re-login takes
// effect without a restart
func (c *Client) cookieHeader() (string, error) {
	data, err := os.ReadFile(c.config.CookiesPath)
	if err != nil {
		return "", fmt.Errorf("%w: read cookies: %v", domain.ErrAuthentication, err)
	}
	var file cookieFile
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("%w: parse cookies: %v", domain.ErrAuthentication, err)
	}
	if len(file.Cookies) == 0 {
		return "", fmt.Errorf("%w: no cookies saved", domain.ErrAuthentication)
	}

	names := make([]string, 0, len(file.Cookies))
	for name := range file.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + file.Cookies[name]
	}
	return strings.Join(parts, "; "), nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable
}

// doRequest executes a request with retries for transient statuses and
// returns the response body of the final attempt
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	cookies, err := c.cookieHeader()
	if err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Language", "*")
		req.Header.Set("Cookie", cookies)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		c.logger.Debug("Alexa API response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt))

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
			return respBody, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d, log in to Amazon again", domain.ErrAuthentication, resp.StatusCode)
		case retryable(resp.StatusCode) && attempt <= maxRetries:
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			delay := c.backoff(attempt)
			c.logger.Warn("Transient Alexa API error, retrying",
				zap.Int("status", resp.StatusCode),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(respBody, 200))
		}
	}
	return nil, fmt.Errorf("%s %s: retries exhausted: %w", method, path, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// FetchItems returns the uncompleted entries of the shopping list
func (c *Client) FetchItems(ctx context.Context) ([]domain.ListEntry, error) {
	body, err := c.doRequest(ctx, http.MethodGet, getItemsPath, nil)
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrListFetch, err)
	}

	raw, err := extractListItems(body, c.config.ListName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrListFetch, err)
	}

	entries := make([]domain.ListEntry, 0, len(raw))
	for _, item := range raw {
		if completed, _ := item["completed"].(bool); completed {
			continue
		}
		entry := domain.ListEntry{Payload: item}
		entry.ID, _ = item["id"].(string)
		entry.Name, _ = item["value"].(string)
		entry.ListID, _ = item["listId"].(string)
		if v, ok := item["version"].(float64); ok {
			entry.Version = int(v)
		}
		if strings.TrimSpace(entry.Name) == "" {
			continue
		}
		entries = append(entries, entry)
	}

	c.logger.Info("Fetched shopping list", zap.Int("total", len(raw)), zap.Int("active", len(entries)))
	return entries, nil
}

// extractListItems finds the listItems array in the response. The items are
// nested one level under a list key; a top-level array is accepted too.
// When the response holds several lists, the one named listName wins.
func extractListItems(body []byte, listName string) ([]map[string]any, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	type nested struct {
		Name      string           `json:"listName"`
		ListItems []map[string]any `json:"listItems"`
	}

	var fallback []map[string]any
	found := false
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var n nested
		if err := json.Unmarshal(data[k], &n); err != nil || n.ListItems == nil {
			continue
		}
		if listName == "" || strings.EqualFold(n.Name, listName) || strings.EqualFold(k, listName) {
			return n.ListItems, nil
		}
		if !found {
			fallback, found = n.ListItems, true
		}
	}
	if found {
		return fallback, nil
	}

	if top, ok := data["listItems"]; ok {
		var items []map[string]any
		if err := json.Unmarshal(top, &items); err != nil {
			return nil, fmt.Errorf("failed to decode listItems: %w", err)
		}
		return items, nil
	}
	return nil, fmt.Errorf("no listItems in response keys %v", keys)
}

// CheckOff marks an entry completed by sending back its raw payload with
// completed set
func (c *Client) CheckOff(ctx context.Context, entry domain.ListEntry) error {
	if c.config.SkipCheckoff {
		c.logger.Info("Skipping check-off", zap.String("entry", entry.Name))
		return nil
	}

	payload := make(map[string]any, len(entry.Payload)+1)
	for k, v := range entry.Payload {
		payload[k] = v
	}
	if len(payload) == 0 {
		payload["id"] = entry.ID
		payload["value"] = entry.Name
		payload["type"] = "TASK"
	}
	payload["completed"] = true

	if _, err := c.doRequest(ctx, http.MethodPut, updateItemPath, payload); err != nil {
		return fmt.Errorf("check off %q: %w", entry.Name, err)
	}
	c.logger.Info("Checked off entry", zap.String("entry", entry.Name))
	return nil
}
