package alexa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCookies(t *testing.T, cookies map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alexa_cookies.json")
	data, err := json.Marshal(cookieFile{Cookies: cookies, Source: "browser"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newTestClient(t *testing.T, baseURL string, config Config) *Client {
	t.Helper()
	config.BaseURL = baseURL
	if config.CookiesPath == "" {
		config.CookiesPath = writeCookies(t, map[string]string{"session-id": "abc", "at-main": "xyz"})
	}
	client := NewClient(config, nil)
	client.backoff = func(int) time.Duration { return time.Millisecond }
	return client
}

const listResponse = `{
	"a-list-id": {
		"listName": "Grocery List",
		"listItems": [
			{"id": "1", "value": "milk", "completed": false, "listId": "L1", "version": 3},
			{"id": "2", "value": "eggs", "completed": true},
			{"id": "3", "value": "  ", "completed": false},
			{"id": "4", "value": "bread", "completed": false, "type": "TASK"}
		]
	}
}`

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			assert.Equal(t, tt.expected, exponentialBackoff(tt.attempt))
		})
	}
}

func TestFetchItems_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, getItemsPath, r.URL.Path)
		assert.Equal(t, "at-main=xyz; session-id=abc", r.Header.Get("Cookie"))
		assert.Contains(t, r.Header.Get("User-Agent"), "PitanguiBridge")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listResponse))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	entries, err := client.FetchItems(context.Background())

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].ID)
	assert.Equal(t, "milk", entries[0].Name)
	assert.Equal(t, "L1", entries[0].ListID)
	assert.Equal(t, 3, entries[0].Version)
	assert.Equal(t, "bread", entries[1].Name)
	assert.Equal(t, "TASK", entries[1].Payload["type"])
}

func TestExtractListItems(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		listName string
		want     []string
		wantErr  bool
	}{
		{
			name: "top level",
			body: `{"listItems": [{"id": "1", "value": "milk"}]}`,
			want: []string{"1"},
		},
		{
			name:     "named list wins",
			body:     `{"a": {"listName": "Todo", "listItems": [{"id": "t"}]}, "b": {"listName": "Grocery List", "listItems": [{"id": "g"}]}}`,
			listName: "grocery list",
			want:     []string{"g"},
		},
		{
			name:     "first list when no name matches",
			body:     `{"a": {"listName": "Todo", "listItems": [{"id": "t"}]}}`,
			listName: "Grocery List",
			want:     []string{"t"},
		},
		{
			name:    "no items",
			body:    `{"other": 1}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			body:    `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := extractListItems([]byte(tt.body), tt.listName)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, item := range items {
				ids = append(ids, item["id"].(string))
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFetchItems_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthentication},
		{"forbidden", http.StatusForbidden, domain.ErrAuthentication},
		{"server error", http.StatusInternalServerError, domain.ErrListFetch},
		{"not found", http.StatusNotFound, domain.ErrListFetch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, Config{})
			_, err := client.FetchItems(context.Background())

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFetchItems_MissingCookies(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "none.json")},
		{"empty cookies", writeCookies(t, map[string]string{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, server.URL, Config{CookiesPath: tt.path})
			_, err := client.FetchItems(context.Background())
			assert.ErrorIs(t, err, domain.ErrAuthentication)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestFetchItems_RetryOnTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch attempts.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(listResponse))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	entries, err := client.FetchItems(context.Background())

	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchItems_RetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	_, err := client.FetchItems(context.Background())

	assert.ErrorIs(t, err, domain.ErrListFetch)
	assert.Equal(t, int32(maxRetries+1), attempts.Load())
}

func TestCheckOff(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, updateItemPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})

	t.Run("raw payload", func(t *testing.T) {
		entry := domain.ListEntry{ID: "1", Name: "milk", Payload: map[string]any{
			"id": "1", "value": "milk", "completed": false, "version": float64(3),
		}}
		require.NoError(t, client.CheckOff(context.Background(), entry))
		got := <-bodies
		assert.Equal(t, true, got["completed"])
		assert.Equal(t, float64(3), got["version"])
		// the caller's payload is left alone
		assert.Equal(t, false, entry.Payload["completed"])
	})

	t.Run("minimal payload", func(t *testing.T) {
		require.NoError(t, client.CheckOff(context.Background(), domain.ListEntry{ID: "9", Name: "jam"}))
		got := <-bodies
		assert.Equal(t, map[string]any{"id": "9", "value": "jam", "type": "TASK", "completed": true}, got)
	})
}

func TestCheckOff_Skip(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{SkipCheckoff: true})
	require.NoError(t, client.CheckOff(context.Background(), domain.ListEntry{ID: "1", Name: "milk"}))
	assert.Zero(t, calls.Load())
}

func TestCheckOff_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	err := client.CheckOff(context.Background(), domain.ListEntry{ID: "1", Name: "milk"})
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestFetchItems_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	client.backoff = func(int) time.Duration { return time.Minute }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.FetchItems(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
