package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/ipamctl/internal/ctxlog"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

// fakeServer stands in for the address-manager v2 API. The login endpoint
// hands out sequential tokens so tests can observe re-authentication.
type fakeServer struct {
	mux    *http.ServeMux
	srv    *httptest.Server
	logins int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{mux: http.NewServeMux()}
	fs.mux.HandleFunc("POST /api/v2/sessions", func(w http.ResponseWriter, r *http.Request) {
		fs.logins++
		json.NewEncoder(w).Encode(map[string]string{
			"basicAuthenticationCredentials": "token-" + strconv.Itoa(fs.logins),
		})
	})
	// Real servers label JSON responses; without this resty skips SetResult
	// unmarshaling because Go's sniffer reports text/plain for JSON bodies.
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fs.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) client(t *testing.T) *RESTClient {
	t.Helper()
	c := NewRESTClient(Options{BaseURL: fs.srv.URL, Username: "u", Password: "p"})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetConfigurationByName(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux.HandleFunc("GET /api/v2/configurations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "name:'Prod'", r.URL.Query().Get("filter"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": 101, "name": "Prod", "type": "Configuration"}},
		})
	})

	ent, err := fs.client(t).GetConfigurationByName(testContext(t), "Prod")
	require.NoError(t, err)
	assert.Equal(t, int64(101), ent.ID)
	assert.Equal(t, 1, fs.logins)
}

func TestEmptyListIsNotFound(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux.HandleFunc("GET /api/v2/locations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	})

	_, err := fs.client(t).GetLocationByCode(testContext(t), "US NYC")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Location", nf.ResourceType)
}

func TestCreateEntity(t *testing.T) {
	t.Run("posts under the parent collection and returns the id", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.mux.HandleFunc("POST /api/v2/entities/101/blocks", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "IPv4Block", body["type"])
			assert.Equal(t, "10.0.0.0/8", body["range"])
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"id": 555})
		})

		id, err := fs.client(t).CreateEntity(testContext(t), 101, "IPv4Block",
			map[string]any{"name": "corp", "range": "10.0.0.0/8"})
		require.NoError(t, err)
		assert.Equal(t, int64(555), id)
	})

	t.Run("top level types post to their root collection", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.mux.HandleFunc("POST /api/v2/configurations", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"id": 9})
		})

		id, err := fs.client(t).CreateEntity(testContext(t), 0, "Configuration",
			map[string]any{"name": "Prod"})
		require.NoError(t, err)
		assert.Equal(t, int64(9), id)
	})

	t.Run("conflict maps to ConflictError", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.mux.HandleFunc("POST /api/v2/entities/7/zones", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "duplicate zone", http.StatusConflict)
		})

		_, err := fs.client(t).CreateEntity(testContext(t), 7, "Zone",
			map[string]any{"name": "corp.example.com"})
		require.Error(t, err)
		assert.True(t, IsConflict(err))
	})
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux.HandleFunc("GET /api/v2/configurations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := fs.client(t).GetConfigurationByName(testContext(t), "Prod")
	require.Error(t, err)
	rl, ok := IsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestExpiredSessionRetriesOnce(t *testing.T) {
	fs := newFakeServer(t)
	calls := 0
	fs.mux.HandleFunc("GET /api/v2/configurations", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": 101, "name": "Prod"}},
		})
	})

	c := fs.client(t)
	ctx := testContext(t)

	ent, err := c.GetConfigurationByName(ctx, "Prod")
	require.NoError(t, err)
	assert.Equal(t, int64(101), ent.ID)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, fs.logins)
}

func TestDeleteEntity(t *testing.T) {
	fs := newFakeServer(t)
	deleted := false
	fs.mux.HandleFunc("DELETE /api/v2/entities/42", func(w http.ResponseWriter, r *http.Request) {
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, fs.client(t).DeleteEntity(testContext(t), 42))
	assert.True(t, deleted)
}
