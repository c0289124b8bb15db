package daemon

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickswitch/quickswitch/internal/infrastructure/config"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

func TestControlSyncReportsCycleFailure(t *testing.T) {
	// A backend that rejects every call makes the pull phase fail without
	// the retry transport kicking in (4xx responses are not retried).
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"message":"malformed request"}`))
	}))
	defer backend.Close()

	cfg := &config.Agent{}
	cfg.Control.Addr = "127.0.0.1:0"
	cfg.Store.Dir = t.TempDir()
	cfg.Remote.BaseURL = backend.URL
	cfg.Remote.Timeout = 2 * time.Second
	cfg.Browser.DevToolsURL = "http://127.0.0.1:1"
	cfg.Browser.CallTimeout = time.Second
	cfg.Sync.Enabled = false

	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.store.SetIdentity(&types.AuthIdentity{UserID: "u1", Token: "tok"}))

	w := httptest.NewRecorder()
	d.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	w = httptest.NewRecorder()
	d.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"syncState":"failed"`)
}
