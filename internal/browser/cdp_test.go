package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickswitch/quickswitch/internal/infrastructure/logging"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// fakeDevTools serves /json/list discovery plus a websocket speaking just
// enough of the protocol for the adapter.
type fakeDevTools struct {
	srv      *httptest.Server
	pageURL  string
	handlers map[string]func(params json.RawMessage) (any, error)
	calls    []string
}

func newFakeDevTools(t *testing.T, pageURL string) *fakeDevTools {
	t.Helper()
	f := &fakeDevTools{
		pageURL:  pageURL,
		handlers: map[string]func(json.RawMessage) (any, error){},
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/page/tab1"
		json.NewEncoder(w).Encode([]map[string]string{
			{"id": "tab1", "type": "page", "url": f.pageURL, "webSocketDebuggerUrl": wsURL},
			{"id": "worker1", "type": "service_worker", "url": f.pageURL},
		})
	})
	mux.HandleFunc("/devtools/page/tab1", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		for {
			var cmd struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			f.calls = append(f.calls, cmd.Method)

			handler, ok := f.handlers[cmd.Method]
			if !ok {
				ws.WriteJSON(map[string]any{
					"id":    cmd.ID,
					"error": map[string]any{"code": -32601, "message": "unhandled " + cmd.Method},
				})
				continue
			}
			result, herr := handler(cmd.Params)
			if herr != nil {
				ws.WriteJSON(map[string]any{
					"id":    cmd.ID,
					"error": map[string]any{"code": -32000, "message": herr.Error()},
				})
				continue
			}
			// Interleave an event to make sure callers skip it.
			ws.WriteJSON(map[string]any{"method": "Network.dataReceived", "params": map[string]any{}})
			ws.WriteJSON(map[string]any{"id": cmd.ID, "result": result})
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestDevTools(t *testing.T, f *fakeDevTools) *DevTools {
	t.Helper()
	d := NewDevTools(f.srv.URL, 2*time.Second, logging.NewNop())
	t.Cleanup(d.Close)
	return d
}

func evaluateResult(value string) map[string]any {
	return map[string]any{"result": map[string]any{"type": "string", "value": value}}
}

func TestTabForDomain(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com/inbox")
	d := newTestDevTools(t, f)

	tabID, err := d.TabForDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "tab1", tabID)

	_, err = d.TabForDomain(context.Background(), "other.com")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTargetsFiltersNonPages(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	d := newTestDevTools(t, f)

	pages, err := d.Targets(context.Background())
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "tab1", pages[0].ID)
}

func TestReadCookiesNilsHTTPOnlyValues(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	f.handlers["Network.getCookies"] = func(json.RawMessage) (any, error) {
		return map[string]any{"cookies": []map[string]any{
			{"name": "visible", "value": "v1", "domain": ".example.com", "path": "/", "expires": 1999999999.0},
			{"name": "hidden", "value": "secret", "domain": ".example.com", "path": "/", "httpOnly": true},
		}}, nil
	}
	d := newTestDevTools(t, f)

	cookies, err := d.ReadCookies(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, cookies, 2)

	require.NotNil(t, cookies[0].Value)
	assert.Equal(t, "v1", *cookies[0].Value)
	require.NotNil(t, cookies[0].ExpirationDate)

	assert.Nil(t, cookies[1].Value)
	assert.True(t, cookies[1].HTTPOnly)
	assert.False(t, cookies[1].Replayable())
}

func TestWriteCookie(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	var got map[string]any
	f.handlers["Network.setCookie"] = func(params json.RawMessage) (any, error) {
		require.NoError(t, json.Unmarshal(params, &got))
		return map[string]any{"success": true}, nil
	}
	d := newTestDevTools(t, f)

	value := "v1"
	err := d.WriteCookie(context.Background(), types.Cookie{
		Name: "sid", Value: &value, Domain: ".example.com", Path: "/", Secure: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "sid", got["name"])
	assert.Equal(t, "v1", got["value"])
	assert.Equal(t, "https://example.com/", got["url"])
}

func TestWriteCookieParentDomainFromSubdomainTab(t *testing.T) {
	// Auth cookies are commonly scoped to the parent domain while the only
	// open tab is a subdomain page; the write must still find that tab.
	f := newFakeDevTools(t, "https://www.example.com/account")
	var got map[string]any
	f.handlers["Network.setCookie"] = func(params json.RawMessage) (any, error) {
		require.NoError(t, json.Unmarshal(params, &got))
		return map[string]any{"success": true}, nil
	}
	d := newTestDevTools(t, f)

	value := "v1"
	err := d.WriteCookie(context.Background(), types.Cookie{
		Name: "sid", Value: &value, Domain: ".example.com", Path: "/", Secure: true,
	})
	require.NoError(t, err)

	assert.Contains(t, f.calls, "Network.setCookie")
	assert.Equal(t, ".example.com", got["domain"])
	assert.Equal(t, "sid", got["name"])
}

func TestWriteCookieNoTabInScope(t *testing.T) {
	f := newFakeDevTools(t, "https://other.com")
	d := newTestDevTools(t, f)

	value := "v1"
	err := d.WriteCookie(context.Background(), types.Cookie{
		Name: "sid", Value: &value, Domain: ".example.com", Path: "/",
	})

	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, f.calls)
}

func TestWriteCookieRejection(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	f.handlers["Network.setCookie"] = func(json.RawMessage) (any, error) {
		return map[string]any{"success": false}, nil
	}
	d := newTestDevTools(t, f)

	value := "v1"
	err := d.WriteCookie(context.Background(), types.Cookie{
		Name: "sid", Value: &value, Domain: "example.com", Path: "/",
	})

	var bse *types.BrowserStateError
	require.ErrorAs(t, err, &bse)
	assert.Equal(t, "sid", bse.Target)
}

func TestWriteCookieWithoutValueFailsFast(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	d := newTestDevTools(t, f)

	err := d.WriteCookie(context.Background(), types.Cookie{Name: "hidden", Domain: "example.com"})

	var bse *types.BrowserStateError
	require.ErrorAs(t, err, &bse)
	assert.Empty(t, f.calls)
}

func TestReadStorage(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	f.handlers["Runtime.evaluate"] = func(json.RawMessage) (any, error) {
		return evaluateResult(`{"local":{"theme":"dark"},"session":{"csrf":"tok"}}`), nil
	}
	d := newTestDevTools(t, f)

	storage, err := d.ReadStorage(context.Background(), "tab1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "dark"}, storage.Local)
	assert.Equal(t, map[string]string{"csrf": "tok"}, storage.Session)
}

func TestWriteStorageClearsBeforeWriting(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	var script string
	f.handlers["Runtime.evaluate"] = func(params json.RawMessage) (any, error) {
		var p struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		script = p.Expression
		return evaluateResult("ok"), nil
	}
	d := newTestDevTools(t, f)

	err := d.WriteStorage(context.Background(), "tab1", map[string]string{"a": "1"}, nil)
	require.NoError(t, err)

	assert.Contains(t, script, "localStorage.clear()")
	assert.Contains(t, script, "sessionStorage.clear()")
	clearIdx := strings.Index(script, "localStorage.clear()")
	setIdx := strings.Index(script, "setItem")
	assert.Less(t, clearIdx, setIdx)
}

func TestWriteStoragePreservesProtoKey(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	var script string
	f.handlers["Runtime.evaluate"] = func(params json.RawMessage) (any, error) {
		var p struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		script = p.Expression
		return evaluateResult("ok"), nil
	}
	d := newTestDevTools(t, f)

	err := d.WriteStorage(context.Background(), "tab1", map[string]string{"__proto__": "x"}, nil)
	require.NoError(t, err)

	// The snapshot must reach the page as parsed JSON, not as an object
	// literal where "__proto__" is a prototype assignment.
	assert.Contains(t, script, "JSON.parse")
	assert.Contains(t, script, `\"__proto__\"`)
	assert.NotContains(t, script, `const l = {`)
}

func TestClearCookiesDeletesEach(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	f.handlers["Network.getCookies"] = func(json.RawMessage) (any, error) {
		return map[string]any{"cookies": []map[string]any{
			{"name": "a", "value": "1", "domain": ".example.com", "path": "/"},
			{"name": "b", "value": "2", "domain": ".example.com", "path": "/"},
		}}, nil
	}
	deleted := 0
	f.handlers["Network.deleteCookies"] = func(json.RawMessage) (any, error) {
		deleted++
		return map[string]any{}, nil
	}
	d := newTestDevTools(t, f)

	require.NoError(t, d.ClearCookies(context.Background(), "example.com"))
	assert.Equal(t, 2, deleted)
}

func TestDevToolsErrorSurfaces(t *testing.T) {
	f := newFakeDevTools(t, "https://example.com")
	f.handlers["Runtime.evaluate"] = func(json.RawMessage) (any, error) {
		return nil, fmt.Errorf("target crashed")
	}
	d := newTestDevTools(t, f)

	_, err := d.ReadStorage(context.Background(), "tab1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target crashed")
}
