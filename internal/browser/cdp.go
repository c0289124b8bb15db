package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quickswitch/quickswitch/internal/infrastructure/logging"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// DevTools implements State against a browser exposing the Chrome DevTools
// Protocol (chrome --remote-debugging-port). Tab IDs are DevTools target IDs.
type DevTools struct {
	baseURL string
	http    *resty.Client
	logger  *logging.Logger
	timeout time.Duration

	mu     sync.Mutex
	conns  map[string]*wsConn
	nextID int64
}

// wsConn is a single DevTools websocket with serialized command dispatch.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// target is one entry of the /json/list discovery endpoint.
type target struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// command is a DevTools JSON-RPC request.
type command struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// response is a DevTools JSON-RPC reply; Method is set on events instead.
type response struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewDevTools creates an adapter for the DevTools endpoint at baseURL.
func NewDevTools(baseURL string, timeout time.Duration, logger *logging.Logger) *DevTools {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &DevTools{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
		timeout: timeout,
		conns:   make(map[string]*wsConn),
	}
}

// Close drops all open websocket connections.
func (d *DevTools) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.conns {
		c.ws.Close()
		delete(d.conns, id)
	}
}

// Targets lists the open page targets.
func (d *DevTools) Targets(ctx context.Context) ([]target, error) {
	var all []target
	resp, err := d.http.R().SetContext(ctx).SetResult(&all).Get("/json/list")
	if err != nil {
		return nil, &types.NetworkError{Op: "devtools discovery", Err: err}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("devtools discovery returned %s", resp.Status())
	}

	pages := all[:0]
	for _, t := range all {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// TabForDomain returns the ID of an open tab showing the given domain.
func (d *DevTools) TabForDomain(ctx context.Context, domain string) (string, error) {
	pages, err := d.Targets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range pages {
		if u, err := url.Parse(t.URL); err == nil && u.Hostname() == domain {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("no open tab for domain %q: %w", domain, types.ErrNotFound)
}

// tabForCookieScope returns the ID of an open tab whose page falls inside
// the cookie domain's scope. Parent-domain cookies (".example.com") are
// normally replayed while a subdomain page (www.example.com) is the one
// open, so an exact hostname match is not enough here.
func (d *DevTools) tabForCookieScope(ctx context.Context, domain string) (string, error) {
	pages, err := d.Targets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range pages {
		u, err := url.Parse(t.URL)
		if err != nil {
			continue
		}
		host := u.Hostname()
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("no open tab within cookie domain %q: %w", domain, types.ErrNotFound)
}

// ReadCookies returns all cookies visible for the domain. Http-only cookies
// are reported with a nil Value: they cannot be replayed from a capture.
func (d *DevTools) ReadCookies(ctx context.Context, domain string) ([]types.Cookie, error) {
	tabID, err := d.TabForDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	var result struct {
		Cookies []struct {
			Name     string  `json:"name"`
			Value    string  `json:"value"`
			Domain   string  `json:"domain"`
			Path     string  `json:"path"`
			Secure   bool    `json:"secure"`
			HTTPOnly bool    `json:"httpOnly"`
			SameSite string  `json:"sameSite"`
			Expires  float64 `json:"expires"`
		} `json:"cookies"`
	}

	params := map[string]interface{}{
		"urls": []string{"https://" + domain, "http://" + domain},
	}
	if err := d.call(ctx, tabID, "Network.getCookies", params, &result); err != nil {
		return nil, err
	}

	cookies := make([]types.Cookie, 0, len(result.Cookies))
	for _, rc := range result.Cookies {
		c := types.Cookie{
			Name:     rc.Name,
			Domain:   rc.Domain,
			Path:     rc.Path,
			Secure:   rc.Secure,
			HTTPOnly: rc.HTTPOnly,
			SameSite: rc.SameSite,
		}
		if !rc.HTTPOnly {
			v := rc.Value
			c.Value = &v
		}
		if rc.Expires > 0 {
			e := rc.Expires
			c.ExpirationDate = &e
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}

// WriteCookie sets a single cookie. Rejections surface as BrowserStateError
// so the caller can continue with the remaining cookies.
func (d *DevTools) WriteCookie(ctx context.Context, cookie types.Cookie) error {
	if cookie.Value == nil {
		return &types.BrowserStateError{Op: "set cookie", Target: cookie.Name, Err: fmt.Errorf("no readable value")}
	}

	domain := strings.TrimPrefix(cookie.Domain, ".")
	tabID, err := d.tabForCookieScope(ctx, domain)
	if err != nil {
		return err
	}

	scheme := "http"
	if cookie.Secure {
		scheme = "https"
	}
	params := map[string]interface{}{
		"name":     cookie.Name,
		"value":    *cookie.Value,
		"url":      fmt.Sprintf("%s://%s%s", scheme, domain, cookie.Path),
		"domain":   cookie.Domain,
		"path":     cookie.Path,
		"secure":   cookie.Secure,
		"httpOnly": cookie.HTTPOnly,
	}
	if cookie.SameSite != "" {
		params["sameSite"] = cookie.SameSite
	}
	if cookie.ExpirationDate != nil {
		params["expires"] = *cookie.ExpirationDate
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := d.call(ctx, tabID, "Network.setCookie", params, &result); err != nil {
		return &types.BrowserStateError{Op: "set cookie", Target: cookie.Name, Err: err}
	}
	if !result.Success {
		return &types.BrowserStateError{Op: "set cookie", Target: cookie.Name, Err: fmt.Errorf("rejected by browser")}
	}
	return nil
}

// ClearCookies removes every cookie visible for the domain.
func (d *DevTools) ClearCookies(ctx context.Context, domain string) error {
	existing, err := d.ReadCookies(ctx, domain)
	if err != nil {
		return err
	}
	tabID, err := d.TabForDomain(ctx, domain)
	if err != nil {
		return err
	}

	for _, c := range existing {
		params := map[string]interface{}{
			"name":   c.Name,
			"domain": c.Domain,
			"path":   c.Path,
		}
		if err := d.call(ctx, tabID, "Network.deleteCookies", params, nil); err != nil {
			return err
		}
	}
	return nil
}

const readStorageScript = `(() => {
	const dump = (area) => {
		const out = {};
		for (let i = 0; i < area.length; i++) {
			const k = area.key(i);
			out[k] = area.getItem(k);
		}
		return out;
	};
	return JSON.stringify({local: dump(localStorage), session: dump(sessionStorage)});
})()`

// ReadStorage snapshots both storage areas of the tab.
func (d *DevTools) ReadStorage(ctx context.Context, tabID string) (*Storage, error) {
	raw, err := d.evaluate(ctx, tabID, readStorageScript)
	if err != nil {
		return nil, err
	}

	storage := &Storage{}
	if err := json.Unmarshal([]byte(raw), storage); err != nil {
		return nil, fmt.Errorf("failed to decode storage snapshot: %w", err)
	}
	if storage.Local == nil {
		storage.Local = map[string]string{}
	}
	if storage.Session == nil {
		storage.Session = map[string]string{}
	}
	return storage, nil
}

// WriteStorage clears both areas and writes the given snapshots in a single
// evaluated script, so the page never observes a half-restored mix.
func (d *DevTools) WriteStorage(ctx context.Context, tabID string, local, session map[string]string) error {
	if local == nil {
		local = map[string]string{}
	}
	if session == nil {
		session = map[string]string{}
	}

	localJSON, err := json.Marshal(local)
	if err != nil {
		return err
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return err
	}

	// The snapshots go through JSON.parse rather than object literals: a
	// literal treats a "__proto__" key as a prototype assignment and the
	// entry would silently vanish.
	localLit, err := json.Marshal(string(localJSON))
	if err != nil {
		return err
	}
	sessionLit, err := json.Marshal(string(sessionJSON))
	if err != nil {
		return err
	}

	script := fmt.Sprintf(`(() => {
		localStorage.clear();
		sessionStorage.clear();
		const l = JSON.parse(%s), s = JSON.parse(%s);
		for (const k of Object.keys(l)) localStorage.setItem(k, l[k]);
		for (const k of Object.keys(s)) sessionStorage.setItem(k, s[k]);
		return "ok";
	})()`, localLit, sessionLit)

	_, err = d.evaluate(ctx, tabID, script)
	return err
}

// evaluate runs a script in the tab and returns its string value.
func (d *DevTools) evaluate(ctx context.Context, tabID, script string) (string, error) {
	var result struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}

	params := map[string]interface{}{
		"expression":    script,
		"returnByValue": true,
	}
	if err := d.call(ctx, tabID, "Runtime.evaluate", params, &result); err != nil {
		return "", err
	}
	if result.ExceptionDetails != nil {
		return "", fmt.Errorf("script threw: %s", result.ExceptionDetails.Text)
	}

	var value string
	if err := json.Unmarshal(result.Result.Value, &value); err != nil {
		return "", fmt.Errorf("unexpected evaluate result: %w", err)
	}
	return value, nil
}

// call dispatches one DevTools command on the tab's websocket and decodes
// the matching response into out. Events arriving in between are skipped.
func (d *DevTools) call(ctx context.Context, tabID, method string, params, out interface{}) error {
	conn, err := d.conn(ctx, tabID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.nextID++
	cmdID := d.nextID
	d.mu.Unlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.ws.SetWriteDeadline(deadline)
	conn.ws.SetReadDeadline(deadline)

	if err := conn.ws.WriteJSON(command{ID: cmdID, Method: method, Params: params}); err != nil {
		d.drop(tabID)
		return &types.NetworkError{Op: method, Err: err}
	}

	for {
		var resp response
		if err := conn.ws.ReadJSON(&resp); err != nil {
			d.drop(tabID)
			return &types.NetworkError{Op: method, Err: err}
		}
		if resp.ID != cmdID {
			continue // event or stale reply
		}
		if resp.Error != nil {
			return fmt.Errorf("%s failed: %s", method, resp.Error.Message)
		}
		if out != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	}
}

// conn returns a cached websocket for the tab, dialing on first use.
func (d *DevTools) conn(ctx context.Context, tabID string) (*wsConn, error) {
	d.mu.Lock()
	if c, ok := d.conns[tabID]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	pages, err := d.Targets(ctx)
	if err != nil {
		return nil, err
	}

	var wsURL string
	for _, t := range pages {
		if t.ID == tabID {
			wsURL = t.WebSocketURL
			break
		}
	}
	if wsURL == "" {
		return nil, fmt.Errorf("tab %q: %w", tabID, types.ErrNotFound)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &types.NetworkError{Op: "devtools dial", Err: err}
	}

	c := &wsConn{ws: ws}
	d.mu.Lock()
	d.conns[tabID] = c
	d.mu.Unlock()

	d.logger.Debug("Connected to DevTools target",
		zap.String("tab_id", tabID),
		zap.String("ws_url", wsURL),
	)
	return c, nil
}

// drop discards a broken connection so the next call redials.
func (d *DevTools) drop(tabID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[tabID]; ok {
		c.ws.Close()
		delete(d.conns, tabID)
	}
}
