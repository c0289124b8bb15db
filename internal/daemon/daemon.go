// Package daemon hosts the local switcher: capture/restore engine, local
// store, synchronizer, and the triggers that drive them (a periodic sync
// ticker plus a loopback control API used by the browser UI).
package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quickswitch/quickswitch/internal/browser"
	"github.com/quickswitch/quickswitch/internal/engine"
	"github.com/quickswitch/quickswitch/internal/infrastructure/config"
	"github.com/quickswitch/quickswitch/internal/infrastructure/logging"
	"github.com/quickswitch/quickswitch/internal/infrastructure/monitoring"
	"github.com/quickswitch/quickswitch/internal/remote"
	"github.com/quickswitch/quickswitch/internal/rules"
	"github.com/quickswitch/quickswitch/internal/shared/types"
	"github.com/quickswitch/quickswitch/internal/store"
	qsync "github.com/quickswitch/quickswitch/internal/sync"
)

// Daemon wires the local components together and serves the control API.
type Daemon struct {
	config  *config.Agent
	logger  *logging.Logger
	store   *store.Store
	browser *browser.DevTools
	remote  *remote.Client
	engine  *engine.Engine
	sync    *qsync.Synchronizer
	rules   *rules.Rules
	metrics *monitoring.Metrics
	router  *gin.Engine
}

// New creates a daemon from configuration.
func New(cfg *config.Agent) (*Daemon, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing switchd",
		zap.String("control_addr", cfg.Control.Addr),
		zap.String("devtools_url", cfg.Browser.DevToolsURL),
		zap.String("remote_url", cfg.Remote.BaseURL),
	)

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return nil, err
	}

	domainRules := rules.Default()
	if cfg.Rules.Path != "" {
		domainRules, err = rules.Load(cfg.Rules.Path)
		if err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("Loaded domain rules",
			zap.String("path", cfg.Rules.Path),
			zap.String("mode", string(domainRules.Mode)),
			zap.Int("domains", len(domainRules.Domains)),
		)
	}

	client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout, func() *types.AuthIdentity {
		ident, _ := st.Identity()
		return ident
	})
	devtools := browser.NewDevTools(cfg.Browser.DevToolsURL, cfg.Browser.CallTimeout, logger)

	d := &Daemon{
		config:  cfg,
		logger:  logger,
		store:   st,
		browser: devtools,
		remote:  client,
		engine:  engine.New(devtools, st, client, logger),
		sync:    qsync.New(st, client, logger),
		rules:   domainRules,
		metrics: monitoring.NewMetrics(),
	}
	d.router = d.buildRouter()
	return d, nil
}

// Run serves the control API and drives the periodic sync ticker until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	srv := &http.Server{Addr: d.config.Control.Addr, Handler: d.router}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("Control API listening", zap.String("addr", d.config.Control.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if d.config.Sync.Enabled {
		go d.tick(ctx)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases the browser connections and the local store.
func (d *Daemon) Close() error {
	d.logger.Info("Shutting down switchd...")
	d.browser.Close()
	err := d.store.Close()
	d.logger.Sync()
	return err
}

// Router exposes the control API for tests.
func (d *Daemon) Router() *gin.Engine {
	return d.router
}

// tick runs a sync cycle at the configured interval and once at startup.
func (d *Daemon) tick(ctx context.Context) {
	d.runSync(ctx)

	ticker := time.NewTicker(d.config.Sync.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runSync(ctx)
		}
	}
}

func (d *Daemon) runSync(ctx context.Context) (*qsync.Result, error) {
	start := time.Now()
	result, err := d.sync.Run(ctx)
	switch {
	case err != nil:
		d.metrics.RecordSyncCycle("failed", time.Since(start))
	case result.Skipped:
		d.metrics.RecordSyncCycle("skipped", time.Since(start))
	default:
		d.metrics.RecordSyncCycle("completed", time.Since(start))
	}

	if pending, perr := d.store.PendingCount(); perr == nil {
		d.metrics.PendingQueue.Set(float64(pending))
	}
	return result, err
}

func (d *Daemon) buildRouter() *gin.Engine {
	if !d.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(d.metrics))

	router.GET("/status", d.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/sessions", d.handleList)
	router.POST("/sessions/save", d.handleSave)
	router.POST("/sessions/autosave", d.handleAutoSave)
	router.GET("/sessions/autosave/:domain", d.handleAutoSaveGet)
	router.POST("/sessions/:sessionId/restore", d.handleRestore)
	router.POST("/sessions/:sessionId/rename", d.handleRename)
	router.DELETE("/sessions/:sessionId", d.handleDelete)

	router.POST("/auth/register", d.handleRegister)
	router.POST("/auth/login", d.handleLogin)
	router.POST("/auth/logout", d.handleLogout)
	router.GET("/auth/me", d.handleMe)

	router.POST("/sync", d.handleSync)
	return router
}

func (d *Daemon) handleStatus(c *gin.Context) {
	ident, _ := d.store.Identity()
	pending, _ := d.store.PendingCount()

	status := gin.H{
		"success":       true,
		"syncState":     d.sync.State().String(),
		"pendingCount":  pending,
		"authenticated": ident.Valid(),
		"uptimeSeconds": int64(d.metrics.Uptime().Seconds()),
	}
	if last := d.sync.LastResult(); last != nil {
		status["lastSync"] = last
	}
	c.JSON(http.StatusOK, status)
}

func (d *Daemon) handleList(c *gin.Context) {
	sessions, err := d.store.GetAll()
	if err != nil {
		d.fail(c, err)
		return
	}
	d.metrics.SessionsStored.Set(float64(len(sessions)))
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions})
}

type saveRequest struct {
	URL   string `json:"url" binding:"required"`
	TabID string `json:"tabId" binding:"required"`
	Name  string `json:"name" binding:"required"`
}

func (d *Daemon) handleSave(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "url, tabId and name are required"})
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "url must be http or https"})
		return
	}
	if !d.rules.Enabled(u.Hostname()) {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"message": "session saving is disabled for this domain",
		})
		return
	}

	session, err := d.engine.Capture(c.Request.Context(), req.URL, req.TabID, req.Name)
	if err != nil {
		d.fail(c, err)
		return
	}
	d.metrics.SessionsCaptured.Inc()
	c.JSON(http.StatusCreated, gin.H{"success": true, "session": session})
}

type autoSaveRequest struct {
	URL   string `json:"url" binding:"required"`
	TabID string `json:"tabId" binding:"required"`
}

// handleAutoSave refreshes the per-domain auto-save slot. Auto-saves stay
// outside the named session set and never sync.
func (d *Daemon) handleAutoSave(c *gin.Context) {
	var req autoSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "url and tabId are required"})
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "url must be http or https"})
		return
	}
	if !d.rules.Enabled(u.Hostname()) {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"message": "session saving is disabled for this domain",
		})
		return
	}

	session, err := d.engine.AutoCapture(c.Request.Context(), req.URL, req.TabID)
	if err != nil {
		d.fail(c, err)
		return
	}
	if err := d.store.SetAutoSave(session.Domain, session); err != nil {
		d.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}

func (d *Daemon) handleAutoSaveGet(c *gin.Context) {
	session, err := d.store.AutoSave(c.Param("domain"))
	if err != nil {
		d.fail(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "no auto-save for this domain",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}

type restoreRequest struct {
	TabID         string `json:"tabId" binding:"required"`
	CurrentURL    string `json:"currentUrl" binding:"required"`
	SnapshotFirst bool   `json:"snapshotFirst"`
}

func (d *Daemon) handleRestore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "tabId and currentUrl are required"})
		return
	}

	u, err := url.Parse(req.CurrentURL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid currentUrl"})
		return
	}

	session, err := d.store.Get(c.Param("sessionId"))
	if err != nil {
		d.fail(c, err)
		return
	}

	report, err := d.engine.Restore(c.Request.Context(), session, req.TabID, u.Hostname(),
		engine.RestoreOptions{SnapshotFirst: req.SnapshotFirst})
	if err != nil {
		d.fail(c, err)
		return
	}
	d.metrics.SessionsRestored.Inc()
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (d *Daemon) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "name is required"})
		return
	}

	session, err := d.engine.Rename(c.Request.Context(), c.Param("sessionId"), req.Name)
	if err != nil {
		d.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}

func (d *Daemon) handleDelete(c *gin.Context) {
	if err := d.engine.Delete(c.Request.Context(), c.Param("sessionId")); err != nil {
		d.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session deleted"})
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (d *Daemon) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "email and password are required"})
		return
	}

	ident, err := d.remote.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		d.fail(c, err)
		return
	}
	d.finishLogin(c, ident)
}

func (d *Daemon) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "email and password are required"})
		return
	}

	ident, err := d.remote.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		d.fail(c, err)
		return
	}
	d.finishLogin(c, ident)
}

// finishLogin persists the identity and kicks off a sync so queued offline
// changes drain immediately.
func (d *Daemon) finishLogin(c *gin.Context, ident *types.AuthIdentity) {
	if err := d.store.SetIdentity(ident); err != nil {
		d.fail(c, err)
		return
	}
	go d.runSync(context.Background())
	c.JSON(http.StatusOK, gin.H{"success": true, "email": ident.Email})
}

// handleMe revalidates the stored identity against the backend, clearing it
// when the token has gone stale.
func (d *Daemon) handleMe(c *gin.Context) {
	ident, err := d.remote.Me(c.Request.Context())
	if err != nil {
		if errors.Is(err, types.ErrUnauthenticated) {
			d.store.ClearIdentity()
		}
		d.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "email": ident.Email, "userId": ident.UserID})
}

func (d *Daemon) handleLogout(c *gin.Context) {
	if err := d.store.ClearIdentity(); err != nil {
		d.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "logged out"})
}

func (d *Daemon) handleSync(c *gin.Context) {
	result, err := d.runSync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "sync cycle failed: " + err.Error(),
			"result":  result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// fail maps taxonomy errors onto control API statuses.
func (d *Daemon) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrDomainMismatch), errors.Is(err, types.ErrInvalidDomain), errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case types.IsRetryable(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}
