// Package integration provides an end-to-end harness for the stepflow admin
// API. It wires the real loader, validator, engine, scheduler, and router
// over in-memory stores and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/authz"
	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/lock"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/steps"
	"github.com/pitabwire/stepflow/internal/transport"
	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// Return code raised by reserve_stock when an order is out of stock.
const outOfStockCode = 409

// TestHarness is a running stepflow API with its internals exposed.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	clock  *testClock

	Registry  *definition.Registry
	Store     *workflow.MemoryStatusStore
	Engine    *workflow.Engine
	Scheduler *workflow.Scheduler
	Metrics   *observability.Metrics

	// Shipped counts ship_order executions.
	Shipped atomic.Int64
	// Entered receives when pack_order starts holding; Release lets it
	// finish.
	Entered chan struct{}
	Release chan struct{}

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	handlerTimeout time.Duration
	lockWait       time.Duration
	policyFile     string
	engine         workflow.Options
}

// WithDefinitions replaces the default definition directories.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithLockWait makes runs wait up to d for a held lock.
func WithLockWait(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.lockWait = d
	}
}

// WithPolicy gates routes with the role policy at path.
func WithPolicy(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithEngineOptions overrides engine tuning. Logger, Metrics, and Now are
// always set by the harness.
func WithEngineOptions(opts workflow.Options) HarnessOption {
	return func(c *harnessConfig) {
		c.engine = opts
	}
}

// testClock is a settable clock shared by the engine and the scheduler.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewTestHarness starts a stepflow API for the duration of the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(testdataDir(), "definitions")},
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:       t,
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		Entered: make(chan struct{}, 1),
		Release: make(chan struct{}),
	}

	catalog := h.buildCatalog()

	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	validator := definition.NewValidator(catalog)
	if verrs := validator.Validate(defs); len(verrs) > 0 {
		t.Fatalf("validate definitions: %v", definition.AsError(verrs))
	}
	h.Registry = definition.NewRegistry(defs, validator)

	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Store = workflow.NewMemoryStatusStore()
	locks := lock.NewCoordinator(lock.NewMemoryBackend(), lock.Options{
		TTL:    time.Minute,
		Wait:   hc.lockWait,
		OnWait: h.Metrics.RecordLockWait,
	})

	engineOpts := hc.engine
	engineOpts.Logger = zap.NewNop()
	engineOpts.Metrics = h.Metrics
	engineOpts.Now = h.clock.Now
	h.Engine = workflow.NewEngine(h.Registry, h.Store, catalog, locks, txn.NewMemoryUnitOfWork(), engineOpts)

	h.Scheduler = workflow.NewScheduler(h.Store, h.Engine, workflow.SchedulerOptions{
		BatchSize:   50,
		Concurrency: 4,
		Metrics:     h.Metrics,
		Now:         h.clock.Now,
	})

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		MaxAge:         600,
	}
	h.cfg.Auth = config.AuthConfig{
		Mode:         config.AuthJWKS,
		Issuer:       h.issuer.issuer,
		Audience:     h.issuer.audience,
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		PolicyFile:   hc.policyFile,
	}

	var permissions model.PermissionResolver
	if hc.policyFile != "" {
		policy, err := authz.NewStaticPolicy(hc.policyFile)
		if err != nil {
			t.Fatalf("load policy: %v", err)
		}
		permissions = authz.NewResolver(policy, 0)
	}

	authenticate, err := transport.NewAuthenticator(h.cfg.Auth, zap.NewNop())
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Definitions:  h.Registry,
		Authenticate: authenticate,
		Permissions:  permissions,
		Idempotency:  idempotency.NewMemoryStore(),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			StatusStore:       observability.CheckFunc(h.Store.Ping),
			LockBackend:       observability.CheckFunc(locks.Ping),
		},
		Metrics: h.Metrics,
		Logger:  zap.NewNop(),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// buildCatalog registers the order factory and the warehouse steps used by
// the testdata definitions.
func (h *TestHarness) buildCatalog() *steps.Registry {
	h.t.Helper()
	catalog := steps.NewRegistry()

	must := func(err error) {
		if err != nil {
			h.t.Fatalf("register: %v", err)
		}
	}

	must(catalog.RegisterFactory("order", &steps.MapFactory{
		Lock: true,
		Load: func(_ context.Context, ref string) (map[string]any, error) {
			return map[string]any{"id": ref, "status": "open"}, nil
		},
	}))

	must(catalog.RegisterStep("reserve_stock", steps.Func{
		Factory: "order",
		Fn: func(_ context.Context, _ any, params model.Parameters) (model.ReturnCode, error) {
			if params["out_of_stock"] == true {
				params.SetError(outOfStockCode, "stock unavailable")
				return model.ReturnError, nil
			}
			params["reserved"] = true
			return model.ReturnContinue, nil
		},
	}))

	must(catalog.RegisterStep("ship_order", steps.Func{
		Factory: "order",
		Fn: func(_ context.Context, _ any, params model.Parameters) (model.ReturnCode, error) {
			h.Shipped.Add(1)
			params["shipped_with"] = params["carrier"]
			return model.ReturnContinue, nil
		},
	}))

	must(catalog.RegisterStep("pack_order", steps.Func{
		Factory: "order",
		Fn: func(ctx context.Context, _ any, params model.Parameters) (model.ReturnCode, error) {
			if params["hold"] != true {
				return model.ReturnContinue, nil
			}
			h.Entered <- struct{}{}
			select {
			case <-h.Release:
				return model.ReturnContinue, nil
			case <-ctx.Done():
				return model.ReturnUnset, ctx.Err()
			}
		},
	}))

	return catalog
}

// Advance moves the engine and scheduler clock forward.
func (h *TestHarness) Advance(d time.Duration) { h.clock.Advance(d) }

// Now returns the harness clock.
func (h *TestHarness) Now() time.Time { return h.clock.Now() }

// Tick runs one scheduler pass and waits for its runs.
func (h *TestHarness) Tick() int {
	h.t.Helper()
	n, err := h.Scheduler.Tick(context.Background())
	if err != nil {
		h.t.Fatalf("scheduler tick: %v", err)
	}
	return n
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs a GET request. An empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// Do performs a request against the test server.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Default test claims ---

// OperatorClaims returns claims for an operator of tenant acme-corp.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		TenantID:  "acme-corp",
		Roles:     []string{"stepflow_operator"},
	}
}

// ViewerClaims returns claims for a read-only caller of tenant acme-corp.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Roles:     []string{"stepflow_viewer"},
	}
}

// OtherTenantClaims returns claims for an operator of a second tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Roles:     []string{"stepflow_operator"},
	}
}

// targetPath returns the API path for a definition target.
func targetPath(definitionID, targetRef, action string) string {
	p := "/v1/definitions/" + definitionID + "/targets/" + targetRef
	if action != "" {
		p += "/" + action
	}
	return p
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
