package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"dealdesk/gateway/internal/auth"
	"dealdesk/gateway/internal/config"
	"dealdesk/gateway/internal/crm"
	"dealdesk/gateway/internal/export"
	"dealdesk/gateway/internal/identity"
	"dealdesk/gateway/internal/search"
	"dealdesk/gateway/internal/state"
	"dealdesk/gateway/internal/store"
)

type fakeAccounts struct {
	mu        sync.Mutex
	ensured   []string
	ensureErr error
	pingErr   error
}

func (f *fakeAccounts) EnsureAccountByEmail(_ context.Context, email string) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return store.Account{}, f.ensureErr
	}
	f.ensured = append(f.ensured, email)
	return store.Account{ID: "acct_1", Email: email}, nil
}

func (f *fakeAccounts) Ping(context.Context) error {
	return f.pingErr
}

type savedLink struct {
	browserID string
	sessionID string
	expiresAt time.Time
}

type fakeSessions struct {
	mu      sync.Mutex
	refresh map[string]string
	revoked map[string]bool
	links   map[string]string
	saved   []savedLink
	pingErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		refresh: make(map[string]string),
		revoked: make(map[string]bool),
		links:   make(map[string]string),
	}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, email string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = email
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.refresh[tokenHash]
	if !ok {
		return "", errors.New("refresh session not found")
	}
	return email, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeSessions) SaveSessionLink(_ context.Context, browserID, sessionID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[browserID] = sessionID
	f.saved = append(f.saved, savedLink{browserID: browserID, sessionID: sessionID, expiresAt: expiresAt})
	return nil
}

func (f *fakeSessions) LookupSessionLink(_ context.Context, browserID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[browserID], nil
}

func (f *fakeSessions) DeleteSessionLink(_ context.Context, browserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, browserID)
	return nil
}

func (f *fakeSessions) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeSessions) savedLinks() []savedLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedLink(nil), f.saved...)
}

type memorySnapshots struct {
	mu    sync.Mutex
	trees map[string][]byte
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{trees: make(map[string][]byte)}
}

func (m *memorySnapshots) SaveStateSnapshot(_ context.Context, browserID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[browserID] = append([]byte(nil), snapshot...)
	return nil
}

func (m *memorySnapshots) LoadStateSnapshot(_ context.Context, browserID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.trees[browserID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), snapshot...), nil
}

func (m *memorySnapshots) DeleteStateSnapshot(_ context.Context, browserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trees, browserID)
	return nil
}

// stubResponse configures one backend route on the CRM stub.
type stubResponse struct {
	status    int
	payload   string
	sessionID string
}

type backendHit struct {
	method    string
	path      string
	query     url.Values
	browserID string
	sessionID string
	body      string
}

// backendStub is an httptest CRM backend recording every request it serves.
type backendStub struct {
	mu     sync.Mutex
	routes map[string]stubResponse
	hits   []backendHit
}

func newBackendStub(routes map[string]stubResponse) (*backendStub, *httptest.Server) {
	stub := &backendStub{routes: routes}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.hits = append(stub.hits, backendHit{
			method:    r.Method,
			path:      r.URL.Path,
			query:     r.URL.Query(),
			browserID: r.Header.Get("X-Browser-ID"),
			sessionID: r.Header.Get("X-Session-ID"),
			body:      string(body),
		})
		route, ok := stub.routes[r.URL.Path]
		stub.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"no such action"}`))
			return
		}
		if route.sessionID != "" {
			w.Header().Set("X-Session-ID", route.sessionID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(route.status)
		_, _ = w.Write([]byte(route.payload))
	}))
	return stub, server
}

func (b *backendStub) requests() []backendHit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendHit(nil), b.hits...)
}

func (b *backendStub) setRoute(path string, route stubResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[path] = route
}

func testConfig() config.Config {
	return config.Config{
		AppOrigin:          "http://localhost:8687",
		AllowedEmailSuffix: "@dealdesk.io",
		JWTSecret:          "test-secret",
		AccessTTL:          time.Hour,
		RefreshTTL:         24 * time.Hour,
		BackendTimeout:     5 * time.Second,
		SessionLinkTTL:     time.Hour,
		SnapshotMaxBytes:   1 << 20,
	}
}

func newTestService(t *testing.T, backendURL string) (*Service, *fakeSessions, *fakeAccounts) {
	t.Helper()
	cfg := testConfig()
	gate, err := identity.NewGate(cfg.AllowedEmailSuffix, cfg.AppOrigin)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if backendURL == "" {
		backendURL = "http://127.0.0.1:9"
	}
	sessions := newFakeSessions()
	accounts := &fakeAccounts{}
	states := state.NewManager(newMemorySnapshots(), cfg.SnapshotMaxBytes, 0)
	svc := New(cfg, gate, accounts, sessions, crm.NewClient(backendURL, cfg.BackendTimeout), states, search.NewService(nil))
	return svc, sessions, accounts
}

func TestSignInNormalizesEmailAndResolvesRedirect(t *testing.T) {
	svc, _, accounts := newTestService(t, "")

	result, err := svc.SignIn(context.Background(), "  Rep@DealDesk.io  ", "", "/deals")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if result.Session.Email != "rep@dealdesk.io" {
		t.Fatalf("expected normalized email, got %q", result.Session.Email)
	}
	if result.RedirectTo != "http://localhost:8687/deals" {
		t.Fatalf("expected origin-resolved redirect, got %q", result.RedirectTo)
	}
	if len(accounts.ensured) != 1 || accounts.ensured[0] != "rep@dealdesk.io" {
		t.Fatalf("expected account upsert for rep@dealdesk.io, got %v", accounts.ensured)
	}

	claims, err := auth.ParseToken([]byte("test-secret"), result.Session.Token)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Sub != "rep@dealdesk.io" {
		t.Fatalf("expected token subject rep@dealdesk.io, got %q", claims.Sub)
	}
	if claims.JTI != result.Session.JTI {
		t.Fatalf("expected token JTI %q, got %q", result.Session.JTI, claims.JTI)
	}
}

func TestSignInRejectsForeignDomain(t *testing.T) {
	svc, _, accounts := newTestService(t, "")

	_, err := svc.SignIn(context.Background(), "rep@gmail.com", "", "")
	if !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(accounts.ensured) != 0 {
		t.Fatalf("expected no account upsert, got %v", accounts.ensured)
	}
	if got := svc.RejectionRedirect(err); got != "http://localhost:8687/auth/error?reason=access_denied" {
		t.Fatalf("unexpected rejection redirect %q", got)
	}
}

func TestSignInFallsBackToProfileEmail(t *testing.T) {
	svc, _, _ := newTestService(t, "")

	result, err := svc.SignIn(context.Background(), "", "ops@dealdesk.io", "")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if result.Session.Email != "ops@dealdesk.io" {
		t.Fatalf("expected profile email, got %q", result.Session.Email)
	}
	if result.RedirectTo != "http://localhost:8687" {
		t.Fatalf("expected origin fallback redirect, got %q", result.RedirectTo)
	}
}

func TestRefreshRotatesAndSpendsToken(t *testing.T) {
	svc, _, _ := newTestService(t, "")

	first, err := svc.SignIn(context.Background(), "rep@dealdesk.io", "", "")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.Session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.Session.RefreshToken {
		t.Fatalf("expected rotated refresh token")
	}
	if second.Email != "rep@dealdesk.io" {
		t.Fatalf("expected email carried through rotation, got %q", second.Email)
	}

	if _, err := svc.Refresh(context.Background(), first.Session.RefreshToken); err == nil {
		t.Fatalf("expected spent refresh token to be rejected")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	svc, _, _ := newTestService(t, "")

	result, err := svc.SignIn(context.Background(), "rep@dealdesk.io", "", "")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}

	if _, err := svc.SessionFromToken(context.Background(), result.Session.Token); err != nil {
		t.Fatalf("expected live token to validate: %v", err)
	}

	svc.Logout(context.Background(), result.Session, result.Session.RefreshToken)

	if _, err := svc.SessionFromToken(context.Background(), result.Session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked token to fail with ErrInvalidToken, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), result.Session.RefreshToken); err == nil {
		t.Fatalf("expected revoked refresh token to be rejected")
	}
}

func TestProxyRefusesMissingBrowserID(t *testing.T) {
	stub, server := newBackendStub(map[string]stubResponse{})
	defer server.Close()
	svc, _, _ := newTestService(t, server.URL)

	result := svc.Proxy(context.Background(), crm.ActionDeals, "", "", url.Values{}, nil)

	if result.Status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", result.Status)
	}
	if result.Envelope.Error == nil || *result.Envelope.Error != "missing browser identifier" {
		t.Fatalf("expected missing browser identifier error, got %v", result.Envelope.Error)
	}
	if hits := stub.requests(); len(hits) != 0 {
		t.Fatalf("expected no backend calls, got %d", len(hits))
	}
}

func TestProxyFillsSessionFromStoredLink(t *testing.T) {
	stub, server := newBackendStub(map[string]stubResponse{
		"/api/deals": {status: http.StatusOK, payload: `{"deals":[]}`},
	})
	defer server.Close()
	svc, sessions, _ := newTestService(t, server.URL)
	sessions.links["browser-1"] = "sess_stored"

	result := svc.Proxy(context.Background(), crm.ActionDeals, "browser-1", "", url.Values{}, nil)

	if result.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %v", result.Status, result.Envelope.Error)
	}
	hits := stub.requests()
	if len(hits) != 1 {
		t.Fatalf("expected one backend call, got %d", len(hits))
	}
	if hits[0].sessionID != "sess_stored" {
		t.Fatalf("expected stored session forwarded, got %q", hits[0].sessionID)
	}
	if result.SessionID != "sess_stored" {
		t.Fatalf("expected stored session echoed, got %q", result.SessionID)
	}
}

func TestProxyCapturesBackendSession(t *testing.T) {
	stub, server := newBackendStub(map[string]stubResponse{
		"/api/deals": {status: http.StatusOK, payload: `{"deals":[]}`, sessionID: "sess_new"},
	})
	defer server.Close()
	svc, sessions, _ := newTestService(t, server.URL)

	result := svc.Proxy(context.Background(), crm.ActionDeals, "browser-1", "", url.Values{}, nil)

	if result.SessionID != "sess_new" {
		t.Fatalf("expected captured session, got %q", result.SessionID)
	}
	saved := sessions.savedLinks()
	if len(saved) != 1 || saved[0].browserID != "browser-1" || saved[0].sessionID != "sess_new" {
		t.Fatalf("expected session link saved for browser-1, got %v", saved)
	}
	if saved[0].expiresAt.Before(time.Now()) {
		t.Fatalf("expected link expiry in the future, got %v", saved[0].expiresAt)
	}

	// The very next call without an inbound session resumes the captured one.
	second := svc.Proxy(context.Background(), crm.ActionDeals, "browser-1", "", url.Values{}, nil)
	if second.SessionID != "sess_new" {
		t.Fatalf("expected resumed session, got %q", second.SessionID)
	}
	hits := stub.requests()
	if len(hits) != 2 || hits[1].sessionID != "sess_new" {
		t.Fatalf("expected second call to carry captured session, got %v", hits)
	}
}

func TestProxyExplicitSessionWinsOverLink(t *testing.T) {
	stub, server := newBackendStub(map[string]stubResponse{
		"/api/deals": {status: http.StatusOK, payload: `{"deals":[]}`},
	})
	defer server.Close()
	svc, sessions, _ := newTestService(t, server.URL)
	sessions.links["browser-1"] = "sess_stored"

	svc.Proxy(context.Background(), crm.ActionDeals, "browser-1", "sess_explicit", url.Values{}, nil)

	hits := stub.requests()
	if len(hits) != 1 || hits[0].sessionID != "sess_explicit" {
		t.Fatalf("expected explicit session forwarded, got %v", hits)
	}
}

func TestSubtreeForAction(t *testing.T) {
	cases := []struct {
		action  string
		subtree state.Subtree
		tracked bool
	}{
		{crm.ActionDeals, state.SubtreeDealsByStage, true},
		{crm.ActionDealTimeline, state.SubtreeDealTimeline, true},
		{crm.ActionDealRiskScore, state.SubtreeDealTimeline, true},
		{crm.ActionDealConcerns, state.SubtreeDealTimeline, true},
		{crm.ActionCompanyOverview, state.SubtreePipelineControls, true},
		{crm.ActionPipelineSummary, state.SubtreePipelineControls, true},
		{crm.ActionChat, "", false},
		{crm.ActionDealInsights, "", false},
	}
	for _, tc := range cases {
		sub, tracked := subtreeForAction(tc.action)
		if sub != tc.subtree || tracked != tc.tracked {
			t.Fatalf("subtreeForAction(%q) = (%q, %v), want (%q, %v)", tc.action, sub, tracked, tc.subtree, tc.tracked)
		}
	}
}

func TestFetchDashboardCommitsDealsSubtree(t *testing.T) {
	payload := `{"deals_by_stage":{"Discovery":[{"id":"d1","name":"Acme Renewal","stage":"Discovery"}],"Negotiation":[{"id":"d2","name":"Initech Upgrade","stage":"Negotiation"}]}}`
	_, server := newBackendStub(map[string]stubResponse{
		"/api/deals": {status: http.StatusOK, payload: payload},
	})
	defer server.Close()
	svc, _, _ := newTestService(t, server.URL)

	query := url.Values{}
	query.Set("stage", "Negotiation")
	result := svc.FetchDashboard(context.Background(), crm.ActionDeals, "browser-1", "", query)
	if result.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %v", result.Status, result.Envelope.Error)
	}

	tree := svc.StateTree(context.Background(), "browser-1")
	if tree.DealsByStage.Loading {
		t.Fatalf("expected loading cleared after commit")
	}
	if string(tree.DealsByStage.DealsByStage) != payload {
		t.Fatalf("expected payload committed, got %s", tree.DealsByStage.DealsByStage)
	}
	if tree.DealsByStage.SelectedStage != "Negotiation" {
		t.Fatalf("expected selected stage mirrored, got %q", tree.DealsByStage.SelectedStage)
	}
	wantStages := []string{"Discovery", "Negotiation"}
	if len(tree.DealsByStage.AvailableStages) != 2 ||
		tree.DealsByStage.AvailableStages[0] != wantStages[0] ||
		tree.DealsByStage.AvailableStages[1] != wantStages[1] {
		t.Fatalf("expected stages %v, got %v", wantStages, tree.DealsByStage.AvailableStages)
	}
	if tree.DealsByStage.LastFetched == 0 {
		t.Fatalf("expected lastFetched set")
	}
	if tree.DealsByStage.Error != "" {
		t.Fatalf("expected no error, got %q", tree.DealsByStage.Error)
	}
}

func TestFetchDashboardErrorKeepsLastPayload(t *testing.T) {
	stub, server := newBackendStub(map[string]stubResponse{
		"/api/pipeline/summary": {status: http.StatusOK, payload: `{"total_value":100}`},
	})
	defer server.Close()
	svc, _, _ := newTestService(t, server.URL)

	first := svc.FetchDashboard(context.Background(), crm.ActionPipelineSummary, "browser-1", "", url.Values{})
	if first.Status != http.StatusOK {
		t.Fatalf("expected first fetch to succeed, got %d", first.Status)
	}

	stub.setRoute("/api/pipeline/summary", stubResponse{status: http.StatusServiceUnavailable, payload: `{"detail":"CRM warming up"}`})

	second := svc.FetchDashboard(context.Background(), crm.ActionPipelineSummary, "browser-1", "", url.Values{})
	if second.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected backend status surfaced, got %d", second.Status)
	}

	tree := svc.StateTree(context.Background(), "browser-1")
	if string(tree.PipelineControls.Summary) != `{"total_value":100}` {
		t.Fatalf("expected stale payload kept, got %s", tree.PipelineControls.Summary)
	}
	if !strings.Contains(tree.PipelineControls.Error, "CRM warming up") {
		t.Fatalf("expected error recorded, got %q", tree.PipelineControls.Error)
	}
	if tree.PipelineControls.Loading {
		t.Fatalf("expected loading cleared after failed fetch")
	}
}

func TestFetchDashboardWithoutBrowserSkipsTree(t *testing.T) {
	_, server := newBackendStub(map[string]stubResponse{})
	defer server.Close()
	svc, _, _ := newTestService(t, server.URL)

	result := svc.FetchDashboard(context.Background(), crm.ActionDeals, "", "", url.Values{})
	if result.Status != http.StatusBadRequest {
		t.Fatalf("expected input error status 400, got %d", result.Status)
	}
}

func TestSearchDealsScansCachedTree(t *testing.T) {
	svc, _, _ := newTestService(t, "")

	payload := json.RawMessage(`{"deals":[{"id":"d1","name":"Acme Renewal","company":"Acme","stage":"Discovery"}]}`)
	if err := svc.StateUpdate(context.Background(), "browser-1", "dealsByStage.dealsByStage", payload); err != nil {
		t.Fatalf("seed tree: %v", err)
	}

	resp := svc.SearchDeals(context.Background(), "browser-1", search.Query{Text: "acme"})
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("expected one hit, got total=%d results=%d", resp.Total, len(resp.Results))
	}
	if resp.Results[0].Source != "cache" {
		t.Fatalf("expected cache source, got %q", resp.Results[0].Source)
	}
}

func TestExportReportRendersCSVFromProxy(t *testing.T) {
	_, server := newBackendStub(map[string]stubResponse{
		"/api/pipeline/summary": {status: http.StatusOK, payload: `{"total_value":250000,"deal_count":3}`},
		"/api/deals":            {status: http.StatusOK, payload: `{"deals_by_stage":{"Negotiation":[{"name":"Initech Upgrade","company":"Initech","amount":50000}]}}`},
	})
	defer server.Close()
	svc, _, _ := newTestService(t, server.URL)

	result, err := svc.ExportReport(context.Background(), "browser-1", "", export.Request{Format: export.FormatCSV, Timeframe: "this_quarter"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Filename != "pipeline-report-this_quarter.csv" {
		t.Fatalf("unexpected filename %q", result.Filename)
	}
	body := string(result.Data)
	if !strings.Contains(body, "Initech Upgrade") || !strings.Contains(body, "Negotiation") {
		t.Fatalf("expected deal row in csv, got %q", body)
	}
}

func TestExportReportSurfacesBackendFailure(t *testing.T) {
	_, server := newBackendStub(map[string]stubResponse{})
	defer server.Close()
	svc, _, _ := newTestService(t, server.URL)

	_, err := svc.ExportReport(context.Background(), "browser-1", "", export.Request{Format: export.FormatCSV})
	if !errors.Is(err, export.ErrReportUnavailable) {
		t.Fatalf("expected ErrReportUnavailable, got %v", err)
	}
}
