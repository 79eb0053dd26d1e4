// Package app wires the HTTP surface to the identity gate, the session
// store, the CRM backend proxy, and the per-browser dashboard state.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealdesk/gateway/internal/auth"
	"dealdesk/gateway/internal/config"
	"dealdesk/gateway/internal/crm"
	"dealdesk/gateway/internal/export"
	"dealdesk/gateway/internal/identity"
	"dealdesk/gateway/internal/search"
	"dealdesk/gateway/internal/state"
	"dealdesk/gateway/internal/store"
	"dealdesk/gateway/internal/util"
)

// Session is an issued access/refresh pair. The access token is a signed
// claim set; the refresh token is opaque and stored hashed.
type Session struct {
	Token        string
	RefreshToken string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// SignInResult carries the issued session plus the post-login destination.
type SignInResult struct {
	Session    Session
	RedirectTo string
}

// ProxyResult is one backend call's outcome: the response envelope, the
// HTTP status it maps to, and the CRM session identifier to echo back.
type ProxyResult struct {
	Envelope  crm.Envelope
	Status    int
	SessionID string
}

type accountStore interface {
	EnsureAccountByEmail(ctx context.Context, email string) (store.Account, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, email string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	SaveSessionLink(ctx context.Context, browserID, sessionID string, expiresAt time.Time) error
	LookupSessionLink(ctx context.Context, browserID string) (string, error)
	DeleteSessionLink(ctx context.Context, browserID string) error
	Ping(ctx context.Context) error
}

type backendClient interface {
	Do(ctx context.Context, req crm.Request) (crm.Result, error)
}

// Service implements the gateway's operations over narrow store interfaces
// so tests can swap fakes in.
type Service struct {
	cfg      config.Config
	gate     *identity.Gate
	accounts accountStore
	sessions sessionStore
	backend  backendClient
	states   *state.Manager
	search   *search.Service
	exports  *export.Service
}

func New(cfg config.Config, gate *identity.Gate, accounts accountStore, sessions sessionStore, backend backendClient, states *state.Manager, searchSvc *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		gate:     gate,
		accounts: accounts,
		sessions: sessions,
		backend:  backend,
		states:   states,
		search:   searchSvc,
		exports:  export.NewService(),
	}
}

// SignIn authorizes an identity-provider callback and mints a session for
// the resolved email. Identity failures come back as the gate's sentinel
// errors so the handler can redirect instead of answering JSON.
func (s *Service) SignIn(ctx context.Context, primaryEmail, profileEmail, redirect string) (SignInResult, error) {
	email, err := s.gate.Authorize(primaryEmail, profileEmail)
	if err != nil {
		return SignInResult{}, err
	}
	if _, err := s.accounts.EnsureAccountByEmail(ctx, email); err != nil {
		log.Printf("app: ensure account: %v", err)
		return SignInResult{}, domainError(http.StatusInternalServerError, "SIGNIN_FAILED", "Could not record sign-in", nil)
	}
	session, err := s.issueSession(ctx, email)
	if err != nil {
		return SignInResult{}, err
	}
	return SignInResult{
		Session:    session,
		RedirectTo: s.gate.ResolveRedirect(redirect),
	}, nil
}

// RejectionRedirect maps an identity error to the app-origin error URL.
func (s *Service) RejectionRedirect(err error) string {
	return s.gate.RejectionRedirect(err)
}

// Refresh rotates a refresh token: the presented token is revoked before a
// new pair is issued, so each refresh token works exactly once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	email, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, email)
}

func (s *Service) issueSession(ctx context.Context, email string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub: email,
		JTI: jti,
		Exp: expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), email, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		Email:        email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and rejects revoked JTIs.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		Email:     claims.Sub,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes both halves of the session. Revocation failures are logged
// and swallowed; logout never fails from the client's point of view.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("app: revoke access token: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("app: revoke refresh session: %v", err)
		}
	}
}

// Proxy forwards one action to the CRM backend, filling a missing CRM
// session identifier from the browser's stored link and capturing any new
// identifier the backend hands back. The outcome is always an envelope;
// call errors become the envelope's error string.
func (s *Service) Proxy(ctx context.Context, action, browserID, sessionID string, query url.Values, body []byte) ProxyResult {
	browserID = strings.TrimSpace(browserID)
	outbound := strings.TrimSpace(sessionID)

	if browserID != "" && outbound == "" {
		linked, err := s.sessions.LookupSessionLink(ctx, browserID)
		if err != nil {
			log.Printf("app: lookup session link: %v", err)
		} else if linked != "" {
			outbound = linked
		}
	}

	result, callErr := s.backend.Do(ctx, crm.Request{
		Action:    action,
		Query:     query,
		Body:      body,
		BrowserID: browserID,
		SessionID: outbound,
	})

	echo := outbound
	if result.SessionID != "" {
		echo = result.SessionID
		if browserID != "" && result.SessionID != outbound {
			expiresAt := time.Now().Add(s.cfg.SessionLinkTTL)
			if err := s.sessions.SaveSessionLink(ctx, browserID, result.SessionID, expiresAt); err != nil {
				log.Printf("app: save session link: %v", err)
			}
		}
	}

	envelope, status := crm.NewEnvelope(result, callErr, echo)
	return ProxyResult{Envelope: envelope, Status: status, SessionID: echo}
}

// subtreeForAction maps dashboard read actions to the state subtree they
// feed. Actions outside the map pass through without touching the tree.
func subtreeForAction(action string) (state.Subtree, bool) {
	switch action {
	case crm.ActionDeals:
		return state.SubtreeDealsByStage, true
	case crm.ActionDealTimeline, crm.ActionDealRiskScore, crm.ActionDealConcerns:
		return state.SubtreeDealTimeline, true
	case crm.ActionCompanyOverview, crm.ActionPipelineSummary:
		return state.SubtreePipelineControls, true
	}
	return "", false
}

// FetchDashboard proxies a dashboard read through the subtree's flight slot
// so concurrent fetches resolve last-dispatched-wins. The caller always gets
// this call's own envelope, even when a newer fetch superseded its commit.
func (s *Service) FetchDashboard(ctx context.Context, action, browserID, sessionID string, query url.Values) ProxyResult {
	sub, tracked := subtreeForAction(action)
	if !tracked || strings.TrimSpace(browserID) == "" {
		return s.Proxy(ctx, action, browserID, sessionID, query, nil)
	}

	st := s.states.ForBrowser(ctx, browserID)
	gen, flightCtx := st.BeginFetch(sub)
	result := s.Proxy(flightCtx, action, browserID, sessionID, query, nil)

	if action == crm.ActionDeals && result.Envelope.Error == nil {
		s.search.IndexDeals(search.ExtractDeals(result.Envelope.Data))
	}

	// The commit persists detached from the request: a client disconnect
	// must not keep a landed result out of durable storage.
	committed := st.CommitFetch(context.Background(), sub, gen, func(tree *state.AppState) {
		if result.Envelope.Error != nil {
			applyFetchError(tree, sub, *result.Envelope.Error)
			return
		}
		applyFetched(tree, action, result.Envelope.Data, query)
	})
	if !committed {
		log.Printf("app: %s fetch superseded, result discarded", action)
	}
	return result
}

// applyFetchError records a failed fetch without disturbing the subtree's
// last good payload.
func applyFetchError(tree *state.AppState, sub state.Subtree, message string) {
	now := time.Now().UnixMilli()
	switch sub {
	case state.SubtreeDealTimeline:
		tree.DealTimeline.Error = message
		tree.DealTimeline.LastFetched = now
	case state.SubtreeDealsByStage:
		tree.DealsByStage.Error = message
		tree.DealsByStage.LastFetched = now
	case state.SubtreePipelineControls:
		tree.PipelineControls.Error = message
		tree.PipelineControls.LastFetched = now
	}
}

// applyFetched lands a successful payload in its subtree. Query parameters
// that shaped the fetch (stage, timeframe) are mirrored into the subtree's
// selection fields so a rehydrated tree reflects the last fetch.
func applyFetched(tree *state.AppState, action string, data json.RawMessage, query url.Values) {
	now := time.Now().UnixMilli()
	switch action {
	case crm.ActionDeals:
		tree.DealsByStage.DealsByStage = data
		tree.DealsByStage.Error = ""
		tree.DealsByStage.LastFetched = now
		if stage := strings.TrimSpace(query.Get("stage")); stage != "" {
			tree.DealsByStage.SelectedStage = stage
		}
		if stages := search.Stages(search.ExtractDeals(data)); len(stages) > 0 {
			tree.DealsByStage.AvailableStages = stages
		}
	case crm.ActionDealTimeline:
		tree.DealTimeline.Activities = data
		tree.DealTimeline.Error = ""
		tree.DealTimeline.LastFetched = now
		if timeframe := strings.TrimSpace(query.Get("timeframe")); timeframe != "" {
			tree.DealTimeline.Timeframe = timeframe
		}
	case crm.ActionDealRiskScore:
		tree.DealTimeline.RiskScore = data
		tree.DealTimeline.Error = ""
		tree.DealTimeline.LastFetched = now
	case crm.ActionDealConcerns:
		tree.DealTimeline.Concerns = data
		tree.DealTimeline.Error = ""
		tree.DealTimeline.LastFetched = now
	case crm.ActionCompanyOverview:
		tree.PipelineControls.CompanyOverview = data
		tree.PipelineControls.Error = ""
		tree.PipelineControls.LastFetched = now
	case crm.ActionPipelineSummary:
		tree.PipelineControls.Summary = data
		tree.PipelineControls.Error = ""
		tree.PipelineControls.LastFetched = now
		if timeframe := strings.TrimSpace(query.Get("timeframe")); timeframe != "" {
			tree.PipelineControls.Timeframe = timeframe
		}
	}
}

// StateTree returns a snapshot of the browser's dashboard tree.
func (s *Service) StateTree(ctx context.Context, browserID string) *state.AppState {
	return s.states.ForBrowser(ctx, browserID).Snapshot()
}

// StateUpdate writes one registered path in the browser's tree.
func (s *Service) StateUpdate(ctx context.Context, browserID, path string, value json.RawMessage) error {
	return s.states.ForBrowser(ctx, browserID).Update(ctx, path, value)
}

// StateReset restores the browser's tree to defaults and cancels in-flight
// fetches.
func (s *Service) StateReset(ctx context.Context, browserID string) {
	s.states.ForBrowser(ctx, browserID).Reset(ctx)
}

// SearchDeals answers a deal search against the index, falling back to a
// scan of the browser's cached tree when the index cannot serve.
func (s *Service) SearchDeals(ctx context.Context, browserID string, query search.Query) search.Response {
	var cached *state.AppState
	if strings.TrimSpace(browserID) != "" {
		cached = s.states.ForBrowser(ctx, browserID).Snapshot()
	}
	return s.search.Search(query, cached)
}

// reportFetcher feeds the export renderer through the same proxy path as
// live dashboard calls, so report data carries the browser's CRM session.
type reportFetcher struct {
	svc       *Service
	browserID string
	sessionID string
	timeframe string
}

func (f *reportFetcher) PipelineSummary(ctx context.Context) (json.RawMessage, error) {
	query := url.Values{}
	if f.timeframe != "" {
		query.Set("timeframe", f.timeframe)
	}
	return f.call(ctx, crm.ActionPipelineSummary, query)
}

func (f *reportFetcher) DealsByStage(ctx context.Context) (json.RawMessage, error) {
	return f.call(ctx, crm.ActionDeals, url.Values{})
}

func (f *reportFetcher) call(ctx context.Context, action string, query url.Values) (json.RawMessage, error) {
	result := f.svc.Proxy(ctx, action, f.browserID, f.sessionID, query, nil)
	if result.Envelope.Error != nil {
		return nil, errors.New(*result.Envelope.Error)
	}
	return result.Envelope.Data, nil
}

// ExportReport renders the pipeline report in the requested format.
func (s *Service) ExportReport(ctx context.Context, browserID, sessionID string, req export.Request) (*export.Result, error) {
	fetcher := &reportFetcher{
		svc:       s,
		browserID: strings.TrimSpace(browserID),
		sessionID: strings.TrimSpace(sessionID),
		timeframe: req.Timeframe,
	}
	return s.exports.Export(ctx, fetcher, req)
}

// Ping reports account store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.accounts.Ping(ctx)
}

// PingSessions reports session store connectivity.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}
