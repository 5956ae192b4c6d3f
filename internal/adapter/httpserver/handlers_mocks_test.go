package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pscheid92/livepoll/internal/app"
	"github.com/pscheid92/livepoll/internal/broadcast"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/pscheid92/livepoll/internal/platform/config"
	apperrors "github.com/pscheid92/livepoll/internal/platform/errors"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "admin-secret-123"

// --- Mock implementations ---

type mockPolls struct {
	getFn func(ctx context.Context) (*domain.Poll, error)
}

func (m *mockPolls) Get(ctx context.Context) (*domain.Poll, error) {
	if m.getFn != nil {
		return m.getFn(ctx)
	}
	return nil, nil
}

type mockVotes struct {
	castVoteFn    func(ctx context.Context, req app.CastVoteRequest) (*app.VoteReceipt, error)
	voterStatusFn func(ctx context.Context, deviceID string, memo app.VoteMemo) (app.VoterView, error)
}

func (m *mockVotes) CastVote(ctx context.Context, req app.CastVoteRequest) (*app.VoteReceipt, error) {
	if m.castVoteFn != nil {
		return m.castVoteFn(ctx, req)
	}
	return &app.VoteReceipt{PollCreatedAt: 1, OptionIndex: req.OptionIndex}, nil
}

func (m *mockVotes) VoterStatus(ctx context.Context, deviceID string, memo app.VoteMemo) (app.VoterView, error) {
	if m.voterStatusFn != nil {
		return m.voterStatusFn(ctx, deviceID, memo)
	}
	return app.VoterView{}, nil
}

type mockAdmin struct {
	createPollFn        func(ctx context.Context, question string, optionTexts []string, showResults bool) (*domain.Poll, error)
	setActiveFn         func(ctx context.Context, active bool) (*domain.Poll, error)
	setShowResultsFn    func(ctx context.Context, visible bool) (*domain.Poll, error)
	toggleActiveFn      func(ctx context.Context) (*domain.Poll, error)
	toggleShowResultsFn func(ctx context.Context) (*domain.Poll, error)
	resetVotesFn        func(ctx context.Context) (*domain.Poll, error)
	deletePollFn        func(ctx context.Context) error
	resultsFn           func(ctx context.Context) (*domain.Results, error)
}

func (m *mockAdmin) Authorize(secret string) error {
	if secret != testAdminSecret {
		return domain.ErrUnauthorized
	}
	return nil
}

func (m *mockAdmin) CreatePoll(ctx context.Context, question string, optionTexts []string, showResults bool) (*domain.Poll, error) {
	if m.createPollFn != nil {
		return m.createPollFn(ctx, question, optionTexts, showResults)
	}
	return domain.NewPoll(question, optionTexts, showResults, 1)
}

func (m *mockAdmin) SetActive(ctx context.Context, active bool) (*domain.Poll, error) {
	if m.setActiveFn != nil {
		return m.setActiveFn(ctx, active)
	}
	return nil, domain.ErrNoActivePoll
}

func (m *mockAdmin) SetShowResults(ctx context.Context, visible bool) (*domain.Poll, error) {
	if m.setShowResultsFn != nil {
		return m.setShowResultsFn(ctx, visible)
	}
	return nil, domain.ErrNoActivePoll
}

func (m *mockAdmin) ToggleActive(ctx context.Context) (*domain.Poll, error) {
	if m.toggleActiveFn != nil {
		return m.toggleActiveFn(ctx)
	}
	return nil, domain.ErrNoActivePoll
}

func (m *mockAdmin) ToggleShowResults(ctx context.Context) (*domain.Poll, error) {
	if m.toggleShowResultsFn != nil {
		return m.toggleShowResultsFn(ctx)
	}
	return nil, domain.ErrNoActivePoll
}

func (m *mockAdmin) ResetVotes(ctx context.Context) (*domain.Poll, error) {
	if m.resetVotesFn != nil {
		return m.resetVotesFn(ctx)
	}
	return nil, domain.ErrNoActivePoll
}

func (m *mockAdmin) DeletePoll(ctx context.Context) error {
	if m.deletePollFn != nil {
		return m.deletePollFn(ctx)
	}
	return nil
}

func (m *mockAdmin) Results(ctx context.Context) (*domain.Results, error) {
	if m.resultsFn != nil {
		return m.resultsFn(ctx)
	}
	return nil, domain.ErrNoActivePoll
}

type mockHub struct{}

func (mockHub) Attach(broadcast.Viewer) (broadcast.Handle, error) { return broadcast.Handle{}, broadcast.ErrHubStopped }
func (mockHub) Detach(broadcast.Handle)                           {}

// --- Test helpers ---

type testDeps struct {
	polls *mockPolls
	votes *mockVotes
	admin *mockAdmin
	hub   viewerHub
	cfg   *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:        "test",
		Port:          "0",
		AdminSecret:   testAdminSecret,
		SessionSecret: "test-secret-key-32-bytes-long!!!",
		VoteRateLimit: 100,
		VoteRateBurst: 100,
		SessionMaxAge: time.Hour,
	}
}

func newTestDeps() *testDeps {
	return &testDeps{
		polls: &mockPolls{},
		votes: &mockVotes{},
		admin: &mockAdmin{},
		hub:   mockHub{},
		cfg:   testConfig(),
	}
}

func newTestServer(t *testing.T, deps *testDeps, opts ...Option) *Server {
	t.Helper()
	return NewServer(deps.cfg, deps.polls, deps.votes, deps.admin, deps.hub, opts...)
}

// serve runs req through the full middleware chain.
func serve(srv *Server, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

// cookieNamed returns the named cookie set by rec, if any.
func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func testPoll(t *testing.T) *domain.Poll {
	t.Helper()
	p, err := domain.NewPoll("Tabs or spaces?", []string{"Tabs", "Spaces"}, true, 42)
	require.NoError(t, err)
	return p
}
