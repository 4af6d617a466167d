package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/query"
	"ConsolLedger/internal/server"
	"ConsolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSubmitter struct {
	env      *event.EventEnvelope
	err      error
	lastType string
	lastBody []byte
}

func (f *fakeSubmitter) Submit(_ context.Context, eventType string, data []byte) (*event.EventEnvelope, error) {
	f.lastType, f.lastBody = eventType, data
	return f.env, f.err
}

type fakeQuerier struct {
	positionID uuid.UUID
}

func (f *fakeQuerier) GetPosition(_ context.Context, id uuid.UUID) (*query.PositionResponse, error) {
	if id != f.positionID {
		return nil, fmt.Errorf("lookup: %w", state.ErrPositionNotFound)
	}
	return &query.PositionResponse{ID: id, Status: "Active", CollateralClass: "BTC", AsOfSequence: 9}, nil
}

func (f *fakeQuerier) ListTriggerQueue(_ context.Context, class string) (*query.TriggerQueueResponse, error) {
	return &query.TriggerQueueResponse{Class: class, Entries: []query.TriggerEntry{{PositionID: f.positionID}}}, nil
}

func (f *fakeQuerier) ListRequests(_ context.Context, queue string) (*query.RequestsResponse, error) {
	return &query.RequestsResponse{Queue: queue, Requests: []query.RequestEntry{}}, nil
}

func (f *fakeQuerier) IsBlocked(_ context.Context, queue string) (*query.BlockedResponse, error) {
	return &query.BlockedResponse{Queue: queue, Blocked: true}, nil
}

func (f *fakeQuerier) GetBalance(_ context.Context, account uuid.UUID, asset string) (*query.BalanceResponse, error) {
	return &query.BalanceResponse{Account: account, Balance: query.Amount{Units: 5, Value: "0.000005", Asset: asset}}, nil
}

func (f *fakeQuerier) GetPositionsByOwner(context.Context, uuid.UUID) ([]query.PositionSummary, int64, error) {
	return nil, 3, nil
}

func (f *fakeQuerier) GetJournalHistory(context.Context, string, int, int64) ([]query.JournalHistoryEntry, error) {
	return nil, nil
}

func (f *fakeQuerier) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

type harness struct {
	srv    *server.GRPCServer
	submit *fakeSubmitter
	qs     *fakeQuerier
	health *observability.HealthChecker
	conn   *grpc.ClientConn
	client *server.LedgerClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		submit: &fakeSubmitter{},
		qs:     &fakeQuerier{positionID: uuid.New()},
		health: observability.NewHealthChecker(),
	}
	srv, err := server.NewGRPCServer("", "", &server.ServerDeps{
		Submitter:     h.submit,
		QueryService:  h.qs,
		HealthChecker: h.health,
	})
	require.NoError(t, err)
	h.srv = srv

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	h.conn = conn
	h.client = server.NewLedgerClient(conn)
	return h
}

func TestGRPC_GetPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.client.GetPosition(ctx, &server.GetPositionRequest{PositionID: h.qs.positionID.String()})
	require.NoError(t, err)
	assert.Equal(t, h.qs.positionID, resp.ID)
	assert.Equal(t, int64(9), resp.AsOfSequence)

	_, err = h.client.GetPosition(ctx, &server.GetPositionRequest{PositionID: uuid.NewString()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.GetPosition(ctx, &server.GetPositionRequest{PositionID: "not-a-uuid"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_SubmitCommandMapsOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := &server.SubmitCommandRequest{Type: "period_pay", Command: json.RawMessage(`{"amount":1}`)}

	h.submit.env = &event.EventEnvelope{Sequence: 12, Result: json.RawMessage(`{"index":3}`)}
	resp, err := h.client.SubmitCommand(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Applied)
	assert.Equal(t, int64(12), resp.Sequence)
	assert.JSONEq(t, `{"index":3}`, string(resp.Result))
	assert.Equal(t, "period_pay", h.submit.lastType)
	assert.JSONEq(t, `{"amount":1}`, string(h.submit.lastBody))

	h.submit.env = nil
	resp, err = h.client.SubmitCommand(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Applied)

	for _, tc := range []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("dispatch failed: %w", state.ErrNotActive), codes.FailedPrecondition},
		{fmt.Errorf("dispatch failed: %w", access.ErrUnauthorized), codes.PermissionDenied},
		{fmt.Errorf("dispatch failed: %w", state.ErrPositionNotFound), codes.NotFound},
		{fmt.Errorf("parse: %w", event.ErrInvalidCommand), codes.InvalidArgument},
		{fmt.Errorf("boom"), codes.Internal},
	} {
		h.submit.err = tc.err
		_, err := h.client.SubmitCommand(ctx, req)
		assert.Equal(t, tc.code, status.Code(err), tc.err.Error())
	}

	_, err = h.client.SubmitCommand(ctx, &server.SubmitCommandRequest{Type: "period_pay"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hc := healthpb.NewHealthClient(h.conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.srv.MarkReady()
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	assert.True(t, h.health.IsReady())
}

func TestHTTP_Routes(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	get := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := get("/v1/positions/" + h.qs.positionID.String())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Active", body["status"])

	resp, body = get("/v1/positions/" + uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["code"])

	resp, _ = get("/v1/balances/not-a-uuid/USDC")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	account := uuid.New()
	resp, body = get("/v1/balances/" + account.String() + "/USDC")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.000005", body["balance"].(map[string]any)["value"])

	resp, body = get("/v1/queues/stable/blocked")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["blocked"])

	resp, body = get("/v1/trigger-queues/BTC")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 1)

	resp, body = get("/v1/owners/" + account.String() + "/positions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["as_of_sequence"])

	h.submit.env = &event.EventEnvelope{Sequence: 4}
	post, err := http.Post(ts.URL+"/v1/commands/vault_deposit", "application/json", strings.NewReader(`{"pool":"stable"}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusOK, post.StatusCode)
	assert.Equal(t, "vault_deposit", h.submit.lastType)

	resp, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	h.srv.MarkReady()
	resp, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
