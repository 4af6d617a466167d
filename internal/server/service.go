package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"ConsolLedger/internal/core"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the full gRPC name of the ledger service.
const ServiceName = "consolledger.v1.Ledger"

type SubmitCommandRequest struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

// SubmitCommandResponse reports the applied command. Applied is false for a
// duplicate or a stale feed update, which change nothing.
type SubmitCommandResponse struct {
	Applied   bool            `json:"applied"`
	Sequence  int64           `json:"sequence,omitempty"`
	StateHash string          `json:"state_hash,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type GetPositionRequest struct {
	PositionID string `json:"position_id"`
}

type ListTriggerQueueRequest struct {
	Class string `json:"class"`
}

type QueueRequest struct {
	Queue string `json:"queue"`
}

type GetBalanceRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

type ListPositionsByOwnerRequest struct {
	Owner string `json:"owner"`
}

type ListPositionsByOwnerResponse struct {
	Positions    []query.PositionSummary `json:"positions"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

type ListJournalsRequest struct {
	Account        string `json:"account"` // path prefix, e.g. "user:<id>:"
	Limit          int    `json:"limit"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type VerifyIntegrityRequest struct{}

// Submitter applies commands named by their wire type.
type Submitter interface {
	Submit(ctx context.Context, eventType string, data []byte) (*event.EventEnvelope, error)
}

// Querier answers reads. *query.QueryService implements it.
type Querier interface {
	GetPosition(ctx context.Context, id uuid.UUID) (*query.PositionResponse, error)
	ListTriggerQueue(ctx context.Context, class string) (*query.TriggerQueueResponse, error)
	ListRequests(ctx context.Context, queue string) (*query.RequestsResponse, error)
	IsBlocked(ctx context.Context, queue string) (*query.BlockedResponse, error)
	GetBalance(ctx context.Context, account uuid.UUID, asset string) (*query.BalanceResponse, error)
	GetPositionsByOwner(ctx context.Context, owner uuid.UUID) ([]query.PositionSummary, int64, error)
	GetJournalHistory(ctx context.Context, accountPrefix string, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// LedgerServer is the server API of consolledger.v1.Ledger.
type LedgerServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitCommandResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionResponse, error)
	ListTriggerQueue(context.Context, *ListTriggerQueueRequest) (*query.TriggerQueueResponse, error)
	ListRequests(context.Context, *QueueRequest) (*query.RequestsResponse, error)
	IsBlocked(context.Context, *QueueRequest) (*query.BlockedResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*query.BalanceResponse, error)
	ListPositionsByOwner(context.Context, *ListPositionsByOwnerRequest) (*ListPositionsByOwnerResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", LedgerServer.SubmitCommand),
		unary("GetPosition", LedgerServer.GetPosition),
		unary("ListTriggerQueue", LedgerServer.ListTriggerQueue),
		unary("ListRequests", LedgerServer.ListRequests),
		unary("IsBlocked", LedgerServer.IsBlocked),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("ListPositionsByOwner", LedgerServer.ListPositionsByOwner),
		unary("ListJournals", LedgerServer.ListJournals),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

// unary builds the method descriptor of one request/response call.
func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

// ============================================================================
// Ledger service implementation
// ============================================================================

type ledgerService struct {
	submit Submitter
	qs     Querier
}

// NewLedgerService binds the service to its collaborators.
func NewLedgerService(submit Submitter, qs Querier) LedgerServer {
	return &ledgerService{submit: submit, qs: qs}
}

func (s *ledgerService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	if req.Type == "" || len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "type and command are required")
	}
	env, err := s.submit.Submit(ctx, req.Type, req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	if env == nil {
		return &SubmitCommandResponse{Applied: false}, nil
	}
	return &SubmitCommandResponse{
		Applied:   true,
		Sequence:  env.Sequence,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		Result:    env.Result,
	}, nil
}

func (s *ledgerService) GetPosition(ctx context.Context, req *GetPositionRequest) (*query.PositionResponse, error) {
	id, err := parseUUID("position_id", req.PositionID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetPosition(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) ListTriggerQueue(ctx context.Context, req *ListTriggerQueueRequest) (*query.TriggerQueueResponse, error) {
	if req.Class == "" {
		return nil, status.Error(codes.InvalidArgument, "class is required")
	}
	resp, err := s.qs.ListTriggerQueue(ctx, req.Class)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) ListRequests(ctx context.Context, req *QueueRequest) (*query.RequestsResponse, error) {
	if req.Queue == "" {
		return nil, status.Error(codes.InvalidArgument, "queue is required")
	}
	resp, err := s.qs.ListRequests(ctx, req.Queue)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) IsBlocked(ctx context.Context, req *QueueRequest) (*query.BlockedResponse, error) {
	if req.Queue == "" {
		return nil, status.Error(codes.InvalidArgument, "queue is required")
	}
	resp, err := s.qs.IsBlocked(ctx, req.Queue)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error) {
	account, err := parseUUID("account", req.Account)
	if err != nil {
		return nil, err
	}
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	resp, err := s.qs.GetBalance(ctx, account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) ListPositionsByOwner(ctx context.Context, req *ListPositionsByOwnerRequest) (*ListPositionsByOwnerResponse, error) {
	owner, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	positions, asOf, err := s.qs.GetPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	if positions == nil {
		positions = []query.PositionSummary{}
	}
	return &ListPositionsByOwnerResponse{Positions: positions, AsOfSequence: asOf}, nil
}

func (s *ledgerService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	journals, err := s.qs.GetJournalHistory(ctx, req.Account, limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	if journals == nil {
		journals = []query.JournalHistoryEntry{}
	}
	return &ListJournalsResponse{Journals: journals}, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// toStatus maps a ledger error to its gRPC status.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var code codes.Code
	switch core.Classify(err) {
	case core.ReasonInvalid:
		code = codes.InvalidArgument
	case core.ReasonPrecondition:
		code = codes.FailedPrecondition
	case core.ReasonUnauthorized:
		code = codes.PermissionDenied
	case core.ReasonNotFound:
		code = codes.NotFound
	case core.ReasonBusy:
		code = codes.Unavailable
	case core.ReasonSequence:
		code = codes.Aborted
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid %s: %v", field, err))
	}
	return id, nil
}
