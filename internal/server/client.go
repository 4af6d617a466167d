package server

import (
	"context"

	"ConsolLedger/internal/query"

	"google.golang.org/grpc"
)

// LedgerClient calls consolledger.v1.Ledger with the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *LedgerClient) SubmitCommand(ctx context.Context, in *SubmitCommandRequest, opts ...grpc.CallOption) (*SubmitCommandResponse, error) {
	out := new(SubmitCommandResponse)
	if err := c.invoke(ctx, "SubmitCommand", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetPosition(ctx context.Context, in *GetPositionRequest, opts ...grpc.CallOption) (*query.PositionResponse, error) {
	out := new(query.PositionResponse)
	if err := c.invoke(ctx, "GetPosition", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ListTriggerQueue(ctx context.Context, in *ListTriggerQueueRequest, opts ...grpc.CallOption) (*query.TriggerQueueResponse, error) {
	out := new(query.TriggerQueueResponse)
	if err := c.invoke(ctx, "ListTriggerQueue", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ListRequests(ctx context.Context, in *QueueRequest, opts ...grpc.CallOption) (*query.RequestsResponse, error) {
	out := new(query.RequestsResponse)
	if err := c.invoke(ctx, "ListRequests", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) IsBlocked(ctx context.Context, in *QueueRequest, opts ...grpc.CallOption) (*query.BlockedResponse, error) {
	out := new(query.BlockedResponse)
	if err := c.invoke(ctx, "IsBlocked", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*query.BalanceResponse, error) {
	out := new(query.BalanceResponse)
	if err := c.invoke(ctx, "GetBalance", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
