package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"ConsolLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway mux. Both surfaces
// call the same LedgerServer.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	ledger        LedgerServer
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	handler       http.Handler
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Submitter     Submitter
	QueryService  Querier
	HealthChecker *observability.HealthChecker
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	grpcServer := grpc.NewServer()
	ledger := NewLedgerService(deps.Submitter, deps.QueryService)
	RegisterLedgerServer(grpcServer, ledger)

	// Serving once recovery is done; see MarkReady.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		ledger:        ledger,
		healthServer:  healthServer,
		healthChecker: deps.HealthChecker,
	}
	handler, err := s.buildHTTPHandler()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// MarkReady flips both the gRPC health service and /readyz to serving.
func (s *GRPCServer) MarkReady() {
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(true)
	}
}

// Handler returns the HTTP handler of the gateway.
func (s *GRPCServer) Handler() http.Handler {
	return s.handler
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// buildHTTPHandler routes the HTTP/JSON surface. Routes call the ledger
// service in process instead of proxying to the gRPC listener.
func (s *GRPCServer) buildHTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{type}", s.handleSubmit},
		{"GET", "/v1/positions/{id}", s.handleGetPosition},
		{"GET", "/v1/trigger-queues/{class}", s.handleTriggerQueue},
		{"GET", "/v1/queues/{name}/requests", s.handleRequests},
		{"GET", "/v1/queues/{name}/blocked", s.handleBlocked},
		{"GET", "/v1/balances/{account}/{asset}", s.handleBalance},
		{"GET", "/v1/owners/{owner}/positions", s.handleOwnerPositions},
		{"GET", "/v1/journals", s.handleJournals},
		{"GET", "/v1/admin/integrity", s.handleIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register route %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) handleSubmit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, status.Error(codes.InvalidArgument, "read body: "+err.Error()))
		return
	}
	resp, err := s.ledger.SubmitCommand(r.Context(), &SubmitCommandRequest{Type: params["type"], Command: body})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleGetPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.GetPosition(r.Context(), &GetPositionRequest{PositionID: params["id"]})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleTriggerQueue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.ListTriggerQueue(r.Context(), &ListTriggerQueueRequest{Class: params["class"]})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleRequests(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.ListRequests(r.Context(), &QueueRequest{Queue: params["name"]})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleBlocked(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.IsBlocked(r.Context(), &QueueRequest{Queue: params["name"]})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.GetBalance(r.Context(), &GetBalanceRequest{Account: params["account"], Asset: params["asset"]})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleOwnerPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.ledger.ListPositionsByOwner(r.Context(), &ListPositionsByOwnerRequest{Owner: params["owner"]})
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleJournals(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := &ListJournalsRequest{Account: q.Get("account")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, status.Error(codes.InvalidArgument, "invalid limit"))
			return
		}
		req.Limit = n
	}
	if v := q.Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Error(codes.InvalidArgument, "invalid before_sequence"))
			return
		}
		req.BeforeSequence = n
	}
	resp, err := s.ledger.ListJournals(r.Context(), req)
	writeResult(w, resp, err)
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.ledger.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	writeResult(w, resp, err)
}

// errorBody is the JSON error shape of the HTTP surface.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
