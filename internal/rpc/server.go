package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/config"
)

const (
	maxRequestBytes = 1 << 20
	// maxBatchSize caps the calls in one HTTP batch; every call may move fees.
	maxBatchSize = 64
)

// Server is the JSON-RPC HTTP and WebSocket server.
type Server struct {
	httpServer *http.Server
	wsServer   *http.Server
	handler    *Handler
	ws         *WSSubscriptionManager
	logger     log.Logger
	cfg        *config.ServerConfig
}

// NewServer creates a new RPC server.
func NewServer(cfg *config.ServerConfig, handler *Handler, ws *WSSubscriptionManager) *Server {
	return &Server{
		handler: handler,
		ws:      ws,
		logger:  log.New("module", "rpc"),
		cfg:     cfg,
	}
}

// Start begins listening for JSON-RPC requests on HTTP and WebSocket.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", s.ws.HandleWS)

	s.wsServer = &http.Server{
		Addr:        s.cfg.WSAddr,
		Handler:     wsMux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("JSON-RPC HTTP server starting", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("JSON-RPC WebSocket server starting", "addr", s.cfg.WSAddr)
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down both servers.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down RPC servers")
	var err1, err2 error
	if s.httpServer != nil {
		err1 = s.httpServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		err2 = s.wsServer.Shutdown(ctx)
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// handleHTTP processes JSON-RPC requests, single or batched.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, nil, -32700, "parse error")
		return
	}
	defer r.Body.Close()

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		s.handleBatch(w, r, body)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, -32700, "parse error")
		return
	}

	resp := s.handler.Handle(r.Context(), &req)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleBatch runs the calls of a batch in order. Later calls observe the
// queue as the earlier ones left it.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqs []JSONRPCRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		s.writeError(w, nil, -32700, "parse error")
		return
	}
	if len(reqs) == 0 {
		s.writeError(w, nil, -32600, "empty batch")
		return
	}
	if len(reqs) > maxBatchSize {
		s.writeError(w, nil, -32600, fmt.Sprintf("batch of %d exceeds %d calls", len(reqs), maxBatchSize))
		return
	}
	if s.handler.metrics != nil {
		s.handler.metrics.RPCBatches.Add(1)
	}

	resps := make([]*JSONRPCResponse, len(reqs))
	for i := range reqs {
		resps[i] = s.handler.Handle(r.Context(), &reqs[i])
	}
	s.logger.Debug("RPC batch served", "calls", len(reqs), "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resps)
}

// handleHealth reports the queue's shape and whether its heap invariant
// holds. A broken heap answers 503 so that orchestrators take the node out.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	q := s.handler.queue
	health := &HealthResult{
		Status:       "ok",
		Service:      "inso-govqueue",
		Scope:        q.ScopeID(),
		Queued:       q.Len(),
		Active:       q.ActiveCount(),
		MinFee:       hexutil.Uint64(q.MinFee()),
		Reservations: s.handler.registry.Len(),
	}
	if s.ws != nil {
		health.Subscribers = s.ws.SubscriberCount()
	}
	if s.handler.indexer != nil {
		if seq, ok := s.handler.indexer.LatestSeq(); ok {
			health.LatestEvent = &seq
		}
	}

	code := http.StatusOK
	if err := q.Verify(); err != nil {
		health.Status = "degraded"
		health.Error = err.Error()
		code = http.StatusServiceUnavailable
		s.logger.Error("Health check failed", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// handleStatus serves gov_queueStatus over plain GET for dashboards.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.handler.queueStatus())
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	resp := &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	json.NewEncoder(w).Encode(resp)
}
