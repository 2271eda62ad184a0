// Package api exposes the order engine over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limitvault/limitvault/pkg/engine/events"
	"github.com/limitvault/limitvault/pkg/engine/ledger"
	"github.com/limitvault/limitvault/pkg/engine/oracle"
	"github.com/limitvault/limitvault/pkg/engine/order"
	"github.com/limitvault/limitvault/pkg/metrics"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	ledger *ledger.Ledger
	oracle *oracle.Aggregator
	bus    *events.Bus
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	httpSrv *http.Server
}

// NewServer wires the HTTP surface over the engine. bus and registry
// may be nil; the corresponding endpoints degrade gracefully.
func NewServer(l *ledger.Ledger, agg *oracle.Aggregator, bus *events.Bus, registry *prometheus.Registry, logger *zap.SugaredLogger) *Server {
	s := &Server{
		ledger: l,
		oracle: agg,
		bus:    bus,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		log:    logger,
	}
	s.setupRoutes(registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrdersByOwner).Methods("GET")
	api.HandleFunc("/prices/{base}/{quote}", s.handleGetPrice).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if registry != nil {
		s.router.Handle("/metrics", metrics.Handler(registry)).Methods("GET")
	}
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context, addr string) error {
	if s.bus != nil {
		go s.hub.Forward(ctx, s.bus.Subscribe(256))
	}
	go s.hub.Run(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	if s.log != nil {
		s.log.Infow("api_listening", "addr", addr)
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	spec, err := req.ToSpec()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	o, err := s.ledger.CreateOrder(r.Context(), spec)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, SubmitOrderResponse{
		Status:        "created",
		OrderID:       o.ID.Hex(),
		QueuePriority: o.QueuePriority.String(),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, err := parseAddress(req.Owner, "owner")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner", err.Error())
		return
	}
	id := common.HexToHash(req.OrderID)

	if err := s.ledger.CancelOrder(id, owner); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": id.Hex()})
}

// handleListOrders returns active orders ranked by queue priority.
// ?limit=N truncates the list.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = n
	}

	ids := s.ledger.GetOrdersByPriority(limit)
	out := make([]OrderInfo, 0, len(ids))
	for _, id := range ids {
		if o, err := s.ledger.GetOrder(id); err == nil {
			out = append(out, orderInfo(o))
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := common.HexToHash(mux.Vars(r)["id"])
	o, err := s.ledger.GetOrder(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetOrdersByOwner(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"], "address")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	orders := s.ledger.GetOrdersByOwner(addr)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		respondError(w, http.StatusServiceUnavailable, "no oracle configured", "")
		return
	}
	vars := mux.Vars(r)
	base, quote := vars["base"], vars["quote"]

	price, err := s.oracle.GetPrice(r.Context(), base, quote)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, PriceInfo{
		Base:      base,
		Quote:     quote,
		Price:     price.String(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondEngineError maps engine sentinel errors onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrInvalidOrderSpec),
		errors.Is(err, order.ErrBatchTooLarge),
		errors.Is(err, order.ErrToleranceOutOfRange),
		errors.Is(err, order.ErrUnsupportedChain):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrDuplicateOrder),
		errors.Is(err, order.ErrOrderAlreadyCompleted),
		errors.Is(err, order.ErrOrderExpired):
		status = http.StatusConflict
	case errors.Is(err, order.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, order.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, order.ErrPriceOutOfTolerance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrPriceUnavailable),
		errors.Is(err, order.ErrPaused):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, err.Error(), "")
}
