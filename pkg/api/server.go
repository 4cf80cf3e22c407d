package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/quotelabs/rfqsettle/params"
	"github.com/quotelabs/rfqsettle/pkg/crypto"
	"github.com/quotelabs/rfqsettle/pkg/rfq"
)

// Server handles REST API and WebSocket connections
type Server struct {
	engine *rfq.Engine
	cfg    params.Config
	router *mux.Router
	hub    *Hub // WebSocket hub
}

// NewServer creates a new API server and wires the engine's fill/cancel
// hooks into the WebSocket hub.
func NewServer(engine *rfq.Engine, cfg params.Config) *Server {
	s := &Server{
		engine: engine,
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}

	engine.OnFill = s.hub.PublishFill
	engine.OnCancel = s.hub.PublishCancel

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Settlement endpoints
	api.HandleFunc("/fills", s.handleSubmitFill).Methods("POST")
	api.HandleFunc("/cancels", s.handleSubmitCancel).Methods("POST")

	// Status endpoints
	api.HandleFunc("/domain", s.handleGetDomain).Methods("GET")
	api.HandleFunc("/makers/{address}/invalidator/{slot}", s.handleGetInvalidatorSlot).Methods("GET")
	api.HandleFunc("/makers/{address}/orders/{id}/used", s.handleGetOrderUsed).Methods("GET")
	api.HandleFunc("/makers/{address}/stats", s.handleGetMakerStats).Methods("GET")
	api.HandleFunc("/balances/{asset}/{address}", s.handleGetBalance).Methods("GET")

	// Dev faucet, disabled unless configured on
	if s.cfg.Node.EnableFaucet {
		api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	// CORS configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitFill(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	sub, err := rfq.DeserializeSubmission(bodyBytes)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission", err.Error())
		return
	}
	if sub.Type != rfq.SubmissionTypeFill {
		respondError(w, http.StatusBadRequest, "invalid submission type", "expected type=fill")
		return
	}

	req, dest, err := sub.Fill.ToFillRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid fill payload", err.Error())
		return
	}

	realizedMaker, realizedTaker, orderHash, err := s.engine.FillTo(req, dest)
	if err != nil {
		respondSettlementError(w, err)
		return
	}

	log.Printf("[api] fill settled: order=%s maker=%s taker=%s",
		sub.Fill.Order.ID, sub.Fill.Order.Maker, sub.Fill.Taker)

	respondJSON(w, FillResponse{
		Status:              "settled",
		OrderID:             sub.Fill.Order.ID,
		OrderHash:           hexutil.Encode(orderHash),
		RealizedMakerAmount: realizedMaker.String(),
		RealizedTakerAmount: realizedTaker.String(),
	})
}

func (s *Server) handleSubmitCancel(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	sub, err := rfq.DeserializeSubmission(bodyBytes)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission", err.Error())
		return
	}
	if sub.Type != rfq.SubmissionTypeCancel {
		respondError(w, http.StatusBadRequest, "invalid submission type", "expected type=cancel")
		return
	}

	orderID, ok := new(big.Int).SetString(sub.Cancel.ID, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid order id", sub.Cancel.ID)
		return
	}
	sig, err := hexutil.Decode(sub.Cancel.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature", err.Error())
		return
	}

	maker, ok := parseAddress(sub.Cancel.Maker)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid maker address", sub.Cancel.Maker)
		return
	}
	if err := s.engine.CancelWithSignature(maker, orderID, sig); err != nil {
		respondSettlementError(w, err)
		return
	}

	log.Printf("[api] cancel processed: order=%s maker=%s", sub.Cancel.ID, sub.Cancel.Maker)

	respondJSON(w, CancelResponse{
		Status:  "cancelled",
		OrderID: sub.Cancel.ID,
	})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	sep, err := s.engine.DomainSeparator()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute domain separator", err.Error())
		return
	}

	respondJSON(w, DomainInfo{
		Name:              s.cfg.Domain.Name,
		Version:           s.cfg.Domain.Version,
		ChainID:           s.cfg.Domain.ChainID,
		VerifyingContract: s.cfg.Domain.VerifyingContract,
		Separator:         hexutil.Encode(sep),
	})
}

func (s *Server) handleGetInvalidatorSlot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addressStr := vars["address"]

	maker, ok := parseAddress(addressStr)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", addressStr)
		return
	}
	slot, err := strconv.ParseUint(vars["slot"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid slot", err.Error())
		return
	}

	word, err := s.engine.InvalidatorSlot(maker, slot)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read invalidator", err.Error())
		return
	}

	respondJSON(w, InvalidatorSlotInfo{
		Maker: maker.Hex(),
		Slot:  slot,
		Word:  hexutil.EncodeBig(word),
	})
}

func (s *Server) handleGetOrderUsed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addressStr := vars["address"]

	maker, ok := parseAddress(addressStr)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", addressStr)
		return
	}
	orderID, ok := new(big.Int).SetString(vars["id"], 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid order id", vars["id"])
		return
	}

	used, err := s.engine.IsOrderUsed(maker, orderID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read invalidator", err.Error())
		return
	}

	respondJSON(w, OrderUsedInfo{
		Maker:   maker.Hex(),
		OrderID: orderID.String(),
		Used:    used,
	})
}

func (s *Server) handleGetMakerStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addressStr := vars["address"]

	maker, ok := parseAddress(addressStr)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", addressStr)
		return
	}

	stats := s.engine.MakerStats(maker)

	respondJSON(w, MakerStatsInfo{
		Maker:   maker.Hex(),
		Fills:   stats.Fills,
		Cancels: stats.Cancels,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	assetStr := vars["asset"]
	addressStr := vars["address"]

	addr, ok := parseAddress(addressStr)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", addressStr)
		return
	}
	led := s.engine.Ledger()

	if assetStr == "native" {
		respondJSON(w, BalanceInfo{
			Asset:   "native",
			Address: addr.Hex(),
			Balance: led.NativeBalanceOf(addr).String(),
		})
		return
	}

	asset, ok := parseAddress(assetStr)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid asset", assetStr)
		return
	}
	if !led.IsRegistered(asset) {
		respondError(w, http.StatusNotFound, "asset not registered", asset.Hex())
		return
	}

	respondJSON(w, BalanceInfo{
		Asset:   asset.Hex(),
		Symbol:  led.Symbol(asset),
		Address: addr.Hex(),
		Balance: led.BalanceOf(asset, addr).String(),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	addr, ok := parseAddress(req.Address)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}

	led := s.engine.Ledger()

	var err error
	if req.Asset == "native" {
		err = led.MintNative(addr, amount)
	} else if asset, ok := parseAddress(req.Asset); ok {
		// Dev convenience: the faucet registers assets it has not seen
		if !led.IsRegistered(asset) {
			if err := led.RegisterAsset(asset, "DEV"); err != nil {
				respondError(w, http.StatusInternalServerError, "register failed", err.Error())
				return
			}
		}
		err = led.Mint(asset, addr, amount)
	} else {
		respondError(w, http.StatusBadRequest, "invalid asset", req.Asset)
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "mint failed", err.Error())
		return
	}

	log.Printf("[api] faucet mint: asset=%s addr=%s amount=%s", req.Asset, req.Address, req.Amount)
	respondJSON(w, map[string]string{"status": "minted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// parseAddress accepts a 0x hex address, rejecting mixed-case input whose
// casing fails the EIP-55 checksum.
func parseAddress(s string) (common.Address, bool) {
	if !crypto.ValidAddressChecksum(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
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

// respondSettlementError maps engine sentinels onto HTTP statuses: replay
// conflicts are 409, everything else the engine rejects is 400.
func respondSettlementError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, rfq.ErrAlreadyInvalidated),
		errors.Is(err, rfq.ErrAlreadyCancelledOrUsed):
		status = http.StatusConflict
	case errors.Is(err, rfq.ErrReentrantCall):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, "settlement rejected", err.Error())
}
