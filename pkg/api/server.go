// Package api is the gateway: a Binance-spot-compatible REST surface and
// a websocket stream endpoint in front of the replay scheduler. Mutating
// requests go through the scheduler; queries read the engine directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/exchange/market"
	"github.com/uhyunpark/spotsim/pkg/exchange/orderbook"
	"github.com/uhyunpark/spotsim/pkg/replay"
)

const (
	defaultDepthLimit   = 100
	defaultStreamBuffer = 1024
)

// Server handles REST requests and websocket connections for one run
type Server struct {
	log          *zap.SugaredLogger
	sched        *replay.Scheduler
	engine       *exchange.Engine
	markets      *market.Registry
	router       *mux.Router
	hub          *Hub
	http         *http.Server
	streamBuffer int
}

// NewServer wires the gateway over a scheduler and its engine.
// streamBuffer sizes the update subscription feeding the websocket hub;
// zero picks the default.
func NewServer(log *zap.SugaredLogger, sched *replay.Scheduler, engine *exchange.Engine, markets *market.Registry, streamBuffer int) *Server {
	if streamBuffer < 1 {
		streamBuffer = defaultStreamBuffer
	}
	s := &Server{
		log:          log,
		sched:        sched,
		engine:       engine,
		markets:      markets,
		router:       mux.NewRouter(),
		hub:          NewHub(log),
		streamBuffer: streamBuffer,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v3").Subrouter()

	// Market data
	api.HandleFunc("/ping", s.handlePing).Methods("GET")
	api.HandleFunc("/time", s.handleTime).Methods("GET")
	api.HandleFunc("/exchangeInfo", s.handleExchangeInfo).Methods("GET")
	api.HandleFunc("/depth", s.handleDepth).Methods("GET")
	api.HandleFunc("/klines", s.handleKlines).Methods("GET")

	// Trading
	api.HandleFunc("/order", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/order", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/order", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/openOrders", s.handleOpenOrders).Methods("GET")

	// Account
	api.HandleFunc("/account", s.handleAccount).Methods("GET")
	api.HandleFunc("/myTrades", s.handleMyTrades).Methods("GET")

	// Simulation-only surface
	sim := s.router.PathPrefix("/sim/v1").Subrouter()
	sim.HandleFunc("/deposit", s.handleDeposit).Methods("POST")

	// Websocket market and user streams
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start begins serving on addr. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.pumpStreams()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-MBX-APIKEY"},
	})

	s.http = &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	s.log.Infow("api_server_starting", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the route tree without the CORS wrapper
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Market data handlers
// ==============================

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, struct{}{})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ServerTime{ServerTime: s.sched.Clock().Now()})
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	list := s.markets.List()
	info := ExchangeInfo{
		Timezone:   "UTC",
		ServerTime: s.sched.Clock().Now(),
		Symbols:    make([]SymbolInfo, 0, len(list)),
	}
	for _, m := range list {
		info.Symbols = append(info.Symbols, SymbolInfo{
			Symbol:     m.Symbol,
			Status:     m.Status.String(),
			BaseAsset:  m.BaseAsset,
			QuoteAsset: m.QuoteAsset,
			OrderTypes: []string{"LIMIT", "MARKET"},
			Filters: []SymbolFilter{
				{FilterType: "PRICE_FILTER", TickSize: m.TickSize.String()},
				{FilterType: "LOT_SIZE", StepSize: m.StepSize.String(), MinQty: m.MinQty.String(), MaxQty: m.MaxQty.String()},
				{FilterType: "MIN_NOTIONAL", MinNotional: m.MinNotional.String()},
			},
		})
	}
	respondJSON(w, info)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, missingParam("symbol"))
		return
	}
	book := s.engine.Book(symbol)
	if book == nil {
		respondError(w, http.StatusBadRequest, ErrorResponse{Code: codeInvalidSymbol, Msg: "Invalid symbol."})
		return
	}
	limit := defaultDepthLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, illegalParam("limit"))
			return
		}
		limit = n
	}

	resp := DepthResponse{Bids: [][2]string{}, Asks: [][2]string{}}
	for i, lv := range book.BidLevels() {
		if i >= limit {
			break
		}
		resp.Bids = append(resp.Bids, [2]string{lv.Price.String(), lv.Qty.String()})
	}
	for i, lv := range book.AskLevels() {
		if i >= limit {
			break
		}
		resp.Asks = append(resp.Asks, [2]string{lv.Price.String(), lv.Qty.String()})
	}
	respondJSON(w, resp)
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	interval := q.Get("interval")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, missingParam("symbol"))
		return
	}
	if interval == "" {
		respondError(w, http.StatusBadRequest, missingParam("interval"))
		return
	}
	if _, err := s.markets.Get(symbol); err != nil {
		respondError(w, http.StatusBadRequest, ErrorResponse{Code: codeInvalidSymbol, Msg: "Invalid symbol."})
		return
	}
	limit := 500
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, illegalParam("limit"))
			return
		}
		limit = n
	}

	// Binance emits klines as positional arrays
	rows := make([][]interface{}, 0)
	for _, k := range s.engine.Klines(symbol, interval, limit) {
		rows = append(rows, []interface{}{
			k.OpenTime,
			k.Open.String(),
			k.High.String(),
			k.Low.String(),
			k.Close.String(),
			k.Volume.String(),
			k.CloseTime,
			k.QuoteVolume.String(),
			k.TradeCount,
			k.TakerBuyBase.String(),
			k.TakerBuyQuote.String(),
			"0",
		})
	}
	respondJSON(w, rows)
}

// ==============================
// Trading handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, illegalParam("body"))
		return
	}
	p := func(name string) string { return r.Form.Get(name) }

	symbol := p("symbol")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, missingParam("symbol"))
		return
	}

	var side orderbook.Side
	switch strings.ToUpper(p("side")) {
	case "BUY":
		side = orderbook.Buy
	case "SELL":
		side = orderbook.Sell
	case "":
		respondError(w, http.StatusBadRequest, missingParam("side"))
		return
	default:
		respondError(w, http.StatusBadRequest, illegalParam("side"))
		return
	}

	var typ orderbook.OrderType
	switch strings.ToUpper(p("type")) {
	case "LIMIT":
		typ = orderbook.Limit
	case "MARKET":
		typ = orderbook.Market
	case "":
		respondError(w, http.StatusBadRequest, missingParam("type"))
		return
	default:
		respondError(w, http.StatusBadRequest, illegalParam("type"))
		return
	}

	if p("quantity") == "" {
		respondError(w, http.StatusBadRequest, missingParam("quantity"))
		return
	}
	qty, err := decimal.NewFromString(p("quantity"))
	if err != nil {
		respondError(w, http.StatusBadRequest, illegalParam("quantity"))
		return
	}

	price := decimal.Zero
	if typ == orderbook.Limit {
		if p("price") == "" {
			respondError(w, http.StatusBadRequest, missingParam("price"))
			return
		}
		price, err = decimal.NewFromString(p("price"))
		if err != nil {
			respondError(w, http.StatusBadRequest, illegalParam("price"))
			return
		}
	}

	res, err := s.sched.PlaceOrder(r.Context(), exchange.PlaceOrderCommand{
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Price:         price,
		Qty:           qty,
		ClientOrderID: p("newClientOrderId"),
	})
	if err != nil {
		status, resp := classify(err)
		respondError(w, status, resp)
		return
	}

	resp := orderResponse(res.Order)
	resp.TransactTime = res.Order.UpdateTime
	for _, f := range res.Fills {
		if f.OrderID != res.Order.ID {
			continue
		}
		resp.Fills = append(resp.Fills, FillInfo{
			Price:           f.Price.String(),
			Qty:             f.Qty.String(),
			Commission:      f.Commission.String(),
			CommissionAsset: f.CommissionAsset,
			TradeID:         f.TradeID,
		})
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	symbol, orderID, clientID, errResp := orderQueryParams(r)
	if errResp != nil {
		respondError(w, http.StatusBadRequest, *errResp)
		return
	}
	o, err := s.engine.GetOrder(symbol, orderID, clientID)
	if err != nil {
		status, resp := classify(err)
		respondError(w, status, resp)
		return
	}
	respondJSON(w, orderResponse(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	symbol, orderID, clientID, errResp := orderQueryParams(r)
	if errResp != nil {
		respondError(w, http.StatusBadRequest, *errResp)
		return
	}
	o, err := s.sched.CancelOrder(r.Context(), symbol, orderID, clientID)
	if err != nil {
		// Cancel has its own code space: anything not cancelable is -2011
		if errors.Is(err, exchange.ErrUnknownOrder) || errors.Is(err, exchange.ErrOrderClosed) {
			respondError(w, http.StatusBadRequest, ErrorResponse{Code: codeCancelRejected, Msg: "Unknown order sent."})
			return
		}
		status, resp := classify(err)
		respondError(w, status, resp)
		return
	}
	respondJSON(w, orderResponse(o))
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		if _, err := s.markets.Get(symbol); err != nil {
			respondError(w, http.StatusBadRequest, ErrorResponse{Code: codeInvalidSymbol, Msg: "Invalid symbol."})
			return
		}
	}
	orders := s.engine.OpenOrders(symbol)
	resp := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderResponse(o))
	}
	respondJSON(w, resp)
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	maker, taker := s.commissionBps()
	resp := AccountResponse{
		MakerCommission: maker,
		TakerCommission: taker,
		CanTrade:        true,
		UpdateTime:      s.sched.Clock().Now(),
		AccountType:     "SPOT",
		Balances:        []BalanceInfo{},
	}
	for _, b := range s.engine.Ledger().Balances() {
		resp.Balances = append(resp.Balances, BalanceInfo{
			Asset:  b.Asset,
			Free:   b.Free.String(),
			Locked: b.Locked.String(),
		})
	}
	respondJSON(w, resp)
}

func (s *Server) handleMyTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, missingParam("symbol"))
		return
	}
	trades := make([]TradeInfo, 0)
	for _, f := range s.engine.Fills() {
		if f.Symbol != symbol {
			continue
		}
		trades = append(trades, TradeInfo{
			Symbol:          f.Symbol,
			ID:              f.TradeID,
			OrderID:         f.OrderID,
			Price:           f.Price.String(),
			Qty:             f.Qty.String(),
			QuoteQty:        f.QuoteQty.String(),
			Commission:      f.Commission.String(),
			CommissionAsset: f.CommissionAsset,
			Time:            f.Time,
			IsMaker:         f.IsMaker,
		})
	}
	respondJSON(w, trades)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, illegalParam("body"))
		return
	}
	if req.Asset == "" {
		respondError(w, http.StatusBadRequest, missingParam("asset"))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, illegalParam("amount"))
		return
	}
	if err := s.sched.Deposit(r.Context(), req.Asset, amount); err != nil {
		status, resp := classify(err)
		respondError(w, status, resp)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func orderQueryParams(r *http.Request) (symbol string, orderID int64, clientID string, errResp *ErrorResponse) {
	q := r.URL.Query()
	symbol = q.Get("symbol")
	if symbol == "" {
		e := missingParam("symbol")
		return "", 0, "", &e
	}
	clientID = q.Get("origClientOrderId")
	if raw := q.Get("orderId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			e := illegalParam("orderId")
			return "", 0, "", &e
		}
		orderID = id
	}
	if orderID == 0 && clientID == "" {
		e := missingParam("orderId")
		return "", 0, "", &e
	}
	return symbol, orderID, clientID, nil
}

// commissionBps converts the configured fee fractions into the basis
// points the account payload reports. Fees are account-wide, so the first
// registered market's schedule is authoritative.
func (s *Server) commissionBps() (maker, taker int64) {
	list := s.markets.List()
	if len(list) == 0 {
		return 0, 0
	}
	bps := decimal.New(10000, 0)
	return list[0].MakerFeeRate.Mul(bps).IntPart(), list[0].TakerFeeRate.Mul(bps).IntPart()
}

func orderResponse(o exchange.Order) OrderResponse {
	return OrderResponse{
		Symbol:        o.Symbol,
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Price:         o.Price.String(),
		OrigQty:       o.OrigQty.String(),
		ExecutedQty:   o.ExecutedQty.String(),
		CumQuote:      o.CumQuote.String(),
		Status:        o.Status.String(),
		TimeInForce:   "GTC",
		Type:          o.Type.String(),
		Side:          o.Side.String(),
		Time:          o.Time,
		UpdateTime:    o.UpdateTime,
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
