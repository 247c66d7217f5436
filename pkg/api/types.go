package api

// Wire types for the REST surface. Field names and formats follow the
// Binance spot API so off-the-shelf client libraries work unmodified.
// All decimal values travel as strings.

// ErrorResponse is the uniform error payload
type ErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ServerTime is the /api/v3/time payload
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// SymbolFilter is one entry of a symbol's filters list
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// SymbolInfo is one symbol in the exchangeInfo payload
type SymbolInfo struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	OrderTypes []string       `json:"orderTypes"`
	Filters    []SymbolFilter `json:"filters"`
}

// ExchangeInfo is the /api/v3/exchangeInfo payload
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// DepthResponse is the /api/v3/depth payload. Levels are [price, qty]
// string pairs, best first.
type DepthResponse struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// FillInfo is one execution inside an order response
type FillInfo struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

// OrderResponse is the full order payload used by place, query, cancel
// and openOrders.
type OrderResponse struct {
	Symbol        string     `json:"symbol"`
	OrderID       int64      `json:"orderId"`
	ClientOrderID string     `json:"clientOrderId"`
	TransactTime  int64      `json:"transactTime,omitempty"`
	Price         string     `json:"price"`
	OrigQty       string     `json:"origQty"`
	ExecutedQty   string     `json:"executedQty"`
	CumQuote      string     `json:"cummulativeQuoteQty"`
	Status        string     `json:"status"`
	TimeInForce   string     `json:"timeInForce"`
	Type          string     `json:"type"`
	Side          string     `json:"side"`
	Time          int64      `json:"time,omitempty"`
	UpdateTime    int64      `json:"updateTime,omitempty"`
	Fills         []FillInfo `json:"fills,omitempty"`
}

// BalanceInfo is one asset line in the account payload
type BalanceInfo struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// AccountResponse is the /api/v3/account payload
type AccountResponse struct {
	MakerCommission int64         `json:"makerCommission"`
	TakerCommission int64         `json:"takerCommission"`
	CanTrade        bool          `json:"canTrade"`
	UpdateTime      int64         `json:"updateTime"`
	AccountType     string        `json:"accountType"`
	Balances        []BalanceInfo `json:"balances"`
}

// TradeInfo is one entry of /api/v3/myTrades
type TradeInfo struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsMaker         bool   `json:"isMaker"`
}

// DepositRequest is the sim-only account funding endpoint's body
type DepositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}
