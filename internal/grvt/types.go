package grvt

// Raw API payload shapes. Numeric fields arrive as decimal strings and are kept
// that way here; conversion happens at the gateway boundary.

type Instrument struct {
	Instrument     string `json:"instrument"`
	InstrumentHash string `json:"instrument_hash"`
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	TickSize       string `json:"tick_size"`
	MinSize        string `json:"min_size"`
	BaseDecimals   int    `json:"base_decimals"`
	IsActive       bool   `json:"is_active"`
}

type BookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type Orderbook struct {
	Instrument string      `json:"instrument"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
}

type Position struct {
	Instrument string `json:"instrument"`
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
	MarkPrice  string `json:"mark_price"`
}

type AccountSummary struct {
	TotalEquity       string `json:"total_equity"`
	MaintenanceMargin string `json:"maintenance_margin"`
	AvailableBalance  string `json:"available_balance"`
}

type OrderLeg struct {
	Instrument    string `json:"instrument"`
	Size          string `json:"size"`
	LimitPrice    string `json:"limit_price"`
	IsBuyingAsset bool   `json:"is_buying_asset"`
}

type Signature struct {
	Signer     string `json:"signer"`
	R          string `json:"r"`
	S          string `json:"s"`
	V          int    `json:"v"`
	Expiration string `json:"expiration"`
	Nonce      uint32 `json:"nonce"`
}

type OrderMetadata struct {
	ClientOrderID string `json:"client_order_id"`
	CreateTime    string `json:"create_time"`
}

type OrderStateInfo struct {
	Status       string   `json:"status"`
	BookSize     []string `json:"book_size"`
	TradedSize   []string `json:"traded_size"`
	AvgFillPrice []string `json:"avg_fill_price"`
}

type Order struct {
	OrderID      string          `json:"order_id,omitempty"`
	SubAccountID string          `json:"sub_account_id"`
	IsMarket     bool            `json:"is_market"`
	TimeInForce  string          `json:"time_in_force"`
	PostOnly     bool            `json:"post_only"`
	ReduceOnly   bool            `json:"reduce_only"`
	Legs         []OrderLeg      `json:"legs"`
	Signature    Signature       `json:"signature"`
	Metadata     OrderMetadata   `json:"metadata"`
	State        *OrderStateInfo `json:"state,omitempty"`
}

const TimeInForceGoodTillTime = "GOOD_TILL_TIME"

const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

type createOrderRequest struct {
	Order Order `json:"order"`
}

type createOrderResponse struct {
	Result Order `json:"result"`
}

type cancelOrderRequest struct {
	SubAccountID string `json:"sub_account_id"`
	OrderID      string `json:"order_id"`
}

type getOrderRequest struct {
	SubAccountID string `json:"sub_account_id"`
	OrderID      string `json:"order_id"`
}

type getOrderResponse struct {
	Result Order `json:"result"`
}

type openOrdersRequest struct {
	SubAccountID string   `json:"sub_account_id"`
	Kind         []string `json:"kind"`
}

type openOrdersResponse struct {
	Result []Order `json:"result"`
}

type positionsRequest struct {
	SubAccountID string   `json:"sub_account_id"`
	Kind         []string `json:"kind"`
}

type positionsResponse struct {
	Result []Position `json:"result"`
}

type summaryResponse struct {
	Result AccountSummary `json:"result"`
}

type instrumentRequest struct {
	Instrument string `json:"instrument"`
}

type instrumentResponse struct {
	Result Instrument `json:"result"`
}

type allInstrumentsRequest struct {
	IsActive bool `json:"is_active"`
}

type allInstrumentsResponse struct {
	Result []Instrument `json:"result"`
}

type bookRequest struct {
	Instrument string `json:"instrument"`
	Depth      int    `json:"depth"`
}

type bookResponse struct {
	Result Orderbook `json:"result"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}
