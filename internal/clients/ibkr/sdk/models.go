package sdk

import "encoding/json"

// liveSessionTokenResponse is the body of POST /oauth/live_session_token.
type liveSessionTokenResponse struct {
	DiffieHellmanResponse      string `json:"diffie_hellman_response"`
	LiveSessionTokenSignature  string `json:"live_session_token_signature"`
	LiveSessionTokenExpiration int64  `json:"live_session_token_expiration"` // ms since epoch
}

// SsodhInitRequest is the body of POST /iserver/auth/ssodh/init, which
// opens the brokerage session after the LST handshake.
type SsodhInitRequest struct {
	Publish bool `json:"publish"`
	Compete bool `json:"compete"`
}

// SsodhInitResponse reports whether the brokerage session authenticated.
type SsodhInitResponse struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Competing     bool `json:"competing"`
}

// AccountsResponse is the body of GET /iserver/account.
type AccountsResponse struct {
	Accounts        []string `json:"accounts"`
	SelectedAccount string   `json:"selectedAccount"`
}

// SecdefSection narrows a search result to one security type on one
// exchange.
type SecdefSection struct {
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
}

// SecdefResult is one candidate from GET /iserver/secdef/search. Conid
// arrives as either a number or a string depending on the endpoint
// version, so it is kept as json.Number.
type SecdefResult struct {
	Conid       json.Number     `json:"conid"`
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"companyName"`
	Description string          `json:"description"` // listing exchange
	SecType     string          `json:"secType"`
	Sections    []SecdefSection `json:"sections"`
}

// OrderPayload is one order inside the POST orders request body.
type OrderPayload struct {
	AcctID    string   `json:"acctId"`
	Conid     int64    `json:"conid"`
	OrderType string   `json:"orderType"`
	Side      string   `json:"side"`
	Tif       string   `json:"tif"`
	Quantity  float64  `json:"quantity"`
	Price     *float64 `json:"price,omitempty"`    // limit price
	AuxPrice  *float64 `json:"auxPrice,omitempty"` // stop trigger price
}

// OrdersRequest is the body of POST /iserver/account/{accountId}/orders.
type OrdersRequest struct {
	Orders []OrderPayload `json:"orders"`
}

// OrderReply is one element of the orders response. The broker returns
// either an order acknowledgement (OrderID set) or a confirmation prompt
// (ID set, with the prompt text in Messages) that must be acknowledged
// via POST /iserver/reply/{id}.
type OrderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	LocalOrder  string   `json:"local_order_id"`
	ID          string   `json:"id"`
	Messages    []string `json:"message"`
}

// ReplyConfirmation is the body of POST /iserver/reply/{replyId}.
type ReplyConfirmation struct {
	Confirmed bool `json:"confirmed"`
}

// OpenOrdersResponse is the body of GET /iserver/account/orders.
type OpenOrdersResponse struct {
	Orders []OpenOrderEntry `json:"orders"`
}

// OpenOrderEntry is one live order as reported by the broker.
type OpenOrderEntry struct {
	OrderID     json.Number `json:"orderId"`
	Conid       int64       `json:"conid"`
	Ticker      string      `json:"ticker"`
	Side        string      `json:"side"`
	OrderType   string      `json:"orderType"`
	Status      string      `json:"status"`
	TotalSize   float64     `json:"totalSize"`
	FilledQty   float64     `json:"filledQuantity"`
	Price       json.Number `json:"price"`
	StopPrice   json.Number `json:"stop_price"`
	LastExecTim string      `json:"lastExecutionTime_r"`
}

// CancelOrderResponse is the body of a successful DELETE order call.
type CancelOrderResponse struct {
	OrderID json.Number `json:"order_id"`
	Msg     string      `json:"msg"`
}

// PositionEntry is one element of GET /portfolio/{accountId}/positions/0.
type PositionEntry struct {
	Conid         int64   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	AvgCost       float64 `json:"avgCost"`
	AvgPrice      float64 `json:"avgPrice"`
	MktPrice      float64 `json:"mktPrice"`
	MktValue      float64 `json:"mktValue"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	Currency      string  `json:"currency"`
}

// SummaryValue is one metric inside GET /portfolio/{accountId}/summary.
type SummaryValue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// SummaryResponse is the subset of the portfolio summary this client
// reads. The endpoint returns lowercase metric keys.
type SummaryResponse struct {
	AvailableFunds SummaryValue `json:"availablefunds"`
	NetLiquidation SummaryValue `json:"netliquidation"`
	BuyingPower    SummaryValue `json:"buyingpower"`
}

// Market data snapshot field codes used by GET /iserver/marketdata/snapshot.
const (
	SnapshotFieldLast = "31"
	SnapshotFieldBid  = "84"
	SnapshotFieldAsk  = "86"
)

// TickleResponse is the body of POST /tickle.
type TickleResponse struct {
	Session string `json:"session"`
	Iserver struct {
		AuthStatus struct {
			Authenticated bool `json:"authenticated"`
			Connected     bool `json:"connected"`
		} `json:"authStatus"`
	} `json:"iserver"`
}
