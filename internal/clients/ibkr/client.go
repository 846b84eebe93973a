// Package ibkr provides the authenticated client for the brokerage's
// Client Portal web API: session establishment via the OAuth/Diffie-Hellman
// Live Session Token handshake, signed requests with retry and
// re-authentication, session keepalive, contract resolution, and the
// order/position/balance/market-data surface used by the trading process.
package ibkr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/openrange/internal/clients/ibkr/sdk"
)

// ConnectionState is the facade's top-level state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	}
	return "UNKNOWN"
}

// Order sides and types accepted by PlaceOrder.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket    = "MARKET"
	OrderTypeStop      = "STOP"
	OrderTypeStopLimit = "STOP_LIMIT"
)

// OrderResult is the broker's acknowledgement of a submitted order.
type OrderResult struct {
	OrderID string
	Status  string
}

// Order is one live order as reported by the broker.
type Order struct {
	OrderID   string
	Ticker    string
	ConID     int64
	Side      string
	OrderType string
	Status    string
	Quantity  float64
	FilledQty float64
}

// Position is a read-only holding snapshot; the broker is the source of
// truth.
type Position struct {
	Ticker        string
	ConID         int64
	Quantity      float64
	AvgPrice      float64
	MarketPrice   float64
	UnrealizedPnL float64
	Currency      string
}

// AccountBalance is a read-only account funds snapshot.
type AccountBalance struct {
	AvailableFunds      float64
	NetLiquidationValue float64
	BuyingPower         float64
	Currency            string
}

// MarketSnapshot carries one market-data snapshot for a ticker.
type MarketSnapshot struct {
	Ticker string
	ConID  int64
	Last   float64
	Bid    float64
	Ask    float64
}

// Options configures the facade.
type Options struct {
	BaseURL string

	// PaperTradingExpected enables the account safety check: Connect
	// refuses to proceed if the account id does not carry the paper
	// prefix.
	PaperTradingExpected bool
	PaperAccountPrefix   string // defaults to "DU"

	// Exchange and security type used when resolving tickers.
	DefaultExchange string // defaults to "SMART"
	DefaultSecType  string // defaults to "STK"

	KeepAliveInterval time.Duration // defaults to 60s
}

// Client is the facade over the Client Portal API. All calls flow through
// the signing/retrying executor; Connect must succeed before any trading
// operation is used.
type Client struct {
	exec     *sdk.Client
	resolver *ContractResolver
	log      zerolog.Logger
	opts     Options

	mu        sync.Mutex
	state     ConnectionState
	accountID string
	keepalive *KeepAlive
}

// NewClient creates the facade from loaded credentials.
func NewClient(creds *sdk.Credentials, opts Options, log zerolog.Logger) *Client {
	if opts.PaperAccountPrefix == "" {
		opts.PaperAccountPrefix = "DU"
	}
	if opts.DefaultExchange == "" {
		opts.DefaultExchange = "SMART"
	}
	if opts.DefaultSecType == "" {
		opts.DefaultSecType = "STK"
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = 60 * time.Second
	}

	exec := sdk.NewClient(creds, opts.BaseURL, log)
	return &Client{
		exec:     exec,
		resolver: NewContractResolver(exec, log),
		log:      log.With().Str("client", "ibkr").Logger(),
		opts:     opts,
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AccountID returns the brokerage account id (empty until connected).
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// Connect mints a live session token, opens the brokerage session, fetches
// the account id, and verifies account safety before starting the
// keepalive loop. A safety violation aborts the connection outright and is
// never retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.keepalive = NewKeepAlive(c.exec, c.opts.KeepAliveInterval, c.markDisconnected, c.log)
	c.keepalive.Start()
	c.state = StateConnected
	accountID := c.accountID
	c.mu.Unlock()

	c.log.Info().Str("account", accountID).Msg("Connected to brokerage")
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if _, err := c.exec.Tokens().Token(ctx); err != nil {
		return fmt.Errorf("failed to establish session token: %w", err)
	}

	var initResp sdk.SsodhInitResponse
	initReq := sdk.SsodhInitRequest{Publish: true, Compete: true}
	if err := c.exec.Execute(ctx, http.MethodPost, "/iserver/auth/ssodh/init", nil, initReq, &initResp); err != nil {
		return fmt.Errorf("failed to initialize brokerage session: %w", err)
	}

	var accounts sdk.AccountsResponse
	if err := c.exec.Execute(ctx, http.MethodGet, "/iserver/account", nil, nil, &accounts); err != nil {
		return fmt.Errorf("failed to fetch account: %w", err)
	}

	accountID := accounts.SelectedAccount
	if accountID == "" && len(accounts.Accounts) > 0 {
		accountID = accounts.Accounts[0]
	}
	if accountID == "" {
		return fmt.Errorf("brokerage returned no accounts")
	}

	// Hard safety constraint: a client configured for simulated trading
	// must never operate against a live account.
	if c.opts.PaperTradingExpected && !strings.HasPrefix(accountID, c.opts.PaperAccountPrefix) {
		return &sdk.SafetyViolationError{
			AccountID:      accountID,
			ExpectedPrefix: c.opts.PaperAccountPrefix,
		}
	}

	c.mu.Lock()
	c.accountID = accountID
	c.mu.Unlock()
	return nil
}

// Disconnect stops the keepalive loop and marks the client disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	ka := c.keepalive
	c.keepalive = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ka != nil {
		ka.Stop()
	}
	c.log.Info().Msg("Disconnected from brokerage")
}

// markDisconnected is the keepalive failure hook. The keepalive goroutine
// has already ended when it fires, so only the state flips here.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.keepalive = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Error().Msg("Session lost, client marked disconnected")
}

// PlaceOrder resolves the ticker to a contract id, submits the order, and
// acknowledges any confirmation prompts the broker returns. limitPrice and
// stopPrice are required or forbidden depending on orderType: MARKET takes
// neither, STOP takes a stop price, STOP_LIMIT takes both.
func (c *Client) PlaceOrder(ctx context.Context, ticker, side string, quantity float64, orderType string, limitPrice, stopPrice *float64) (*OrderResult, error) {
	if side != SideBuy && side != SideSell {
		return nil, fmt.Errorf("invalid side %q (must be %s or %s)", side, SideBuy, SideSell)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %v", quantity)
	}

	payloadType, err := buildOrderType(orderType, limitPrice, stopPrice)
	if err != nil {
		return nil, err
	}

	accountID, err := c.requireConnected()
	if err != nil {
		return nil, err
	}

	ref, err := c.resolver.Resolve(ctx, ticker, c.opts.DefaultExchange, c.opts.DefaultSecType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", ticker, err)
	}

	payload := sdk.OrderPayload{
		AcctID:    accountID,
		Conid:     ref.ConID,
		OrderType: payloadType,
		Side:      side,
		Tif:       "DAY",
		Quantity:  quantity,
	}
	if orderType == OrderTypeStopLimit {
		payload.Price = limitPrice
	}
	if orderType == OrderTypeStop || orderType == OrderTypeStopLimit {
		payload.AuxPrice = stopPrice
	}

	endpoint := fmt.Sprintf("/iserver/account/%s/orders", accountID)
	var replies []sdk.OrderReply
	if err := c.exec.Execute(ctx, http.MethodPost, endpoint, nil, sdk.OrdersRequest{Orders: []sdk.OrderPayload{payload}}, &replies); err != nil {
		c.log.Error().Err(err).Str("ticker", ticker).Str("side", side).Msg("Order submission failed")
		return nil, fmt.Errorf("failed to place order for %s: %w", ticker, err)
	}

	result, err := c.settleOrderReplies(ctx, replies)
	if err != nil {
		return nil, fmt.Errorf("failed to place order for %s: %w", ticker, err)
	}

	c.log.Info().
		Str("ticker", ticker).
		Str("side", side).
		Float64("quantity", quantity).
		Str("order_type", orderType).
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Msg("Order placed")
	return result, nil
}

// settleOrderReplies walks the broker's reply chain, auto-acknowledging
// known confirmation prompts until an order id appears. Rounds are bounded
// so an unexpected prompt chain cannot loop forever.
func (c *Client) settleOrderReplies(ctx context.Context, replies []sdk.OrderReply) (*OrderResult, error) {
	for round := 0; round < 3; round++ {
		if len(replies) == 0 {
			return nil, fmt.Errorf("broker returned an empty order response")
		}
		reply := replies[0]

		if reply.OrderID != "" {
			return &OrderResult{OrderID: reply.OrderID, Status: reply.OrderStatus}, nil
		}
		if reply.ID == "" {
			return nil, fmt.Errorf("broker returned neither an order id nor a confirmation prompt")
		}

		c.log.Debug().
			Str("reply_id", reply.ID).
			Strs("messages", reply.Messages).
			Msg("Acknowledging order confirmation prompt")

		endpoint := fmt.Sprintf("/iserver/reply/%s", reply.ID)
		var next []sdk.OrderReply
		if err := c.exec.Execute(ctx, http.MethodPost, endpoint, nil, sdk.ReplyConfirmation{Confirmed: true}, &next); err != nil {
			return nil, err
		}
		replies = next
	}
	return nil, fmt.Errorf("order confirmation did not settle after 3 rounds")
}

func buildOrderType(orderType string, limitPrice, stopPrice *float64) (string, error) {
	switch orderType {
	case OrderTypeMarket:
		return "MKT", nil
	case OrderTypeStop:
		if stopPrice == nil {
			return "", fmt.Errorf("stop order requires a stop price")
		}
		return "STP", nil
	case OrderTypeStopLimit:
		if stopPrice == nil || limitPrice == nil {
			return "", fmt.Errorf("stop-limit order requires both a stop price and a limit price")
		}
		return "STOP_LIMIT", nil
	default:
		return "", fmt.Errorf("unsupported order type %q", orderType)
	}
}

// CancelOrder requests cancellation. It returns true on a success
// response and false (without error) when the broker no longer knows the
// order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	accountID, err := c.requireConnected()
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("/iserver/account/%s/order/%s", accountID, orderID)
	var resp sdk.CancelOrderResponse
	if err := c.exec.Execute(ctx, http.MethodDelete, endpoint, nil, nil, &resp); err != nil {
		var clientErr *sdk.ClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
			c.log.Warn().Str("order_id", orderID).Msg("Cancel requested for unknown order")
			return false, nil
		}
		return false, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	c.log.Info().Str("order_id", orderID).Msg("Order cancelled")
	return true, nil
}

// GetOpenOrders returns the broker's live orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]Order, error) {
	if _, err := c.requireConnected(); err != nil {
		return nil, err
	}

	var resp sdk.OpenOrdersResponse
	if err := c.exec.Execute(ctx, http.MethodGet, "/iserver/account/orders", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	orders := make([]Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, Order{
			OrderID:   o.OrderID.String(),
			Ticker:    o.Ticker,
			ConID:     o.Conid,
			Side:      o.Side,
			OrderType: o.OrderType,
			Status:    o.Status,
			Quantity:  o.TotalSize,
			FilledQty: o.FilledQty,
		})
	}
	return orders, nil
}

// GetPositions returns the current holdings reported by the broker.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	accountID, err := c.requireConnected()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/portfolio/%s/positions/0", accountID)
	var entries []sdk.PositionEntry
	if err := c.exec.Execute(ctx, http.MethodGet, endpoint, nil, nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	positions := make([]Position, 0, len(entries))
	for _, e := range entries {
		positions = append(positions, Position{
			Ticker:        tickerFromDescription(e.ContractDesc),
			ConID:         e.Conid,
			Quantity:      e.Position,
			AvgPrice:      e.AvgPrice,
			MarketPrice:   e.MktPrice,
			UnrealizedPnL: e.UnrealizedPnl,
			Currency:      e.Currency,
		})
	}
	return positions, nil
}

// GetAccountBalance returns the account funds snapshot.
func (c *Client) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	accountID, err := c.requireConnected()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/portfolio/%s/summary", accountID)
	var resp sdk.SummaryResponse
	if err := c.exec.Execute(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch account summary: %w", err)
	}

	return &AccountBalance{
		AvailableFunds:      resp.AvailableFunds.Amount,
		NetLiquidationValue: resp.NetLiquidation.Amount,
		BuyingPower:         resp.BuyingPower.Amount,
		Currency:            resp.NetLiquidation.Currency,
	}, nil
}

// GetMarketDataSnapshot returns last/bid/ask for a ticker.
func (c *Client) GetMarketDataSnapshot(ctx context.Context, ticker string) (*MarketSnapshot, error) {
	if _, err := c.requireConnected(); err != nil {
		return nil, err
	}

	ref, err := c.resolver.Resolve(ctx, ticker, c.opts.DefaultExchange, c.opts.DefaultSecType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", ticker, err)
	}

	query := url.Values{
		"conids": {strconv.FormatInt(ref.ConID, 10)},
		"fields": {sdk.SnapshotFieldLast + "," + sdk.SnapshotFieldBid + "," + sdk.SnapshotFieldAsk},
	}
	var rows []map[string]any
	if err := c.exec.Execute(ctx, http.MethodGet, "/iserver/marketdata/snapshot", query, nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot for %s: %w", ticker, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty snapshot response for %s", ticker)
	}

	return &MarketSnapshot{
		Ticker: ticker,
		ConID:  ref.ConID,
		Last:   snapshotFloat(rows[0], sdk.SnapshotFieldLast),
		Bid:    snapshotFloat(rows[0], sdk.SnapshotFieldBid),
		Ask:    snapshotFloat(rows[0], sdk.SnapshotFieldAsk),
	}, nil
}

func (c *Client) requireConnected() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return "", fmt.Errorf("client is %s, call Connect first", c.state)
	}
	return c.accountID, nil
}

// snapshotFloat parses a snapshot field value, which arrives either as a
// number or as a string that may carry a one-letter market-state prefix
// (e.g. "C123.45" for a close price).
func snapshotFloat(row map[string]any, field string) float64 {
	switch v := row[field].(type) {
	case float64:
		return v
	case string:
		trimmed := strings.TrimLeft(v, "CHBcb")
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// tickerFromDescription extracts the symbol from a contract description
// such as "BHP ASX" or plain "AAPL".
func tickerFromDescription(desc string) string {
	if i := strings.IndexByte(desc, ' '); i > 0 {
		return desc[:i]
	}
	return desc
}
