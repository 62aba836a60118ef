package binance

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

	json "github.com/goccy/go-json"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type orderFill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	TradeID         int64           `json:"tradeId"`
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	UpdateTime          int64           `json:"updateTime"`
	Status              string          `json:"status"`
	Side                string          `json:"side"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Fills               []orderFill     `json:"fills"`
}

// settled reports whether the order can no longer trade.
func (r orderResponse) settled() bool {
	switch r.Status {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return false
	}
	return true
}

// Executor places LIVE crew intents as spot orders. MARKET intents are sent
// as MARKET orders; LIMIT intents as IOC limit orders, so every call settles
// before it returns.
//
// Binance only rejects a reused client order id while the first order is
// still open, so an intent whose previous attempt ended without an answer is
// looked up by its client order id before it is sent again.
type Executor struct {
	client *Client
	logger *logrus.Logger

	mu        sync.Mutex
	uncertain map[string]struct{}
}

func NewExecutor(client *Client, logger *logrus.Logger) *Executor {
	return &Executor{client: client, logger: logger, uncertain: make(map[string]struct{})}
}

func (e *Executor) Execute(ctx context.Context, intent models.OrderIntent) (models.Fill, error) {
	if e.wasUncertain(intent.ID) {
		// The intent stays uncertain until the venue answers the lookup.
		resp, found, err := e.lookup(ctx, intent)
		if err != nil {
			return models.Fill{}, executionError(intent.ID, err)
		}
		if found {
			e.logger.WithFields(logrus.Fields{
				"intent_id": intent.ID,
				"order_id":  resp.OrderID,
				"status":    resp.Status,
			}).Warn("Order from an unanswered attempt exists at the venue, not resending")
			if !resp.settled() {
				return models.Fill{}, &models.ExecutionError{Kind: models.ExecTimeout, IntentID: intent.ID, Err: fmt.Errorf("order %d still %s", resp.OrderID, resp.Status)}
			}
			if err := e.tradesOf(ctx, intent.Symbol, &resp); err != nil {
				return models.Fill{}, executionError(intent.ID, err)
			}
			return e.fillOf(intent, resp)
		}
	}

	params := url.Values{}
	params.Set("symbol", intent.Symbol)
	params.Set("side", string(intent.Side))
	params.Set("type", string(intent.Type))
	params.Set("quantity", intent.Quantity.String())
	params.Set("newClientOrderId", intent.ID)
	params.Set("newOrderRespType", "FULL")
	if intent.Type == models.OrderTypeLimit && intent.LimitPrice != nil {
		params.Set("price", intent.LimitPrice.String())
		params.Set("timeInForce", "IOC")
	}

	body, err := e.client.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return models.Fill{}, e.remember(intent.ID, executionError(intent.ID, err))
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Fill{}, e.remember(intent.ID, &models.ExecutionError{Kind: models.ExecRejectedByVenue, IntentID: intent.ID, Err: fmt.Errorf("failed to decode order response: %w", err)})
	}
	return e.fillOf(intent, resp)
}

// remember records whether the attempt for intentID left the venue state
// unknown and passes err through.
func (e *Executor) remember(intentID string, err error) error {
	var execErr *models.ExecutionError
	e.mu.Lock()
	defer e.mu.Unlock()
	if errors.As(err, &execErr) && execErr.Kind == models.ExecTimeout {
		e.uncertain[intentID] = struct{}{}
	} else {
		delete(e.uncertain, intentID)
	}
	return err
}

func (e *Executor) wasUncertain(intentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.uncertain[intentID]
	return ok
}

// lookup queries the order placed with the intent's client order id. found is
// false when the venue has no such order.
func (e *Executor) lookup(ctx context.Context, intent models.OrderIntent) (orderResponse, bool, error) {
	params := url.Values{}
	params.Set("symbol", intent.Symbol)
	params.Set("origClientOrderId", intent.ID)
	body, err := e.client.doRequest(ctx, http.MethodGet, "/api/v3/order", params, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoSuchOrder {
		return orderResponse{}, false, nil
	}
	if err != nil {
		return orderResponse{}, false, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return orderResponse{}, false, fmt.Errorf("failed to decode order status: %w", err)
	}
	if resp.TransactTime == 0 {
		resp.TransactTime = resp.UpdateTime
	}
	return resp, true, nil
}

type accountTrade struct {
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// tradesOf loads the commissions of an order found by lookup, which the
// order status call does not report.
func (e *Executor) tradesOf(ctx context.Context, symbol string, resp *orderResponse) error {
	if !resp.ExecutedQty.IsPositive() {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(resp.OrderID, 10))
	body, err := e.client.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, true)
	if err != nil {
		return err
	}
	var trades []accountTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return fmt.Errorf("failed to decode trades: %w", err)
	}
	for _, t := range trades {
		resp.Fills = append(resp.Fills, orderFill{Commission: t.Commission, CommissionAsset: t.CommissionAsset})
	}
	return nil
}

// fillOf turns a settled order into the intent's fill.
func (e *Executor) fillOf(intent models.OrderIntent, resp orderResponse) (models.Fill, error) {
	e.mu.Lock()
	delete(e.uncertain, intent.ID)
	e.mu.Unlock()

	log := e.logger.WithFields(logrus.Fields{
		"crew_id":   intent.CrewID,
		"intent_id": intent.ID,
		"order_id":  resp.OrderID,
		"status":    resp.Status,
	})

	if !resp.ExecutedQty.IsPositive() {
		log.Info("Order expired without fills")
		return models.Fill{}, models.ErrNotFilled
	}
	if resp.ExecutedQty.GreaterThan(intent.Quantity) {
		return models.Fill{}, &models.ExecutionError{
			Kind:     models.ExecOverfill,
			IntentID: intent.ID,
			Err:      fmt.Errorf("executed %s of %s", resp.ExecutedQty, intent.Quantity),
		}
	}

	fill := models.Fill{
		ID:       fmt.Sprintf("%s-%d", intent.Symbol, resp.OrderID),
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: resp.ExecutedQty,
		// Average price across the trades of the order.
		Price:      resp.CummulativeQuoteQty.Div(resp.ExecutedQty),
		Commission: decimal.Zero,
	}
	if resp.TransactTime > 0 {
		fill.Timestamp = time.UnixMilli(resp.TransactTime).UTC()
	}
	for _, f := range resp.Fills {
		fill.Commission = fill.Commission.Add(f.Commission)
		if fill.CommissionAsset == "" {
			fill.CommissionAsset = f.CommissionAsset
		}
	}

	log.WithFields(logrus.Fields{
		"price":    fill.Price.String(),
		"quantity": fill.Quantity.String(),
	}).Info("Order filled")
	return fill, nil
}

// executionError maps a failed order call onto the execution taxonomy.
func executionError(intentID string, err error) error {
	var apiErr *APIError
	switch {
	case isTimeout(err):
		return &models.ExecutionError{Kind: models.ExecTimeout, IntentID: intentID, Err: err}
	case errors.As(err, &apiErr) && apiErr.transient():
		return &models.ExecutionError{Kind: models.ExecTimeout, IntentID: intentID, Err: err}
	case errors.As(err, &apiErr) && apiErr.Code == codeOrderRejected &&
		strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance"):
		return &models.ExecutionError{Kind: models.ExecInsufficientBalance, IntentID: intentID, Err: err}
	case errors.As(err, &apiErr):
		return &models.ExecutionError{Kind: models.ExecRejectedByVenue, IntentID: intentID, Err: err}
	default:
		// Connection failures leave the order state unknown. The next
		// attempt looks the order up before resending.
		return &models.ExecutionError{Kind: models.ExecTimeout, IntentID: intentID, Err: err}
	}
}
