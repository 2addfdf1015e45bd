package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the production TastyTrade REST endpoint.
	DefaultBaseURL = "https://api.tastyworks.com"
	// SandboxBaseURL is the certification environment.
	SandboxBaseURL = "https://api.cert.tastyworks.com"

	defaultTimeout = 30 * time.Second
)

// envelope is the API's standard response wrapper.
type envelope[T any] struct {
	Data T `json:"data"`
}

// itemsPage is the standard list payload inside an envelope.
type itemsPage[T any] struct {
	Items []T `json:"items"`
}

// pagination is the API's list paging block.
type pagination struct {
	PerPage         int `json:"per-page"`
	PageOffset      int `json:"page-offset"`
	TotalItems      int `json:"total-items"`
	TotalPages      int `json:"total-pages"`
	CurrentItemCount int `json:"current-item-count"`
}

type pagedEnvelope[T any] struct {
	Data       itemsPage[T] `json:"data"`
	Pagination pagination   `json:"pagination"`
}

// TastytradeClient implements Session against the TastyTrade REST API.
type TastytradeClient struct {
	http   *resty.Client
	logger *logrus.Logger
}

var _ Session = (*TastytradeClient)(nil)

// NewTastytradeClient builds a session bound to one session token. Token
// acquisition and refresh are owned by the caller.
func NewTastytradeClient(baseURL, sessionToken string, logger *logrus.Logger) *TastytradeClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", sessionToken)

	return &TastytradeClient{http: httpClient, logger: logger}
}

// classify converts a non-2xx resty response into an APIError.
func classify(resp *resty.Response) error {
	return &APIError{
		Kind:   ClassifyStatus(resp.StatusCode()),
		Status: resp.StatusCode(),
		Body:   resp.String(),
	}
}

// ListPositions returns every individual leg currently held in the account.
func (c *TastytradeClient) ListPositions(ctx context.Context, accountNumber string) ([]LivePosition, error) {
	var result envelope[itemsPage[LivePosition]]
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/positions", accountNumber))
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list positions: %w", classify(resp))
	}
	return result.Data.Items, nil
}

// GetOrderHistory returns one page of the account's order history, newest
// first, filtered to orders updated on or after startDate.
func (c *TastytradeClient) GetOrderHistory(ctx context.Context, accountNumber string, startDate time.Time, perPage, pageOffset int) (*OrderHistoryPage, error) {
	var result pagedEnvelope[PlacedOrder]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"start-date":  startDate.UTC().Format("2006-01-02"),
			"per-page":    fmt.Sprintf("%d", perPage),
			"page-offset": fmt.Sprintf("%d", pageOffset),
			"sort":        "Desc",
		}).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/orders", accountNumber))
	if err != nil {
		return nil, fmt.Errorf("get order history: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order history: %w", classify(resp))
	}
	return &OrderHistoryPage{
		Orders:     result.Data.Items,
		TotalItems: result.Pagination.TotalItems,
		PageOffset: result.Pagination.PageOffset,
	}, nil
}

// GetOrder fetches a single order by broker id.
func (c *TastytradeClient) GetOrder(ctx context.Context, accountNumber, orderID string) (*PlacedOrder, error) {
	var result envelope[PlacedOrder]
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/orders/%s", accountNumber, orderID))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order %s: %w", orderID, classify(resp))
	}
	return &result.Data, nil
}

// GetLiveOrders returns every order still in a working status.
func (c *TastytradeClient) GetLiveOrders(ctx context.Context, accountNumber string) ([]PlacedOrder, error) {
	var result envelope[itemsPage[PlacedOrder]]
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/orders/live", accountNumber))
	if err != nil {
		return nil, fmt.Errorf("get live orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get live orders: %w", classify(resp))
	}
	return result.Data.Items, nil
}

// GetTransactions returns transactions executed on or after startDate.
func (c *TastytradeClient) GetTransactions(ctx context.Context, accountNumber string, startDate time.Time) ([]Transaction, error) {
	var all []Transaction
	offset := 0
	for {
		var result pagedEnvelope[Transaction]
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"start-date":  startDate.UTC().Format("2006-01-02"),
				"per-page":    "250",
				"page-offset": fmt.Sprintf("%d", offset),
			}).
			SetResult(&result).
			Get(fmt.Sprintf("/accounts/%s/transactions", accountNumber))
		if err != nil {
			return nil, fmt.Errorf("get transactions: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get transactions: %w", classify(resp))
		}
		all = append(all, result.Data.Items...)
		if len(result.Data.Items) == 0 || len(all) >= result.Pagination.TotalItems {
			return all, nil
		}
		offset++
	}
}

// GetOrderChains returns the broker's per-symbol order aggregates.
func (c *TastytradeClient) GetOrderChains(ctx context.Context, accountNumber, underlyingSymbol string) ([]OrderChain, error) {
	var result envelope[itemsPage[OrderChain]]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account-numbers[]", accountNumber).
		SetQueryParam("underlying-symbols[]", underlyingSymbol).
		SetResult(&result).
		Get("/order-chains")
	if err != nil {
		return nil, fmt.Errorf("get order chains: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order chains: %w", classify(resp))
	}
	return result.Data.Items, nil
}

// PlaceOrder submits a limit order and returns the broker's snapshot of it.
func (c *TastytradeClient) PlaceOrder(ctx context.Context, accountNumber string, spec OrderSpec) (*PlacedOrder, error) {
	var result envelope[struct {
		Order PlacedOrder `json:"order"`
	}]
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(spec).
		SetResult(&result).
		Post(fmt.Sprintf("/accounts/%s/orders", accountNumber))
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("place order: %w", classify(resp))
	}
	c.logger.WithFields(logrus.Fields{
		"account":  accountNumber,
		"order_id": result.Data.Order.ID,
		"price":    spec.Price.String(),
	}).Info("Order placed")
	return &result.Data.Order, nil
}

// CancelOrder cancels a working order. A 409 means the order went terminal
// first and surfaces as a conflict error.
func (c *TastytradeClient) CancelOrder(ctx context.Context, accountNumber, orderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/accounts/%s/orders/%s", accountNumber, orderID))
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("cancel order %s: %w", orderID, classify(resp))
	}
	return nil
}
