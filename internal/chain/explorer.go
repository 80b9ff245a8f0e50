package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/KeyHarbor/server/internal/circuitbreaker"
	"github.com/KeyHarbor/server/internal/httputil"
	"github.com/KeyHarbor/server/internal/metrics"
	"github.com/KeyHarbor/server/internal/money"
)

// Query identifies the on-chain activity to look for.
type Query struct {
	Address  string
	Currency string
	Since    time.Time
}

// TxStatus is the aggregated view of what the chain shows for a query.
// HasAmount is false when the explorer reports a confirmed transfer but
// omits the received amount; confirmation alone settles in that case.
type TxStatus struct {
	Detected       bool
	Confirmed      bool
	TxID           string
	AmountReceived money.Money
	HasAmount      bool
	Confirmations  int
}

// StatusSource answers "what does the chain say about this payment".
type StatusSource interface {
	PaymentStatus(ctx context.Context, q Query) (TxStatus, error)
}

// ExplorerClient queries a block-explorer HTTP API. Calls go through a
// circuit breaker so a down explorer stops costing a timeout per poll.
type ExplorerClient struct {
	baseURL          string
	httpClient       *http.Client
	breakers         *circuitbreaker.Manager
	metrics          *metrics.Metrics
	minConfirmations int
}

// ExplorerClientOptions configures the explorer client.
type ExplorerClientOptions struct {
	BaseURL          string
	Timeout          time.Duration // default 15s
	Breakers         *circuitbreaker.Manager
	Metrics          *metrics.Metrics // optional
	MinConfirmations int              // default 1
}

// NewExplorerClient builds a client for the explorer at opts.BaseURL.
func NewExplorerClient(opts ExplorerClientOptions) (*ExplorerClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("chain: explorer base URL required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MinConfirmations <= 0 {
		opts.MinConfirmations = 1
	}
	return &ExplorerClient{
		baseURL:          opts.BaseURL,
		httpClient:       httputil.NewClient(opts.Timeout),
		breakers:         opts.Breakers,
		metrics:          opts.Metrics,
		minConfirmations: opts.MinConfirmations,
	}, nil
}

// explorerTransaction is one transfer as the explorer reports it. Amount
// is a major-unit decimal string ("9.50"), empty when the explorer omits
// amounts for privacy-preserving assets.
type explorerTransaction struct {
	TxID          string `json:"txid"`
	Amount        string `json:"amount,omitempty"`
	Confirmations int    `json:"confirmations"`
	ReceivedAt    int64  `json:"received_at"`
}

type explorerResponse struct {
	Address      string                `json:"address"`
	Transactions []explorerTransaction `json:"transactions"`
}

// PaymentStatus fetches transfers to the query address and folds them
// into a single status. Transfers before q.Since belong to earlier
// payments on a reused address and are skipped.
func (c *ExplorerClient) PaymentStatus(ctx context.Context, q Query) (TxStatus, error) {
	asset, ok := money.LookupAsset(q.Currency)
	if !ok {
		return TxStatus{}, fmt.Errorf("chain: unsupported currency %q", q.Currency)
	}

	resp, err := c.fetch(ctx, q)
	if err != nil {
		return TxStatus{}, err
	}

	status := TxStatus{AmountReceived: money.Zero(asset)}
	since := q.Since.Unix()
	for _, tx := range resp.Transactions {
		if !q.Since.IsZero() && tx.ReceivedAt < since {
			continue
		}
		status.Detected = true
		if tx.Confirmations > status.Confirmations {
			status.Confirmations = tx.Confirmations
		}
		if tx.Confirmations >= c.minConfirmations {
			status.Confirmed = true
			status.TxID = tx.TxID
			if tx.Amount != "" {
				received, err := money.FromMajor(asset, tx.Amount)
				if err != nil {
					return TxStatus{}, fmt.Errorf("chain: transfer %s amount: %w", tx.TxID, err)
				}
				status.AmountReceived, err = status.AmountReceived.Add(received)
				if err != nil {
					return TxStatus{}, fmt.Errorf("chain: sum transfers: %w", err)
				}
				status.HasAmount = true
			}
		} else if status.TxID == "" {
			status.TxID = tx.TxID
		}
	}
	return status, nil
}

func (c *ExplorerClient) fetch(ctx context.Context, q Query) (explorerResponse, error) {
	start := time.Now()
	result, err := c.execute(func() (interface{}, error) {
		return c.doFetch(ctx, q)
	})
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.ObserveExplorerCall(outcome, time.Since(start))
	}
	if err != nil {
		return explorerResponse{}, err
	}
	return result.(explorerResponse), nil
}

func (c *ExplorerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.Execute(circuitbreaker.ServiceExplorer, fn)
}

func (c *ExplorerClient) doFetch(ctx context.Context, q Query) (explorerResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/addresses/%s/transfers", c.baseURL, url.PathEscape(q.Address))
	params := url.Values{}
	if q.Currency != "" {
		params.Set("currency", q.Currency)
	}
	if !q.Since.IsZero() {
		params.Set("since", strconv.FormatInt(q.Since.Unix(), 10))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return explorerResponse{}, fmt.Errorf("chain: build explorer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return explorerResponse{}, fmt.Errorf("chain: explorer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return explorerResponse{}, fmt.Errorf("chain: explorer returned status %d", resp.StatusCode)
	}

	var decoded explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return explorerResponse{}, fmt.Errorf("chain: decode explorer response: %w", err)
	}
	return decoded, nil
}
