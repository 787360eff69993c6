package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const intermediaryTimeout = 30 * time.Second

// HTTPBackend talks to a trusted payment intermediary over JSON. Every movement carries the
// idempotency key in the Idempotency-Key header; the intermediary answers 409 for keys it
// has already processed.
type HTTPBackend struct {
	client *resty.Client
}

// NewHTTPBackend returns a client for the intermediary at baseURL. A non-empty apiKey is sent
// as a bearer token.
func NewHTTPBackend(baseURL, apiKey string) *HTTPBackend {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(intermediaryTimeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) Name() string { return "intermediary" }

type openBody struct {
	ContractID string `json:"contract_id"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Amount     int64  `json:"amount"`
}

type moveBody struct {
	MilestoneIndex int    `json:"milestone_index"`
	Party          string `json:"party"`
	Amount         int64  `json:"amount"`
}

type movementResponse struct {
	Reference string `json:"reference"`
}

type balanceResponse struct {
	Deposited *int64 `json:"deposited"`
	Released  int64  `json:"released"`
	Refunded  int64  `json:"refunded"`
}

func (b *HTTPBackend) Open(ctx context.Context, req OpenRequest) (Receipt, error) {
	body := openBody{ContractID: req.ContractID, Buyer: req.Buyer, Seller: req.Seller, Amount: req.Amount}
	return b.move(ctx, "open", "/v1/escrows", req.ContractID, req.Key.String(), body)
}

func (b *HTTPBackend) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	body := moveBody{MilestoneIndex: req.Index, Party: req.Seller, Amount: req.Amount}
	return b.move(ctx, "release", "/v1/escrows/{contractID}/releases", req.ContractID, req.Key.String(), body)
}

func (b *HTTPBackend) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	body := moveBody{MilestoneIndex: req.Index, Party: req.Buyer, Amount: req.Amount}
	return b.move(ctx, "refund", "/v1/escrows/{contractID}/refunds", req.ContractID, req.Key.String(), body)
}

func (b *HTTPBackend) Query(ctx context.Context, contractID string) (Balance, error) {
	out := &balanceResponse{}
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("contractID", contractID).
		ForceContentType("application/json").
		SetResult(out).
		Get("/v1/escrows/{contractID}")
	if err != nil {
		return Balance{}, retryable(b.Name(), "query", err)
	}
	if err := b.classify("query", resp); err != nil {
		return Balance{}, err
	}
	if out.Deposited == nil {
		return Balance{}, retryable(b.Name(), "query", errors.New("balance response without deposited"))
	}
	return Balance{Deposited: *out.Deposited, Released: out.Released, Refunded: out.Refunded}, nil
}

// move posts body to path. A body that fails to decode surfaces as err from Post and is
// retried like a transport failure.
func (b *HTTPBackend) move(ctx context.Context, op, path, contractID, key string, body any) (Receipt, error) {
	out := &movementResponse{}
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("contractID", contractID).
		SetHeader("Idempotency-Key", key).
		SetBody(body).
		ForceContentType("application/json").
		SetResult(out).
		Post(path)
	if err != nil {
		return Receipt{}, retryable(b.Name(), op, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return Receipt{}, ErrAlreadyApplied
	}
	if err := b.classify(op, resp); err != nil {
		return Receipt{}, err
	}
	if out.Reference == "" {
		return Receipt{}, retryable(b.Name(), op, errors.New("response without reference"))
	}
	return Receipt{Reference: out.Reference}, nil
}

// classify maps non-2xx statuses: 5xx and 429 are retryable, other 4xx are rejections.
func (b *HTTPBackend) classify(op string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	msg := resp.String()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("intermediary returned %d: %s", resp.StatusCode(), strings.TrimSpace(msg))
	if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
		return retryable(b.Name(), op, err)
	}
	return terminal(b.Name(), op, err)
}
