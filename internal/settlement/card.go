package settlement

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
)

type CardConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

type cardAuthorization struct {
	Reference   string   `json:"reference"`
	Amount      int64    `json:"amount"`
	Currency    string   `json:"currency"`
	Merchant    string   `json:"merchant"`
	Destination string   `json:"destination"`
	Digest      string   `json:"digest"`
	Signatures  []string `json:"signatures"`
}

type cardResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // pending | captured | declined | expired
}

// CardBackend — REST API эмитента карт. Idempotency-Key = ID транзакции,
// поэтому повтор после обрыва не создает второе списание.
type CardBackend struct {
	cfg    CardConfig
	client *http.Client
}

func NewCardBackend(cfg CardConfig, client *http.Client) *CardBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &CardBackend{cfg: cfg, client: client}
}

func (b *CardBackend) Name() string { return b.cfg.Name }

func (b *CardBackend) Submit(ctx context.Context, o Order) (Receipt, error) {
	body := cardAuthorization{
		Reference:   o.TxID,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Merchant:    o.Counterparty,
		Destination: o.Destination,
		Digest:      o.DigestHex(),
	}
	for _, s := range o.Signatures {
		body.Signatures = append(body.Signatures, hex.EncodeToString(s))
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode authorization: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/authorizations", bytes.NewReader(raw))
	if err != nil {
		return Receipt{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", o.TxID)
	b.auth(req)

	var out cardResponse
	if err := b.do(req, &out); err != nil {
		return Receipt{}, err
	}
	if out.Status == "declined" {
		return Receipt{}, &domain.SettlementError{Kind: domain.SettlementRejected, Endpoint: b.cfg.Name, Err: fmt.Errorf("authorization %s declined", out.ID)}
	}
	return Receipt{Ref: out.ID, Endpoint: b.cfg.Name}, nil
}

func (b *CardBackend) Status(ctx context.Context, ref string) (Finality, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/v1/authorizations/"+url.PathEscape(ref), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	b.auth(req)

	var out cardResponse
	if err := b.do(req, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "captured":
		return FinalitySettled, nil
	case "declined", "expired":
		return FinalityFailed, nil
	}
	return FinalityPending, nil
}

// Lookup ищет авторизацию по reference (= ID транзакции).
func (b *CardBackend) Lookup(ctx context.Context, txID string, _ time.Time) (Receipt, error) {
	q := url.Values{"reference": {txID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/v1/authorizations?"+q.Encode(), nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("build request: %w", err)
	}
	b.auth(req)

	var out cardResponse
	if err := b.do(req, &out); err != nil {
		return Receipt{}, err
	}
	return Receipt{Ref: out.ID, Endpoint: b.cfg.Name}, nil
}

func (b *CardBackend) auth(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}

func (b *CardBackend) do(req *http.Request, out *cardResponse) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("card issuer call: %w", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return &infra.ThrottleError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Cause: fmt.Errorf("issuer returned %d", code)}
	case code == http.StatusPaymentRequired:
		return &domain.SettlementError{Kind: domain.SettlementInsufficientFunds, Endpoint: b.cfg.Name, Err: fmt.Errorf("%s", payload)}
	case code == http.StatusGone:
		return &domain.SettlementError{Kind: domain.SettlementExpired, Endpoint: b.cfg.Name, Err: fmt.Errorf("%s", payload)}
	case code >= 500:
		return fmt.Errorf("issuer returned %d", code)
	case code == http.StatusNotFound && req.Method == http.MethodGet:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, req.URL.Path)
	case code >= 400:
		return &domain.SettlementError{Kind: domain.SettlementRejected, Endpoint: b.cfg.Name, Err: fmt.Errorf("status %d: %s", code, payload)}
	}
	if err := json.Unmarshal(payload, out); err != nil || out.ID == "" {
		return fmt.Errorf("issuer response: malformed body")
	}
	return nil
}

func retryAfter(v string) time.Duration {
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 0
}
