package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// TokenSource supplies the bearer credential for ledger calls. Refreshing is
// the caller's concern; this package only asks for a currently valid token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns the same token forever. Suitable for env-provided
// credentials refreshed outside the process.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", errors.New("ledger access token is empty")
	}
	return string(s), nil
}

// Config is explicit so tests and tools construct clients without ambient
// state; ConfigFromEnv is the production path.
type Config struct {
	BaseURL         string
	RealmId         string
	MinorVersion    string
	RateLimitPerMin int64
	Timeout         time.Duration
	TokenSource     TokenSource
}

func ConfigFromEnv() (Config, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		return Config{}, errors.New("LEDGER_API_BASE_URL is required")
	}
	realmId := strings.TrimSpace(os.Getenv("LEDGER_REALM_ID"))
	if realmId == "" {
		return Config{}, errors.New("LEDGER_REALM_ID is required")
	}
	token := strings.TrimSpace(os.Getenv("LEDGER_ACCESS_TOKEN"))
	if token == "" {
		return Config{}, errors.New("LEDGER_ACCESS_TOKEN is required")
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("LEDGER_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}

	return Config{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		RealmId:         realmId,
		MinorVersion:    strings.TrimSpace(os.Getenv("LEDGER_MINOR_VERSION")),
		RateLimitPerMin: rateLimitPerMin,
		Timeout:         30 * time.Second,
		TokenSource:     StaticTokenSource(token),
	}, nil
}

type Client struct {
	cfg     Config
	http    *resty.Client
	limiter <-chan time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.RealmId == "" {
		return nil, errors.New("ledger base url and realm id are required")
	}
	if cfg.TokenSource == nil {
		return nil, errors.New("ledger token source is required")
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.Timeout),
		limiter: time.Tick(time.Minute / time.Duration(cfg.RateLimitPerMin)),
	}, nil
}

// QueryInvoicesByDateRange returns every invoice whose transaction date falls
// in [start, end], each with the SyncToken it carried at read time.
func (c *Client) QueryInvoicesByDateRange(ctx context.Context, start, end time.Time) ([]Invoice, error) {
	query := fmt.Sprintf(
		"SELECT * FROM Invoice WHERE TxnDate >= '%s' AND TxnDate <= '%s' MAXRESULTS 1000",
		start.Format(ledgerDateLayout), end.Format(ledgerDateLayout))

	body, err := c.do(ctx, http.MethodGet, "/query", map[string]string{"query": query}, nil)
	if err != nil {
		return nil, err
	}
	var envelope queryEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding invoice query response: %w", err)
	}
	invoices := make([]Invoice, 0, len(envelope.QueryResponse.Invoice))
	for _, w := range envelope.QueryResponse.Invoice {
		inv, err := decodeInvoice(w)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

// GetInvoice re-reads one invoice. Call immediately before any write that
// targets it; the returned SyncToken is only valid until the next write.
func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	body, err := c.do(ctx, http.MethodGet, "/invoice/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var envelope invoiceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding invoice response: %w", err)
	}
	if envelope.Invoice == nil {
		return nil, ErrNotFound
	}
	inv, err := decodeInvoice(*envelope.Invoice)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) CreateInvoice(ctx context.Context, draft InvoiceDraft) (*Invoice, error) {
	payload := encodeInvoiceDraft(draft)
	body, err := c.do(ctx, http.MethodPost, "/invoice", nil, payload)
	if err != nil {
		return nil, err
	}
	var envelope invoiceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding create invoice response: %w", err)
	}
	if envelope.Invoice == nil {
		return nil, errors.New("ledger returned no invoice object on create")
	}
	inv, err := decodeInvoice(*envelope.Invoice)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// UpdateInvoice replaces an existing invoice's lines. Fails with
// ErrStaleObject when upd.SyncToken is no longer current.
func (c *Client) UpdateInvoice(ctx context.Context, upd InvoiceUpdate) (*Invoice, error) {
	payload := encodeInvoiceDraft(upd.Draft)
	payload.Id = upd.Id
	payload.SyncToken = upd.SyncToken

	body, err := c.do(ctx, http.MethodPost, "/invoice", nil, payload)
	if err != nil {
		return nil, err
	}
	var envelope invoiceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding update invoice response: %w", err)
	}
	if envelope.Invoice == nil {
		return nil, errors.New("ledger returned no invoice object on update")
	}
	inv, err := decodeInvoice(*envelope.Invoice)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) GetTimeActivity(ctx context.Context, id string) (*TimeActivity, error) {
	body, err := c.do(ctx, http.MethodGet, "/timeactivity/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var envelope timeActivityEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding time activity response: %w", err)
	}
	if envelope.TimeActivity == nil {
		return nil, ErrNotFound
	}
	ta, err := decodeTimeActivity(*envelope.TimeActivity)
	if err != nil {
		return nil, err
	}
	return &ta, nil
}

// UpdateTimeActivityBilled flips one time activity to HasBeenBilled using the
// SyncToken the caller just read.
func (c *Client) UpdateTimeActivityBilled(ctx context.Context, ta *TimeActivity) (*TimeActivity, error) {
	payload := timeActivityWire{
		Id:             ta.Id,
		SyncToken:      ta.SyncToken,
		BillableStatus: BillableStatusHasBeenBilled,
		Sparse:         true,
	}
	body, err := c.do(ctx, http.MethodPost, "/timeactivity", nil, payload)
	if err != nil {
		return nil, err
	}
	var envelope timeActivityEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding time activity update response: %w", err)
	}
	if envelope.TimeActivity == nil {
		return nil, errors.New("ledger returned no time activity object on update")
	}
	updated, err := decodeTimeActivity(*envelope.TimeActivity)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body any) ([]byte, error) {
	<-c.limiter

	token, err := c.cfg.TokenSource.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining ledger credential: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")
	if len(params) > 0 {
		req.SetQueryParams(params)
	}
	if c.cfg.MinorVersion != "" {
		req.SetQueryParam("minorversion", c.cfg.MinorVersion)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, "/v3/company/"+c.cfg.RealmId+path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, faultError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// faultError maps a non-2xx response to a typed error where the fault code is
// recognized, otherwise to a generic one carrying the body.
func faultError(status int, body []byte) error {
	var fault faultEnvelope
	if err := json.Unmarshal(body, &fault); err == nil {
		for _, fe := range fault.Fault.Error {
			if fe.Code == faultCodeStaleObject {
				return fmt.Errorf("%w: %s", ErrStaleObject, fe.Message)
			}
		}
		if len(fault.Fault.Error) > 0 {
			fe := fault.Fault.Error[0]
			return fmt.Errorf("ledger api error %d (code %s): %s %s", status, fe.Code, fe.Message, fe.Detail)
		}
	}
	return fmt.Errorf("ledger api error %d: %s", status, strings.TrimSpace(string(body)))
}
