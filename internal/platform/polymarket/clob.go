package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB. It covers the few
// endpoints the bot needs: order placement, cancellation, status and API key
// derivation.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	creds      crypto.APICreds
}

// NewClobClient creates a CLOB client. creds may be empty until
// EnsureAPICreds runs.
func NewClobClient(baseURL string, signer *crypto.Signer, creds crypto.APICreds) *ClobClient {
	return &ClobClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		signer:     signer,
		creds:      creds,
	}
}

// Creds returns the L2 credentials in use.
func (c *ClobClient) Creds() crypto.APICreds {
	return c.creds
}

// PostOrder submits a signed order. A 400 response or success=false is
// returned as domain.ErrOrderRejected carrying the exchange message.
func (c *ClobClient) PostOrder(ctx context.Context, req PostOrderRequest) (APIOrderResult, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	var res APIOrderResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !res.Success && res.ErrorMsg != "" {
		return res, fmt.Errorf("%w: %s", domain.ErrOrderRejected, res.ErrorMsg)
	}
	return res, nil
}

// CancelOrder cancels a single order. Cancelling an order that already
// finished is not an error.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	var res struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := res.NotCanceled[orderID]; ok && !alreadyDone(reason) {
		return fmt.Errorf("polymarket/clob: cancel %s refused: %s", orderID, reason)
	}
	return nil
}

// GetOrder fetches the current state of one order.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (APIOrder, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	var o APIOrder
	if err := json.Unmarshal(respBody, &o); err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	if o.ID == "" {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

// EnsureAPICreds derives L2 credentials from the wallet when none were
// configured.
func (c *ClobClient) EnsureAPICreds(ctx context.Context) error {
	if c.creds.Complete() {
		return nil
	}
	creds, err := c.DeriveAPIKey(ctx)
	if err != nil {
		return err
	}
	c.creds = creds
	return nil
}

// DeriveAPIKey signs a ClobAuth message and exchanges it, with L1 headers,
// for the wallet's API credentials.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (crypto.APICreds, error) {
	ts := time.Now().Unix()
	const nonce = 0

	sig, err := c.signer.SignAuthMessage(ts, nonce)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: sign auth message: %w: %v", domain.ErrSigningFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", strconv.Itoa(nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, body)
	}

	var creds crypto.APICreds
	if err := json.Unmarshal(body, &creds); err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	if !creds.Complete() {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: auth response missing fields")
	}
	return creds, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest sends an L2-signed request and returns the body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.creds.L2Headers(c.signer.Address().Hex(), method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. A 400 is a
// rejection of the request itself; its errorMsg is kept verbatim.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := string(body)
	var e struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.ErrorMsg != "" {
			msg = e.ErrorMsg
		} else if e.Error != "" {
			msg = e.Error
		}
	}

	switch statusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrOrderRejected, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

func alreadyDone(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "already") || strings.Contains(r, "matched") || strings.Contains(r, "not found")
}
