// Package settlement предоставляет клиент шлюза расчётов и фоновую
// передачу начислений после фиксации в журнале.
package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом расчётов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// MintRequest описывает запрос на выплату токенов за начисление.
type MintRequest struct {
	MemberID     int64 `json:"member_id"`
	MerchantID   int64 `json:"merchant_id"`
	PointsEarned int64 `json:"points_earned"`
	ScanID       int64 `json:"scan_id"`
}

// MintResponse описывает ответ шлюза расчётов.
type MintResponse struct {
	Success bool    `json:"success"`
	Amount  *int64  `json:"amount,omitempty"`
	TxHash  *string `json:"tx_hash,omitempty"`
}

// NewClient создаёт HTTP-клиент шлюза расчётов по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// MintOnCheckIn передаёт начисление в шлюз расчётов и возвращает результат выплаты.
// Если передан ключ кастодиального кошелька, запрос подписывается HMAC-SHA256:
// шлюз проверяет право распоряжаться кошельком мерчанта.
func (c *Client) MintOnCheckIn(ctx context.Context, mintReq MintRequest, walletKey []byte) (*MintResponse, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("settlement client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(mintReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/mint", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(walletKey) > 0 {
		mac := hmac.New(sha256.New, walletKey)
		mac.Write(body)
		req.Header.Set("X-Settlement-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result MintResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
