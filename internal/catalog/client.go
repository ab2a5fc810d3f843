// Package catalog предоставляет клиент внешнего каталога программ сертификатов.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// Client запрашивает параметры программ у каталога по HTTP с повторами
// при сетевых ошибках, 429 и 5xx.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// offerResponse описывает ответ каталога по одной программе.
type offerResponse struct {
	ID                 int64            `json:"id"`
	MerchantID         int64            `json:"merchantId"`
	FaceValue          decimal.Decimal  `json:"faceValue"`
	Price              decimal.Decimal  `json:"price"`
	ValidityWindowDays int              `json:"validityWindowDays"`
	CommissionRate     *decimal.Decimal `json:"commissionRate,omitempty"`
}

// NewClient создаёт клиент каталога по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if logger != nil {
		rc.Logger = leveledLogger{logger.Sugar()}
	}

	return &Client{baseURL: base, httpClient: rc}
}

// GetOffer возвращает программу по идентификатору.
func (c *Client) GetOffer(ctx context.Context, id int64) (*model.Offer, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}

	url := fmt.Sprintf("%s/api/offers/%d", c.baseURL, id)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, model.ErrNotFound
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body offerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.ID == 0 {
		body.ID = id
	}

	return &model.Offer{
		ID:                 body.ID,
		MerchantID:         body.MerchantID,
		FaceValue:          body.FaceValue,
		Price:              body.Price,
		ValidityWindowDays: body.ValidityWindowDays,
		CommissionRate:     body.CommissionRate,
	}, nil
}

// leveledLogger передаёт журнал повторов retryablehttp в zap.
type leveledLogger struct {
	l *zap.SugaredLogger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
