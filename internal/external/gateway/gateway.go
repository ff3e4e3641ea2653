package points

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Клиент платежного шлюза. 5xx и сетевые ошибки временные, 4xx и отказ - окончательные.
type Gateway struct {
	url    string
	client *http.Client
}

var _ interf.PaymentGateway = (*Gateway)(nil)

func NewGateway() (*Gateway, error) {
	// config
	host := os.Getenv("GATEWAY_HOST")
	if host == "" {
		return nil, fmt.Errorf("env GATEWAY_HOST is not set")
	}
	port := os.Getenv("GATEWAY_PORT")
	if port == "" {
		return nil, fmt.Errorf("env GATEWAY_PORT is not set")
	}
	return NewGatewayURL(host + ":" + port), nil
}

// Таймаут вызова задает вызывающая сторона через контекст
func NewGatewayURL(url string) *Gateway {
	return &Gateway{
		url:    url,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type confirmRequest struct {
	GatewayRef string          `json:"gatewayRef"`
	OrderRef   string          `json:"orderRef"`
	Amount     decimal.Decimal `json:"amount"`
}

type confirmResponse struct {
	Approved bool   `json:"approved"`
	TxnID    string `json:"txnId"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (g *Gateway) Confirm(ctx context.Context, req model.PaymentConfirm) (model.PaymentApproval, error) {
	data, err := json.Marshal(confirmRequest{req.GatewayRef, req.OrderRef, req.Amount})
	if err != nil {
		return model.PaymentApproval{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/payments/confirm", bytes.NewBuffer(data))
	if err != nil {
		return model.PaymentApproval{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OrderRef)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return model.PaymentApproval{}, err
		}
		code := "network"
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			code = "timeout"
		}
		return model.PaymentApproval{}, &model.GatewayError{Code: code, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.PaymentApproval{}, &model.GatewayError{Code: "network", Message: err.Error(), Transient: true}
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return model.PaymentApproval{}, &model.GatewayError{Code: resp.Status, Message: string(body), Transient: true}
	}
	result := confirmResponse{}
	if len(body) > 0 {
		if err = json.Unmarshal(body, &result); err != nil && resp.StatusCode == http.StatusOK {
			return model.PaymentApproval{}, &model.GatewayError{Code: "bad_response", Message: err.Error(), Transient: true}
		}
	}
	if resp.StatusCode != http.StatusOK {
		code := result.Code
		if code == "" {
			code = resp.Status
		}
		return model.PaymentApproval{}, &model.GatewayError{Code: code, Message: result.Message}
	}
	if !result.Approved {
		return model.PaymentApproval{}, &model.GatewayError{Code: "declined", Message: result.Message}
	}
	return model.PaymentApproval{Approved: true, TxnID: result.TxnID}, nil
}
