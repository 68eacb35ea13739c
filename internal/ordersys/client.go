// Package ordersys предоставляет клиент внутренней системы управления заказами.
package ordersys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ovoronin/foodmarket-system/internal/model"
)

// ErrAuthenticationExpired возвращается, если система заказов отвергла учётные данные.
var ErrAuthenticationExpired = errors.New("authentication expired")

// OrderCreationError описывает отказ системы заказов с причиной, пригодной для показа пользователю.
type OrderCreationError struct {
	Reason string
}

func (e *OrderCreationError) Error() string {
	return fmt.Sprintf("order creation failed: %s", e.Reason)
}

// VerificationResult описывает ответ системы заказов на запрос проверки платежа.
type VerificationResult struct {
	Success bool
	OrderID string
}

// Client инкапсулирует HTTP-взаимодействие с системой управления заказами.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент системы заказов по указанному адресу
// с сервисным bearer-токеном.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		OrderID   string `json:"order_id"`
		AddressID string `json:"address_id"`
	} `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*apiResponse, int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, ErrAuthenticationExpired
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, nil
}

type orderLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	AddressID     string             `json:"address_id"`
	PaymentMethod string             `json:"payment_method"`
	PickupTime    string             `json:"pickup_time,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	Items         []orderLineRequest `json:"items"`
	Subtotal      string             `json:"subtotal"`
	DeliveryFee   string             `json:"delivery_fee"`
	Tax           string             `json:"tax"`
	GrandTotal    string             `json:"grand_total"`
}

// CreateOrder создаёт заказ в системе управления заказами и возвращает его идентификатор.
// Вызов не ретраится: повтор создания грозит дублем заказа.
func (c *Client) CreateOrder(ctx context.Context, draft model.OrderDraft) (string, error) {
	items := make([]orderLineRequest, 0, len(draft.Lines))
	for _, l := range draft.Lines {
		items = append(items, orderLineRequest{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	req := createOrderRequest{
		AddressID:     draft.DestinationID,
		PaymentMethod: string(draft.PaymentMethod),
		PickupTime:    draft.PickupSlot,
		Notes:         draft.Notes,
		Items:         items,
		Subtotal:      draft.Amounts.Subtotal.String(),
		DeliveryFee:   draft.Amounts.DeliveryFee.String(),
		Tax:           draft.Amounts.Tax.String(),
		GrandTotal:    draft.Amounts.GrandTotal.String(),
	}

	resp, _, err := c.do(ctx, http.MethodPost, "/api/orders", req)
	if err != nil {
		return "", err
	}

	if !resp.Success {
		// Причину отказа показываем пользователю как есть
		reason := resp.Message
		if reason == "" {
			reason = "order could not be created"
		}
		return "", &OrderCreationError{Reason: reason}
	}

	return resp.Data.OrderID, nil
}

// VerifyPayment запрашивает подтверждение списания средств по референсу платежа.
// Запрос идемпотентен, поэтому при сетевой ошибке выполняется ровно один повтор.
func (c *Client) VerifyPayment(ctx context.Context, reference string) (*VerificationResult, error) {
	var result *VerificationResult

	backoff := retry.WithMaxRetries(1, retry.NewConstant(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, _, err := c.do(ctx, http.MethodGet, "/api/payments/verify/"+reference, nil)
		if err != nil {
			if errors.Is(err, ErrAuthenticationExpired) {
				return err
			}
			return retry.RetryableError(err)
		}

		result = &VerificationResult{
			Success: resp.Success,
			OrderID: resp.Data.OrderID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

type createAddressRequest struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

// CreateAddress сохраняет новый адрес доставки и возвращает его идентификатор.
func (c *Client) CreateAddress(ctx context.Context, addr model.Address) (string, error) {
	req := createAddressRequest{
		Line1:      addr.Line1,
		City:       addr.City,
		Region:     addr.Region,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}

	resp, _, err := c.do(ctx, http.MethodPost, "/api/addresses", req)
	if err != nil {
		return "", err
	}

	if !resp.Success {
		return "", fmt.Errorf("create address: %s", resp.Message)
	}

	return resp.Data.AddressID, nil
}

// SetDefaultAddress помечает адрес как адрес по умолчанию.
func (c *Client) SetDefaultAddress(ctx context.Context, addressID string) error {
	resp, _, err := c.do(ctx, http.MethodPost, "/api/addresses/"+addressID+"/default", nil)
	if err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("set default address: %s", resp.Message)
	}

	return nil
}
