// Package gateway содержит адаптер внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Ошибки адаптера платёжного шлюза.
var (
	// ErrGatewayNotReady возвращается при попытке начать платёж до завершения инициализации.
	ErrGatewayNotReady = errors.New("payment gateway is not ready")
	// ErrGatewayTimeout возвращается, если инициализация шлюза не уложилась в таймаут.
	ErrGatewayTimeout = errors.New("payment gateway bootstrap timed out")
)

// State описывает состояние инициализации шлюза.
type State string

const (
	StateUnloaded   State = "UNLOADED"
	StateLoading    State = "LOADING"
	StateReady      State = "READY"
	StateLoadFailed State = "LOAD_FAILED"
)

// OutcomeStatus описывает терминальный исход платежа.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeCancelled OutcomeStatus = "CANCELLED"
)

// Outcome — единый результат платёжной сессии. Отмена пользователем —
// не ошибка, а равноправный исход.
type Outcome struct {
	Status            OutcomeStatus
	ProviderReference string
}

// PaymentRequest описывает параметры платежа. Сумма передаётся
// в минорных единицах валюты.
type PaymentRequest struct {
	AmountMinorUnits int64
	Currency         string
	Reference        string
	PayerEmail       string
	Metadata         map[string]string
}

// Handoff — результат передачи платежа шлюзу: адрес платёжной страницы
// и канал единственного терминального исхода.
type Handoff struct {
	AuthorizationURL string
	Outcome          <-chan Outcome
}

// Wait ожидает терминальный исход платежа или отмену контекста.
func (h *Handoff) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case out := <-h.Outcome:
		return out, nil
	}
}

// Adapter управляет инициализацией платёжного шлюза и платёжными сессиями.
// Инициализация выполняется не более одного раза за время жизни процесса;
// конкурентные вызовы ждут общий результат.
type Adapter struct {
	baseURL          string
	secretKey        string
	bootstrapTimeout time.Duration
	httpClient       *http.Client
	logger           *zap.Logger

	mu       sync.Mutex
	state    State
	loadDone chan struct{}
	loadErr  error

	wmu     sync.Mutex
	waiters map[string]chan Outcome
}

// NewAdapter создаёт адаптер шлюза по указанному адресу с секретным ключом.
func NewAdapter(baseURL, secretKey string, bootstrapTimeout time.Duration, logger *zap.Logger) *Adapter {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.Logger = nil

	return &Adapter{
		baseURL:          strings.TrimRight(baseURL, "/"),
		secretKey:        secretKey,
		bootstrapTimeout: bootstrapTimeout,
		httpClient:       retryClient.StandardClient(),
		logger:           logger,
		state:            StateUnloaded,
		waiters:          make(map[string]chan Outcome),
	}
}

// State возвращает текущее состояние инициализации шлюза.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Bootstrap выполняет разовую инициализацию шлюза: запрашивает конфигурацию
// интеграции с фиксированным таймаутом. Повторный вызов при инициализации
// в полёте или завершённой — ожидание общего результата, не новый запрос.
func (a *Adapter) Bootstrap(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateReady:
		a.mu.Unlock()
		return nil
	case StateLoadFailed:
		err := a.loadErr
		a.mu.Unlock()
		return err
	case StateLoading:
		done := a.loadDone
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		a.mu.Lock()
		err := a.loadErr
		a.mu.Unlock()
		return err
	}

	a.state = StateLoading
	a.loadDone = make(chan struct{})
	done := a.loadDone
	a.mu.Unlock()

	err := a.fetchIntegration(ctx)

	a.mu.Lock()
	if err != nil {
		a.state = StateLoadFailed
		a.loadErr = err
	} else {
		a.state = StateReady
	}
	a.mu.Unlock()
	close(done)

	if err != nil {
		a.logger.Error("gateway bootstrap failed", zap.Error(err))
	} else {
		a.logger.Info("gateway ready")
	}

	return err
}

func (a *Adapter) fetchIntegration(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.bootstrapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/integration"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.secretKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrGatewayTimeout
		}
		return fmt.Errorf("fetch integration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch integration: unexpected status %d", resp.StatusCode)
	}

	return nil
}

func (a *Adapter) url(path string) string {
	base := a.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

type initializeRequest struct {
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Reference string            `json:"reference"`
	Email     string            `json:"email"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
	} `json:"data"`
}

// Initiate создаёт платёжную сессию у провайдера. Вызов до готовности шлюза —
// ошибка ErrGatewayNotReady, без постановки в очередь. Терминальный исход
// доставляется через Handoff после обработки колбэка провайдера.
func (a *Adapter) Initiate(ctx context.Context, req PaymentRequest) (*Handoff, error) {
	if a.State() != StateReady {
		return nil, ErrGatewayNotReady
	}

	raw, err := json.Marshal(initializeRequest{
		Amount:    req.AmountMinorUnits,
		Currency:  req.Currency,
		Reference: req.Reference,
		Email:     req.PayerEmail,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url("/transaction/initialize"), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.secretKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("initialize transaction: %w", err)
	}
	defer resp.Body.Close()

	var result initializeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !result.Status {
		return nil, fmt.Errorf("initialize transaction: %s", result.Message)
	}

	ch := make(chan Outcome, 1)
	a.wmu.Lock()
	a.waiters[req.Reference] = ch
	a.wmu.Unlock()

	return &Handoff{
		AuthorizationURL: result.Data.AuthorizationURL,
		Outcome:          ch,
	}, nil
}

// Resolve доставляет терминальный исход ожидающей платёжной сессии.
// Возвращает false, если по референсу никто не ждёт.
func (a *Adapter) Resolve(reference string, outcome Outcome) bool {
	a.wmu.Lock()
	defer a.wmu.Unlock()

	ch, ok := a.waiters[reference]
	if !ok {
		return false
	}

	delete(a.waiters, reference)
	ch <- outcome
	return true
}

// Abandon снимает ожидание исхода по референсу (например, при отмене контекста).
func (a *Adapter) Abandon(reference string) {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	delete(a.waiters, reference)
}
