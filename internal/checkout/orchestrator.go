// Package checkout реализует оркестрацию оформления заказа:
// валидацию, разрешение адреса, создание заказа, проведение оплаты
// и подтверждение списания средств.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovoronin/foodmarket-system/internal/address"
	"github.com/ovoronin/foodmarket-system/internal/gateway"
	"github.com/ovoronin/foodmarket-system/internal/model"
	"github.com/ovoronin/foodmarket-system/internal/ordersys"
	"github.com/ovoronin/foodmarket-system/internal/pricing"
	"github.com/ovoronin/foodmarket-system/internal/validation"
)

// ErrVerificationFailed возвращается, если система заказов не подтвердила списание средств.
// Автоматических повторов нет: средства могли быть списаны, пользователя
// направляют в поддержку.
var ErrVerificationFailed = errors.New("payment verification failed")

// ValidationError описывает ошибку входных данных, исправимую пользователем.
// До прохождения валидации сетевые вызовы не выполняются.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Repository описывает контракт доступа к данным, используемый оркестратором.
type Repository interface {
	GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error)
	ClearCart(ctx context.Context, userID int64) error
	CreateCheckoutAttempt(ctx context.Context, userID int64, reference string, state model.CheckoutState) error
	UpdateCheckoutState(ctx context.Context, reference string, state model.CheckoutState, reason string) error
	SetCheckoutOrder(ctx context.Context, reference, orderID string) error
	SetCheckoutPaymentURL(ctx context.Context, reference, url string) error
	GetCheckoutAttempt(ctx context.Context, reference string) (*model.CheckoutAttempt, error)
}

// OrderSystem описывает операции системы управления заказами.
type OrderSystem interface {
	CreateOrder(ctx context.Context, draft model.OrderDraft) (string, error)
	VerifyPayment(ctx context.Context, reference string) (*ordersys.VerificationResult, error)
}

// AddressResolver сопоставляет выбор пользователя идентификатору адреса.
type AddressResolver interface {
	Resolve(ctx context.Context, mode model.FulfillmentMode, sel address.Selection) (string, error)
}

// PaymentGateway описывает операции платёжного шлюза.
type PaymentGateway interface {
	Initiate(ctx context.Context, req gateway.PaymentRequest) (*gateway.Handoff, error)
	Abandon(reference string)
}

// Input содержит данные формы оформления заказа.
type Input struct {
	UserID        int64
	Email         string
	Phone         string
	Mode          model.FulfillmentMode
	PaymentMethod model.PaymentMethod
	Selection     address.Selection
	Notes         string
}

// Orchestrator управляет жизненным циклом попытки оформления заказа.
type Orchestrator struct {
	repo           Repository
	orders         OrderSystem
	resolver       AddressResolver
	gateway        PaymentGateway
	currency       string
	paymentTimeout time.Duration
	logger         *zap.Logger
}

// NewOrchestrator создаёт оркестратор оформления заказов.
// paymentTimeout ограничивает ожидание исхода платежа после передачи шлюзу.
func NewOrchestrator(repo Repository, orders OrderSystem, resolver AddressResolver, gw PaymentGateway, currency string, paymentTimeout time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		repo:           repo,
		orders:         orders,
		resolver:       resolver,
		gateway:        gw,
		currency:       currency,
		paymentTimeout: paymentTimeout,
		logger:         logger,
	}
}

// PlaceOrder выполняет валидацию и регистрирует новую попытку оформления.
// На пользователя допускается не более одной активной попытки: повторный
// вызов до завершения предыдущей отклоняется репозиторием
// (repository.ErrCheckoutInProgress), а не ставится в очередь.
func (o *Orchestrator) PlaceOrder(ctx context.Context, in Input) (string, error) {
	if in.UserID == 0 {
		return "", &ValidationError{Reason: "authentication required"}
	}
	if !validation.IsValidEmail(in.Email) {
		return "", &ValidationError{Reason: "a valid contact email is required"}
	}
	if !validation.IsValidPhone(in.Phone) {
		return "", &ValidationError{Reason: "a valid contact phone is required"}
	}
	if in.Mode != model.FulfillmentDelivery && in.Mode != model.FulfillmentPickup {
		return "", &ValidationError{Reason: "unknown fulfillment mode"}
	}
	if in.PaymentMethod != model.PaymentMethodCard && in.PaymentMethod != model.PaymentMethodTransfer {
		return "", &ValidationError{Reason: "unknown payment method"}
	}

	if in.Mode == model.FulfillmentPickup {
		if _, err := o.resolver.Resolve(ctx, model.FulfillmentPickup, in.Selection); err != nil {
			return "", err
		}
	}

	lines, err := o.repo.GetCartLines(ctx, in.UserID)
	if err != nil {
		return "", fmt.Errorf("load cart: %w", err)
	}
	if len(lines) == 0 {
		return "", &ValidationError{Reason: "cart is empty"}
	}

	reference := uuid.NewString()
	if err := o.repo.CreateCheckoutAttempt(ctx, in.UserID, reference, model.CheckoutStateValidating); err != nil {
		return "", err
	}

	return reference, nil
}

// Run доводит попытку оформления до терминального состояния.
// Запускается один раз на попытку, после успешного PlaceOrder.
func (o *Orchestrator) Run(ctx context.Context, reference string, in Input) error {
	lines, err := o.repo.GetCartLines(ctx, in.UserID)
	if err != nil {
		return o.fail(ctx, reference, "could not load cart")
	}

	cart := model.NewCart(lines)
	amounts := pricing.Price(cart.Subtotal(), in.Mode)

	destination := model.PickupSentinel
	if in.Mode == model.FulfillmentDelivery {
		o.setState(ctx, reference, model.CheckoutStateResolvingAddress)

		destination, err = o.resolver.Resolve(ctx, in.Mode, in.Selection)
		if err != nil {
			// Заказ ещё не создан — ничего компенсировать не нужно
			return o.fail(ctx, reference, userReason(err))
		}
	}

	o.setState(ctx, reference, model.CheckoutStateCreatingOrder)

	orderID, err := o.orders.CreateOrder(ctx, model.OrderDraft{
		DestinationID: destination,
		PaymentMethod: in.PaymentMethod,
		PickupSlot:    in.Selection.PickupSlot,
		Notes:         in.Notes,
		Lines:         cart.Lines(),
		Amounts:       amounts,
	})
	if err != nil {
		return o.fail(ctx, reference, userReason(err))
	}

	if err := o.repo.SetCheckoutOrder(ctx, reference, orderID); err != nil {
		o.logger.Error("persist order id", zap.String("reference", reference), zap.Error(err))
	}

	if in.PaymentMethod == model.PaymentMethodTransfer {
		// Реквизиты перевода показывает отдельный экран; корзина считается выкупленной
		if err := o.repo.ClearCart(ctx, in.UserID); err != nil {
			o.logger.Error("clear cart", zap.Int64("userID", in.UserID), zap.Error(err))
		}
		o.setState(ctx, reference, model.CheckoutStateAwaitingTransfer)
		return nil
	}

	handoff, err := o.gateway.Initiate(ctx, gateway.PaymentRequest{
		AmountMinorUnits: pricing.MinorUnits(amounts.GrandTotal),
		Currency:         o.currency,
		Reference:        reference,
		PayerEmail:       in.Email,
		Metadata:         map[string]string{"order_id": orderID},
	})
	if err != nil {
		return o.fail(ctx, reference, userReason(err))
	}

	if err := o.repo.SetCheckoutPaymentURL(ctx, reference, handoff.AuthorizationURL); err != nil {
		o.logger.Error("persist payment url", zap.String("reference", reference), zap.Error(err))
	}
	o.setState(ctx, reference, model.CheckoutStateAwaitingPayment)

	// Исход ждём ограниченное время: пользователь мог молча закрыть
	// платёжную страницу, и колбэк от провайдера не придёт вовсе.
	// По истечении таймаута попытка завершается и перестаёт блокировать
	// новые оформления.
	waitCtx, cancelWait := context.WithTimeout(ctx, o.paymentTimeout)
	outcome, err := handoff.Wait(waitCtx)
	cancelWait()
	if err != nil {
		o.gateway.Abandon(reference)
		return o.fail(ctx, reference, "payment was not completed")
	}

	if outcome.Status == gateway.OutcomeCancelled {
		// Отмена пользователем — не ошибка; корзина остаётся нетронутой
		o.setState(ctx, reference, model.CheckoutStateCancelled)
		return nil
	}

	o.setState(ctx, reference, model.CheckoutStateVerifying)

	res, err := o.orders.VerifyPayment(ctx, reference)
	if err != nil || !res.Success {
		// Средства могли быть списаны: без автоматических повторов,
		// пользователя направляем в поддержку
		o.fail(ctx, reference, "payment could not be confirmed, please contact support")
		if err != nil {
			return err
		}
		return ErrVerificationFailed
	}

	if err := o.repo.ClearCart(ctx, in.UserID); err != nil {
		o.logger.Error("clear cart", zap.Int64("userID", in.UserID), zap.Error(err))
	}
	o.setState(ctx, reference, model.CheckoutStateSettled)

	o.logger.Info("checkout settled",
		zap.String("reference", reference),
		zap.String("orderID", orderID),
	)

	return nil
}

// GetAttempt возвращает попытку оформления, принадлежащую пользователю.
func (o *Orchestrator) GetAttempt(ctx context.Context, reference string, userID int64) (*model.CheckoutAttempt, error) {
	attempt, err := o.repo.GetCheckoutAttempt(ctx, reference)
	if err != nil {
		return nil, err
	}
	if attempt.UserID != userID {
		return nil, errors.New("checkout attempt not found")
	}
	return attempt, nil
}

func (o *Orchestrator) setState(ctx context.Context, reference string, state model.CheckoutState) {
	if err := o.repo.UpdateCheckoutState(ctx, reference, state, ""); err != nil {
		o.logger.Error("persist checkout state",
			zap.String("reference", reference),
			zap.String("state", state.String()),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) fail(ctx context.Context, reference, reason string) error {
	if err := o.repo.UpdateCheckoutState(ctx, reference, model.CheckoutStateFailed, reason); err != nil {
		o.logger.Error("persist checkout failure",
			zap.String("reference", reference),
			zap.Error(err),
		)
	}

	o.logger.Warn("checkout failed",
		zap.String("reference", reference),
		zap.String("reason", reason),
	)

	return errors.New(reason)
}

// userReason переводит ошибку шага в сообщение, пригодное для показа пользователю.
func userReason(err error) string {
	var orderErr *ordersys.OrderCreationError
	switch {
	case errors.As(err, &orderErr):
		return orderErr.Reason
	case errors.Is(err, ordersys.ErrAuthenticationExpired):
		return "session expired, please sign in again"
	case errors.Is(err, gateway.ErrGatewayNotReady):
		return "payment system is still loading, please try again"
	case errors.Is(err, address.ErrAddressIncomplete):
		return "delivery address is incomplete"
	case errors.Is(err, address.ErrInvalidTimeSlot):
		return "pickup time slot is not available"
	}
	return err.Error()
}
