package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovoronin/foodmarket-system/internal/address"
	"github.com/ovoronin/foodmarket-system/internal/gateway"
	"github.com/ovoronin/foodmarket-system/internal/model"
	"github.com/ovoronin/foodmarket-system/internal/ordersys"
	"github.com/ovoronin/foodmarket-system/internal/repository"
)

type stubRepo struct {
	lines      []model.CartLine
	cleared    bool
	states     []model.CheckoutState
	lastReason string
	orderID    string
	paymentURL string
	createErr  error
	attempts   int
}

func (s *stubRepo) GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error) {
	if s.cleared {
		return nil, nil
	}
	return s.lines, nil
}

func (s *stubRepo) ClearCart(ctx context.Context, userID int64) error {
	s.cleared = true
	return nil
}

func (s *stubRepo) CreateCheckoutAttempt(ctx context.Context, userID int64, reference string, state model.CheckoutState) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.attempts++
	return nil
}

func (s *stubRepo) UpdateCheckoutState(ctx context.Context, reference string, state model.CheckoutState, reason string) error {
	s.states = append(s.states, state)
	if reason != "" {
		s.lastReason = reason
	}
	return nil
}

func (s *stubRepo) SetCheckoutOrder(ctx context.Context, reference, orderID string) error {
	s.orderID = orderID
	return nil
}

func (s *stubRepo) SetCheckoutPaymentURL(ctx context.Context, reference, url string) error {
	s.paymentURL = url
	return nil
}

func (s *stubRepo) GetCheckoutAttempt(ctx context.Context, reference string) (*model.CheckoutAttempt, error) {
	return &model.CheckoutAttempt{Reference: reference}, nil
}

func (s *stubRepo) lastState() model.CheckoutState {
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

type stubOrders struct {
	createCalls int
	lastDraft   model.OrderDraft
	orderID     string
	createErr   error

	verifyCalls  int
	verifyResult *ordersys.VerificationResult
	verifyErr    error
}

func (s *stubOrders) CreateOrder(ctx context.Context, draft model.OrderDraft) (string, error) {
	s.createCalls++
	s.lastDraft = draft
	return s.orderID, s.createErr
}

func (s *stubOrders) VerifyPayment(ctx context.Context, reference string) (*ordersys.VerificationResult, error) {
	s.verifyCalls++
	return s.verifyResult, s.verifyErr
}

type stubResolver struct {
	calls int
	err   error
}

func (s *stubResolver) Resolve(ctx context.Context, mode model.FulfillmentMode, sel address.Selection) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if mode == model.FulfillmentPickup {
		if sel.PickupSlot == "" {
			return "", address.ErrInvalidTimeSlot
		}
		return model.PickupSentinel, nil
	}
	return "addr-1", nil
}

type stubGateway struct {
	initCalls    int
	abandonCalls int
	lastReq      gateway.PaymentRequest
	outcome      gateway.Outcome
	initErr      error
	neverResolve bool
}

func (s *stubGateway) Initiate(ctx context.Context, req gateway.PaymentRequest) (*gateway.Handoff, error) {
	s.initCalls++
	s.lastReq = req
	if s.initErr != nil {
		return nil, s.initErr
	}

	ch := make(chan gateway.Outcome, 1)
	if !s.neverResolve {
		ch <- s.outcome
	}
	return &gateway.Handoff{
		AuthorizationURL: "https://pay.example/tx",
		Outcome:          ch,
	}, nil
}

func (s *stubGateway) Abandon(reference string) {
	s.abandonCalls++
}

func cartLines() []model.CartLine {
	return []model.CartLine{
		{ProductID: "P1", Name: "rice bowl", UnitPrice: decimal.NewFromInt(5000), Quantity: 2},
	}
}

func newTestOrchestrator(repo *stubRepo, orders *stubOrders, resolver *stubResolver, gw *stubGateway) *Orchestrator {
	return NewOrchestrator(repo, orders, resolver, gw, "NGN", time.Second, zap.NewNop())
}

func validInput() Input {
	return Input{
		UserID:        1,
		Email:         "user@example.com",
		Phone:         "+2348012345678",
		Mode:          model.FulfillmentPickup,
		PaymentMethod: model.PaymentMethodTransfer,
		Selection:     address.Selection{PickupSlot: "asap"},
	}
}

func TestPlaceOrder_EmptyCartNoNetworkCalls(t *testing.T) {
	repo := &stubRepo{}
	orders := &stubOrders{}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, &stubGateway{})

	_, err := o.PlaceOrder(context.Background(), validInput())

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if orders.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0", orders.createCalls)
	}
	if repo.attempts != 0 {
		t.Fatalf("attempts = %d, want 0", repo.attempts)
	}
}

func TestPlaceOrder_InvalidContact(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	o := newTestOrchestrator(repo, &stubOrders{}, &stubResolver{}, &stubGateway{})

	in := validInput()
	in.Email = "not-an-email"

	_, err := o.PlaceOrder(context.Background(), in)

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestPlaceOrder_InvalidPickupSlot(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	o := newTestOrchestrator(repo, &stubOrders{}, &stubResolver{}, &stubGateway{})

	in := validInput()
	in.Selection.PickupSlot = ""

	_, err := o.PlaceOrder(context.Background(), in)
	if !errors.Is(err, address.ErrInvalidTimeSlot) {
		t.Fatalf("err = %v, want ErrInvalidTimeSlot", err)
	}
}

func TestPlaceOrder_SecondAttemptRejected(t *testing.T) {
	repo := &stubRepo{
		lines:     cartLines(),
		createErr: repository.ErrCheckoutInProgress,
	}
	orders := &stubOrders{}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, &stubGateway{})

	_, err := o.PlaceOrder(context.Background(), validInput())
	if !errors.Is(err, repository.ErrCheckoutInProgress) {
		t.Fatalf("err = %v, want ErrCheckoutInProgress", err)
	}
	if orders.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0: duplicate run must not create orders", orders.createCalls)
	}
}

func TestRun_PickupTransferEndToEnd(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{orderID: "ORD-1"}
	gw := &stubGateway{}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, gw)

	if err := o.Run(context.Background(), "ref-1", validInput()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if orders.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", orders.createCalls)
	}

	draft := orders.lastDraft
	if draft.DestinationID != model.PickupSentinel {
		t.Fatalf("destination = %s, want pickup sentinel", draft.DestinationID)
	}
	if draft.Amounts.Subtotal.String() != "10000" {
		t.Fatalf("subtotal = %s, want 10000", draft.Amounts.Subtotal)
	}
	if !draft.Amounts.DeliveryFee.IsZero() {
		t.Fatalf("deliveryFee = %s, want 0", draft.Amounts.DeliveryFee)
	}
	if draft.Amounts.Tax.String() != "750" {
		t.Fatalf("tax = %s, want 750", draft.Amounts.Tax)
	}
	if draft.Amounts.GrandTotal.String() != "10750" {
		t.Fatalf("grandTotal = %s, want 10750", draft.Amounts.GrandTotal)
	}

	if gw.initCalls != 0 {
		t.Fatalf("gateway must not be invoked on transfer path, got %d calls", gw.initCalls)
	}
	if repo.lastState() != model.CheckoutStateAwaitingTransfer {
		t.Fatalf("state = %s, want %s", repo.lastState(), model.CheckoutStateAwaitingTransfer)
	}
	if !repo.cleared {
		t.Fatalf("cart must be cleared on transfer handoff")
	}
}

func TestRun_DeliveryBelowThresholdPaysFlatFee(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{orderID: "ORD-1"}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, &stubGateway{})

	in := validInput()
	in.Mode = model.FulfillmentDelivery
	in.Selection = address.Selection{AddressID: "addr-1"}

	if err := o.Run(context.Background(), "ref-1", in); err != nil {
		t.Fatalf("run: %v", err)
	}

	draft := orders.lastDraft
	if draft.Amounts.DeliveryFee.String() != "1500" {
		t.Fatalf("deliveryFee = %s, want 1500", draft.Amounts.DeliveryFee)
	}
	if draft.Amounts.GrandTotal.String() != "12250" {
		t.Fatalf("grandTotal = %s, want 12250", draft.Amounts.GrandTotal)
	}
}

func TestRun_AddressFailureCreatesNoOrder(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{}
	resolver := &stubResolver{err: address.ErrAddressIncomplete}
	o := newTestOrchestrator(repo, orders, resolver, &stubGateway{})

	in := validInput()
	in.Mode = model.FulfillmentDelivery

	if err := o.Run(context.Background(), "ref-1", in); err == nil {
		t.Fatalf("expected error")
	}

	if orders.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0", orders.createCalls)
	}
	if repo.lastState() != model.CheckoutStateFailed {
		t.Fatalf("state = %s, want %s", repo.lastState(), model.CheckoutStateFailed)
	}
}

func cardInput() Input {
	in := validInput()
	in.PaymentMethod = model.PaymentMethodCard
	return in
}

func TestRun_CardSettled(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{
		orderID:      "ORD-1",
		verifyResult: &ordersys.VerificationResult{Success: true, OrderID: "ORD-1"},
	}
	gw := &stubGateway{outcome: gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderReference: "prov-1"}}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, gw)

	if err := o.Run(context.Background(), "ref-1", cardInput()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if repo.lastState() != model.CheckoutStateSettled {
		t.Fatalf("state = %s, want %s", repo.lastState(), model.CheckoutStateSettled)
	}
	if !repo.cleared {
		t.Fatalf("cart must be cleared on settlement")
	}
	if orders.verifyCalls != 1 {
		t.Fatalf("verifyCalls = %d, want 1", orders.verifyCalls)
	}

	// Сумма уходит в шлюз в минорных единицах
	if gw.lastReq.AmountMinorUnits != 1075000 {
		t.Fatalf("amount = %d, want 1075000", gw.lastReq.AmountMinorUnits)
	}
	if gw.lastReq.Currency != "NGN" {
		t.Fatalf("currency = %s, want NGN", gw.lastReq.Currency)
	}
	if repo.paymentURL != "https://pay.example/tx" {
		t.Fatalf("paymentURL = %s", repo.paymentURL)
	}
}

func TestRun_CancelledKeepsCart(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{orderID: "ORD-1"}
	gw := &stubGateway{outcome: gateway.Outcome{Status: gateway.OutcomeCancelled}}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, gw)

	if err := o.Run(context.Background(), "ref-1", cardInput()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if repo.lastState() != model.CheckoutStateCancelled {
		t.Fatalf("state = %s, want %s", repo.lastState(), model.CheckoutStateCancelled)
	}
	if repo.cleared {
		t.Fatalf("cart must stay intact after user cancellation")
	}
	if orders.verifyCalls != 0 {
		t.Fatalf("verifyCalls = %d, want 0", orders.verifyCalls)
	}
}

func TestRun_VerificationFailureKeepsCart(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{
		orderID:      "ORD-1",
		verifyResult: &ordersys.VerificationResult{Success: false},
	}
	gw := &stubGateway{outcome: gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderReference: "prov-1"}}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, gw)

	err := o.Run(context.Background(), "ref-1", cardInput())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}

	if repo.lastState() != model.CheckoutStateFailed {
		t.Fatalf("state = %s, want %s", repo.lastState(), model.CheckoutStateFailed)
	}
	if repo.cleared {
		t.Fatalf("cart must stay intact when verification fails")
	}
	if !strings.Contains(repo.lastReason, "support") {
		t.Fatalf("reason = %q, want support hint", repo.lastReason)
	}
	if orders.verifyCalls != 1 {
		t.Fatalf("verifyCalls = %d, want 1: no automatic re-verification", orders.verifyCalls)
	}
}

func TestRun_AbandonedPaymentTimesOutAndReleasesAttempt(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{orderID: "ORD-1"}
	gw := &stubGateway{neverResolve: true}
	o := NewOrchestrator(repo, orders, &stubResolver{}, gw, "NGN", 50*time.Millisecond, zap.NewNop())

	if err := o.Run(context.Background(), "ref-1", cardInput()); err == nil {
		t.Fatalf("expected error when no payment outcome ever arrives")
	}

	if repo.lastState() != model.CheckoutStateFailed {
		t.Fatalf("state = %s, want %s: timed-out attempt must become terminal", repo.lastState(), model.CheckoutStateFailed)
	}
	if gw.abandonCalls != 1 {
		t.Fatalf("abandonCalls = %d, want 1", gw.abandonCalls)
	}
	if repo.cleared {
		t.Fatalf("cart must stay intact when payment never completes")
	}
	if orders.verifyCalls != 0 {
		t.Fatalf("verifyCalls = %d, want 0", orders.verifyCalls)
	}
}

func TestRun_GatewayNotReady(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{orderID: "ORD-1"}
	gw := &stubGateway{initErr: gateway.ErrGatewayNotReady}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, gw)

	if err := o.Run(context.Background(), "ref-1", cardInput()); err == nil {
		t.Fatalf("expected error")
	}

	if repo.lastState() != model.CheckoutStateFailed {
		t.Fatalf("state = %s, want %s", repo.lastState(), model.CheckoutStateFailed)
	}
	if !strings.Contains(repo.lastReason, "loading") {
		t.Fatalf("reason = %q, want loading hint", repo.lastReason)
	}
}

func TestRun_OrderCreationFailurePropagatesReason(t *testing.T) {
	repo := &stubRepo{lines: cartLines()}
	orders := &stubOrders{createErr: &ordersys.OrderCreationError{Reason: "Jollof rice is sold out"}}
	o := newTestOrchestrator(repo, orders, &stubResolver{}, &stubGateway{})

	if err := o.Run(context.Background(), "ref-1", validInput()); err == nil {
		t.Fatalf("expected error")
	}

	if repo.lastReason != "Jollof rice is sold out" {
		t.Fatalf("reason = %q, want backend message unmodified", repo.lastReason)
	}
}
