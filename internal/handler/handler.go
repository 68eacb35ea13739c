// Package handler содержит HTTP-обработчики API сервиса фудмаркет.
package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovoronin/foodmarket-system/internal/address"
	"github.com/ovoronin/foodmarket-system/internal/checkout"
	"github.com/ovoronin/foodmarket-system/internal/gateway"
	"github.com/ovoronin/foodmarket-system/internal/middleware"
	"github.com/ovoronin/foodmarket-system/internal/model"
	"github.com/ovoronin/foodmarket-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetCart(ctx context.Context, userID int64) (*model.Cart, error)
	AddToCart(ctx context.Context, userID int64, line model.CartLine) (*model.Cart, error)
	SetCartQuantity(ctx context.Context, userID int64, productID string, n int) (*model.Cart, error)
	RemoveFromCart(ctx context.Context, userID int64, productID string) (*model.Cart, error)
	ClearCart(ctx context.Context, userID int64) error
}

// Checkout определяет контракт оркестратора оформления заказа.
type Checkout interface {
	PlaceOrder(ctx context.Context, in checkout.Input) (string, error)
	Run(ctx context.Context, reference string, in checkout.Input) error
	GetAttempt(ctx context.Context, reference string, userID int64) (*model.CheckoutAttempt, error)
}

// PaymentResolver доставляет исход платежа из колбэка провайдера адаптеру шлюза.
type PaymentResolver interface {
	Resolve(reference string, outcome gateway.Outcome) bool
}

// Handler реализует HTTP-обработчики API сервиса фудмаркет.
type Handler struct {
	service        Service
	checkout       Checkout
	payments       PaymentResolver
	callbackSecret string
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, c Checkout, p PaymentResolver, callbackSecret string, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		checkout:       c,
		payments:       p,
		callbackSecret: callbackSecret,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *Handler) writeToken(w http.ResponseWriter, userID int64) {
	token, err := h.authMiddleware.IssueToken(userID)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Authorization", "Bearer "+token)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tokenResponse{Token: token}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeToken(w, userID)
}

// Login выполняет аутентификацию пользователя и выдаёт bearer-токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeToken(w, userID)
}

type cartLineResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type cartResponse struct {
	Items    []cartLineResponse `json:"items"`
	Subtotal string             `json:"subtotal"`
}

func (h *Handler) writeCart(w http.ResponseWriter, cart *model.Cart) {
	lines := cart.Lines()
	resp := cartResponse{
		Items:    make([]cartLineResponse, 0, len(lines)),
		Subtotal: cart.Subtotal().String(),
	}
	for _, l := range lines {
		resp.Items = append(resp.Items, cartLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice.String(),
			Quantity:  l.Quantity,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetCart возвращает корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	cart, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeCart(w, cart)
}

type addCartItemRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// AddCartItem добавляет позицию в корзину текущего пользователя.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addCartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	price, err := decimal.NewFromString(req.UnitPrice)
	if err != nil || price.IsNegative() || req.ProductID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cart, err := h.service.AddToCart(r.Context(), userID, model.CartLine{
		ProductID: req.ProductID,
		Name:      req.Name,
		UnitPrice: price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidQuantity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("add cart item error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeCart(w, cart)
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

// UpdateCartItem устанавливает количество товара в корзине.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productID := chi.URLParam(r, "productID")

	var req updateCartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cart, err := h.service.SetCartQuantity(r.Context(), userID, productID, req.Quantity)
	if err != nil {
		if errors.Is(err, model.ErrInvalidQuantity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("update cart item error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeCart(w, cart)
}

// RemoveCartItem удаляет товар из корзины.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productID := chi.URLParam(r, "productID")

	cart, err := h.service.RemoveFromCart(r.Context(), userID, productID)
	if err != nil {
		h.logger.Error("remove cart item error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeCart(w, cart)
}

// ClearCart очищает корзину текущего пользователя.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.ClearCart(r.Context(), userID); err != nil {
		h.logger.Error("clear cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type placeOrderRequest struct {
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Mode          string `json:"mode"`
	PaymentMethod string `json:"payment_method"`
	Notes         string `json:"notes"`
	PickupSlot    string `json:"pickup_slot"`
	AddressID     string `json:"address_id"`
	SaveAsNew     bool   `json:"save_as_new"`
	MakeDefault   bool   `json:"make_default"`
	Address       struct {
		Line1      string `json:"line1"`
		City       string `json:"city"`
		Region     string `json:"region"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
		Phone      string `json:"phone"`
	} `json:"address"`
}

type placeOrderResponse struct {
	Reference string `json:"reference"`
}

// PlaceOrder запускает оформление заказа для текущего пользователя.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := checkout.Input{
		UserID:        userID,
		Email:         req.Email,
		Phone:         req.Phone,
		Mode:          model.FulfillmentMode(req.Mode),
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
		Notes:         req.Notes,
		Selection: address.Selection{
			AddressID:   req.AddressID,
			SaveAsNew:   req.SaveAsNew,
			MakeDefault: req.MakeDefault,
			PickupSlot:  req.PickupSlot,
			Address: model.Address{
				Line1:      req.Address.Line1,
				City:       req.Address.City,
				Region:     req.Address.Region,
				PostalCode: req.Address.PostalCode,
				Country:    req.Address.Country,
				Phone:      req.Address.Phone,
			},
		},
	}

	reference, err := h.checkout.PlaceOrder(r.Context(), in)
	if err != nil {
		var vErr *checkout.ValidationError
		switch {
		case errors.As(err, &vErr):
			http.Error(w, vErr.Reason, http.StatusBadRequest)
		case errors.Is(err, address.ErrInvalidTimeSlot), errors.Is(err, address.ErrAddressIncomplete):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrCheckoutInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("place order error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	// Оркестрация продолжается вне жизненного цикла запроса:
	// клиент следит за ходом через GET /api/checkout/{reference}
	go func() {
		if err := h.checkout.Run(context.WithoutCancel(r.Context()), reference, in); err != nil {
			h.logger.Warn("checkout run finished with error",
				zap.String("reference", reference),
				zap.Error(err),
			)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(placeOrderResponse{Reference: reference}); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type attemptResponse struct {
	Reference  string `json:"reference"`
	State      string `json:"state"`
	OrderID    string `json:"order_id,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CheckoutStatus возвращает состояние попытки оформления заказа.
func (h *Handler) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	reference := chi.URLParam(r, "reference")

	attempt, err := h.checkout.GetAttempt(r.Context(), reference, userID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(attemptResponse{
		Reference:  attempt.Reference,
		State:      attempt.State.String(),
		OrderID:    attempt.OrderID,
		PaymentURL: attempt.PaymentURL,
		Reason:     attempt.Reason,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type callbackRequest struct {
	Event string `json:"event"`
	Data  struct {
		Reference         string `json:"reference"`
		ProviderReference string `json:"provider_reference"`
	} `json:"data"`
}

// PaymentCallback принимает вебхук провайдера с терминальным исходом платежа.
// Подпись тела проверяется по общему секрету.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.validSignature(body, r.Header.Get("X-Gateway-Signature")) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var outcome gateway.Outcome
	switch req.Event {
	case "charge.success":
		outcome = gateway.Outcome{
			Status:            gateway.OutcomeSucceeded,
			ProviderReference: req.Data.ProviderReference,
		}
	case "charge.cancelled":
		outcome = gateway.Outcome{Status: gateway.OutcomeCancelled}
	default:
		// Неизвестные события подтверждаем, чтобы провайдер не ретраил
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.payments.Resolve(req.Data.Reference, outcome) {
		h.logger.Warn("payment callback without waiter", zap.String("reference", req.Data.Reference))
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.callbackSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
