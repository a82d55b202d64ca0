package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	appinv "github.com/Zhima-Mochi/minishop-saga/internal/application/inventory"
	apporder "github.com/Zhima-Mochi/minishop-saga/internal/application/order"
	apppay "github.com/Zhima-Mochi/minishop-saga/internal/application/payment"
	domorder "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/go-chi/chi/v5"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerTenantID       = "X-Tenant-ID"
	headerStripeSig      = "Stripe-Signature"

	maxWebhookBytes = 64 << 10
)

type OrderCreator interface {
	Execute(ctx context.Context, cmd apporder.CreateOrderInput) (*domorder.Order, error)
}

type OrderReader interface {
	Execute(ctx context.Context, id string) (*domorder.Order, error)
}

type InventoryService interface {
	Initialize(ctx context.Context, sku string, initialStock int) (appinv.Snapshot, bool, error)
	Get(ctx context.Context, sku string) (appinv.Snapshot, error)
	Reserve(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
	Release(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
	Confirm(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
	UpdateQuantity(ctx context.Context, sku string, qty int) (appinv.Snapshot, error)
}

type SessionCreator interface {
	Execute(ctx context.Context, cmd apppay.CreateSessionInput) (*apppay.CreateSessionOutput, error)
}

type PaymentReader interface {
	Execute(ctx context.Context, orderID string) (*dompay.Payment, error)
}

type WebhookHandler interface {
	Execute(ctx context.Context, cmd apppay.WebhookInput) (apppay.WebhookOutcome, error)
}

// Deps are the use cases served over HTTP.
type Deps struct {
	CreateOrder   OrderCreator
	GetOrder      OrderReader
	Inventory     InventoryService
	CreateSession SessionCreator
	GetPayment    PaymentReader
	Webhook       WebhookHandler
}

type Handler struct {
	deps Deps
	log  observability.Logger
	tel  observability.Observability

	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewHandler(deps Deps, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		deps:         deps,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:          tel,
		reqCounter:   tel.Metrics().Counter(observability.MHTTPRequests),
		durHistogram: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
}

// Router mounts every route behind Trace → request logger + metrics → access log.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.withTrace)
	r.Use(ObservabilityMiddleware(h.log, headerValue(headerRequestID), headerValue(headerTenantID), h.reqCounter, h.durHistogram))
	r.Use(h.withAccessLog)

	r.Get("/health", h.handleHealth)

	r.Post("/orders", h.handleCreateOrder)
	r.Get("/orders/{id}", h.handleGetOrder)

	r.Route("/inventories", func(r chi.Router) {
		r.Post("/", h.handleInitializeInventory)
		r.Get("/{sku}", h.handleGetInventory)
		r.Put("/{sku}", h.inventoryMutation(h.deps.Inventory.UpdateQuantity))
		r.Post("/{sku}/reserve", h.inventoryMutation(h.deps.Inventory.Reserve))
		r.Post("/{sku}/release", h.inventoryMutation(h.deps.Inventory.Release))
		r.Post("/{sku}/confirm", h.inventoryMutation(h.deps.Inventory.Confirm))
	})

	r.Post("/internal/payments/create-link", h.handleCreatePaymentLink)
	r.Get("/internal/payments/orders/{orderId}", h.handleGetPayment)
	r.Post("/webhooks/stripe", h.handleStripeWebhook)

	return r
}

type orderItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type createOrderRequest struct {
	UserID        string      `json:"userId"`
	// Amount is in minor units (cents), at least domorder.MinimumAmount.
	Amount        int64       `json:"amount"`
	CustomerEmail string      `json:"customerEmail"`
	Items         []orderItem `json:"items"`
}

var errAmountNotCents = errors.New("invalid request body: amount must be a whole number of cents")

type orderResponse struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        int64           `json:"amount"`
	CustomerEmail string          `json:"customerEmail"`
	Status        domorder.Status `json:"status"`
	PaymentID     string          `json:"paymentId,omitempty"`
	PaymentURL    string          `json:"paymentUrl,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	Items         []orderItem     `json:"items"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func toOrderResponse(o *domorder.Order) orderResponse {
	items := make([]orderItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItem{SKU: it.SKU, Quantity: it.Quantity})
	}
	return orderResponse{
		ID:            o.ID,
		UserID:        o.UserID,
		Amount:        o.Amount,
		CustomerEmail: o.CustomerEmail,
		Status:        o.Status,
		PaymentID:     o.PaymentID,
		PaymentURL:    o.PaymentURL,
		FailureReason: o.FailureReason,
		Items:         items,
		CreatedAt:     o.CreatedAt,
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "amount" {
			err = errAmountNotCents
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	items := make([]domorder.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domorder.Item{SKU: it.SKU, Quantity: it.Quantity})
	}
	o, err := h.deps.CreateOrder.Execute(r.Context(), apporder.CreateOrderInput{
		UserID:        req.UserID,
		Amount:        req.Amount,
		CustomerEmail: req.CustomerEmail,
		Items:         items,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.deps.GetOrder.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type initializeInventoryRequest struct {
	SKU          string `json:"sku"`
	InitialStock int    `json:"initialStock"`
}

func (h *Handler) handleInitializeInventory(w http.ResponseWriter, r *http.Request) {
	var req initializeInventoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, created, err := h.deps.Inventory.Initialize(r.Context(), req.SKU, req.InitialStock)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, snap)
}

func (h *Handler) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Inventory.Get(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// inventoryMutation serves the ?quantity=N routes.
func (h *Handler) inventoryMutation(op func(context.Context, string, int) (appinv.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("quantity must be an integer"))
			return
		}
		snap, err := op(r.Context(), chi.URLParam(r, "sku"), qty)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type createPaymentLinkRequest struct {
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	CustomerEmail string `json:"customerEmail"`
}

type paymentLinkResponse struct {
	PaymentID string        `json:"paymentId"`
	URL       string        `json:"url"`
	Status    dompay.Status `json:"status"`
}

func (h *Handler) handleCreatePaymentLink(w http.ResponseWriter, r *http.Request) {
	var req createPaymentLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.deps.CreateSession.Execute(r.Context(), apppay.CreateSessionInput(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentLinkResponse{PaymentID: out.PaymentID, URL: out.URL, Status: out.Status})
}

type paymentResponse struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"orderId"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	Status        dompay.Status `json:"status"`
	URL           string        `json:"url,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.GetPayment.Execute(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		URL:           p.ExternalURL,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	})
}

// handleStripeWebhook verifies against the raw body, so it must not be decoded first.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read webhook body: %w", err))
		return
	}
	outcome, err := h.deps.Webhook.Execute(r.Context(), apppay.WebhookInput{
		Payload:   payload,
		Signature: r.Header.Get(headerStripeSig),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func headerValue(name string) func(*http.Request) string {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}
