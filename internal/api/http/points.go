package points

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	kafka "github.com/glkeru/loyalty/ledger/internal/external/kafka"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	services "github.com/glkeru/loyalty/ledger/internal/services"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Служебный HTTP API: баланс, история, ручные операции, заказы, запуск сгорания и сверки
type PointsHandler struct {
	router   *mux.Router
	points   *services.PointsService
	workflow *services.Workflow
	expiry   *services.ExpiryScheduler
	orders   interf.OrderStorage
	logger   *zap.Logger
}

func NewHandler(points *services.PointsService, workflow *services.Workflow, expiry *services.ExpiryScheduler,
	orders interf.OrderStorage, logger *zap.Logger) *PointsHandler {
	router := mux.NewRouter()
	handler := &PointsHandler{router, points, workflow, expiry, orders, logger}
	router.HandleFunc("/accounts/{user}/balance", handler.BalanceHandler).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{user}/history", handler.HistoryHandler).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{user}/adjust", handler.AdjustHandler).Methods(http.MethodPost)
	router.HandleFunc("/consumptions/{id}/reverse", handler.ReverseHandler).Methods(http.MethodPost)
	router.HandleFunc("/orders", handler.SubmitOrderHandler).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}", handler.GetOrderHandler).Methods(http.MethodGet)
	router.HandleFunc("/orders/{id}/cancel", handler.CancelOrderHandler).Methods(http.MethodPost)
	router.HandleFunc("/expiry/sweep", handler.SweepHandler).Methods(http.MethodPost)
	router.HandleFunc("/reconcile", handler.ReconcileHandler).Methods(http.MethodPost)
	router.Use(MiddlewareLog())

	return handler
}

func (h *PointsHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

func (h *PointsHandler) Log(msg string, service string, err error) {
	h.logger.Error(msg,
		zap.String("service", service),
		zap.Error(err),
	)
}

// код ответа по ошибке
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrConsumptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrAlreadyReversed),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrInsufficientStock):
		return http.StatusConflict
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrGatewayTransient), errors.Is(err, model.ErrGatewayTerminal):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *PointsHandler) fail(w http.ResponseWriter, service string, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.Log("Request failed", service, err)
	}
	http.Error(w, err.Error(), code)
}

func (h *PointsHandler) reply(w http.ResponseWriter, service string, v any) {
	j, err := json.Marshal(v)
	if err != nil {
		h.Log("Marshal", service, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(j)
}

type BalanceResponse struct {
	Account string `json:"account"`
	Points  int64  `json:"points"`
}

// Баланс
func (h *PointsHandler) BalanceHandler(w http.ResponseWriter, req *http.Request) {
	account, err := h.points.Account(req.Context(), mux.Vars(req)["user"])
	if err != nil {
		h.fail(w, "BalanceHandler", err)
		return
	}
	points, err := h.points.BalanceOf(req.Context(), account)
	if err != nil {
		h.fail(w, "BalanceHandler", err)
		return
	}
	h.reply(w, "BalanceHandler", BalanceResponse{account.String(), points})
}

type LotMessage struct {
	ID        int64      `json:"id"`
	Original  int64      `json:"original"`
	Remaining int64      `json:"remaining"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type ConsumptionMessage struct {
	ID        int64        `json:"id"`
	Amount    int64        `json:"amount"`
	Type      string       `json:"type"`
	Draws     []model.Draw `json:"draws"`
	CreatedAt time.Time    `json:"createdAt"`
}

type ReversalMessage struct {
	ID            int64        `json:"id"`
	ConsumptionID int64        `json:"consumptionId"`
	Amount        int64        `json:"amount"`
	Restored      []model.Draw `json:"restored"`
	RefundLotID   int64        `json:"refundLotId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

type HistoryResponse struct {
	Lots         []LotMessage         `json:"lots"`
	Consumptions []ConsumptionMessage `json:"consumptions"`
	Reversals    []ReversalMessage    `json:"reversals"`
}

// История за период, даты в формате 2006-01-02 включительно
func (h *PointsHandler) HistoryHandler(w http.ResponseWriter, req *http.Request) {
	from, err := time.Parse("2006-01-02", req.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "from is not correct", http.StatusBadRequest)
		return
	}
	to, err := time.Parse("2006-01-02", req.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "to is not correct", http.StatusBadRequest)
		return
	}
	to = to.Add(24*time.Hour - time.Nanosecond)

	account, err := h.points.Account(req.Context(), mux.Vars(req)["user"])
	if err != nil {
		h.fail(w, "HistoryHandler", err)
		return
	}
	history, err := h.points.History(req.Context(), account, from, to)
	if err != nil {
		h.fail(w, "HistoryHandler", err)
		return
	}

	resp := HistoryResponse{
		Lots:         make([]LotMessage, len(history.Lots)),
		Consumptions: make([]ConsumptionMessage, len(history.Consumptions)),
		Reversals:    make([]ReversalMessage, len(history.Reversals)),
	}
	for i, v := range history.Lots {
		resp.Lots[i] = LotMessage{v.ID, v.Original, v.Remaining, string(v.Type), string(v.Status), v.CreatedAt, v.ExpiresAt}
	}
	for i, v := range history.Consumptions {
		resp.Consumptions[i] = ConsumptionMessage{v.ID, v.Amount, string(v.Type), v.Draws, v.CreatedAt}
	}
	for i, v := range history.Reversals {
		resp.Reversals[i] = ReversalMessage{v.ID, v.ConsumptionID, v.Amount, v.Restored, v.RefundLotID, v.CreatedAt}
	}
	h.reply(w, "HistoryHandler", resp)
}

// Ручная корректировка: положительная сумма начисляется, отрицательная списывается
type AdjustRequest struct {
	Amount        int64  `json:"amount"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
	ExpiresInDays int    `json:"expiresInDays"`
	Key           string `json:"key"`
}

type AdjustResponse struct {
	LotID         int64        `json:"lotId,omitempty"`
	ConsumptionID int64        `json:"consumptionId,omitempty"`
	Breakdown     []model.Draw `json:"breakdown,omitempty"`
	Balance       int64        `json:"balance"`
}

func (h *PointsHandler) AdjustHandler(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "Body is empty", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()
	adj := AdjustRequest{}
	if err = json.Unmarshal(body, &adj); err != nil {
		http.Error(w, "Body is not correct", http.StatusBadRequest)
		return
	}
	if adj.Actor == "" || adj.Amount == 0 {
		http.Error(w, "actor and amount are required", http.StatusBadRequest)
		return
	}

	account, err := h.points.Account(req.Context(), mux.Vars(req)["user"])
	if err != nil {
		h.fail(w, "AdjustHandler", err)
		return
	}
	ref := model.AdminRef{Actor: adj.Actor, Reason: adj.Reason}

	if adj.Amount > 0 {
		lot, balance, err := h.points.Accrue(req.Context(), services.AccrueRequest{
			Account:     account,
			Amount:      adj.Amount,
			Type:        model.LotAdminAdjust,
			ExpiresIn:   time.Duration(adj.ExpiresInDays) * 24 * time.Hour,
			Correlation: ref,
			Key:         adj.Key,
		})
		if err != nil {
			h.fail(w, "AdjustHandler", err)
			return
		}
		h.reply(w, "AdjustHandler", AdjustResponse{LotID: lot.ID, Balance: balance})
		return
	}

	res, err := h.points.Consume(req.Context(), services.ConsumeRequest{
		Account:     account,
		Amount:      -adj.Amount,
		Type:        model.ConsumeUse,
		Correlation: ref,
		Key:         adj.Key,
	})
	if err != nil {
		h.fail(w, "AdjustHandler", err)
		return
	}
	h.reply(w, "AdjustHandler", AdjustResponse{ConsumptionID: res.Consumption.ID, Breakdown: res.Breakdown, Balance: res.Balance})
}

// Сторно списания
func (h *PointsHandler) ReverseHandler(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Consumption not found", http.StatusNotFound)
		return
	}
	rev, err := h.points.ReverseConsumption(req.Context(), id)
	if err != nil {
		h.fail(w, "ReverseHandler", err)
		return
	}
	h.reply(w, "ReverseHandler", ReversalMessage{rev.ID, rev.ConsumptionID, rev.Amount, rev.Restored, rev.RefundLotID, rev.CreatedAt})
}

type OrderResponse struct {
	ID            string          `json:"id"`
	User          string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	PointsSpent   int64           `json:"pointsSpent"`
	State         string          `json:"state"`
	FailureReason string          `json:"failureReason,omitempty"`
	Reconcile     bool            `json:"reconcile,omitempty"`
	PointsStage   string          `json:"pointsStage"`
	EarnedPoints  int64           `json:"earnedPoints"`
}

func orderResponse(o model.Order) OrderResponse {
	return OrderResponse{o.ID, o.User, o.Amount, o.PointsSpent, string(o.State), o.FailureReason, o.Reconcile,
		string(o.PointsStage), o.EarnedPoints}
}

// Заказ от корзины, тот же формат, что и в топике orders.paid
func (h *PointsHandler) SubmitOrderHandler(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "Body is empty", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()
	order, err := kafka.DecodeOrder(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err = h.workflow.Submit(req.Context(), order); err != nil {
		h.fail(w, "SubmitOrderHandler", err)
		return
	}
	h.orderReply(w, req, order.ID)
}

func (h *PointsHandler) GetOrderHandler(w http.ResponseWriter, req *http.Request) {
	h.orderReply(w, req, mux.Vars(req)["id"])
}

func (h *PointsHandler) CancelOrderHandler(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := h.workflow.Cancel(req.Context(), id); err != nil {
		h.fail(w, "CancelOrderHandler", err)
		return
	}
	h.orderReply(w, req, id)
}

func (h *PointsHandler) orderReply(w http.ResponseWriter, req *http.Request, id string) {
	order, err := h.orders.GetOrder(req.Context(), id)
	if err != nil {
		h.fail(w, "GetOrderHandler", err)
		return
	}
	h.reply(w, "GetOrderHandler", orderResponse(order))
}

// Прогон сгорания, asOf в RFC3339, по умолчанию текущее время
func (h *PointsHandler) SweepHandler(w http.ResponseWriter, req *http.Request) {
	asOf := time.Now()
	if raw := req.URL.Query().Get("asOf"); raw != "" {
		var err error
		if asOf, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "asOf is not correct", http.StatusBadRequest)
			return
		}
	}
	report, err := h.expiry.RunExpirySweep(req.Context(), asOf)
	if err != nil {
		h.fail(w, "SweepHandler", err)
		return
	}
	h.reply(w, "SweepHandler", report)
}

type DriftMessage struct {
	Account string `json:"account"`
	Cached  int64  `json:"cached"`
	Ledger  int64  `json:"ledger"`
}

// Сверка кэшированных балансов, fix=true исправляет расхождения
func (h *PointsHandler) ReconcileHandler(w http.ResponseWriter, req *http.Request) {
	fix := req.URL.Query().Get("fix") == "true"
	drifts, err := h.points.ReconcileAll(req.Context(), fix)
	if err != nil {
		h.fail(w, "ReconcileHandler", err)
		return
	}
	resp := make([]DriftMessage, len(drifts))
	for i, d := range drifts {
		resp[i] = DriftMessage{d.Account.String(), d.Cached, d.Ledger}
	}
	h.reply(w, "ReconcileHandler", resp)
}
