// Package handler содержит HTTP-обработчики API движка расчётов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wesplit/settlement/internal/ledger"
	"github.com/wesplit/settlement/internal/middleware"
	"github.com/wesplit/settlement/internal/model"
	"github.com/wesplit/settlement/internal/money"
	"github.com/wesplit/settlement/internal/oracle"
	"github.com/wesplit/settlement/internal/repository"
	"github.com/wesplit/settlement/internal/service"
	"github.com/wesplit/settlement/internal/token"
	"github.com/wesplit/settlement/internal/transfer"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateSplit(ctx context.Context, description, requester, tokenAddress, fiatCurrency string, contributors []service.NewContributor) (*model.Split, error)
	GetSplit(ctx context.Context, id string) (*model.Split, error)
	ListSplitsFor(ctx context.Context, identity string) ([]model.Split, error)
	RecordContribution(ctx context.Context, splitID, username, from string, amount *big.Int) (*model.Progress, error)
	Withdraw(ctx context.Context, splitID, caller string) (*model.Split, error)
	Progress(ctx context.Context, splitID string) (*model.Progress, error)
}

// Handler реализует HTTP-обработчики API движка расчётов.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError отдаёт ошибку в JSON со стабильным кодом для адресных сообщений в UI.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}

// mapError переводит доменную ошибку в HTTP-статус и стабильный код.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrSplitNotFound):
		return http.StatusNotFound, "split_not_found"
	case errors.Is(err, ledger.ErrUnknownContributor):
		return http.StatusUnprocessableEntity, "unknown_contributor"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, ledger.ErrSplitNotOpen):
		return http.StatusConflict, "split_not_open"
	case errors.Is(err, service.ErrEmptyContributorList):
		return http.StatusUnprocessableEntity, "empty_contributor_list"
	case errors.Is(err, service.ErrDuplicateUsername):
		return http.StatusUnprocessableEntity, "duplicate_username"
	case errors.Is(err, service.ErrNonPositiveAmount):
		return http.StatusUnprocessableEntity, "non_positive_amount"
	case errors.Is(err, service.ErrInvalidTokenAddress):
		return http.StatusUnprocessableEntity, "invalid_token_address"
	case errors.Is(err, service.ErrInvalidCurrency):
		return http.StatusUnprocessableEntity, "invalid_currency"
	case errors.Is(err, service.ErrInvalidUsername):
		return http.StatusUnprocessableEntity, "invalid_username"
	case errors.Is(err, service.ErrInvalidIdentity):
		return http.StatusUnprocessableEntity, "invalid_wallet_address"
	case errors.Is(err, service.ErrNotFunded):
		return http.StatusConflict, "not_funded"
	case errors.Is(err, service.ErrAlreadyWithdrawn):
		return http.StatusConflict, "already_withdrawn"
	case errors.Is(err, repository.ErrStateConflict):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, service.ErrNotRequester):
		return http.StatusForbidden, "not_requester"
	case errors.Is(err, service.ErrStalePriceData):
		return http.StatusBadGateway, "stale_price_data"
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusBadGateway, "price_unavailable"
	case errors.Is(err, oracle.ErrUnknownFeed):
		return http.StatusUnprocessableEntity, "unknown_price_feed"
	case errors.Is(err, token.ErrUnavailable):
		return http.StatusBadGateway, "token_metadata_unavailable"
	case errors.Is(err, token.ErrUnknownToken):
		return http.StatusUnprocessableEntity, "unknown_token"
	case errors.Is(err, transfer.ErrUnavailable):
		return http.StatusBadGateway, "transfer_unavailable"
	case errors.Is(err, transfer.ErrIndeterminate):
		return http.StatusBadGateway, "transfer_indeterminate"
	case errors.Is(err, transfer.ErrRejected):
		return http.StatusBadGateway, "transfer_rejected"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, fields ...zap.Field) {
	status, code := mapError(err)
	if status == http.StatusInternalServerError || errors.Is(err, money.ErrUnderflow) {
		// Нарушения инвариантов и неожиданные сбои логируются громко.
		h.logger.Error("request failed", append(fields, zap.Error(err))...)
	}
	writeError(w, status, code, err.Error())
}

type contributorRequest struct {
	Username string `json:"username"`
	Owed     int64  `json:"owed"`
}

type createSplitRequest struct {
	Description  string               `json:"description"`
	TokenAddress string               `json:"token_address"`
	FiatCurrency string               `json:"fiat_currency"`
	Contributors []contributorRequest `json:"contributors"`
}

// Суммы в ответах передаются десятичными строками: и токенные, и фиатные
// значения хранятся как big.Int и могут не помещаться в int64.
type contributorResponse struct {
	Username  string `json:"username"`
	Owed      string `json:"owed"`
	Paid      string `json:"paid"`
	Withdrawn string `json:"withdrawn"`
}

type splitResponse struct {
	ID            string                `json:"id"`
	Description   string                `json:"description"`
	Requester     string                `json:"requester"`
	TokenAddress  string                `json:"token_address"`
	TokenDecimals uint8                 `json:"token_decimals"`
	FiatCurrency  string                `json:"fiat_currency"`
	FiatAmount    string                `json:"fiat_amount"`
	Verified      bool                  `json:"verified"`
	State         string                `json:"state"`
	Contributors  []contributorResponse `json:"contributors"`
	CreatedAt     string                `json:"created_at"`
}

func toSplitResponse(s *model.Split) splitResponse {
	contributors := make([]contributorResponse, 0, len(s.Contributors))
	for _, c := range s.Contributors {
		contributors = append(contributors, contributorResponse{
			Username:  c.Username,
			Owed:      c.Owed.Amount().String(),
			Paid:      c.Paid.Amount().String(),
			Withdrawn: c.Withdrawn.Amount().String(),
		})
	}

	return splitResponse{
		ID:            s.ID,
		Description:   s.Description,
		Requester:     s.Requester,
		TokenAddress:  s.TokenAddress,
		TokenDecimals: s.TokenDecimals,
		FiatCurrency:  s.FiatCurrency,
		FiatAmount:    s.TotalFiat.Amount().String(),
		Verified:      s.Verified,
		State:         string(s.State),
		Contributors:  contributors,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
	}
}

type progressResponse struct {
	SettledCount int    `json:"settled_count"`
	TotalCount   int    `json:"total_count"`
	FiatRaised   string `json:"fiat_raised"`
	FiatTarget   string `json:"fiat_target"`
}

func toProgressResponse(p *model.Progress) progressResponse {
	return progressResponse{
		SettledCount: p.SettledCount,
		TotalCount:   p.TotalCount,
		FiatRaised:   p.FiatRaised.Amount().String(),
		FiatTarget:   p.FiatTarget.Amount().String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CreateSplit регистрирует новый счёт от имени кошелька из заголовка идентичности.
func (h *Handler) CreateSplit(w http.ResponseWriter, r *http.Request) {
	requester, ok := middleware.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createSplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	contributors := make([]service.NewContributor, 0, len(req.Contributors))
	for _, c := range req.Contributors {
		contributors = append(contributors, service.NewContributor{
			Username: c.Username,
			OwedFiat: big.NewInt(c.Owed),
		})
	}

	split, err := h.service.CreateSplit(r.Context(), req.Description, requester, req.TokenAddress, req.FiatCurrency, contributors)
	if err != nil {
		h.handleError(w, err, zap.String("requester", requester))
		return
	}

	writeJSON(w, http.StatusCreated, toSplitResponse(split))
}

// GetSplit возвращает счёт по идентификатору.
func (h *Handler) GetSplit(w http.ResponseWriter, r *http.Request) {
	splitID := splitIDParam(r)

	split, err := h.service.GetSplit(r.Context(), splitID)
	if err != nil {
		h.handleError(w, err, zap.String("split_id", splitID))
		return
	}

	writeJSON(w, http.StatusOK, toSplitResponse(split))
}

// ListSplits возвращает счета, где кошелёк из заголовка — инициатор или участник.
func (h *Handler) ListSplits(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	splits, err := h.service.ListSplitsFor(r.Context(), identity)
	if err != nil {
		h.handleError(w, err, zap.String("identity", identity))
		return
	}

	if len(splits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]splitResponse, 0, len(splits))
	for i := range splits {
		resp = append(resp, toSplitResponse(&splits[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type contributionRequest struct {
	Username string `json:"username"`
	From     string `json:"from"`
	Amount   string `json:"amount"` // базовые единицы токена
}

// Contribute принимает взнос участника в базовых единицах токена.
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	splitID := splitIDParam(r)

	var req contributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed_amount", "amount must be a base-unit integer")
		return
	}

	progress, err := h.service.RecordContribution(r.Context(), splitID, req.Username, req.From, amount)
	if err != nil {
		h.handleError(w, err, zap.String("split_id", splitID), zap.String("username", req.Username))
		return
	}

	writeJSON(w, http.StatusOK, toProgressResponse(progress))
}

// Withdraw выплачивает собранные средства инициатору счёта.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.WalletFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	splitID := splitIDParam(r)

	split, err := h.service.Withdraw(r.Context(), splitID, caller)
	if err != nil {
		h.handleError(w, err, zap.String("split_id", splitID), zap.String("caller", caller))
		return
	}

	writeJSON(w, http.StatusOK, toSplitResponse(split))
}

// GetProgress возвращает прогресс финансирования счёта.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	splitID := splitIDParam(r)

	progress, err := h.service.Progress(r.Context(), splitID)
	if err != nil {
		h.handleError(w, err, zap.String("split_id", splitID))
		return
	}

	writeJSON(w, http.StatusOK, toProgressResponse(progress))
}
