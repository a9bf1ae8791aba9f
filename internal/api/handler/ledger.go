// internal/api/handler/ledger.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrow-ledger/internal/api/types"
	"escrow-ledger/internal/domain"
	"escrow-ledger/internal/repository"
	"escrow-ledger/internal/service"
	"escrow-ledger/internal/util"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// LedgerHandler adapts HTTP requests to the ledger engine.
type LedgerHandler struct {
	service  service.LedgerService
	validate *validator.Validate
	logger   *zerolog.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc service.LedgerService, logger *zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{
		service:  svc,
		validate: validator.New(),
		logger:   logger,
	}
}

// AmountRequest is the body of deposit and withdraw.
type AmountRequest struct {
	Amount      string `json:"amount" validate:"required"`
	Description string `json:"description" validate:"max=500"`
}

// HoldRequest is the body of POST /escrow/holds.
type HoldRequest struct {
	PayerID       string  `json:"payer_id" validate:"required,max=128"`
	PayeeID       *string `json:"payee_id" validate:"omitempty,max=128"`
	Amount        string  `json:"amount" validate:"required"`
	ProjectID     string  `json:"project_id" validate:"required,max=128"`
	MilestoneID   *string `json:"milestone_id" validate:"omitempty,max=128"`
	Description   string  `json:"description" validate:"max=500"`
	PlatformFee   *string `json:"platform_fee"`
	ProcessingFee *string `json:"processing_fee"`
}

// ReleaseRequest is the body of POST /escrow/holds/{transactionID}/release.
type ReleaseRequest struct {
	PayeeID     *string `json:"payee_id" validate:"omitempty,max=128"`
	Description string  `json:"description" validate:"max=500"`
}

// RefundRequest is the body of POST /escrow/holds/{transactionID}/refund.
// An empty amount refunds the whole hold.
type RefundRequest struct {
	Amount      string  `json:"amount"`
	Remainder   string  `json:"remainder" validate:"omitempty,oneof=hold release"`
	PayeeID     *string `json:"payee_id" validate:"omitempty,max=128"`
	Description string  `json:"description" validate:"max=500"`
}

// TransferRequest is the body of POST /transfers.
type TransferRequest struct {
	PayerID     string  `json:"payer_id" validate:"required,max=128"`
	PayeeID     string  `json:"payee_id" validate:"required,max=128,nefield=PayerID"`
	Amount      string  `json:"amount" validate:"required"`
	ProjectID   string  `json:"project_id" validate:"max=128"`
	MilestoneID *string `json:"milestone_id" validate:"omitempty,max=128"`
	Description string  `json:"description" validate:"max=500"`
}

// decode reads and validates a JSON body. An empty body decodes to the zero
// value, which validation then accepts or rejects.
func (h *LedgerHandler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body", util.ErrInvalidInput)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", util.ErrInvalidInput, err.Error())
	}
	return nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q is not a decimal number", util.ErrInvalidAmount, field, raw)
	}
	if err := domain.ValidateMagnitude(amount); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}

func parseFee(field string, raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	fee, err := parseAmount(field, *raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(fee), nil
}

func transactionIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: transaction id must be a UUID", util.ErrInvalidInput)
	}
	return id, nil
}

// Deposit handles POST /wallets/{userID}/deposit.
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.service.AddFunds)
}

// Withdraw handles POST /wallets/{userID}/withdraw.
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.service.WithdrawFunds)
}

type fundsFunc func(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Wallet, *domain.Transaction, error)

func (h *LedgerHandler) moveFunds(w http.ResponseWriter, r *http.Request, op fundsFunc) {
	var req AmountRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	wallet, record, err := op(r.Context(), chi.URLParam(r, "userID"), amount, req.Description)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"wallet":      wallet,
		"transaction": record,
	})
}

// Hold handles POST /escrow/holds.
func (h *LedgerHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	platformFee, err := parseFee("platform_fee", req.PlatformFee)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	processingFee, err := parseFee("processing_fee", req.ProcessingFee)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	receipt, err := h.service.HoldFunds(r.Context(), service.HoldRequest{
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		Amount:      amount,
		ProjectID:   req.ProjectID,
		MilestoneID: req.MilestoneID,
		Description: req.Description,
		Fees:        domain.Fees{PlatformFee: platformFee, ProcessingFee: processingFee},
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, receipt)
}

// Release handles POST /escrow/holds/{transactionID}/release.
func (h *LedgerHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := transactionIDParam(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var req ReleaseRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	receipt, err := h.service.ReleaseFunds(r.Context(), service.ReleaseRequest{
		TransactionID: id,
		PayeeID:       req.PayeeID,
		Description:   req.Description,
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, receipt)
}

// Refund handles POST /escrow/holds/{transactionID}/refund.
func (h *LedgerHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := transactionIDParam(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var req RefundRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var amount decimal.Decimal
	if req.Amount != "" {
		if amount, err = parseAmount("amount", req.Amount); err != nil {
			respondWithError(w, h.logger, err)
			return
		}
	}

	receipt, err := h.service.RefundFunds(r.Context(), service.RefundRequest{
		TransactionID: id,
		Description:   req.Description,
		Amount:        amount,
		Remainder:     service.RemainderPolicy(req.Remainder),
		PayeeID:       req.PayeeID,
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, receipt)
}

// Transfer handles POST /transfers.
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	receipt, err := h.service.TransferFunds(r.Context(), service.TransferRequest{
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		Amount:      amount,
		ProjectID:   req.ProjectID,
		MilestoneID: req.MilestoneID,
		Description: req.Description,
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, receipt)
}

// GetWallet handles GET /wallets/{userID}.
func (h *LedgerHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, wallet)
}

// GetWalletStats handles GET /wallets/{userID}/stats.
func (h *LedgerHandler) GetWalletStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetWalletStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

// Reconcile handles GET /wallets/{userID}/reconciliation.
func (h *LedgerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ReconcileWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, report)
}

// ListTransactions handles GET /wallets/{userID}/transactions.
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			respondWithError(w, h.logger, fmt.Errorf("%w: offset must be a non-negative integer", util.ErrInvalidInput))
			return
		}
	}

	filter := repository.TransactionFilter{
		Limit:  limit,
		Offset: offset,
		Status: domain.TransactionStatus(query.Get("status")),
		Type:   domain.TransactionType(query.Get("type")),
	}
	transactions, total, err := h.service.ListTransactions(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, types.NewPage(transactions, limit, offset, total))
}

// GetTransaction handles GET /transactions/{transactionID}.
func (h *LedgerHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := transactionIDParam(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	record, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, record)
}
