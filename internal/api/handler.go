package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// Lender is the lending engine as seen by the HTTP layer.
type Lender interface {
	Borrow(ctx context.Context, accountID, bookID int64, remarks string) (domain.LoanRecord, error)
	ReturnBook(ctx context.Context, recordID int64, remarks string) (domain.LoanRecord, error)
	ForceReturn(ctx context.Context, recordID int64, target domain.LoanStatus, remarks string) (domain.LoanRecord, error)
	ListActiveLoans(ctx context.Context, accountID int64) ([]domain.LoanRecord, error)
	GetLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error)
	ListLoans(ctx context.Context, filter domain.LoanFilter) (domain.LoanPage, error)
	GetBook(ctx context.Context, bookID int64) (domain.Book, error)
}

type Handler struct {
	lender   Lender
	log      *zap.Logger
	validate *validator.Validate
}

func NewHandler(lender Lender, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{lender: lender, log: log, validate: validator.New()}
}

// NewRouter wires the lending routes, health and metrics endpoints.
func NewRouter(h *Handler, auth *Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, instrument(h.log))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(authenticate(auth))
	apiV1.HandleFunc("/loans", h.BorrowHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/loans/{id:[0-9]+}", h.GetLoanHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/loans/{id:[0-9]+}/return", h.ReturnHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/me/loans", h.MyLoansHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/me/loans/active", h.MyActiveLoansHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/books/{id:[0-9]+}", h.GetBookHandler).Methods(http.MethodGet)

	admin := apiV1.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/loans", h.AdminLoansHandler).Methods(http.MethodGet)
	admin.HandleFunc("/loans/{id:[0-9]+}/force-return", h.ForceReturnHandler).Methods(http.MethodPost)

	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) BorrowHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req borrowRequest
	if err := decodeBody(r, h.validate, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.lender.Borrow(r.Context(), p.AccountID, req.BookID, req.Remarks)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/loans/%d", record.ID))
	respondWithJSON(w, http.StatusCreated, record)
}

func (h *Handler) ReturnHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, err := pathID(mux.Vars(r))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req returnRequest
	if err := decodeBody(r, h.validate, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Ordinary accounts may only return their own loans. The account on a record never changes,
	// so checking before the write is enough.
	if !p.IsAdmin() {
		record, err := h.lender.GetLoan(r.Context(), id)
		if err != nil {
			h.respondWithDomainError(w, r, err)
			return
		}
		if record.AccountID != p.AccountID {
			respondWithError(w, http.StatusForbidden, "Loan belongs to another account")
			return
		}
	}

	record, err := h.lender.ReturnBook(r.Context(), id, req.Remarks)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

func (h *Handler) ForceReturnHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(mux.Vars(r))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req forceReturnRequest
	if err := decodeBody(r, h.validate, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := req.targetStatus()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.lender.ForceReturn(r.Context(), id, target, req.Remarks)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

func (h *Handler) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, err := pathID(mux.Vars(r))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.lender.GetLoan(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	// Hide other accounts' loans rather than reveal they exist.
	if !p.IsAdmin() && record.AccountID != p.AccountID {
		respondWithError(w, http.StatusNotFound, "Loan record not found")
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

func (h *Handler) MyLoansHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	filter, err := loanFilter(r.URL.Query(), false)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.AccountID = &p.AccountID

	h.listLoans(w, r, filter)
}

func (h *Handler) MyActiveLoansHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	records, err := h.lender.ListActiveLoans(r.Context(), p.AccountID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.LoanRecord{}
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) AdminLoansHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := loanFilter(r.URL.Query(), true)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.listLoans(w, r, filter)
}

func (h *Handler) listLoans(w http.ResponseWriter, r *http.Request, filter domain.LoanFilter) {
	page, err := h.lender.ListLoans(r.Context(), filter)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if page.Content == nil {
		page.Content = []domain.LoanRecord{}
	}
	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) GetBookHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(mux.Vars(r))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.lender.GetBook(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, book)
}

// respondWithDomainError maps engine errors onto HTTP statuses. Unexpected failures are logged
// and reported without internal detail.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	respondWithError(w, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case errors.Is(err, domain.ErrBookNotFound):
		return http.StatusNotFound, "Book not found"
	case errors.Is(err, domain.ErrLoanNotFound):
		return http.StatusNotFound, "Loan record not found"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusConflict, "No available copies"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "Loan is not active"
	case errors.Is(err, domain.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "Borrow limit exceeded"
	case errors.Is(err, domain.ErrInvalidTargetStatus), errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, "Too much contention, retry later"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
