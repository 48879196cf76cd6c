package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pjmoura/bancoledger/internal/auth"
	"github.com/pjmoura/bancoledger/internal/domain"
	"github.com/pjmoura/bancoledger/internal/ledger"
	"github.com/pjmoura/bancoledger/internal/query"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "banco_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "banco_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type identityKey struct{}

// Handler adapts HTTP requests onto the engine, query service and auth
// service. It owns no business rules: it decodes, dispatches and maps
// domain errors to protocol statuses.
type Handler struct {
	engine  *ledger.Engine
	queries *query.Service
	auth    *auth.Service
	verify  auth.Verifier
	log     *zap.Logger
}

func NewHandler(engine *ledger.Engine, queries *query.Service, authSvc *auth.Service, log *zap.Logger) *Handler {
	return &Handler{
		engine:  engine,
		queries: queries,
		auth:    authSvc,
		verify:  authSvc.Verify,
		log:     log,
	}
}

// Router builds the full route table of the service.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/auth/register", h.Register).Methods("POST")
	r.HandleFunc("/auth/login", h.Login).Methods("POST")

	banco := r.PathPrefix("/banco").Subrouter()
	banco.HandleFunc("/protected", h.requireAuth(h.Protected)).Methods("GET")
	banco.HandleFunc("/clientes/", h.requireAuth(h.CreateClient)).Methods("POST")
	banco.HandleFunc("/contas/", h.requireAuth(h.CreateAccount)).Methods("POST")
	banco.HandleFunc("/transacoes/", h.requireAuth(h.CreateTransfer)).Methods("POST")
	banco.HandleFunc("/contas/{numero}", h.GetAccount).Methods("GET")
	banco.HandleFunc("/contas/{numero}/deposito", h.requireAuth(h.Deposit)).Methods("POST")
	banco.HandleFunc("/contas/{numero}/saque", h.requireAuth(h.Withdraw)).Methods("POST")
	banco.HandleFunc("/contas/{numero}/encerrar", h.requireAuth(h.CloseAccount)).Methods("POST")

	r.HandleFunc("/get/clientes", h.ListClients).Methods("GET")
	r.HandleFunc("/get/contas", h.ListAccounts).Methods("GET")

	r.HandleFunc("/clientes/{id}", h.requireAuth(h.UpdateClient)).Methods("PUT")
	r.HandleFunc("/clientes/{id}", h.requireAuth(h.DeleteClient)).Methods("DELETE")
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, r.Method, "/health")
}

// requireAuth verifies the bearer credential before the wrapped handler runs.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token", r.Method, r.URL.Path)
			return
		}
		identity, err := h.verify(r.Context(), header[len(prefix):])
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthenticated", err.Error(), r.Method, r.URL.Path)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "POST", "/auth/register")
		return
	}
	if err := h.auth.Register(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			respondError(w, http.StatusBadRequest, "user_exists", err.Error(), "POST", "/auth/register")
			return
		}
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusBadRequest, "validation", err.Error(), "POST", "/auth/register")
			return
		}
		h.internalError(w, err, "POST", "/auth/register")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"username": req.Username}, "POST", "/auth/register")
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "POST", "/auth/login")
		return
	}
	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid_credentials", err.Error(), "POST", "/auth/login")
			return
		}
		h.internalError(w, err, "POST", "/auth/login")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"}, "POST", "/auth/login")
}

func (h *Handler) Protected(w http.ResponseWriter, r *http.Request) {
	identity := r.Context().Value(identityKey{}).(*auth.Identity)
	respondJSON(w, http.StatusOK, map[string]string{
		"msg": "Bem-vindo " + identity.Username + ", voce acessou uma rota protegida!",
	}, "GET", "/banco/protected")
}

func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "POST", "/banco/clientes/")
		return
	}
	client, err := h.engine.CreateClient(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/banco/clientes/")
		return
	}
	respondJSON(w, http.StatusCreated, client, "POST", "/banco/clientes/")
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "POST", "/banco/contas/")
		return
	}
	acct, err := h.engine.CreateAccount(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/banco/contas/")
		return
	}
	respondJSON(w, http.StatusCreated, acct, "POST", "/banco/contas/")
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/banco/transacoes/"))
	defer timer.ObserveDuration()

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "POST", "/banco/transacoes/")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	txn, replayed, err := h.engine.Transfer(r.Context(), req, idemKey)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/banco/transacoes/")
		return
	}
	if replayed {
		respondJSON(w, http.StatusOK, txn, "POST", "/banco/transacoes/")
		return
	}
	respondJSON(w, http.StatusCreated, txn, "POST", "/banco/transacoes/")
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.singleAccountTx(w, r, h.engine.Deposit, "/banco/contas/{numero}/deposito")
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.singleAccountTx(w, r, h.engine.Withdraw, "/banco/contas/{numero}/saque")
}

func (h *Handler) singleAccountTx(w http.ResponseWriter, r *http.Request,
	op func(context.Context, int64, int64) (*domain.Transaction, error), endpoint string) {

	number, err := pathInt64(r, "numero")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "numero must be an integer", "POST", endpoint)
		return
	}
	var req domain.AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "POST", endpoint)
		return
	}
	txn, err := op(r.Context(), number, req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusCreated, txn, "POST", endpoint)
}

func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	number, err := pathInt64(r, "numero")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "numero must be an integer", "POST", "/banco/contas/{numero}/encerrar")
		return
	}
	acct, err := h.engine.CloseAccount(r.Context(), number)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/banco/contas/{numero}/encerrar")
		return
	}
	respondJSON(w, http.StatusOK, acct, "POST", "/banco/contas/{numero}/encerrar")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	number, err := pathInt64(r, "numero")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "numero must be an integer", "GET", "/banco/contas/{numero}")
		return
	}
	view, err := h.queries.GetAccount(r.Context(), number)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/banco/contas/{numero}")
		return
	}
	respondJSON(w, http.StatusOK, view, "GET", "/banco/contas/{numero}")
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.queries.ListClients(r.Context())
	if err != nil {
		h.internalError(w, err, "GET", "/get/clientes")
		return
	}
	respondJSON(w, http.StatusOK, clients, "GET", "/get/clientes")
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.queries.ListAccounts(r.Context())
	if err != nil {
		h.internalError(w, err, "GET", "/get/contas")
		return
	}
	respondJSON(w, http.StatusOK, accounts, "GET", "/get/contas")
}

func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "id must be an integer", "PUT", "/clientes/{id}")
		return
	}
	var req domain.UpdateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "malformed JSON body", "PUT", "/clientes/{id}")
		return
	}
	client, err := h.engine.UpdateClient(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err, "PUT", "/clientes/{id}")
		return
	}
	respondJSON(w, http.StatusOK, client, "PUT", "/clientes/{id}")
}

func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "id must be an integer", "DELETE", "/clientes/{id}")
		return
	}
	if err := h.engine.DeleteClient(r.Context(), id); err != nil {
		h.respondDomainError(w, err, "DELETE", "/clientes/{id}")
		return
	}
	httpRequestsTotal.WithLabelValues("DELETE", "/clientes/{id}", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// respondDomainError maps engine errors onto the protocol taxonomy. The
// message is the engine's own, which names the violated invariant.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	code, reason := classify(err)
	if code == http.StatusInternalServerError {
		h.internalError(w, err, method, endpoint)
		return
	}
	respondError(w, code, reason, err.Error(), method, endpoint)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrSameAccount):
		return http.StatusBadRequest, "same_account"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrClientNotFound):
		return http.StatusNotFound, "client_not_found"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, domain.ErrDuplicateCPF):
		return http.StatusConflict, "duplicate_cpf"
	case errors.Is(err, domain.ErrDuplicateAccount):
		return http.StatusConflict, "duplicate_account"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, domain.ErrAccountClosed):
		return http.StatusConflict, "account_closed"
	case errors.Is(err, domain.ErrAccountNotEmpty):
		return http.StatusConflict, "account_not_empty"
	case errors.Is(err, domain.ErrClientHasAccounts):
		return http.StatusConflict, "client_has_accounts"
	case errors.Is(err, domain.ErrIdemInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrBusy):
		return http.StatusTooManyRequests, "busy"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) internalError(w http.ResponseWriter, err error, method, endpoint string) {
	h.log.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal", "internal server error", method, endpoint)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, code int, reason, message, method, endpoint string) {
	respondJSON(w, code, map[string]errorBody{"error": {Code: reason, Message: message}}, method, endpoint)
}

func respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
