package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pjmoura/bancoledger/internal/auth"
	"github.com/pjmoura/bancoledger/internal/domain"
	"github.com/pjmoura/bancoledger/internal/ledger"
	"github.com/pjmoura/bancoledger/internal/query"
	"github.com/pjmoura/bancoledger/internal/store"
)

const (
	cpfA = "52998224725"
	cpfB = "11144477735"
)

type testServer struct {
	t      *testing.T
	router *mux.Router
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	m := store.NewMemory()
	logger := zap.NewNop()
	engine := ledger.NewEngine(m, ledger.NewMemoryIdempotency(time.Minute), nil, logger)
	queries := query.NewService(m)
	authSvc := auth.NewService(m, "test-secret", time.Minute)
	handler := NewHandler(engine, queries, authSvc, logger)

	ts := &testServer{t: t, router: handler.Router()}
	ts.do("POST", "/auth/register", map[string]string{"username": "maria", "password": "s3nha"}, "")
	resp := ts.do("POST", "/auth/login", map[string]string{"username": "maria", "password": "s3nha"}, "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	ts.token = body.AccessToken
	return ts
}

func (ts *testServer) do(method, path string, payload any, idemKey string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(ts.t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createClient(name, cpf string) *httptest.ResponseRecorder {
	return ts.do("POST", "/banco/clientes/", domain.CreateClientRequest{
		Name: name, CPF: cpf, Address: "Rua A, 1", BirthDate: "1990-05-20",
	}, "")
}

func (ts *testServer) createAccount(number int64, cpf string) *httptest.ResponseRecorder {
	return ts.do("POST", "/banco/contas/", domain.CreateAccountRequest{Number: number, OwnerCPF: cpf}, "")
}

func (ts *testServer) deposit(number, amount int64) *httptest.ResponseRecorder {
	return ts.do("POST", "/banco/contas/"+itoa(number)+"/deposito", domain.AmountRequest{Amount: amount}, "")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAuthFlow(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)

	// Duplicate registration.
	resp := ts.do("POST", "/auth/register", map[string]string{"username": "maria", "password": "x"}, "")
	require.Equal(http.StatusBadRequest, resp.Code)

	// Wrong password.
	resp = ts.do("POST", "/auth/login", map[string]string{"username": "maria", "password": "errada"}, "")
	require.Equal(http.StatusUnauthorized, resp.Code)

	// Protected probe with and without token.
	resp = ts.do("GET", "/banco/protected", nil, "")
	require.Equal(http.StatusOK, resp.Code)

	bare := &testServer{t: t, router: ts.router}
	resp = bare.do("GET", "/banco/protected", nil, "")
	require.Equal(http.StatusUnauthorized, resp.Code)
}

func TestMutationsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	bare := &testServer{t: t, router: ts.router}

	resp := bare.createClient("Ana Souza", cpfA)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "unauthenticated", errCode(t, resp))
}

func TestCreateClientEndpoint(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)

	resp := ts.createClient("Ana Souza", "529.982.247-25")
	require.Equal(http.StatusCreated, resp.Code)

	var client domain.Client
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &client))
	require.Equal(cpfA, client.CPF)
	require.NotZero(client.ID)

	resp = ts.createClient("Outra Ana", cpfA)
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("duplicate_cpf", errCode(t, resp))

	resp = ts.createClient("Sem CPF", "123")
	require.Equal(http.StatusBadRequest, resp.Code)
	require.Equal("validation", errCode(t, resp))
}

func TestCreateAccountEndpoint(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	ts.createClient("Ana Souza", cpfA)

	resp := ts.createAccount(100, cpfA)
	require.Equal(http.StatusCreated, resp.Code)

	var acct domain.Account
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &acct))
	require.Equal(int64(0), acct.Balance)
	require.Equal(domain.DefaultAgency, acct.Agency)

	resp = ts.createAccount(100, cpfA)
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("duplicate_account", errCode(t, resp))

	resp = ts.createAccount(200, cpfB)
	require.Equal(http.StatusNotFound, resp.Code)
	require.Equal("client_not_found", errCode(t, resp))
}

func TestTransferEndpoint(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	ts.createClient("Ana Souza", cpfA)
	ts.createClient("Bruno Lima", cpfB)
	ts.createAccount(100, cpfA)
	ts.createAccount(200, cpfB)
	require.Equal(http.StatusCreated, ts.deposit(100, 1000).Code)

	resp := ts.do("POST", "/banco/transacoes/", domain.TransferRequest{SourceAcct: 100, DestAcct: 200, Amount: 400}, "")
	require.Equal(http.StatusCreated, resp.Code)

	var txn domain.Transaction
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &txn))
	require.Equal(domain.TxCommitted, txn.Status)
	require.Equal(int64(400), txn.Amount)

	// Insufficient funds carries the invariant details.
	resp = ts.do("POST", "/banco/transacoes/", domain.TransferRequest{SourceAcct: 100, DestAcct: 200, Amount: 700}, "")
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("insufficient_funds", errCode(t, resp))
	require.Contains(resp.Body.String(), "balance 600")
	require.Contains(resp.Body.String(), "requested 700")

	resp = ts.do("POST", "/banco/transacoes/", domain.TransferRequest{SourceAcct: 100, DestAcct: 100, Amount: 10}, "")
	require.Equal(http.StatusBadRequest, resp.Code)
	require.Equal("same_account", errCode(t, resp))

	resp = ts.do("POST", "/banco/transacoes/", domain.TransferRequest{SourceAcct: 100, DestAcct: 200, Amount: 0}, "")
	require.Equal(http.StatusBadRequest, resp.Code)
	require.Equal("invalid_amount", errCode(t, resp))

	resp = ts.do("POST", "/banco/transacoes/", domain.TransferRequest{SourceAcct: 999, DestAcct: 200, Amount: 10}, "")
	require.Equal(http.StatusNotFound, resp.Code)
	require.Equal("account_not_found", errCode(t, resp))
}

func TestTransferIdempotencyHeader(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	ts.createClient("Ana Souza", cpfA)
	ts.createClient("Bruno Lima", cpfB)
	ts.createAccount(100, cpfA)
	ts.createAccount(200, cpfB)
	ts.deposit(100, 1000)

	req := domain.TransferRequest{SourceAcct: 100, DestAcct: 200, Amount: 400}
	first := ts.do("POST", "/banco/transacoes/", req, "idem-1")
	require.Equal(http.StatusCreated, first.Code)

	replay := ts.do("POST", "/banco/transacoes/", req, "idem-1")
	require.Equal(http.StatusOK, replay.Code)

	var tx1, tx2 domain.Transaction
	require.NoError(json.Unmarshal(first.Body.Bytes(), &tx1))
	require.NoError(json.Unmarshal(replay.Body.Bytes(), &tx2))
	require.Equal(tx1.ID, tx2.ID)

	// Balance reflects a single application.
	view := ts.do("GET", "/banco/contas/100", nil, "")
	require.Equal(http.StatusOK, view.Code)
	var acct domain.AccountView
	require.NoError(json.Unmarshal(view.Body.Bytes(), &acct))
	require.Equal(int64(600), acct.Balance)
}

func TestGetAccountEndpoint(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	ts.createClient("Ana Souza", cpfA)
	ts.createAccount(100, cpfA)
	ts.deposit(100, 250)

	resp := ts.do("GET", "/banco/contas/100", nil, "")
	require.Equal(http.StatusOK, resp.Code)

	var view domain.AccountView
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &view))
	require.Equal("Ana Souza", view.Holder)
	require.Equal(int64(250), view.Balance)
	require.Len(view.History, 1)
	require.Equal(domain.TxDeposit, view.History[0].Type)

	resp = ts.do("GET", "/banco/contas/999", nil, "")
	require.Equal(http.StatusNotFound, resp.Code)

	resp = ts.do("GET", "/banco/contas/abc", nil, "")
	require.Equal(http.StatusBadRequest, resp.Code)
}

func TestWithdrawAndCloseEndpoints(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	ts.createClient("Ana Souza", cpfA)
	ts.createAccount(100, cpfA)
	ts.deposit(100, 300)

	resp := ts.do("POST", "/banco/contas/100/saque", domain.AmountRequest{Amount: 120}, "")
	require.Equal(http.StatusCreated, resp.Code)

	resp = ts.do("POST", "/banco/contas/100/saque", domain.AmountRequest{Amount: 500}, "")
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("insufficient_funds", errCode(t, resp))

	resp = ts.do("POST", "/banco/contas/100/encerrar", nil, "")
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("account_not_empty", errCode(t, resp))

	ts.do("POST", "/banco/contas/100/saque", domain.AmountRequest{Amount: 180}, "")
	resp = ts.do("POST", "/banco/contas/100/encerrar", nil, "")
	require.Equal(http.StatusOK, resp.Code)

	resp = ts.deposit(100, 10)
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("account_closed", errCode(t, resp))
}

func TestListEndpoints(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	ts.createClient("Ana Souza", cpfA)
	ts.createClient("Bruno Lima", cpfB)
	ts.createAccount(100, cpfA)

	resp := ts.do("GET", "/get/clientes", nil, "")
	require.Equal(http.StatusOK, resp.Code)
	var clients []domain.Client
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &clients))
	require.Len(clients, 2)

	resp = ts.do("GET", "/get/contas", nil, "")
	require.Equal(http.StatusOK, resp.Code)
	var accounts []domain.Account
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &accounts))
	require.Len(accounts, 1)
}

func TestUpdateAndDeleteClientEndpoints(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)

	created := ts.createClient("Ana Souza", cpfA)
	var client domain.Client
	require.NoError(json.Unmarshal(created.Body.Bytes(), &client))
	id := itoa(client.ID)

	resp := ts.do("PUT", "/clientes/"+id, map[string]string{"nome": "Ana Oliveira"}, "")
	require.Equal(http.StatusOK, resp.Code)
	var updated domain.Client
	require.NoError(json.Unmarshal(resp.Body.Bytes(), &updated))
	require.Equal("Ana Oliveira", updated.Name)

	resp = ts.do("PUT", "/clientes/"+id, map[string]string{"cpf": cpfB}, "")
	require.Equal(http.StatusBadRequest, resp.Code)

	resp = ts.do("PUT", "/clientes/999", map[string]string{"nome": "X"}, "")
	require.Equal(http.StatusNotFound, resp.Code)

	// Delete blocked while a funded account exists.
	ts.createAccount(100, cpfA)
	ts.deposit(100, 50)
	resp = ts.do("DELETE", "/clientes/"+id, nil, "")
	require.Equal(http.StatusConflict, resp.Code)
	require.Equal("client_has_accounts", errCode(t, resp))

	ts.do("POST", "/banco/contas/100/saque", domain.AmountRequest{Amount: 50}, "")
	resp = ts.do("POST", "/banco/contas/100/encerrar", nil, "")
	require.Equal(http.StatusOK, resp.Code)

	resp = ts.do("DELETE", "/clientes/"+id, nil, "")
	require.Equal(http.StatusNoContent, resp.Code)

	resp = ts.do("DELETE", "/clientes/"+id, nil, "")
	require.Equal(http.StatusNotFound, resp.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do("GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
}
