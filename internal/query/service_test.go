package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pjmoura/bancoledger/internal/domain"
	"github.com/pjmoura/bancoledger/internal/ledger"
	"github.com/pjmoura/bancoledger/internal/store"
)

const (
	cpfA = "52998224725"
	cpfB = "11144477735"
)

func seed(t *testing.T) (*Service, *ledger.Engine) {
	t.Helper()
	m := store.NewMemory()
	engine := ledger.NewEngine(m, ledger.NewMemoryIdempotency(time.Minute), nil, zap.NewNop())
	ctx := context.Background()

	_, err := engine.CreateClient(ctx, domain.CreateClientRequest{
		Name: "Ana Souza", CPF: cpfA, Address: "Rua A, 1", BirthDate: "1990-05-20",
	})
	require.NoError(t, err)
	_, err = engine.CreateClient(ctx, domain.CreateClientRequest{
		Name: "Bruno Lima", CPF: cpfB, Address: "Rua B, 2", BirthDate: "1988-11-02",
	})
	require.NoError(t, err)

	for _, n := range []struct {
		number int64
		cpf    string
	}{{100, cpfA}, {200, cpfB}} {
		_, err = engine.CreateAccount(ctx, domain.CreateAccountRequest{Number: n.number, OwnerCPF: n.cpf})
		require.NoError(t, err)
	}
	return NewService(m), engine
}

func TestListClients(t *testing.T) {
	require := require.New(t)
	svc, _ := seed(t)

	clients, err := svc.ListClients(context.Background())
	require.NoError(err)
	require.Len(clients, 2)
	require.Equal("Ana Souza", clients[0].Name)
}

func TestListAccounts(t *testing.T) {
	require := require.New(t)
	svc, _ := seed(t)

	accounts, err := svc.ListAccounts(context.Background())
	require.NoError(err)
	require.Len(accounts, 2)
	require.Equal(int64(100), accounts[0].Number)
	require.Equal(int64(200), accounts[1].Number)
}

func TestGetClient(t *testing.T) {
	require := require.New(t)
	svc, _ := seed(t)
	ctx := context.Background()

	c, err := svc.GetClient(ctx, 1)
	require.NoError(err)
	require.Equal(cpfA, c.CPF)

	_, err = svc.GetClient(ctx, 99)
	require.ErrorIs(err, domain.ErrClientNotFound)
}

func TestGetAccountView(t *testing.T) {
	require := require.New(t)
	svc, engine := seed(t)
	ctx := context.Background()

	_, err := engine.Deposit(ctx, 100, 1000)
	require.NoError(err)
	_, _, err = engine.Transfer(ctx, domain.TransferRequest{SourceAcct: 100, DestAcct: 200, Amount: 400}, "")
	require.NoError(err)

	view, err := svc.GetAccount(ctx, 100)
	require.NoError(err)
	require.Equal(int64(600), view.Balance)
	require.Equal("Ana Souza", view.Holder)
	require.Equal(domain.DefaultAgency, view.Agency)
	require.Len(view.History, 2)
	require.Equal(domain.TxDeposit, view.History[0].Type)
	require.Equal(domain.TxTransfer, view.History[1].Type)

	// Destination sees only the transfer.
	view, err = svc.GetAccount(ctx, 200)
	require.NoError(err)
	require.Equal(int64(400), view.Balance)
	require.Equal("Bruno Lima", view.Holder)
	require.Len(view.History, 1)

	_, err = svc.GetAccount(ctx, 999)
	require.ErrorIs(err, domain.ErrAccountNotFound)
}
