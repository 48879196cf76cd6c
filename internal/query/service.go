package query

import (
	"context"
	"errors"
	"sort"

	"github.com/pjmoura/bancoledger/internal/domain"
	"github.com/pjmoura/bancoledger/internal/ledger"
	"github.com/pjmoura/bancoledger/internal/store"
)

// Service serves the read-only projections: client and account listings and
// the per-account view with holder name and history. It never mutates.
type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	recs, err := s.store.List(ctx, ledger.ClientPrefix)
	if err != nil {
		return nil, err
	}
	clients := make([]domain.Client, 0, len(recs))
	for _, rec := range recs {
		var c domain.Client
		if err := store.Decode(&rec, &c); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (s *Service) GetClient(ctx context.Context, id int64) (*domain.Client, error) {
	rec, err := s.store.Get(ctx, ledger.ClientKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	var c domain.Client
	if err := store.Decode(rec, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	recs, err := s.store.List(ctx, ledger.AccountPrefix)
	if err != nil {
		return nil, err
	}
	accounts := make([]domain.Account, 0, len(recs))
	for _, rec := range recs {
		var a domain.Account
		if err := store.Decode(&rec, &a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// GetAccount resolves the full account view: the record itself, the holder's
// name through the CPF index, and every transaction touching the account.
func (s *Service) GetAccount(ctx context.Context, number int64) (*domain.AccountView, error) {
	rec, err := s.store.Get(ctx, ledger.AccountKey(number))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	view := &domain.AccountView{History: []domain.Transaction{}}
	if err := store.Decode(rec, &view.Account); err != nil {
		return nil, err
	}

	if holder, err := s.holderName(ctx, view.OwnerCPF); err == nil {
		view.Holder = holder
	}

	txRecs, err := s.store.List(ctx, ledger.TxPrefix)
	if err != nil {
		return nil, err
	}
	for _, txRec := range txRecs {
		var txn domain.Transaction
		if err := store.Decode(&txRec, &txn); err != nil {
			return nil, err
		}
		if txn.SourceAcct == number || txn.DestAcct == number {
			view.History = append(view.History, txn)
		}
	}
	sort.Slice(view.History, func(i, j int) bool {
		return view.History[i].CreatedAt.Before(view.History[j].CreatedAt)
	})
	return view, nil
}

func (s *Service) holderName(ctx context.Context, cpf string) (string, error) {
	idxRec, err := s.store.Get(ctx, ledger.CPFKey(cpf))
	if err != nil {
		return "", err
	}
	var idx struct {
		ClientID int64 `json:"client_id"`
	}
	if err := store.Decode(idxRec, &idx); err != nil {
		return "", err
	}

	clientRec, err := s.store.Get(ctx, ledger.ClientKey(idx.ClientID))
	if err != nil {
		return "", err
	}
	var c domain.Client
	if err := store.Decode(clientRec, &c); err != nil {
		return "", err
	}
	return c.Name, nil
}
