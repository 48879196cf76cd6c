package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pjmoura/bancoledger/internal/domain"
	"github.com/pjmoura/bancoledger/internal/events"
	"github.com/pjmoura/bancoledger/internal/store"
)

const birthDateLayout = "2006-01-02"

// cpfIndex is the value stored under CPFKey; its insert-if-absent semantics
// make CPF uniqueness a single atomic operation.
type cpfIndex struct {
	ClientID int64 `json:"client_id"`
}

// Engine owns the write path for clients, accounts and transactions. Every
// multi-entity mutation goes through a single exclusive scope on the record
// store, which is what guarantees no observer sees a debited-but-not-credited
// state.
type Engine struct {
	store  store.Store
	idem   IdempotencyStore
	events events.Publisher
	log    *zap.Logger
}

func NewEngine(s store.Store, idem IdempotencyStore, pub events.Publisher, log *zap.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{store: s, idem: idem, events: pub, log: log}
}

// CreateClient validates and inserts a new client. The CPF index and the
// client record are written in one exclusive scope keyed by both.
func (e *Engine) CreateClient(ctx context.Context, req domain.CreateClientRequest) (*domain.Client, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: nome is required", domain.ErrValidation)
	}
	if req.Address == "" {
		return nil, fmt.Errorf("%w: endereco is required", domain.ErrValidation)
	}
	cpf, err := domain.NormalizeCPF(req.CPF)
	if err != nil {
		return nil, err
	}
	if err := validateBirthDate(req.BirthDate); err != nil {
		return nil, err
	}

	id, err := e.nextClientID(ctx)
	if err != nil {
		return nil, err
	}

	client := &domain.Client{
		ID:        id,
		Name:      req.Name,
		CPF:       cpf,
		Address:   req.Address,
		BirthDate: req.BirthDate,
		CreatedAt: time.Now().UTC(),
	}

	err = e.store.WithExclusive(ctx, []string{CPFKey(cpf), ClientKey(id)}, func(tx store.Txn) error {
		if _, err := tx.Get(ctx, CPFKey(cpf)); err == nil {
			return domain.ErrDuplicateCPF
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.Put(ctx, CPFKey(cpf), cpfIndex{ClientID: id}); err != nil {
			return err
		}
		return tx.Put(ctx, ClientKey(id), client)
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	e.log.Info("client created", zap.Int64("id", id), zap.String("cpf", cpf))
	return client, nil
}

// UpdateClient applies a partial update. The CPF is immutable: supplying a
// different one fails validation.
func (e *Engine) UpdateClient(ctx context.Context, id int64, req domain.UpdateClientRequest) (*domain.Client, error) {
	for {
		rec, err := e.store.Get(ctx, ClientKey(id))
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.ErrClientNotFound
		}
		if err != nil {
			return nil, err
		}

		var client domain.Client
		if err := store.Decode(rec, &client); err != nil {
			return nil, err
		}

		if req.CPF != nil {
			cpf, err := domain.NormalizeCPF(*req.CPF)
			if err != nil {
				return nil, err
			}
			if cpf != client.CPF {
				return nil, fmt.Errorf("%w: cpf is immutable", domain.ErrValidation)
			}
		}
		if req.Name != nil {
			if *req.Name == "" {
				return nil, fmt.Errorf("%w: nome cannot be empty", domain.ErrValidation)
			}
			client.Name = *req.Name
		}
		if req.Address != nil {
			if *req.Address == "" {
				return nil, fmt.Errorf("%w: endereco cannot be empty", domain.ErrValidation)
			}
			client.Address = *req.Address
		}
		if req.BirthDate != nil {
			if err := validateBirthDate(*req.BirthDate); err != nil {
				return nil, err
			}
			client.BirthDate = *req.BirthDate
		}

		err = e.store.CompareAndSwap(ctx, ClientKey(id), rec.Version, &client)
		if errors.Is(err, store.ErrVersionConflict) {
			continue // lost the race, reread and retry
		}
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between the read and the swap.
			return nil, domain.ErrClientNotFound
		}
		if err != nil {
			return nil, err
		}
		return &client, nil
	}
}

// DeleteClient removes a client and its CPF index. It refuses while the
// client owns an account holding funds, or an active account with history.
func (e *Engine) DeleteClient(ctx context.Context, id int64) error {
	rec, err := e.store.Get(ctx, ClientKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrClientNotFound
	}
	if err != nil {
		return err
	}
	var client domain.Client
	if err := store.Decode(rec, &client); err != nil {
		return err
	}

	accounts, err := e.ownedAccounts(ctx, client.CPF)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		if acct.Balance > 0 {
			return fmt.Errorf("%w: account %d holds %d", domain.ErrClientHasAccounts, acct.Number, acct.Balance)
		}
		if acct.Status == domain.AccountActive {
			touched, err := e.accountHasHistory(ctx, acct.Number)
			if err != nil {
				return err
			}
			if touched {
				return fmt.Errorf("%w: account %d is active with history", domain.ErrClientHasAccounts, acct.Number)
			}
		}
	}

	err = e.store.WithExclusive(ctx, []string{ClientKey(id), CPFKey(client.CPF)}, func(tx store.Txn) error {
		if _, err := tx.Get(ctx, ClientKey(id)); errors.Is(err, store.ErrNotFound) {
			return domain.ErrClientNotFound
		} else if err != nil {
			return err
		}
		if err := tx.Delete(ctx, CPFKey(client.CPF)); err != nil {
			return err
		}
		return tx.Delete(ctx, ClientKey(id))
	})
	if err != nil {
		return mapStoreErr(err)
	}

	e.log.Info("client deleted", zap.Int64("id", id))
	return nil
}

// CreateAccount opens an account with zero balance for an existing client.
func (e *Engine) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	if req.Number <= 0 {
		return nil, fmt.Errorf("%w: numero must be positive", domain.ErrValidation)
	}
	cpf, err := domain.NormalizeCPF(req.OwnerCPF)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.Get(ctx, CPFKey(cpf)); errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrClientNotFound
	} else if err != nil {
		return nil, err
	}

	acct := &domain.Account{
		Number:    req.Number,
		Agency:    domain.DefaultAgency,
		OwnerCPF:  cpf,
		Balance:   0,
		Status:    domain.AccountActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.PutIfAbsent(ctx, AccountKey(req.Number), acct); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			return nil, domain.ErrDuplicateAccount
		}
		return nil, err
	}

	e.log.Info("account created", zap.Int64("numero", req.Number), zap.String("cpf", cpf))
	return acct, nil
}

// CloseAccount transitions an empty account to closed. Closed accounts
// reject all further movements but keep their history.
func (e *Engine) CloseAccount(ctx context.Context, number int64) (*domain.Account, error) {
	var acct domain.Account
	err := e.store.WithExclusive(ctx, []string{AccountKey(number)}, func(tx store.Txn) error {
		if err := loadAccount(ctx, tx, number, &acct); err != nil {
			return err
		}
		if acct.Status == domain.AccountClosed {
			return fmt.Errorf("%w: account %d", domain.ErrAccountClosed, number)
		}
		if acct.Balance != 0 {
			return fmt.Errorf("%w: account %d still holds %d", domain.ErrAccountNotEmpty, number, acct.Balance)
		}
		acct.Status = domain.AccountClosed
		return tx.Put(ctx, AccountKey(number), &acct)
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	e.log.Info("account closed", zap.Int64("numero", number))
	return &acct, nil
}

// Transfer moves amount between two accounts. The debit, the credit and the
// transaction record commit in a single exclusive scope; an idempotency key,
// when supplied, collapses duplicate retries onto the original outcome.
func (e *Engine) Transfer(ctx context.Context, req domain.TransferRequest, idemKey string) (*domain.Transaction, bool, error) {
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("%w: got %d", domain.ErrInvalidAmount, req.Amount)
	}
	if req.SourceAcct == req.DestAcct {
		return nil, false, fmt.Errorf("%w: account %d", domain.ErrSameAccount, req.SourceAcct)
	}

	if idemKey != "" {
		prior, err := e.idem.Reserve(ctx, idemKey)
		if err != nil {
			return nil, false, err
		}
		if prior != nil {
			return prior, true, nil
		}
	}

	txn := &domain.Transaction{
		ID:         uuid.NewString(),
		Type:       domain.TxTransfer,
		SourceAcct: req.SourceAcct,
		DestAcct:   req.DestAcct,
		Amount:     req.Amount,
		Status:     domain.TxCommitted,
		CreatedAt:  time.Now().UTC(),
	}

	// The fresh transaction key joins the scope so the audit append commits
	// with the balance movements; a uuid key never contends.
	keys := []string{AccountKey(req.SourceAcct), AccountKey(req.DestAcct), TxKey(txn.ID)}
	err := e.store.WithExclusive(ctx, keys, func(tx store.Txn) error {
		var src, dst domain.Account
		if err := loadAccount(ctx, tx, req.SourceAcct, &src); err != nil {
			return err
		}
		if err := loadAccount(ctx, tx, req.DestAcct, &dst); err != nil {
			return err
		}
		if src.Status != domain.AccountActive {
			return fmt.Errorf("%w: account %d", domain.ErrAccountClosed, src.Number)
		}
		if dst.Status != domain.AccountActive {
			return fmt.Errorf("%w: account %d", domain.ErrAccountClosed, dst.Number)
		}
		if src.Balance < req.Amount {
			return fmt.Errorf("%w: balance %d, requested %d", domain.ErrInsufficientFunds, src.Balance, req.Amount)
		}

		src.Balance -= req.Amount
		dst.Balance += req.Amount
		if err := tx.Put(ctx, AccountKey(src.Number), &src); err != nil {
			return err
		}
		if err := tx.Put(ctx, AccountKey(dst.Number), &dst); err != nil {
			return err
		}
		return tx.Put(ctx, TxKey(txn.ID), txn)
	})
	if err != nil {
		if idemKey != "" {
			_ = e.idem.Release(ctx, idemKey)
		}
		return nil, false, mapStoreErr(err)
	}

	if idemKey != "" {
		if err := e.idem.Complete(ctx, idemKey, txn); err != nil {
			e.log.Warn("idempotency record failed", zap.String("key", idemKey), zap.Error(err))
		}
	}
	if err := e.events.PublishTransaction(ctx, *txn); err != nil {
		e.log.Warn("transaction event publish failed", zap.String("tx", txn.ID), zap.Error(err))
	}

	e.log.Info("transfer committed",
		zap.String("tx", txn.ID),
		zap.Int64("origem", req.SourceAcct),
		zap.Int64("destino", req.DestAcct),
		zap.Int64("valor", req.Amount))
	return txn, false, nil
}

// Deposit credits an account and appends the movement to its history.
func (e *Engine) Deposit(ctx context.Context, number, amount int64) (*domain.Transaction, error) {
	return e.singleAccountTx(ctx, number, amount, domain.TxDeposit)
}

// Withdraw debits an account, refusing to let the balance go negative.
func (e *Engine) Withdraw(ctx context.Context, number, amount int64) (*domain.Transaction, error) {
	return e.singleAccountTx(ctx, number, amount, domain.TxWithdraw)
}

func (e *Engine) singleAccountTx(ctx context.Context, number, amount int64, txType string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidAmount, amount)
	}

	txn := &domain.Transaction{
		ID:        uuid.NewString(),
		Type:      txType,
		Amount:    amount,
		Status:    domain.TxCommitted,
		CreatedAt: time.Now().UTC(),
	}
	if txType == domain.TxDeposit {
		txn.DestAcct = number
	} else {
		txn.SourceAcct = number
	}

	err := e.store.WithExclusive(ctx, []string{AccountKey(number), TxKey(txn.ID)}, func(tx store.Txn) error {
		var acct domain.Account
		if err := loadAccount(ctx, tx, number, &acct); err != nil {
			return err
		}
		if acct.Status != domain.AccountActive {
			return fmt.Errorf("%w: account %d", domain.ErrAccountClosed, number)
		}
		if txType == domain.TxWithdraw {
			if acct.Balance < amount {
				return fmt.Errorf("%w: balance %d, requested %d", domain.ErrInsufficientFunds, acct.Balance, amount)
			}
			acct.Balance -= amount
		} else {
			acct.Balance += amount
		}
		if err := tx.Put(ctx, AccountKey(number), &acct); err != nil {
			return err
		}
		return tx.Put(ctx, TxKey(txn.ID), txn)
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if err := e.events.PublishTransaction(ctx, *txn); err != nil {
		e.log.Warn("transaction event publish failed", zap.String("tx", txn.ID), zap.Error(err))
	}
	return txn, nil
}

func (e *Engine) ownedAccounts(ctx context.Context, cpf string) ([]domain.Account, error) {
	recs, err := e.store.List(ctx, AccountPrefix)
	if err != nil {
		return nil, err
	}
	var out []domain.Account
	for _, rec := range recs {
		var acct domain.Account
		if err := store.Decode(&rec, &acct); err != nil {
			return nil, err
		}
		if acct.OwnerCPF == cpf {
			out = append(out, acct)
		}
	}
	return out, nil
}

func (e *Engine) accountHasHistory(ctx context.Context, number int64) (bool, error) {
	recs, err := e.store.List(ctx, TxPrefix)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		var txn domain.Transaction
		if err := store.Decode(&rec, &txn); err != nil {
			return false, err
		}
		if txn.SourceAcct == number || txn.DestAcct == number {
			return true, nil
		}
	}
	return false, nil
}

// nextClientID advances the client sequence with a compare-and-swap loop,
// the store-level equivalent of an autoincrement column.
func (e *Engine) nextClientID(ctx context.Context) (int64, error) {
	for {
		rec, err := e.store.Get(ctx, clientSeqKey)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.store.PutIfAbsent(ctx, clientSeqKey, int64(1)); err != nil {
				if errors.Is(err, store.ErrKeyExists) {
					continue
				}
				return 0, err
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}

		var n int64
		if err := store.Decode(rec, &n); err != nil {
			return 0, err
		}
		err = e.store.CompareAndSwap(ctx, clientSeqKey, rec.Version, n+1)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	}
}

func loadAccount(ctx context.Context, tx store.Txn, number int64, out *domain.Account) error {
	rec, err := tx.Get(ctx, AccountKey(number))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: account %d", domain.ErrAccountNotFound, number)
	}
	if err != nil {
		return err
	}
	return store.Decode(rec, out)
}

// mapStoreErr turns lock-wait exhaustion into the retryable Busy error;
// everything else passes through for the API layer to classify.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrLockTimeout) {
		return fmt.Errorf("%w: %v", domain.ErrBusy, err)
	}
	return err
}

func validateBirthDate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: data_nascimento is required", domain.ErrValidation)
	}
	t, err := time.Parse(birthDateLayout, s)
	if err != nil {
		return fmt.Errorf("%w: data_nascimento must be YYYY-MM-DD", domain.ErrValidation)
	}
	if t.After(time.Now()) {
		return fmt.Errorf("%w: data_nascimento is in the future", domain.ErrValidation)
	}
	if t.Year() < 1900 {
		return fmt.Errorf("%w: data_nascimento before 1900", domain.ErrValidation)
	}
	return nil
}
