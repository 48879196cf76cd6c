package domain

import "errors"

// Engine errors. Handlers switch on these with errors.Is to pick the HTTP
// status; messages carry the violated invariant so callers never see a
// generic failure.
var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateCPF      = errors.New("client with this cpf already exists")
	ErrClientNotFound    = errors.New("client not found")
	ErrClientHasAccounts = errors.New("client still owns accounts")
	ErrDuplicateAccount  = errors.New("account number already taken")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountClosed     = errors.New("account is closed")
	ErrAccountNotEmpty   = errors.New("account balance must be zero")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSameAccount       = errors.New("source and destination must differ")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrBusy              = errors.New("accounts busy, retry later")
	ErrIdemInProgress    = errors.New("request with this idempotency key in progress")
)
