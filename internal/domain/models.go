package domain

import "time"

// Account status values. Accounts are never deleted, only closed.
const (
	AccountActive = "ativa"
	AccountClosed = "encerrada"
)

// Transaction types as exposed on the wire.
const (
	TxTransfer = "transferencia"
	TxDeposit  = "deposito"
	TxWithdraw = "saque"
)

// Transaction status values.
const (
	TxCommitted = "efetivada"
	TxRejected  = "rejeitada"
)

// DefaultAgency is the branch code assigned to every account.
const DefaultAgency = "0001"

// Client is a bank customer identified by a unique CPF.
type Client struct {
	ID        int64     `json:"id"`
	Name      string    `json:"nome"`
	CPF       string    `json:"cpf"`
	Address   string    `json:"endereco"`
	BirthDate string    `json:"data_nascimento"`
	CreatedAt time.Time `json:"created_at"`
}

// Account holds a balance in integer cents. The owning client is referenced
// by CPF, matching the wire contract.
type Account struct {
	Number    int64     `json:"numero"`
	Agency    string    `json:"agencia"`
	OwnerCPF  string    `json:"cpf"`
	Balance   int64     `json:"saldo"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountView is the read projection returned by account queries: the raw
// account plus the holder's name and transaction history.
type AccountView struct {
	Account
	Holder  string        `json:"titular"`
	History []Transaction `json:"historico"`
}

// Transaction is the immutable record of a committed movement. For transfers
// both account numbers are set; deposits and withdrawals carry only the
// destination or source respectively.
type Transaction struct {
	ID         string    `json:"id"`
	Type       string    `json:"tipo_de_transacao"`
	SourceAcct int64     `json:"conta_origem,omitempty"`
	DestAcct   int64     `json:"conta_destino,omitempty"`
	Amount     int64     `json:"valor"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"data"`
}

// CreateClientRequest is the payload for POST /banco/clientes/.
type CreateClientRequest struct {
	Name      string `json:"nome"`
	CPF       string `json:"cpf"`
	Address   string `json:"endereco"`
	BirthDate string `json:"data_nascimento"`
}

// UpdateClientRequest carries a partial update; nil fields are left unchanged.
// The CPF is immutable: a non-nil CPF differing from the stored one is a
// validation error.
type UpdateClientRequest struct {
	Name      *string `json:"nome,omitempty"`
	CPF       *string `json:"cpf,omitempty"`
	Address   *string `json:"endereco,omitempty"`
	BirthDate *string `json:"data_nascimento,omitempty"`
}

// CreateAccountRequest is the payload for POST /banco/contas/.
type CreateAccountRequest struct {
	Number   int64  `json:"numero"`
	OwnerCPF string `json:"cpf"`
}

// TransferRequest is the payload for POST /banco/transacoes/.
type TransferRequest struct {
	SourceAcct int64 `json:"conta_origem"`
	DestAcct   int64 `json:"conta_destino"`
	Amount     int64 `json:"valor"`
}

// AmountRequest is the payload for deposit and withdraw endpoints.
type AmountRequest struct {
	Amount int64 `json:"valor"`
}
