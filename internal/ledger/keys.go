package ledger

import "fmt"

// Record store key layout. Clients are stored under their numeric id with a
// separate unique index from CPF to id; that index is what makes duplicate
// CPF detection an atomic insert.
const (
	ClientPrefix  = "client/"
	AccountPrefix = "account/"
	TxPrefix      = "tx/"
	UserPrefix    = "user/"

	clientSeqKey = "seq/client"
)

func ClientKey(id int64) string { return fmt.Sprintf("%s%d", ClientPrefix, id) }
func CPFKey(cpf string) string { return "cpf/" + cpf }
func AccountKey(number int64) string { return fmt.Sprintf("%s%d", AccountPrefix, number) }
func TxKey(id string) string { return TxPrefix + id }
func UserKey(username string) string { return UserPrefix + username }
