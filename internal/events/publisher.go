package events

import (
	"context"

	"github.com/pjmoura/bancoledger/internal/domain"
)

// Publisher emits committed transactions for downstream consumers (audit,
// notification workers). The engine treats publishing as best effort: a
// failed publish never rolls back a committed transfer.
type Publisher interface {
	PublishTransaction(ctx context.Context, tx domain.Transaction) error
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) PublishTransaction(context.Context, domain.Transaction) error { return nil }
