package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pjmoura/bancoledger/internal/domain"
)

// SubjectTransactions is where committed transactions are announced.
const SubjectTransactions = "transacoes.efetivadas"

// NATS publishes committed transactions onto a NATS subject.
type NATS struct {
	nc *nats.Conn
}

func ConnectNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc}, nil
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

func (p *NATS) PublishTransaction(_ context.Context, tx domain.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction event: %w", err)
	}
	if err := p.nc.Publish(SubjectTransactions, data); err != nil {
		return fmt.Errorf("publish transaction event: %w", err)
	}
	return nil
}

func (p *NATS) Close() {
	p.nc.Close()
}
