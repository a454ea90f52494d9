package ingestion

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/ledger"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EntryPublisher publishes committed ledger entries for downstream
// consumers. Entries are published after the commit is durable, so a
// consumer may see an operation at most once per message id.
type EntryPublisher struct {
	js     JetStreamPublisher
	logger zerolog.Logger
}

// LedgerMessage is the payload of vault.ledger.<vault>.
type LedgerMessage struct {
	Vault       string                  `json:"vault"`
	OpID        string                  `json:"op_id"`
	Topic       string                  `json:"topic"`
	Block       uint64                  `json:"block"`
	LogIndex    uint64                  `json:"log_index"`
	Entries     []*ledger.AccountStatus `json:"entries"`
	PublishedAt time.Time               `json:"published_at"`
}

var _ core.EntrySink = (*EntryPublisher)(nil)

func NewEntryPublisher(js JetStreamPublisher, logger zerolog.Logger) *EntryPublisher {
	return &EntryPublisher{js: js, logger: logger}
}

// PublishEntries implements core.EntrySink. The JetStream message id is
// vault:opID so the stream's duplicate window drops republished commits.
func (p *EntryPublisher) PublishEntries(ctx context.Context, c core.Commit) error {
	data, err := json.Marshal(LedgerMessage{
		Vault:       c.Vault,
		OpID:        c.OpID,
		Topic:       c.Topic.String(),
		Block:       c.Ref.Block,
		LogIndex:    c.Ref.LogIndex,
		Entries:     c.Entries,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal commit %s: %w", c.OpID, err)
	}

	subject := LedgerSubject(c.Vault)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(c.Vault+":"+c.OpID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug().Str("vault", c.Vault).Str("op_id", c.OpID).Int("entries", len(c.Entries)).Msg("entries published")
	return nil
}
