package ingestion

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUnknownVault is returned for messages naming a vault that is not
// configured.
var ErrUnknownVault = errors.New("unknown vault")

// errBadMessage marks messages that will never succeed on redelivery.
var errBadMessage = errors.New("bad message")

// Replayer runs a replay of one vault.
type Replayer interface {
	Replay(ctx context.Context, v core.Vault) (*core.ReplayResult, error)
}

// DocumentStore persists inbound source documents.
type DocumentStore interface {
	SaveOperations(ctx context.Context, ops []event.RawOperation) error
	SaveSnapshot(ctx context.Context, snap state.RawSnapshot) error
	SavePrice(ctx context.Context, network string, block uint64, token string, price decimal.Decimal) error
}

// PriceMessage is the payload of vault.prices.<network>.
type PriceMessage struct {
	Token    string          `json:"token"`
	Block    uint64          `json:"block"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

// Dispatcher routes inbound messages by subject: source documents go to
// the store, replay requests go to the replayer.
type Dispatcher struct {
	store    DocumentStore
	replayer Replayer
	vaults   map[string]core.Vault // keyed by normalized address
	logger   zerolog.Logger
}

func NewDispatcher(store DocumentStore, replayer Replayer, vaults []core.Vault, logger zerolog.Logger) *Dispatcher {
	byAddr := make(map[string]core.Vault, len(vaults))
	for _, v := range vaults {
		byAddr[event.NormalizeAddress(v.Address)] = v
	}
	return &Dispatcher{
		store:    store,
		replayer: replayer,
		vaults:   byAddr,
		logger:   logger,
	}
}

// Run handles messages until ctx is cancelled or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			d.dispatch(ctx, msg)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) {
	start := time.Now()
	err := d.Handle(ctx, msg.Subject, msg.Data)

	switch {
	case err == nil:
		ack(msg.Ack)
		d.logger.Debug().Str("subject", msg.Subject).Dur("took", time.Since(start)).Msg("message handled")
	case errors.Is(err, errBadMessage), errors.Is(err, ErrUnknownVault):
		ack(msg.Term)
		d.logger.Error().Err(err).Str("subject", msg.Subject).Msg("dropping message")
	default:
		ack(msg.Nak)
		d.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("message failed, will redeliver")
	}
}

func ack(f func()) {
	if f != nil {
		f()
	}
}

// Handle processes one message body published on subject.
func (d *Dispatcher) Handle(ctx context.Context, subject string, data []byte) error {
	root, key, err := SplitSubject(subject)
	if err != nil {
		return err
	}

	switch root {
	case SubjectOperations:
		return d.handleOperations(ctx, key, data)
	case SubjectSnapshots:
		return d.handleSnapshot(ctx, key, data)
	case SubjectPrices:
		return d.handlePrice(ctx, key, data)
	case SubjectReplay:
		return d.handleReplay(ctx, key)
	default:
		return fmt.Errorf("%w: unhandled subject %q", errBadMessage, subject)
	}
}

// SplitSubject splits "vault.<kind>.<key>" into its root and key.
func SplitSubject(subject string) (root, key string, err error) {
	i := strings.LastIndexByte(subject, '.')
	if i <= 0 || i == len(subject)-1 {
		return "", "", fmt.Errorf("%w: subject %q has no key", errBadMessage, subject)
	}
	return subject[:i], subject[i+1:], nil
}

// LedgerSubject is the outbound subject for a vault's entries.
func LedgerSubject(vault string) string {
	return SubjectLedger + "." + vault
}

func (d *Dispatcher) vault(key string) (core.Vault, error) {
	v, ok := d.vaults[event.NormalizeAddress(key)]
	if !ok {
		return core.Vault{}, fmt.Errorf("%w: %s", ErrUnknownVault, key)
	}
	return v, nil
}

// handleOperations accepts a single operation document or an array.
func (d *Dispatcher) handleOperations(ctx context.Context, key string, data []byte) error {
	v, err := d.vault(key)
	if err != nil {
		return err
	}

	var ops []event.RawOperation
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &ops)
	} else {
		var op event.RawOperation
		op, err = event.UnmarshalRawOperation(data)
		ops = []event.RawOperation{op}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}

	for i := range ops {
		if ops[i].ID == "" {
			return fmt.Errorf("%w: operation without id", errBadMessage)
		}
		if event.NormalizeAddress(ops[i].Address) != event.NormalizeAddress(v.Address) {
			return fmt.Errorf("%w: operation %s belongs to %s", errBadMessage, ops[i].ID, ops[i].Address)
		}
	}

	if err := d.store.SaveOperations(ctx, ops); err != nil {
		return fmt.Errorf("save operations: %w", err)
	}
	d.logger.Info().Str("vault", v.Address).Int("count", len(ops)).Msg("operations stored")
	return nil
}

func (d *Dispatcher) handleSnapshot(ctx context.Context, key string, data []byte) error {
	v, err := d.vault(key)
	if err != nil {
		return err
	}

	var snap state.RawSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", errBadMessage, err)
	}
	if snap.Address == "" {
		snap.Address = v.Address
	}
	if event.NormalizeAddress(snap.Address) != event.NormalizeAddress(v.Address) {
		return fmt.Errorf("%w: snapshot belongs to %s", errBadMessage, snap.Address)
	}

	if err := d.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	d.logger.Info().Str("vault", v.Address).Uint64("block", snap.Block).Msg("snapshot stored")
	return nil
}

func (d *Dispatcher) handlePrice(ctx context.Context, network string, data []byte) error {
	var p PriceMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: decode price: %v", errBadMessage, err)
	}
	if p.Token == "" || p.PriceUSD.IsNegative() {
		return fmt.Errorf("%w: invalid price for %q", errBadMessage, p.Token)
	}

	return d.store.SavePrice(ctx, network, p.Block, event.NormalizeAddress(p.Token), p.PriceUSD)
}

func (d *Dispatcher) handleReplay(ctx context.Context, key string) error {
	v, err := d.vault(key)
	if err != nil {
		return err
	}

	res, err := d.replayer.Replay(ctx, v)
	if err != nil {
		return fmt.Errorf("replay %s: %w", v.Address, err)
	}
	d.logger.Info().
		Str("vault", v.Address).
		Str("run_id", res.RunID).
		Int("applied", res.Applied).
		Uint64("last_block", res.LastBlock).
		Msg("replay triggered over NATS finished")
	return nil
}
