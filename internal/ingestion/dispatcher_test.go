package ingestion_test

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vault  = "0xa3ecb6e941e773c6568052a509a04cf455a752ad"
	alice  = "0x00000000000000000000000000000000000a11ce"
	token0 = "0x1111111111111111111111111111111111111111"
)

type stubReplayer struct {
	vaults []string
	err    error
}

func (s *stubReplayer) Replay(_ context.Context, v core.Vault) (*core.ReplayResult, error) {
	s.vaults = append(s.vaults, v.Address)
	if s.err != nil {
		return nil, s.err
	}
	return &core.ReplayResult{RunID: "run", Vault: v.Address}, nil
}

func newDispatcher(replayer ingestion.Replayer) (*ingestion.Dispatcher, *persistence.MemoryStore) {
	store := persistence.NewMemoryStore()
	vaults := []core.Vault{{Network: "ethereum", Address: vault}}
	return ingestion.NewDispatcher(store, replayer, vaults, zerolog.New(io.Discard)), store
}

func opJSON(t *testing.T, id string, block uint64) []byte {
	t.Helper()
	data, err := json.Marshal(event.RawOperation{
		ID:          id,
		Topic:       "deposit",
		Address:     vault,
		BlockNumber: block,
		LogIndex:    1,
		To:          alice,
		Shares:      "1000",
	})
	require.NoError(t, err)
	return data
}

func TestSplitSubject(t *testing.T) {
	root, key, err := ingestion.SplitSubject("vault.replay." + vault)
	require.NoError(t, err)
	assert.Equal(t, ingestion.SubjectReplay, root)
	assert.Equal(t, vault, key)

	_, _, err = ingestion.SplitSubject("vault.replay.")
	assert.Error(t, err)
	_, _, err = ingestion.SplitSubject("novault")
	assert.Error(t, err)

	assert.Equal(t, "vault.ledger."+vault, ingestion.LedgerSubject(vault))
}

func TestHandle_Operations(t *testing.T) {
	d, store := newDispatcher(nil)
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, "vault.ops."+vault, opJSON(t, "op-1", 100)))

	batch := "[" + string(opJSON(t, "op-2", 101)) + "," + string(opJSON(t, "op-1", 100)) + "]"
	require.NoError(t, d.Handle(ctx, "vault.ops."+vault, []byte(batch)))

	ops, err := store.GetOperations(ctx, vault, nil)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-1", ops[0].ID)
	assert.Equal(t, "op-2", ops[1].ID)
}

func TestHandle_RejectsForeignOperation(t *testing.T) {
	d, _ := newDispatcher(nil)

	data, err := json.Marshal(event.RawOperation{ID: "x", Topic: "deposit", Address: token0})
	require.NoError(t, err)
	assert.Error(t, d.Handle(context.Background(), "vault.ops."+vault, data))
	assert.Error(t, d.Handle(context.Background(), "vault.ops."+vault, []byte("{not json")))
}

func TestHandle_UnknownVault(t *testing.T) {
	d, _ := newDispatcher(nil)
	err := d.Handle(context.Background(), "vault.replay.0x9999999999999999999999999999999999999999", nil)
	assert.ErrorIs(t, err, ingestion.ErrUnknownVault)
}

func TestHandle_Snapshot(t *testing.T) {
	d, store := newDispatcher(nil)
	ctx := context.Background()

	data, err := json.Marshal(state.RawSnapshot{Block: 120, TotalSupply: "5"})
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, "vault.snapshots."+vault, data))

	snap, err := store.GetSnapshot(ctx, vault, 120)
	require.NoError(t, err)
	assert.Equal(t, "5", snap.TotalSupply)
}

func TestHandle_Price(t *testing.T) {
	d, store := newDispatcher(nil)
	ctx := context.Background()

	data, err := json.Marshal(ingestion.PriceMessage{Token: "0x1111111111111111111111111111111111111111", Block: 50, PriceUSD: decimal.RequireFromString("1.25")})
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, "vault.prices.ethereum", data))

	p, err := store.GetPriceUSD(ctx, "ethereum", 60, token0)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("1.25")))

	assert.Error(t, d.Handle(ctx, "vault.prices.ethereum", []byte(`{"block":1,"price_usd":"1"}`)))
}

func TestHandle_Replay(t *testing.T) {
	replayer := &stubReplayer{}
	d, _ := newDispatcher(replayer)

	require.NoError(t, d.Handle(context.Background(), "vault.replay.0xA3ECB6E941E773C6568052A509A04CF455A752AD", nil))
	assert.Equal(t, []string{vault}, replayer.vaults)
}

func TestRun_AcknowledgesByOutcome(t *testing.T) {
	replayer := &stubReplayer{err: errors.New("db down")}
	d, _ := newDispatcher(replayer)

	var acks, naks, terms int
	msg := func(subject string, data []byte) ingestion.Message {
		return ingestion.Message{
			Subject: subject,
			Data:    data,
			Ack:     func() { acks++ },
			Nak:     func() { naks++ },
			Term:    func() { terms++ },
		}
	}

	in := make(chan ingestion.Message, 3)
	in <- msg("vault.ops."+vault, opJSON(t, "op-1", 100))
	in <- msg("vault.replay."+vault, nil)
	in <- msg("vault.ops.0x9999999999999999999999999999999999999999", opJSON(t, "op-2", 100))
	close(in)

	require.NoError(t, d.Run(context.Background(), in))
	assert.Equal(t, 1, acks)
	assert.Equal(t, 1, naks)
	assert.Equal(t, 1, terms)
}

type recordingJS struct {
	subjects []string
	payloads [][]byte
	opts     int
	err      error
}

func (r *recordingJS) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	r.opts += len(opts)
	return &jetstream.PubAck{Stream: "VAULT_LEDGER"}, nil
}

func TestEntryPublisher(t *testing.T) {
	js := &recordingJS{}
	p := ingestion.NewEntryPublisher(js, zerolog.New(io.Discard))

	c := core.Commit{
		Vault: vault,
		OpID:  "op-1",
		Topic: event.TopicDeposit,
		Ref:   event.Ref{Block: 100, LogIndex: 1},
		Entries: []*ledger.AccountStatus{{
			Vault: vault, Account: alice, Block: 100, LogIndex: 1,
			Topic: event.TopicDeposit, SharesQty: decimal.RequireFromString("0.5"),
		}},
	}
	require.NoError(t, p.PublishEntries(context.Background(), c))

	require.Equal(t, []string{"vault.ledger." + vault}, js.subjects)
	assert.Equal(t, 1, js.opts)

	var msg ingestion.LedgerMessage
	require.NoError(t, json.Unmarshal(js.payloads[0], &msg))
	assert.Equal(t, "op-1", msg.OpID)
	assert.Equal(t, "deposit", msg.Topic)
	assert.Equal(t, uint64(100), msg.Block)
	require.Len(t, msg.Entries, 1)
	assert.True(t, msg.Entries[0].SharesQty.Equal(decimal.RequireFromString("0.5")))

	js.err = errors.New("no responders")
	assert.Error(t, p.PublishEntries(context.Background(), c))
}
