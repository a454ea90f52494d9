package core

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Vault identifies one hypervisor to replay.
type Vault struct {
	Network string
	Address string

	// Vaults that auto-compound into this one. Share transfers to them are
	// accounted by the paired deposit and skipped as transfers.
	AutoCompounders []string
}

func (v Vault) isAutoCompounder(addr string) bool {
	for _, a := range v.AutoCompounders {
		if event.NormalizeAddress(a) == addr {
			return true
		}
	}
	return false
}

// Classifier turns one operation into the ledger entries it produces. It
// holds no per-vault state; all history comes from the LedgerReader, so
// one Classifier serves concurrent replays of different vaults.
type Classifier struct {
	ledger    LedgerReader
	snapshots SnapshotReader
	prices    state.PriceSource
	allocator *Allocator
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewClassifier(
	ledgerReader LedgerReader,
	snapshots SnapshotReader,
	prices state.PriceSource,
	allocator *Allocator,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Classifier {
	return &Classifier{
		ledger:    ledgerReader,
		snapshots: snapshots,
		prices:    prices,
		allocator: allocator,
		logger:    logger,
		metrics:   metrics,
	}
}

// blockView is the read-only vault state at one operation's block.
type blockView struct {
	snap   *state.Snapshot // nil when no usable snapshot exists
	price0 decimal.Decimal
	price1 decimal.Decimal
}

func (b *blockView) market(total decimal.Decimal) ledger.Market {
	m := ledger.Market{
		TotalShares: total,
		Price0:      b.price0,
		Price1:      b.price1,
	}
	if b.snap != nil {
		m.Total0 = b.snap.Total0
		m.Total1 = b.snap.Total1
		m.FeesUncollected0 = b.snap.FeesUncollected0
		m.FeesUncollected1 = b.snap.FeesUncollected1
		m.FeesOwed0 = b.snap.FeesOwed0
		m.FeesOwed1 = b.snap.FeesOwed1
	}
	return m
}

// supply returns the snapshot totalSupply, or zero without a snapshot.
func (b *blockView) supply() decimal.Decimal {
	if b.snap == nil {
		return decimal.Zero
	}
	return b.snap.TotalSupply
}

// Apply classifies op and returns the entries it produces, in no
// particular order. lastInBlock tells whether op is the last operation of
// its block, which makes the snapshot totalSupply authoritative.
//
// Data-quality conditions (missing snapshot or price, zero-share
// withdrawals, unbacked transfers) are logged and counted. A withdraw
// from an account with no shares produces no entry at all, so the
// account's latest entry stays the one before it; the other conditions
// produce best-effort entries. Only ErrUnsupportedTopic and store failures
// are returned as errors.
func (c *Classifier) Apply(ctx context.Context, v Vault, op event.Operation, lastInBlock bool) ([]*ledger.AccountStatus, error) {
	switch o := op.(type) {
	case *event.Deposit:
		return c.applyDeposit(ctx, v, o, lastInBlock)
	case *event.Withdraw:
		return c.applyWithdraw(ctx, v, o, lastInBlock)
	case *event.Transfer:
		return c.applyTransfer(ctx, v, o, lastInBlock)
	case event.FeeCollection:
		return c.applyFeeCollection(ctx, v, o, lastInBlock)
	case *event.Report:
		return c.applyReport(ctx, v, o, lastInBlock)
	case *event.Approval, *event.SetFee:
		return nil, nil
	default:
		return nil, fmt.Errorf("operation %s: %w: %s", op.IdempotencyKey(), event.ErrUnsupportedTopic, op.Topic())
	}
}

func (c *Classifier) applyDeposit(ctx context.Context, v Vault, d *event.Deposit, lastInBlock bool) ([]*ledger.AccountStatus, error) {
	h := d.Meta()
	view, err := c.loadBlock(ctx, v, h)
	if err != nil {
		return nil, err
	}

	prev, err := c.latest(ctx, h, d.To)
	if err != nil {
		return nil, err
	}

	next := prev.Forward(h, event.TopicDeposit)
	next.ApplyDeposit(d.Qty0, d.Qty1, d.Shares, view.price0, view.price1)

	total, err := c.totalShares(ctx, h, view, lastInBlock, next)
	if err != nil {
		return nil, err
	}
	next.Recompute(prev, view.market(total))

	return []*ledger.AccountStatus{next}, nil
}

func (c *Classifier) applyWithdraw(ctx context.Context, v Vault, w *event.Withdraw, lastInBlock bool) ([]*ledger.AccountStatus, error) {
	h := w.Meta()
	prev, err := c.latest(ctx, h, w.Sender)
	if err != nil {
		return nil, err
	}

	next := prev.Forward(h, event.TopicWithdraw)
	if _, ok := next.ApplyWithdraw(w.Shares, w.Qty0, w.Qty1); !ok {
		c.opLog(c.logger.Error(), h).
			Str("account", w.Sender).
			Str("shares", w.Shares.String()).
			Msg("withdraw from account with zero shares; skipped")
		if c.metrics != nil {
			c.metrics.ZeroShareWithdrawals.WithLabelValues(h.Vault).Inc()
		}
		return nil, nil
	}

	view, err := c.loadBlock(ctx, v, h)
	if err != nil {
		return nil, err
	}
	total, err := c.totalShares(ctx, h, view, lastInBlock, next)
	if err != nil {
		return nil, err
	}
	next.Recompute(prev, view.market(total))

	return []*ledger.AccountStatus{next}, nil
}

func (c *Classifier) applyTransfer(ctx context.Context, v Vault, t *event.Transfer, lastInBlock bool) ([]*ledger.AccountStatus, error) {
	h := t.Meta()

	// Mints, burns and auto-compounder moves are accounted by the paired
	// deposit or withdraw.
	if event.IsZeroAddress(t.Src) || event.IsZeroAddress(t.Dst) || v.isAutoCompounder(t.Dst) || t.Src == t.Dst {
		return nil, nil
	}

	srcPrev, err := c.latest(ctx, h, t.Src)
	if err != nil {
		return nil, err
	}
	dstPrev, err := c.latest(ctx, h, t.Dst)
	if err != nil {
		return nil, err
	}

	// dst is credited in full either way, so the ledger gains shares.
	if srcPrev.SharesQty.LessThan(t.Shares) {
		c.opLog(c.logger.Warn(), h).
			Str("account", t.Src).
			Str("held", srcPrev.SharesQty.String()).
			Str("shares", t.Shares.String()).
			Msg("transfer exceeds the source's ledger shares")
		if c.metrics != nil {
			c.metrics.UnbackedTransfers.WithLabelValues(h.Vault).Inc()
		}
	}

	src := srcPrev.Forward(h, event.TopicTransfer)
	dst := dstPrev.Forward(h, event.TopicTransfer)
	ledger.ApplyTransfer(src, dst, t.Shares)

	view, err := c.loadBlock(ctx, v, h)
	if err != nil {
		return nil, err
	}
	total, err := c.totalShares(ctx, h, view, lastInBlock, src, dst)
	if err != nil {
		return nil, err
	}
	m := view.market(total)
	src.Recompute(srcPrev, m)
	if dstPrev.IsNew() {
		dst.InheritClocks(src)
	}
	dst.Recompute(dstPrev, m)

	return []*ledger.AccountStatus{src, dst}, nil
}

func (c *Classifier) applyFeeCollection(ctx context.Context, v Vault, op event.FeeCollection, lastInBlock bool) ([]*ledger.AccountStatus, error) {
	h := op.Meta()
	fees0, fees1 := op.CollectedFees()

	holders, err := c.holders(ctx, h)
	if err != nil {
		return nil, err
	}
	view, err := c.loadBlock(ctx, v, h)
	if err != nil {
		return nil, err
	}

	total := ledger.SumShares(holders)
	if lastInBlock && view.supply().IsPositive() {
		total = view.supply()
	}

	feesZero := fees0.IsZero() && fees1.IsZero()
	if total.IsZero() {
		if feesZero {
			c.opLog(c.logger.Debug(), h).Msg("fee collection with no shares outstanding")
		} else {
			c.opLog(c.logger.Warn(), h).
				Str("fees_token0", fees0.String()).
				Str("fees_token1", fees1.String()).
				Msg("fees collected with zero total shares; nothing allocated")
		}
		return nil, nil
	}
	if feesZero {
		return nil, nil
	}

	res, err := c.allocator.Distribute(ctx, Allocation{
		Header:  h,
		Topic:   op.Topic(),
		Holders: holders,
		Fees0:   fees0,
		Fees1:   fees1,
		Market:  view.market(total),
	})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (c *Classifier) applyReport(ctx context.Context, v Vault, r *event.Report, lastInBlock bool) ([]*ledger.AccountStatus, error) {
	h := r.Meta()
	holders, err := c.holders(ctx, h)
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, nil
	}

	view, err := c.loadBlock(ctx, v, h)
	if err != nil {
		return nil, err
	}

	total := ledger.SumShares(holders)
	if lastInBlock && view.supply().IsPositive() {
		total = view.supply()
	}

	return c.allocator.Broadcast(ctx, h, event.TopicReport, holders, view.market(total))
}

// latest returns the account's entry strictly before h, or its zero entry.
func (c *Classifier) latest(ctx context.Context, h event.Header, account string) (*ledger.AccountStatus, error) {
	prev, err := c.ledger.GetLatestEntry(ctx, h.Vault, account, h.Position())
	if err != nil {
		return nil, fmt.Errorf("latest entry of %s before %d/%d: %w", account, h.Block, h.LogIndex, err)
	}
	if prev == nil {
		return ledger.NewAccountStatus(h.Vault, account), nil
	}
	return prev, nil
}

// holders returns the latest entries before h of accounts holding shares.
func (c *Classifier) holders(ctx context.Context, h event.Header) ([]*ledger.AccountStatus, error) {
	all, err := c.ledger.GetAllEntriesAt(ctx, h.Vault, h.Position())
	if err != nil {
		return nil, fmt.Errorf("entries before %d/%d: %w", h.Block, h.LogIndex, err)
	}
	out := make([]*ledger.AccountStatus, 0, len(all))
	for _, e := range all {
		if e.HasShares() {
			out = append(out, e)
		}
	}
	return out, nil
}

// totalShares is the share denominator for a mutating operation: the
// snapshot totalSupply when the operation closes its block, else the sum of
// every holder before the operation with moving accounts at their new
// balances.
func (c *Classifier) totalShares(ctx context.Context, h event.Header, view *blockView, lastInBlock bool, moving ...*ledger.AccountStatus) (decimal.Decimal, error) {
	if lastInBlock && view.supply().IsPositive() {
		return view.supply(), nil
	}

	all, err := c.ledger.GetAllEntriesAt(ctx, h.Vault, h.Position())
	if err != nil {
		return decimal.Zero, fmt.Errorf("entries before %d/%d: %w", h.Block, h.LogIndex, err)
	}

	skip := make(map[string]bool, len(moving))
	total := decimal.Zero
	for _, m := range moving {
		skip[m.Account] = true
		total = total.Add(m.SharesQty)
	}
	for _, e := range all {
		if !skip[e.Account] {
			total = total.Add(e.SharesQty)
		}
	}
	return total, nil
}

// loadBlock resolves the snapshot and token prices at h.Block. A missing
// or unusable snapshot, or a missing price, is logged and zero-substituted.
func (c *Classifier) loadBlock(ctx context.Context, v Vault, h event.Header) (*blockView, error) {
	view := &blockView{price0: decimal.Zero, price1: decimal.Zero}

	raw, err := c.snapshots.GetSnapshot(ctx, h.Vault, h.Block)
	switch {
	case errors.Is(err, state.ErrSnapshotNotFound):
		c.snapshotProblem(h, "not_found", err)
		return view, nil
	case err != nil:
		return nil, fmt.Errorf("snapshot at block %d: %w", h.Block, err)
	}

	snap, err := state.Normalize(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, state.ErrUnsupportedDex) {
			reason = "unsupported_dex"
		}
		c.snapshotProblem(h, reason, err)
		return view, nil
	}
	view.snap = snap

	if view.price0, err = c.price(ctx, v, h, snap.Token0.Address); err != nil {
		return nil, err
	}
	if view.price1, err = c.price(ctx, v, h, snap.Token1.Address); err != nil {
		return nil, err
	}
	return view, nil
}

func (c *Classifier) price(ctx context.Context, v Vault, h event.Header, token string) (decimal.Decimal, error) {
	p, err := c.prices.GetPriceUSD(ctx, v.Network, h.Block, token)
	switch {
	case errors.Is(err, state.ErrPriceNotFound):
		c.opLog(c.logger.Error(), h).
			Str("network", v.Network).
			Str("token", token).
			Msg("no USD price; using zero")
		if c.metrics != nil {
			c.metrics.MissingPrices.WithLabelValues(v.Network).Inc()
		}
		return decimal.Zero, nil
	case err != nil:
		return decimal.Zero, fmt.Errorf("price of %s at block %d: %w", token, h.Block, err)
	}
	return p, nil
}

func (c *Classifier) snapshotProblem(h event.Header, reason string, err error) {
	c.opLog(c.logger.Warn(), h).
		Err(err).
		Str("reason", reason).
		Msg("no usable snapshot; derived fields use zero pool state")
	if c.metrics != nil {
		c.metrics.SnapshotErrors.WithLabelValues(reason).Inc()
	}
}

func (c *Classifier) opLog(e *zerolog.Event, h event.Header) *zerolog.Event {
	return e.
		Str("vault", h.Vault).
		Uint64("block", h.Block).
		Uint64("log_index", h.LogIndex).
		Str("op_id", h.OpID)
}
