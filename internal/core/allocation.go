package core

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Allocation is one pool-wide fee collection to split among holders.
type Allocation struct {
	Header  event.Header
	Topic   event.Topic
	Holders []*ledger.AccountStatus // prior entries, shares > 0
	Fees0   decimal.Decimal
	Fees1   decimal.Decimal
	Market  ledger.Market // TotalShares is the denominator
}

// AllocationResult is the outcome of one allocation pass.
type AllocationResult struct {
	Entries      []*ledger.AccountStatus // one per holder, holder order
	Applied      decimal.Decimal         // sum of user shares
	Remainder0   decimal.Decimal         // unallocated token0
	Remainder1   decimal.Decimal         // unallocated token1
	RemainderUSD decimal.Decimal
	Report       ledger.AllocationReport
}

// Allocator fans per-holder recomputation out over a worker pool. Every
// task reads shared immutable inputs and writes only its own slot.
type Allocator struct {
	pool    pond.Pool
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewAllocator(pool pond.Pool, logger zerolog.Logger, metrics *observability.Metrics) *Allocator {
	return &Allocator{
		pool:    pool,
		logger:  logger,
		metrics: metrics,
	}
}

// Distribute credits every holder with fees * (shares / total shares),
// recomputes the holder's derived fields, and reports how much of the
// collection was applied. The remainder is surfaced, never redistributed.
func (a *Allocator) Distribute(ctx context.Context, alloc Allocation) (*AllocationResult, error) {
	m := alloc.Market
	shares := make([]decimal.Decimal, len(alloc.Holders))

	entries, err := a.fanOut(ctx, alloc.Holders, func(i int, prev *ledger.AccountStatus) *ledger.AccountStatus {
		share := fpmath.SafeDiv(prev.SharesQty, m.TotalShares)
		next := prev.Forward(alloc.Header, alloc.Topic)
		next.ApplyFees(alloc.Fees0, alloc.Fees1, share, m.Price0, m.Price1)
		next.Recompute(prev, m)
		shares[i] = share
		return next
	})
	if err != nil {
		return nil, err
	}

	// Reduce after the group completes, in holder order.
	applied := decimal.Zero
	for _, s := range shares {
		applied = applied.Add(s)
	}

	report := ledger.CheckAllocation(applied)
	res := &AllocationResult{
		Entries:    entries,
		Applied:    applied,
		Remainder0: alloc.Fees0.Mul(report.Remainder),
		Remainder1: alloc.Fees1.Mul(report.Remainder),
		Report:     report,
	}
	res.RemainderUSD = fpmath.USDValue(res.Remainder0, res.Remainder1, m.Price0, m.Price1)

	h := alloc.Header
	if a.metrics != nil {
		ratio, _ := report.Remainder.Float64()
		a.metrics.AllocationRemainder.WithLabelValues(h.Vault).Set(ratio)
	}

	if !report.Exact {
		a.logger.Warn().
			Str("vault", h.Vault).
			Uint64("block", h.Block).
			Uint64("log_index", h.LogIndex).
			Str("op_id", h.OpID).
			Str("applied", applied.String()).
			Str("remainder_token0", res.Remainder0.String()).
			Str("remainder_token1", res.Remainder1.String()).
			Str("remainder_usd", res.RemainderUSD.String()).
			Msg("fee allocation not exact; remainder left unallocated")
	}
	if report.Material {
		a.logger.Error().
			Str("vault", h.Vault).
			Uint64("block", h.Block).
			Str("op_id", h.OpID).
			Str("remainder_ratio", report.Remainder.String()).
			Msg("fee allocation remainder exceeds tolerance")
		if a.metrics != nil {
			a.metrics.AllocationMaterial.WithLabelValues(h.Vault).Inc()
		}
	}

	return res, nil
}

// Broadcast forwards every holder to h and recomputes derived fields
// against m. Used for synthetic report operations.
func (a *Allocator) Broadcast(ctx context.Context, h event.Header, topic event.Topic, holders []*ledger.AccountStatus, m ledger.Market) ([]*ledger.AccountStatus, error) {
	return a.fanOut(ctx, holders, func(_ int, prev *ledger.AccountStatus) *ledger.AccountStatus {
		next := prev.Forward(h, topic)
		next.Recompute(prev, m)
		return next
	})
}

func (a *Allocator) fanOut(ctx context.Context, holders []*ledger.AccountStatus, fn func(int, *ledger.AccountStatus) *ledger.AccountStatus) ([]*ledger.AccountStatus, error) {
	out := make([]*ledger.AccountStatus, len(holders))
	if len(holders) == 0 {
		return out, nil
	}

	group := a.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, prev := range holders {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			out[i] = fn(i, prev)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, fmt.Errorf("allocation fan-out: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
