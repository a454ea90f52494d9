package core_test

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/state"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNetwork = "ethereum"
	testVault   = "0xa3ecb6e941e773c6568052a509a04cf455a752ad"
	token0      = "0x1111111111111111111111111111111111111111"
	token1      = "0x2222222222222222222222222222222222222222"
	alice       = "0x00000000000000000000000000000000000a11ce"
	bob         = "0x0000000000000000000000000000000000000b0b"
	carol       = "0x00000000000000000000000000000000000ca201"
	dave        = "0x0000000000000000000000000000000000000dae"
	compounder  = "0x00000000000000000000000000000000000c0c0c"
)

// --- Test helpers ---

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// raw18 encodes a human quantity as an 18-decimals on-chain integer.
func raw18(s string) string {
	return d(s).Shift(18).String()
}

func intPtr(v int) *int { return &v }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

func baseOp(id, topic string, block, logIndex uint64, ts int64) event.RawOperation {
	return event.RawOperation{
		ID:               id,
		Topic:            topic,
		Address:          testVault,
		BlockNumber:      block,
		LogIndex:         logIndex,
		Timestamp:        ts,
		DecimalsToken0:   18,
		DecimalsToken1:   18,
		DecimalsContract: 18,
	}
}

func depositOp(id string, block, logIndex uint64, ts int64, to, qty0, qty1, shares string) event.RawOperation {
	op := baseOp(id, "deposit", block, logIndex, ts)
	op.Sender, op.To = to, to
	op.Qty0, op.Qty1, op.Shares = raw18(qty0), raw18(qty1), raw18(shares)
	return op
}

func withdrawOp(id string, block, logIndex uint64, ts int64, sender, qty0, qty1, shares string) event.RawOperation {
	op := baseOp(id, "withdraw", block, logIndex, ts)
	op.Sender, op.To = sender, sender
	op.Qty0, op.Qty1, op.Shares = raw18(qty0), raw18(qty1), raw18(shares)
	return op
}

func transferOp(id string, block, logIndex uint64, ts int64, src, dst, shares string) event.RawOperation {
	op := baseOp(id, "transfer", block, logIndex, ts)
	op.Src, op.Dst, op.Qty = src, dst, raw18(shares)
	return op
}

func zeroBurnOp(id string, block, logIndex uint64, ts int64, fees0, fees1 string) event.RawOperation {
	op := baseOp(id, "zeroBurn", block, logIndex, ts)
	op.QtyFee0, op.QtyFee1 = raw18(fees0), raw18(fees1)
	return op
}

func snapshot(block uint64, ts int64, supply, total0, total1 string) state.RawSnapshot {
	return state.RawSnapshot{
		ID:          testVault,
		Address:     testVault,
		Block:       block,
		Timestamp:   ts,
		Decimals:    intPtr(18),
		TotalSupply: raw18(supply),
		Token0:      &state.RawToken{Address: token0, Decimals: intPtr(18)},
		Token1:      &state.RawToken{Address: token1, Decimals: intPtr(18)},
		Pool: &state.RawPool{
			Address: "0x3333333333333333333333333333333333333333",
			Slot0:   &state.RawSlot0{SqrtPriceX96: "79228162514264337593543950336", Tick: "0"},
		},
		TotalAmounts:    &state.RawTotalAmounts{Total0: raw18(total0), Total1: raw18(total1)},
		FeesUncollected: &state.RawFeesUncollected{QtyToken0: "0", QtyToken1: "0"},
		TVL:             &state.RawTVL{FeesOwedToken0: "0", FeesOwedToken1: "0"},
	}
}

type fixture struct {
	store   *persistence.MemoryStore
	driver  *core.Driver
	metrics *observability.Metrics
	pool    pond.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := persistence.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SavePrice(ctx, testNetwork, 0, token0, d("1")))
	require.NoError(t, store.SavePrice(ctx, testNetwork, 0, token1, d("1")))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLoggerTo(io.Discard, "test", observability.ParseLogLevel("error"))
	pool := pond.NewPool(4)
	vaultPool := pond.NewPool(2)
	t.Cleanup(pool.StopAndWait)
	t.Cleanup(vaultPool.StopAndWait)

	allocator := core.NewAllocator(pool, logger, metrics)
	classifier := core.NewClassifier(store, store, state.NewPriceCache(store, 0), allocator, logger, metrics)
	idem := core.NewIdempotencyChecker(1000, store, metrics)
	driver := core.NewDriver(store, classifier, idem, vaultPool, core.DriverConfig{}, logger, metrics)

	return &fixture{store: store, driver: driver, metrics: metrics, pool: pool}
}

func (f *fixture) seed(t *testing.T, ops []event.RawOperation, snaps ...state.RawSnapshot) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveOperations(ctx, ops))
	for _, s := range snaps {
		require.NoError(t, f.store.SaveSnapshot(ctx, s))
	}
}

func (f *fixture) replay(t *testing.T, v core.Vault) *core.ReplayResult {
	t.Helper()
	res, err := f.driver.Replay(context.Background(), v)
	require.NoError(t, err)
	return res
}

func (f *fixture) latest(t *testing.T, account string, before event.Ref) *ledger.AccountStatus {
	t.Helper()
	e, err := f.store.GetLatestEntry(context.Background(), testVault, account, before)
	require.NoError(t, err)
	return e
}

var (
	testVaultCfg = core.Vault{Network: testNetwork, Address: testVault}
	endOfChain   = event.Ref{Block: 1 << 40}
)

// ============================================================================
// Test: deposits and withdrawals
// ============================================================================

func TestReplay_Deposit(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]event.RawOperation{depositOp("d1", 100, 1, 1000, alice, "1.0", "2.0", "0.5")},
		snapshot(100, 1000, "0.5", "1", "2"),
	)

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.EntriesWritten)
	assert.Equal(t, uint64(100), res.LastBlock)

	e := f.latest(t, alice, endOfChain)
	require.NotNil(t, e)
	assert.Equal(t, event.TopicDeposit, e.Topic)
	assert.Equal(t, "d1", e.RawOperation)
	assertDec(t, "0.5", e.SharesQty)
	assertDec(t, "1", e.SharesPercent)
	assertDec(t, "3", e.InvestmentUSD)
	assertDec(t, "1", e.TVL0)
	assertDec(t, "2", e.TVL1)
	assertDec(t, "3", e.UnderlyingUSD)
	assertDec(t, "0", e.CurrentResultUSD)

	assert.Zero(t, promtest.ToFloat64(f.metrics.ConservationBreaches.WithLabelValues(testVault)))
}

func TestReplay_WithdrawRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]event.RawOperation{
			depositOp("d1", 100, 1, 1000, alice, "1", "2", "0.5"),
			withdrawOp("w1", 110, 3, 2000, alice, "1.1", "2", "0.5"),
		},
		snapshot(100, 1000, "0.5", "1", "2"),
		snapshot(110, 2000, "0", "0", "0"),
	)

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 2, res.Applied)

	e := f.latest(t, alice, endOfChain)
	require.NotNil(t, e)
	assert.Equal(t, event.TopicWithdraw, e.Topic)
	assert.True(t, e.SharesQty.IsZero())
	assert.True(t, e.InvestmentQty0.IsZero())
	assertDec(t, "1", e.DivestmentBaseQty0)
	assertDec(t, "2", e.DivestmentBaseQty1)
	assertDec(t, "0.1", e.ClosedInvestmentReturn0)
	assert.Equal(t, int64(1000), e.SecPassed)
}

func TestReplay_ZeroShareWithdrawIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "1"),
		withdrawOp("w1", 101, 1, 1100, dave, "1", "1", "1"),
	})

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.EntriesWritten)
	assert.Nil(t, f.latest(t, dave, endOfChain))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.ZeroShareWithdrawals.WithLabelValues(testVault)))
}

func TestReplay_UnbackedTransferIsCounted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "1"),
		transferOp("t1", 101, 1, 1100, alice, bob, "0.5"),
		transferOp("t2", 101, 2, 1100, dave, carol, "0.3"),
	})

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 3, res.Applied)

	// The chain moved the shares, so carol is credited regardless.
	c := f.latest(t, carol, endOfChain)
	require.NotNil(t, c)
	assertDec(t, "0.3", c.SharesQty)
	assertDec(t, "0", c.InvestmentQty0)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.UnbackedTransfers.WithLabelValues(testVault)))
}

// ============================================================================
// Test: transfers
// ============================================================================

func TestReplay_TransferConservesBasis(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]event.RawOperation{
			depositOp("d1", 100, 1, 1000, alice, "2", "4", "1"),
			transferOp("t1", 101, 1, 1100, alice, bob, "0.4"),
		},
		snapshot(100, 1000, "1", "2", "4"),
		snapshot(101, 1100, "1", "2", "4"),
	)

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 3, res.EntriesWritten)

	a := f.latest(t, alice, endOfChain)
	b := f.latest(t, bob, endOfChain)
	require.NotNil(t, a)
	require.NotNil(t, b)

	assertDec(t, "0.6", a.SharesQty)
	assertDec(t, "0.4", b.SharesQty)
	assertDec(t, "1", a.SharesQty.Add(b.SharesQty))
	assertDec(t, "1.2", a.InvestmentQty0)
	assertDec(t, "0.8", b.InvestmentQty0)
	assertDec(t, "6", a.InvestmentUSD.Add(b.InvestmentUSD))
	assertDec(t, "0.4", b.SharesPercent)

	// A fresh destination inherits the sender's membership clock.
	assert.Equal(t, int64(100), a.SecPassed)
	assert.Equal(t, int64(100), b.SecPassed)
}

func TestReplay_TransferIgnoredForMintBurnAndCompounder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "1"),
		transferOp("mint", 100, 0, 1000, "0x0000000000000000000000000000000000000000", alice, "1"),
		transferOp("burn", 101, 1, 1100, alice, "0x000000000000000000000000000000000000dEaD", "0.1"),
		transferOp("auto", 101, 2, 1100, alice, compounder, "0.2"),
		transferOp("self", 101, 3, 1100, alice, alice, "0.3"),
	})

	v := testVaultCfg
	v.AutoCompounders = []string{compounder}
	res := f.replay(t, v)

	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, 1, res.EntriesWritten)
	assert.Nil(t, f.latest(t, compounder, endOfChain))
	assertDec(t, "1", f.latest(t, alice, endOfChain).SharesQty)
}

// ============================================================================
// Test: fee allocation and reports
// ============================================================================

func zeroBurnScenario() ([]event.RawOperation, []state.RawSnapshot) {
	ops := []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "0.25"),
		depositOp("d2", 100, 2, 1000, bob, "1", "1", "0.25"),
		zeroBurnOp("z1", 101, 5, 1100, "0.1", "0"),
		depositOp("d3", 106, 0, 1600, carol, "1", "1", "0.5"),
	}
	snaps := []state.RawSnapshot{
		snapshot(100, 1000, "0.5", "2", "2"),
		snapshot(101, 1100, "0.5", "2", "2"),
		snapshot(105, 1500, "0.5", "2", "2"),
		snapshot(106, 1600, "1", "3", "3"),
	}
	return ops, snaps
}

func TestReplay_ZeroBurnSplitsFeesByShare(t *testing.T) {
	f := newFixture(t)
	ops, snaps := zeroBurnScenario()
	f.seed(t, ops, snaps...)

	f.replay(t, testVaultCfg)

	before := event.Ref{Block: 102}
	for _, acct := range []string{alice, bob} {
		e := f.latest(t, acct, before)
		require.NotNil(t, e)
		assert.Equal(t, event.TopicZeroBurn, e.Topic)
		assertDec(t, "0.05", e.FeesCollected0, acct)
		assertDec(t, "0", e.FeesCollected1, acct)
		assertDec(t, "0.05", e.FeesCollectedUSD, acct)
		assert.Equal(t, int64(100), e.FeesUncollectedSecPassed, acct)
	}
	assert.Zero(t, promtest.ToFloat64(f.metrics.AllocationMaterial.WithLabelValues(testVault)))
}

func TestReplay_InjectsReportsForSnapshotOnlyBlocks(t *testing.T) {
	f := newFixture(t)
	ops, snaps := zeroBurnScenario()
	f.seed(t, ops, snaps...)

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 1, res.Reports)
	assert.Equal(t, uint64(106), res.LastBlock)

	for _, acct := range []string{alice, bob} {
		e := f.latest(t, acct, endOfChain)
		require.NotNil(t, e)
		assert.Equal(t, event.TopicReport, e.Topic)
		assert.Equal(t, event.ReportLogIndex, e.LogIndex)
		assert.Equal(t, core.ReportID(testVault, 105), e.RawOperation)
		// Reports let the fee clock run on; they do not reset it.
		assert.Equal(t, int64(500), e.FeesUncollectedSecPassed)
		assert.Equal(t, int64(500), e.SecPassed)
		assertDec(t, "0.05", e.FeesCollected0)
	}
}

func TestReplay_ReportsWaitForLaterOperations(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]event.RawOperation{depositOp("d1", 100, 1, 1000, alice, "1", "1", "1")},
		snapshot(100, 1000, "1", "1", "1"),
		snapshot(101, 1100, "2", "2", "2"),
	)

	// Nothing is known past block 101 yet.
	res := f.replay(t, testVaultCfg)
	assert.Zero(t, res.Reports)

	// The operation log catches up with the snapshots.
	f.seed(t, []event.RawOperation{depositOp("d2", 101, 1, 1100, alice, "1", "1", "1")})

	res = f.replay(t, testVaultCfg)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Reports)

	a := f.latest(t, alice, endOfChain)
	require.NotNil(t, a)
	assert.Equal(t, event.TopicDeposit, a.Topic)
	assertDec(t, "2", a.SharesQty)
	assertDec(t, "2", a.InvestmentQty0)

	// Once a later operation exists, the quiet block in between is reported.
	f.seed(t,
		[]event.RawOperation{depositOp("d3", 103, 1, 1300, bob, "1", "1", "1")},
		snapshot(102, 1200, "2", "2", "2"),
		snapshot(103, 1300, "3", "3", "3"),
	)

	res = f.replay(t, testVaultCfg)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Reports)

	a = f.latest(t, alice, endOfChain)
	require.NotNil(t, a)
	assert.Equal(t, event.TopicReport, a.Topic)
	assert.Equal(t, uint64(102), a.Block)
	assertDec(t, "2", a.SharesQty)
	assert.Zero(t, promtest.ToFloat64(f.metrics.ConservationBreaches.WithLabelValues(testVault)))
}

func TestAllocator_Distribute(t *testing.T) {
	pool := pond.NewPool(2)
	defer pool.StopAndWait()
	logger := observability.NewLoggerTo(io.Discard, "test", observability.ParseLogLevel("error"))
	a := core.NewAllocator(pool, logger, nil)

	holders := []*ledger.AccountStatus{
		{Vault: testVault, Account: alice, Block: 100, SharesQty: d("0.25")},
		{Vault: testVault, Account: bob, Block: 100, SharesQty: d("0.25")},
	}
	res, err := a.Distribute(context.Background(), core.Allocation{
		Header:  event.Header{OpID: "z1", Vault: testVault, Block: 101, LogIndex: 1},
		Topic:   event.TopicZeroBurn,
		Holders: holders,
		Fees0:   d("0.1"),
		Fees1:   d("0.2"),
		Market:  ledger.Market{TotalShares: d("0.5"), Price0: d("1"), Price1: d("2")},
	})
	require.NoError(t, err)

	assertDec(t, "1", res.Applied)
	assert.True(t, res.Report.Exact)
	assert.True(t, res.Remainder0.IsZero())
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		assertDec(t, "0.05", e.FeesCollected0)
		assertDec(t, "0.1", e.FeesCollected1)
		assertDec(t, "0.25", e.FeesCollectedUSD)
	}
}

func TestAllocator_SurfacesRemainder(t *testing.T) {
	pool := pond.NewPool(2)
	defer pool.StopAndWait()
	logger := observability.NewLoggerTo(io.Discard, "test", observability.ParseLogLevel("error"))
	a := core.NewAllocator(pool, logger, nil)

	// Holders sum to 0.4 of a 0.5 supply; 20% of the collection is left.
	res, err := a.Distribute(context.Background(), core.Allocation{
		Header:  event.Header{OpID: "r1", Vault: testVault, Block: 101},
		Topic:   event.TopicRebalance,
		Holders: []*ledger.AccountStatus{{Vault: testVault, Account: alice, Block: 100, SharesQty: d("0.4")}},
		Fees0:   d("1"),
		Fees1:   d("0"),
		Market:  ledger.Market{TotalShares: d("0.5"), Price0: d("1"), Price1: d("1")},
	})
	require.NoError(t, err)

	assertDec(t, "0.8", res.Applied)
	assertDec(t, "0.2", res.Remainder0)
	assert.False(t, res.Report.Exact)
	assert.True(t, res.Report.Material)
	assertDec(t, "0.8", res.Entries[0].FeesCollected0)
}

// ============================================================================
// Test: idempotency, ordering and determinism
// ============================================================================

func TestReplay_SecondRunIsNoOp(t *testing.T) {
	f := newFixture(t)
	ops, snaps := zeroBurnScenario()
	f.seed(t, ops, snaps...)

	first := f.replay(t, testVaultCfg)
	entries, err := f.store.GetEntries(context.Background(), testVault)
	require.NoError(t, err)
	digest := ledger.Digest(entries)

	second := f.replay(t, testVaultCfg)
	assert.Equal(t, 5, first.Applied)
	assert.Zero(t, second.Applied)
	assert.Zero(t, second.EntriesWritten)
	// Only the two rewound blocks (105 and 106) are re-examined.
	assert.Equal(t, 2, second.Skipped)

	entries, err = f.store.GetEntries(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, digest, ledger.Digest(entries))
}

func TestReplay_Deterministic(t *testing.T) {
	ops, snaps := zeroBurnScenario()
	ops = append(ops,
		transferOp("t1", 106, 1, 1600, alice, carol, "0.1"),
		withdrawOp("w1", 107, 1, 1700, bob, "0.9", "1.1", "0.25"),
	)

	var hashes []string
	var digests [][32]byte
	for i := 0; i < 2; i++ {
		f := newFixture(t)
		f.seed(t, ops, snaps...)
		res := f.replay(t, testVaultCfg)

		entries, err := f.store.GetEntries(context.Background(), testVault)
		require.NoError(t, err)
		hashes = append(hashes, res.StateHashHex())
		digests = append(digests, ledger.Digest(entries))
	}

	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, digests[0], digests[1])
}

func TestReplay_RejectsLateOperation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "1"),
		depositOp("d2", 101, 1, 1100, bob, "1", "1", "1"),
		depositOp("d3", 102, 1, 1200, alice, "1", "1", "1"),
		depositOp("d4", 103, 1, 1300, bob, "1", "1", "1"),
	})
	f.replay(t, testVaultCfg)

	// Arrives after blocks past it were committed, together with an
	// operation that is still in order.
	f.seed(t, []event.RawOperation{
		depositOp("late", 50, 1, 500, carol, "1", "1", "1"),
		depositOp("d5", 104, 1, 1400, dave, "1", "1", "1"),
	})

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Applied)
	assert.Nil(t, f.latest(t, carol, endOfChain))

	d := f.latest(t, dave, endOfChain)
	require.NotNil(t, d)
	assert.Equal(t, "d5", d.RawOperation)
	assertDec(t, "1", d.SharesQty)
	assert.Equal(t, int64(1), f.driver.Sequence().GetMetrics().GetOutOfOrder(testVault))
}

func TestReplay_UnsupportedTopicCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []event.RawOperation{
		baseOp("x1", "bogus", 100, 1, 1000),
		baseOp("a1", "approval", 100, 2, 1000),
		depositOp("d1", 100, 3, 1000, alice, "1", "1", "1"),
	})

	res := f.replay(t, testVaultCfg)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.EntriesWritten)
}

func TestReplay_MissingSnapshotAndPriceUseZero(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "1"),
		depositOp("d2", 100, 2, 1000, bob, "1", "1", "3"),
	})

	f.replay(t, testVaultCfg)

	b := f.latest(t, bob, endOfChain)
	require.NotNil(t, b)
	assertDec(t, "0.75", b.SharesPercent)
	assert.True(t, b.PriceUSD0.IsZero())
	assert.True(t, b.TVL0.IsZero())
	assert.Equal(t, float64(2), promtest.ToFloat64(f.metrics.SnapshotErrors.WithLabelValues("not_found")))
}

// ============================================================================
// Test: sink and multi-vault
// ============================================================================

type recordingSink struct {
	mu      sync.Mutex
	commits []core.Commit
}

func (s *recordingSink) PublishEntries(_ context.Context, c core.Commit) error {
	s.mu.Lock()
	s.commits = append(s.commits, c)
	s.mu.Unlock()
	return nil
}

func TestReplay_PublishesCommittedEntries(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{}
	f.driver.SetSink(sink)

	ops, snaps := zeroBurnScenario()
	f.seed(t, ops, snaps...)
	f.replay(t, testVaultCfg)

	require.Len(t, sink.commits, 5) // d1, d2, z1, report, d3
	assert.Equal(t, "z1", sink.commits[2].OpID)
	assert.Len(t, sink.commits[2].Entries, 2)
	assert.Equal(t, event.TopicReport, sink.commits[3].Topic)
	assert.Equal(t, "d3", sink.commits[4].OpID)
}

func TestReplayAll(t *testing.T) {
	f := newFixture(t)
	other := "0x4444444444444444444444444444444444444444"

	op := depositOp("o1", 200, 1, 2000, alice, "1", "1", "1")
	op.Address = other
	f.seed(t, []event.RawOperation{
		depositOp("d1", 100, 1, 1000, alice, "1", "1", "1"),
		op,
	})

	results, err := f.driver.ReplayAll(context.Background(), []core.Vault{
		testVaultCfg,
		{Network: testNetwork, Address: other},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(100), results[0].LastBlock)
	assert.Equal(t, uint64(200), results[1].LastBlock)
	assert.Equal(t, other, results[1].Vault)
}
