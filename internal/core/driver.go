package core

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/state"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultRecentSnapshots = 10
	DefaultRewindBlocks    = 2
	DefaultDedupCapacity   = 1_000_000
	DefaultWarmKeys        = 10_000
)

// reportNamespace roots the deterministic ids of synthetic reports.
var reportNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("vaultledger/report"))

// ReportID returns the deterministic id of the synthetic report at block.
func ReportID(vault string, block uint64) string {
	return uuid.NewSHA1(reportNamespace, []byte(vault+":"+strconv.FormatUint(block, 10))).String()
}

// DriverConfig tunes the replay driver. Zero values take the defaults.
type DriverConfig struct {
	RecentSnapshots int // snapshot blocks considered for reports
	RewindBlocks    int // processed blocks re-examined on resume
	WarmKeys        int // processed ids preloaded into the dedup LRU

	// SkipConservation disables the per-block shares vs totalSupply check.
	SkipConservation bool
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.RecentSnapshots <= 0 {
		c.RecentSnapshots = DefaultRecentSnapshots
	}
	if c.RewindBlocks <= 0 {
		c.RewindBlocks = DefaultRewindBlocks
	}
	if c.WarmKeys < 0 {
		c.WarmKeys = 0
	}
	return c
}

// ReplayResult summarizes one vault replay.
type ReplayResult struct {
	RunID          string
	Vault          string
	Applied        int // operations classified and committed
	Skipped        int // already processed
	Rejected       int // out of order
	Failed         int // unparsable or unsupported
	Reports        int // synthetic reports injected
	EntriesWritten int
	LastBlock      uint64
	StateHash      [32]byte
}

// StateHashHex returns the chained state hash as hex.
func (r *ReplayResult) StateHashHex() string {
	return hex.EncodeToString(r.StateHash[:])
}

// Driver replays vault operation logs into the ledger. Replay of one vault
// is sequential; different vaults replay in parallel.
type Driver struct {
	locks *xsync.Map[string, *sync.Mutex] // vault -> replay lock

	store       Store
	classifier  *Classifier
	idempotency *IdempotencyChecker
	sequence    *SequenceValidator
	vaultPool   pond.Pool
	sink        EntrySink
	cfg         DriverConfig
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

func NewDriver(
	store Store,
	classifier *Classifier,
	idempotency *IdempotencyChecker,
	vaultPool pond.Pool,
	cfg DriverConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Driver {
	return &Driver{
		locks:       xsync.NewMap[string, *sync.Mutex](),
		store:       store,
		classifier:  classifier,
		idempotency: idempotency,
		sequence:    NewSequenceValidator(),
		vaultPool:   vaultPool,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		metrics:     metrics,
	}
}

// SetSink registers a receiver for committed entries.
func (d *Driver) SetSink(sink EntrySink) {
	d.sink = sink
}

// Sequence exposes the ordering validator.
func (d *Driver) Sequence() *SequenceValidator {
	return d.sequence
}

// Replay brings the vault's ledger up to date with its operation log.
// It returns early, with the partial result, only on store failures or
// cancellation; every committed operation stays committed.
func (d *Driver) Replay(ctx context.Context, v Vault) (*ReplayResult, error) {
	start := time.Now()
	vault := event.NormalizeAddress(v.Address)
	v.Address = vault

	// Triggers may race; one replay per vault at a time.
	mu, _ := d.locks.LoadOrStore(vault, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	res := &ReplayResult{RunID: uuid.NewString(), Vault: vault}
	logger := d.logger.With().Str("vault", vault).Str("run_id", res.RunID).Logger()

	processed, err := d.store.GetDistinctProcessedBlocks(ctx, vault)
	if err != nil {
		return res, fmt.Errorf("processed blocks of %s: %w", vault, err)
	}
	done := rewind(processed, d.cfg.RewindBlocks)

	var resumeBlock uint64
	if len(done) > 0 {
		resumeBlock = done[len(done)-1]
	}
	d.sequence.SetLastBlock(vault, resumeBlock)
	res.LastBlock = resumeBlock

	if err := d.idempotency.Warm(ctx, vault, d.cfg.WarmKeys); err != nil {
		return res, err
	}

	items, err := d.collect(ctx, vault, done, resumeBlock, res, logger)
	if err != nil {
		return res, err
	}

	logger.Info().
		Int("processed_blocks", len(processed)).
		Uint64("resume_block", resumeBlock).
		Int("items", len(items)).
		Int("reports", res.Reports).
		Msg("replay started")

	hasher := NewStateHasher(vault)
	blockEntries := 0
	for i, op := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		h := op.Meta()
		lastInBlock := i == len(items)-1 || items[i+1].Meta().Block != h.Block

		n, err := d.step(ctx, v, op, lastInBlock, hasher, res, logger)
		if err != nil {
			return res, err
		}
		blockEntries += n

		if lastInBlock {
			if blockEntries > 0 && !d.cfg.SkipConservation {
				if err := d.checkConservation(ctx, vault, h.Block, logger); err != nil {
					return res, err
				}
			}
			blockEntries = 0
		}
	}

	res.StateHash = hasher.GetPrevHash()
	if d.metrics != nil {
		d.metrics.ReplayDuration.WithLabelValues(vault).Observe(time.Since(start).Seconds())
	}

	logger.Info().
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Int("rejected", res.Rejected).
		Int("failed", res.Failed).
		Int("entries", res.EntriesWritten).
		Uint64("last_block", res.LastBlock).
		Str("state_hash", res.StateHashHex()).
		Dur("elapsed", time.Since(start)).
		Msg("replay finished")

	return res, nil
}

// collect parses the unprocessed operations, adds synthetic reports and
// returns everything in (block, logIndex) order.
func (d *Driver) collect(ctx context.Context, vault string, done []uint64, resumeBlock uint64, res *ReplayResult, logger zerolog.Logger) ([]event.Operation, error) {
	raws, err := d.store.GetOperations(ctx, vault, done)
	if err != nil {
		return nil, fmt.Errorf("operations of %s: %w", vault, err)
	}

	items := make([]event.Operation, 0, len(raws))
	opBlocks := make(map[uint64]struct{}, len(raws))
	var lastOpBlock uint64
	for _, raw := range raws {
		opBlocks[raw.BlockNumber] = struct{}{}
		if raw.BlockNumber > lastOpBlock {
			lastOpBlock = raw.BlockNumber
		}

		op, err := event.Parse(raw)
		if err != nil {
			reason := "parse"
			if errors.Is(err, event.ErrUnsupportedTopic) {
				reason = "unsupported"
			}
			logger.Error().
				Err(err).
				Uint64("block", raw.BlockNumber).
				Uint64("log_index", raw.LogIndex).
				Str("op_id", raw.ID).
				Str("topic", raw.Topic).
				Msg("operation skipped")
			d.reject(event.ParseTopic(raw.Topic).String(), reason)
			res.Failed++
			continue
		}
		items = append(items, op)
	}

	reports, err := d.reports(ctx, vault, done, resumeBlock, lastOpBlock, opBlocks)
	if err != nil {
		return nil, err
	}
	res.Reports = len(reports)
	if d.metrics != nil && len(reports) > 0 {
		d.metrics.ReportsInjected.WithLabelValues(vault).Add(float64(len(reports)))
	}
	items = append(items, reports...)

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Meta(), items[j].Meta()
		if c := a.Position().Compare(b.Position()); c != 0 {
			return c < 0
		}
		return a.OpID < b.OpID
	})
	return items, nil
}

// reports synthesizes a report operation for each recent snapshot block
// that has no operation and was not already processed. Blocks below the
// resume point are history and get no report. A block is only reported once
// the operation log has moved past it: until then operations for it may
// still arrive, and a committed report would sort after them.
func (d *Driver) reports(ctx context.Context, vault string, done []uint64, resumeBlock, lastOpBlock uint64, opBlocks map[uint64]struct{}) ([]event.Operation, error) {
	snaps, err := d.store.GetRecentSnapshots(ctx, vault, d.cfg.RecentSnapshots)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots of %s: %w", vault, err)
	}

	doneSet := make(map[uint64]struct{}, len(done))
	for _, b := range done {
		doneSet[b] = struct{}{}
	}

	var out []event.Operation
	seen := make(map[uint64]struct{}, len(snaps))
	for _, s := range snaps {
		if s.Block < resumeBlock || s.Block >= lastOpBlock {
			continue
		}
		if _, ok := opBlocks[s.Block]; ok {
			continue
		}
		if _, ok := doneSet[s.Block]; ok {
			continue
		}
		if _, ok := seen[s.Block]; ok {
			continue
		}
		seen[s.Block] = struct{}{}
		out = append(out, newReport(vault, s))
	}
	return out, nil
}

func newReport(vault string, s state.RawSnapshot) *event.Report {
	r := &event.Report{
		Header: event.Header{
			OpID:      ReportID(vault, s.Block),
			Vault:     vault,
			Block:     s.Block,
			LogIndex:  event.ReportLogIndex,
			Timestamp: s.Timestamp,
		},
	}
	if s.Token0 != nil && s.Token0.Decimals != nil {
		r.Decimals0 = *s.Token0.Decimals
	}
	if s.Token1 != nil && s.Token1.Decimals != nil {
		r.Decimals1 = *s.Token1.Decimals
	}
	return r
}

// step processes one item and returns the number of entries it wrote.
func (d *Driver) step(ctx context.Context, v Vault, op event.Operation, lastInBlock bool, hasher *StateHasher, res *ReplayResult, logger zerolog.Logger) (int, error) {
	start := time.Now()
	h := op.Meta()
	topic := op.Topic().String()

	// Dedup first: an already-processed operation is never an ordering
	// violation.
	dup, err := d.idempotency.IsDuplicate(ctx, v.Address, h.OpID)
	if err != nil {
		return 0, err
	}
	if dup {
		res.Skipped++
		d.reject(topic, "duplicate")
		return 0, nil
	}

	if err := d.sequence.Validate(v.Address, h.Block, false); err != nil {
		logger.Error().
			Err(err).
			Uint64("block", h.Block).
			Uint64("log_index", h.LogIndex).
			Str("op_id", h.OpID).
			Str("topic", topic).
			Msg("operation rejected")
		res.Rejected++
		d.reject(topic, "out_of_order")
		if d.metrics != nil {
			d.metrics.OutOfOrder.WithLabelValues(v.Address).Inc()
		}
		return 0, nil
	}

	entries, err := d.classifier.Apply(ctx, v, op, lastInBlock)
	if errors.Is(err, event.ErrUnsupportedTopic) {
		logger.Error().Err(err).Str("op_id", h.OpID).Msg("operation skipped")
		res.Failed++
		d.reject(topic, "unsupported")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("apply %s %s at %d/%d: %w", topic, h.OpID, h.Block, h.LogIndex, err)
	}

	ledger.SortEntries(entries)
	commit := Commit{
		Vault:   v.Address,
		OpID:    h.OpID,
		Topic:   op.Topic(),
		Ref:     h.Position(),
		Entries: entries,
	}
	if err := d.store.CommitOperation(ctx, commit); err != nil {
		return 0, fmt.Errorf("commit %s: %w", h.OpID, err)
	}

	d.idempotency.MarkProcessed(v.Address, h.OpID)
	d.sequence.Advance(v.Address, h.Block)
	hasher.ComputeHash(commit)

	res.Applied++
	res.EntriesWritten += len(entries)
	if h.Block > res.LastBlock {
		res.LastBlock = h.Block
	}

	if d.metrics != nil {
		d.metrics.OpsApplied.WithLabelValues(topic).Inc()
		d.metrics.OpApplyDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		d.metrics.EntriesWritten.WithLabelValues(v.Address).Add(float64(len(entries)))
		d.metrics.LastBlock.WithLabelValues(v.Address).Set(float64(res.LastBlock))
	}

	if d.sink != nil && len(entries) > 0 {
		if err := d.sink.PublishEntries(ctx, commit); err != nil {
			logger.Warn().Err(err).Str("op_id", h.OpID).Msg("publish entries failed")
			if d.metrics != nil {
				d.metrics.PublishErrors.Inc()
			}
		}
	}

	return len(entries), nil
}

// checkConservation compares the ledger's share total after block against
// the snapshot totalSupply. Deviations are logged, never fatal.
func (d *Driver) checkConservation(ctx context.Context, vault string, block uint64, logger zerolog.Logger) error {
	raw, err := d.store.GetSnapshot(ctx, vault, block)
	if errors.Is(err, state.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot at block %d: %w", block, err)
	}
	snap, err := state.Normalize(raw)
	if err != nil {
		return nil
	}

	entries, err := d.store.GetAllEntriesAt(ctx, vault, event.Ref{Block: block + 1})
	if err != nil {
		return fmt.Errorf("entries after block %d: %w", block, err)
	}

	rep := ledger.CheckConservation(entries, snap.TotalSupply)
	if d.metrics != nil {
		dev, _ := rep.Deviation.Float64()
		d.metrics.ConservationDeviation.WithLabelValues(vault).Set(dev)
	}
	if !rep.OK {
		logger.Warn().
			Uint64("block", block).
			Str("ledger_shares", rep.LedgerShares.String()).
			Str("total_supply", rep.TotalSupply.String()).
			Str("deviation", rep.Deviation.String()).
			Msg("ledger shares do not match totalSupply")
		if d.metrics != nil {
			d.metrics.ConservationBreaches.WithLabelValues(vault).Inc()
		}
	}
	return nil
}

func (d *Driver) reject(topic, reason string) {
	if d.metrics != nil {
		d.metrics.OpsRejected.WithLabelValues(topic, reason).Inc()
	}
}

// ReplayAll replays independent vaults in parallel on the vault pool.
// Results are returned in input order; failed vaults have a nil result
// and contribute to the joined error.
func (d *Driver) ReplayAll(ctx context.Context, vaults []Vault) ([]*ReplayResult, error) {
	results := make([]*ReplayResult, len(vaults))
	errs := make([]error, len(vaults))

	group := d.vaultPool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, v := range vaults {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			res, err := d.Replay(groupCtx, v)
			if err != nil {
				errs[i] = fmt.Errorf("replay %s: %w", v.Address, err)
				return
			}
			results[i] = res
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return results, err
	}
	return results, errors.Join(errs...)
}

// rewind drops the last n processed blocks, which a previous run may have
// left half written, and returns the rest in ascending order.
func rewind(processed []uint64, n int) []uint64 {
	sorted := make([]uint64, len(processed))
	copy(sorted, processed)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(sorted) <= n {
		return nil
	}
	return sorted[:len(sorted)-n]
}
