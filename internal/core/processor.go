package core

import (
	"Bastion/internal/event"
	"Bastion/internal/ledger"
	"Bastion/internal/observability"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// DefaultInvariantCheckInterval is how many applied commands pass between
// global zero-sum and share-sum checks.
const DefaultInvariantCheckInterval = 100

// CoreOutput is emitted for every applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Command  event.Command
	Result   any
}

// FundsMovement is the result of a wallet deposit or withdrawal.
type FundsMovement struct {
	Owner   common.Address `json:"owner"`
	Token   common.Address `json:"token"`
	Amount  int64          `json:"amount"`
	Balance int64          `json:"balance"`
}

// ProcessorConfig tunes the processor.
type ProcessorConfig struct {
	StartSequence          int64
	LRUCapacity            int
	InvariantCheckInterval int64
}

// Processor is the single-threaded command pipeline in front of the engine.
// It assigns the global sequence, deduplicates, enforces collector ordering,
// captures vault journals and extends the state hash chain. It never reads
// the wall clock for state; command timestamps are versioned inputs and must
// not run backwards across applied commands.
type Processor struct {
	sequence          int64
	lastTimestamp     time.Time
	hasher            *StateHasher
	engine            *Engine
	vault             *ledger.Vault
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	invariantEvery    int64
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	snapshotEvery int64
	snapshotHook  func(*SnapshotState)
}

func NewProcessor(
	cfg ProcessorConfig,
	engine *Engine,
	vault *ledger.Vault,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Processor {
	if cfg.StartSequence <= 0 {
		cfg.StartSequence = 1
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.InvariantCheckInterval <= 0 {
		cfg.InvariantCheckInterval = DefaultInvariantCheckInterval
	}

	return &Processor{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		engine:            engine,
		vault:             vault,
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		invariantEvery:    cfg.InvariantCheckInterval,
		metrics:           metrics,
		logger:            observability.NewLogger("processor"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// SetSnapshotHook registers fn to receive a snapshot every `every` applied
// commands and once more when Run returns. fn runs on the processor goroutine.
func (p *Processor) SetSnapshotHook(every int64, fn func(*SnapshotState)) {
	p.snapshotEvery = every
	p.snapshotHook = fn
}

// Process is the main processing pipeline.
func (p *Processor) Process(ctx context.Context, cmd event.Command) (*CoreOutput, error) {
	start := time.Now()
	ct := cmd.CommandType()
	name := ct.String()
	key := cmd.IdempotencyKey()

	if ct == event.CommandTypeUnknown {
		p.reject(name, "unknown")
		return nil, ErrUnknownCommand
	}
	if key == "" {
		p.reject(name, "missing_id")
		return nil, ErrMissingCommandID
	}

	// Step 1: Idempotency check (two-tier)
	if p.idempotency.IsDuplicate(name, key) {
		p.reject(name, "duplicate")
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCommand, name, key)
	}

	// Step 2: Sequence validation (collector stream only)
	partition := ct.Partition()
	if partition != "" {
		if err := p.sequenceValidator.Check(partition, cmd.SourceSequence()); err != nil {
			p.reject(name, "sequence")
			return nil, err
		}
	}

	// Step 2b: Timestamp ordering (all commands)
	if at := cmd.OccurredAt(); at.Before(p.lastTimestamp) {
		p.reject(name, "out_of_order")
		return nil, fmt.Errorf("%w: timestamp %s before last applied %s",
			ErrOutOfOrder, at.Format(time.RFC3339Nano), p.lastTimestamp.Format(time.RFC3339Nano))
	}

	// Step 3: Dispatch inside a vault batch
	p.vault.Begin(key, p.sequence, cmd.OccurredAt())
	result, err := p.dispatch(ctx, cmd, true)
	if err != nil {
		unwound := p.vault.Rollback()
		p.reject(name, KindOf(err).String())
		p.logger.Debug().
			Str("command_type", name).
			Str("command_id", key).
			Int("journals_unwound", unwound).
			Err(err).
			Msg("command rejected")
		return nil, err
	}

	out, err := p.seal(cmd, result)
	if err != nil {
		return nil, err
	}

	// Step 4: Emit outputs
	// Persistence: blocking send, the processor stalls until the worker drains.
	if p.persistChan != nil {
		p.persistChan <- *out
	}
	// Projections: non-blocking send, dropped on full. Projection workers
	// rebuild from the event log.
	if p.projectionChan != nil {
		select {
		case p.projectionChan <- *out:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.Inc()
			}
		}
	}

	// Step 5: Mark as processed
	p.idempotency.MarkProcessed(name, key)
	if partition != "" {
		p.sequenceValidator.Advance(partition, cmd.SourceSequence())
	}
	p.advanceClock(cmd.OccurredAt())
	p.sequence++

	if p.metrics != nil {
		p.metrics.CoreCommandsApplied.WithLabelValues(name).Inc()
		p.metrics.CoreCommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(out.Envelope.Sequence))
	}
	return out, nil
}

// Replay re-applies a logged envelope and verifies it reproduces the recorded
// state hash. Oracles are not queried; payouts use the recorded observation.
func (p *Processor) Replay(ctx context.Context, env *event.EventEnvelope) error {
	if env.Sequence != p.sequence {
		return fmt.Errorf("%w: replay expected sequence %d, got %d", ErrSequenceGap, p.sequence, env.Sequence)
	}
	if env.PrevHash != p.hasher.GetPrevHash() {
		return fmt.Errorf("%w: prev hash at sequence %d", ErrHashMismatch, env.Sequence)
	}

	cmd, err := event.Decode(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	p.vault.Begin(cmd.IdempotencyKey(), p.sequence, cmd.OccurredAt())
	result, err := p.dispatch(ctx, cmd, false)
	if err != nil {
		p.vault.Rollback()
		return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.CommandType, err)
	}

	out, err := p.seal(cmd, result)
	if err != nil {
		return err
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w: sequence %d", ErrHashMismatch, env.Sequence)
	}

	name := env.CommandType.String()
	p.idempotency.MarkProcessed(name, env.IdempotencyKey)
	if partition := env.CommandType.Partition(); partition != "" {
		p.sequenceValidator.Advance(partition, env.SourceSequence)
	}
	p.advanceClock(cmd.OccurredAt())
	p.sequence++

	if p.metrics != nil {
		p.metrics.ReplayEventsTotal.Inc()
		p.metrics.CoreSequence.Set(float64(env.Sequence))
	}
	return nil
}

func (p *Processor) advanceClock(at time.Time) {
	if at.After(p.lastTimestamp) {
		p.lastTimestamp = at
	}
}

// seal commits the vault batch, validates it and builds the envelope.
func (p *Processor) seal(cmd event.Command, result any) (*CoreOutput, error) {
	batch := p.vault.Commit()
	if batch != nil && len(batch.Journals) > 0 {
		if err := p.vault.ValidateBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invalid journal batch at sequence %d: %v", p.sequence, err))
		}
		if p.metrics != nil {
			for _, j := range batch.Journals {
				p.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	payload, err := event.Encode(cmd)
	if err != nil {
		return nil, err
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", cmd.CommandType(), err)
	}

	stateDigest := p.computeStateDigest(batch, resultBytes)
	prevHash := p.hasher.GetPrevHash()
	stateHash := p.hasher.ComputeHash(p.sequence, stateDigest)

	if p.sequence%p.invariantEvery == 0 {
		p.checkInvariants()
	}

	envelope := &event.EventEnvelope{
		Sequence:       p.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		CommandType:    cmd.CommandType(),
		Caller:         cmd.Caller(),
		Timestamp:      cmd.OccurredAt(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		Result:         resultBytes,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	return &CoreOutput{
		Envelope: envelope,
		Batch:    batch,
		Command:  cmd,
		Result:   result,
	}, nil
}

func (p *Processor) checkInvariants() {
	if err := p.vault.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger invariant violated at sequence %d: %v", p.sequence, err))
	}
	if err := p.engine.ValidateShareInvariant(); err != nil {
		panic(fmt.Sprintf("FATAL: %v at sequence %d", err, p.sequence))
	}
}

func (p *Processor) reject(commandType, reason string) {
	if p.metrics != nil {
		p.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

// dispatch routes a command to the engine or the vault. When live is false
// an ExecutePayout settles on its recorded observation.
func (p *Processor) dispatch(ctx context.Context, cmd event.Command, live bool) (any, error) {
	call := Call{Caller: cmd.Caller(), Timestamp: cmd.OccurredAt()}

	switch c := cmd.(type) {
	case *event.ConfigureAsset:
		return p.engine.ConfigureAsset(call, c.Asset, c.PriceFeed, c.TargetPrice, c.DepegThresholdBps)
	case *event.SetAssetStatus:
		return p.engine.SetAssetStatus(call, c.Asset, c.Active)
	case *event.SetPayoutToken:
		return p.engine.SetPayoutToken(call, c.Token)
	case *event.SetCollector:
		return p.engine.SetCollector(call, c.Collector)
	case *event.Pause:
		return p.engine.Pause(call)
	case *event.Unpause:
		return p.engine.Unpause(call)
	case *event.EmergencyWithdraw:
		return p.engine.EmergencyWithdraw(ctx, call, c.Token, c.To, c.Amount)
	case *event.CollectPremium:
		return p.engine.CollectPremium(ctx, call, c.Token, c.Amount)
	case *event.UpdatePosition:
		return p.engine.UpdatePosition(call, c.LP, c.Shares)
	case *event.ExecutePayout:
		return p.dispatchPayout(ctx, call, c, live)
	case *event.Claim:
		return p.engine.Claim(ctx, call, c.PayoutIndex)
	case *event.DepositFunds:
		if err := p.engine.AuthorizeDeposit(call.Caller, c.Owner); err != nil {
			return nil, err
		}
		if err := p.vault.Deposit(c.Owner, c.Token, c.Amount); err != nil {
			return nil, err
		}
		return FundsMovement{Owner: c.Owner, Token: c.Token, Amount: c.Amount,
			Balance: p.vault.BalanceOf(c.Owner, c.Token)}, nil
	case *event.WithdrawFunds:
		if err := p.engine.AuthorizeWithdraw(call.Caller); err != nil {
			return nil, err
		}
		if err := p.vault.Withdraw(call.Caller, c.Token, c.Amount); err != nil {
			return nil, err
		}
		return FundsMovement{Owner: call.Caller, Token: c.Token, Amount: c.Amount,
			Balance: p.vault.BalanceOf(call.Caller, c.Token)}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (p *Processor) dispatchPayout(ctx context.Context, call Call, c *event.ExecutePayout, live bool) (PayoutResult, error) {
	if !live {
		if c.Observation == nil {
			return PayoutResult{}, fmt.Errorf("replay payout without observation: %w", ErrConsensusUnavailable)
		}
		return p.engine.ReplayPayout(call, c.Asset, c.Observation.Verdict, c.Observation.Price)
	}

	// Observations supplied by the submitter are never trusted.
	c.Observation = nil
	res, err := p.engine.ExecutePayout(ctx, call, c.Asset)
	if err != nil {
		return PayoutResult{}, err
	}
	c.Observation = &event.Observation{Verdict: res.Verdict, Price: res.Reading}
	return res, nil
}

// computeStateDigest creates canonical bytes for the state hash: the balance
// of every account touched by the batch (sorted by path), the engine
// counters, and a hash of the command result.
func (p *Processor) computeStateDigest(batch *ledger.Batch, result []byte) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, p.vault.Balance(key))
	}

	digest = append(digest, p.engine.Digest()...)
	resultHash := sha256.Sum256(result)
	digest = append(digest, resultHash[:]...)
	return digest
}

// --- Run loop ---

// Submission is a command handed to Run together with where to send the outcome.
type Submission struct {
	Command event.Command
	Reply   chan<- Reply
}

// Reply is the outcome of one submitted command.
type Reply struct {
	Sequence int64
	Result   any
	Err      error
}

// Run applies submissions one at a time until ctx is done or in is closed.
func (p *Processor) Run(ctx context.Context, in <-chan Submission) error {
	defer p.emitSnapshot()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			out, err := p.Process(ctx, sub.Command)
			reply := Reply{Err: err}
			if out != nil {
				reply.Sequence = out.Envelope.Sequence
				reply.Result = out.Result
			}
			if sub.Reply != nil {
				sub.Reply <- reply
			}
			if out != nil && p.snapshotHook != nil && p.snapshotEvery > 0 &&
				out.Envelope.Sequence%p.snapshotEvery == 0 {
				p.emitSnapshot()
			}
		}
	}
}

func (p *Processor) emitSnapshot() {
	if p.snapshotHook == nil || p.sequence <= 1 {
		return
	}
	p.snapshotHook(p.CreateSnapshotState())
}

// Submit hands cmd to a running processor and waits for its outcome.
func Submit(ctx context.Context, in chan<- Submission, cmd event.Command) (Reply, error) {
	replyCh := make(chan Reply, 1)
	select {
	case in <- Submission{Command: cmd, Reply: replyCh}:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// --- Snapshot ---

// SnapshotState is the full processor state at Sequence.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       [32]byte                `json:"state_hash"`
	Engine          EngineState             `json:"engine"`
	Balances        []ledger.AccountBalance `json:"balances"`
	SequenceState   map[string]int64        `json:"sequence_state"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
	LastTimestamp   time.Time               `json:"last_timestamp"`
}

// CreateSnapshotState captures the state after the last applied command.
func (p *Processor) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        p.sequence - 1,
		StateHash:       p.hasher.GetPrevHash(),
		Engine:          p.engine.ExportState(),
		Balances:        p.vault.Export(),
		SequenceState:   p.sequenceValidator.Partitions(),
		IdempotencyKeys: p.idempotency.Keys(),
		LastTimestamp:   p.lastTimestamp,
	}
}

// RestoreFromSnapshot loads snap; the next command gets snap.Sequence+1.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if err := p.engine.RestoreState(snap.Engine); err != nil {
		return err
	}
	if err := p.vault.Import(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	for partition, nextSeq := range snap.SequenceState {
		p.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	p.idempotency.Warm(snap.IdempotencyKeys)

	p.sequence = snap.Sequence + 1
	p.lastTimestamp = snap.LastTimestamp
	p.hasher.SetPrevHash(snap.StateHash)
	if p.metrics != nil {
		p.metrics.CoreSequence.Set(float64(snap.Sequence))
	}
	p.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("balances", len(snap.Balances)).
		Int("idempotency_keys", len(snap.IdempotencyKeys)).
		Msg("restored from snapshot")
	return nil
}

// WarmLRU loads composite idempotency keys recovered from the event log.
func (p *Processor) WarmLRU(keys []string) {
	p.idempotency.Warm(keys)
}

// LastTimestamp returns the latest timestamp among applied commands.
func (p *Processor) LastTimestamp() time.Time {
	return p.lastTimestamp
}

// NextSequence returns the sequence the next applied command will get.
func (p *Processor) NextSequence() int64 {
	return p.sequence
}

func (p *Processor) StateHash() [32]byte {
	return p.hasher.GetPrevHash()
}

func (p *Processor) Engine() *Engine {
	return p.engine
}

func (p *Processor) Vault() *ledger.Vault {
	return p.vault
}

// SetLogger replaces the processor logger.
func (p *Processor) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}
