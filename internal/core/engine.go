package core

import (
	"Bastion/internal/ledger"
	fpmath "Bastion/internal/math"
	"Bastion/internal/observability"
	"Bastion/internal/oracle"
	"Bastion/internal/state"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// TokenTransferer is the value-transfer medium the engine moves funds through.
// ledger.Vault is the production implementation.
type TokenTransferer interface {
	// TransferFrom pulls amount of token from one holder to another.
	TransferFrom(ctx context.Context, token, from, to common.Address, amount int64) error

	// Transfer sends amount of token out of engine custody.
	Transfer(ctx context.Context, token, to common.Address, amount int64) error
}

// Call identifies who invokes a mutator and the versioned time it acts at.
// The engine never reads the wall clock.
type Call struct {
	Caller    common.Address
	Timestamp time.Time
}

// EngineConfig holds construction parameters.
type EngineConfig struct {
	Admin       common.Address
	Collector   common.Address
	PayoutToken common.Address // may be zero until SetPayoutToken
	Custody     common.Address
	Depositor   common.Address // zero disables wallet deposits
	MinPremium  int64
	Limits      GateLimits
}

// Engine is the depeg settlement engine. It owns the coverage registry, the
// LP registry, the premium ledger and the claims ledger.
//
// Every mutator holds the in-flight guard for its whole duration, so at most
// one mutation runs at a time and a transfer callback re-entering the engine
// fails with ErrReentrantCall. Reads take the read lock and may run
// concurrently with a mutation that is waiting on an external call.
type Engine struct {
	inFlight atomic.Bool
	mu       sync.RWMutex

	admin       common.Address
	collector   common.Address
	payoutToken common.Address
	custody     common.Address
	depositor   common.Address
	paused      bool
	limits      GateLimits

	coverage *state.CoverageRegistry
	lps      *state.LPRegistry
	premium  *state.PremiumLedger
	claims   *state.ClaimsLedger

	transfers TokenTransferer
	feed      oracle.PriceFeed
	consensus oracle.ConsensusOracle // nil when no consensus adapter is wired

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewEngine builds an engine. consensus may be nil, in which case every payout
// fails with ErrConsensusUnavailable.
func NewEngine(
	cfg EngineConfig,
	transfers TokenTransferer,
	feed oracle.PriceFeed,
	consensus oracle.ConsensusOracle,
	metrics *observability.Metrics,
) (*Engine, error) {
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("admin: %w", ErrZeroAddress)
	}
	if cfg.Collector == (common.Address{}) {
		return nil, fmt.Errorf("collector: %w", ErrZeroAddress)
	}
	if cfg.Custody == (common.Address{}) {
		return nil, fmt.Errorf("custody: %w", ErrZeroAddress)
	}
	if transfers == nil {
		return nil, fmt.Errorf("token transferer is required")
	}
	if feed == nil {
		return nil, fmt.Errorf("price feed is required")
	}

	return &Engine{
		admin:       cfg.Admin,
		collector:   cfg.Collector,
		payoutToken: cfg.PayoutToken,
		custody:     cfg.Custody,
		depositor:   cfg.Depositor,
		limits:      cfg.Limits.withDefaults(),
		coverage:    state.NewCoverageRegistry(),
		lps:         state.NewLPRegistry(),
		premium:     state.NewPremiumLedger(cfg.MinPremium),
		claims:      state.NewClaimsLedger(),
		transfers:   transfers,
		feed:        feed,
		consensus:   consensus,
		metrics:     metrics,
		logger:      observability.NewLogger("engine"),
	}, nil
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger zerolog.Logger) {
	e.logger = logger
}

func (e *Engine) enter() error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() {
	e.inFlight.Store(false)
}

// requireAdmin and requireActive must be called with e.mu held.
func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller.Hex())
	}
	return nil
}

func (e *Engine) requireActive() error {
	if e.paused {
		return ErrPaused
	}
	return nil
}

// --- Results ---

type PayoutTokenChange struct {
	Previous common.Address `json:"previous"`
	Token    common.Address `json:"token"`
}

type CollectorChange struct {
	Previous  common.Address `json:"previous"`
	Collector common.Address `json:"collector"`
}

type PauseChange struct {
	Paused bool `json:"paused"`
}

type EmergencyWithdrawal struct {
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

type PremiumCollection struct {
	Collector common.Address `json:"collector"`
	Token     common.Address `json:"token"`
	Amount    int64          `json:"amount"`
	Balance   int64          `json:"balance"`
}

// PayoutResult is the outcome of a settled payout together with the oracle
// readings it was decided on.
type PayoutResult struct {
	Event   state.PayoutEvent   `json:"event"`
	Claims  []state.ClaimRecord `json:"claims"`
	Stage   string              `json:"stage"`
	Verdict oracle.Verdict      `json:"verdict"`
	Reading oracle.PriceReading `json:"reading"`
}

// TransferIntent is an outbound transfer owed once state is consistent.
type TransferIntent struct {
	Token     common.Address `json:"token"`
	Recipient common.Address `json:"recipient"`
	Amount    int64          `json:"amount"`
}

type ClaimResult struct {
	PayoutIndex int64          `json:"payout_index"`
	LP          common.Address `json:"lp"`
	Token       common.Address `json:"token"`
	Amount      int64          `json:"amount"`
}

// --- Administrator operations ---

// ConfigureAsset inserts or overwrites coverage for an asset and marks it active.
func (e *Engine) ConfigureAsset(call Call, asset, feed common.Address, targetPrice, thresholdBps int64) (state.AssetCoverage, error) {
	if err := e.enter(); err != nil {
		return state.AssetCoverage{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call.Caller); err != nil {
		return state.AssetCoverage{}, err
	}
	if err := e.requireActive(); err != nil {
		return state.AssetCoverage{}, err
	}

	cov, err := e.coverage.Configure(asset, feed, targetPrice, thresholdBps, call.Timestamp)
	if err != nil {
		return state.AssetCoverage{}, err
	}
	e.logger.Info().
		Str("asset", asset.Hex()).
		Str("feed", feed.Hex()).
		Str("target_price", fpmath.FormatPrice(cov.TargetPrice)).
		Int64("threshold_bps", cov.DepegThresholdBps).
		Msg("asset coverage configured")
	return cov, nil
}

// SetAssetStatus activates or deactivates an already-configured asset.
func (e *Engine) SetAssetStatus(call Call, asset common.Address, active bool) (state.AssetCoverage, error) {
	if err := e.enter(); err != nil {
		return state.AssetCoverage{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call.Caller); err != nil {
		return state.AssetCoverage{}, err
	}
	if err := e.requireActive(); err != nil {
		return state.AssetCoverage{}, err
	}
	return e.coverage.SetActive(asset, active, call.Timestamp)
}

// SetPayoutToken changes the token premiums are collected and claims paid in.
// A change is refused while the fund or any claim is outstanding.
func (e *Engine) SetPayoutToken(call Call, token common.Address) (PayoutTokenChange, error) {
	if err := e.enter(); err != nil {
		return PayoutTokenChange{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call.Caller); err != nil {
		return PayoutTokenChange{}, err
	}
	if err := e.requireActive(); err != nil {
		return PayoutTokenChange{}, err
	}
	if token == (common.Address{}) {
		return PayoutTokenChange{}, fmt.Errorf("payout token: %w", ErrZeroAddress)
	}
	if token != e.payoutToken && (e.premium.Balance() > 0 || e.claims.Outstanding() > 0) {
		return PayoutTokenChange{}, fmt.Errorf("%w: balance=%d outstanding=%d",
			ErrPayoutTokenLocked, e.premium.Balance(), e.claims.Outstanding())
	}

	change := PayoutTokenChange{Previous: e.payoutToken, Token: token}
	e.payoutToken = token
	return change, nil
}

// SetCollector replaces the authorized fee collector.
func (e *Engine) SetCollector(call Call, collector common.Address) (CollectorChange, error) {
	if err := e.enter(); err != nil {
		return CollectorChange{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call.Caller); err != nil {
		return CollectorChange{}, err
	}
	if err := e.requireActive(); err != nil {
		return CollectorChange{}, err
	}
	if collector == (common.Address{}) {
		return CollectorChange{}, fmt.Errorf("collector: %w", ErrZeroAddress)
	}

	change := CollectorChange{Previous: e.collector, Collector: collector}
	e.collector = collector
	return change, nil
}

// Pause stops every mutator except Unpause and EmergencyWithdraw.
func (e *Engine) Pause(call Call) (PauseChange, error) {
	if err := e.enter(); err != nil {
		return PauseChange{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call.Caller); err != nil {
		return PauseChange{}, err
	}
	if err := e.requireActive(); err != nil {
		return PauseChange{}, err
	}
	e.paused = true
	e.logger.Warn().Str("caller", call.Caller.Hex()).Msg("engine paused")
	return PauseChange{Paused: true}, nil
}

func (e *Engine) Unpause(call Call) (PauseChange, error) {
	if err := e.enter(); err != nil {
		return PauseChange{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call.Caller); err != nil {
		return PauseChange{}, err
	}
	if !e.paused {
		return PauseChange{}, ErrNotPaused
	}
	e.paused = false
	e.logger.Info().Str("caller", call.Caller.Hex()).Msg("engine unpaused")
	return PauseChange{Paused: false}, nil
}

// EmergencyWithdraw moves tokens out of custody while paused. The premium
// balance counter is left untouched.
func (e *Engine) EmergencyWithdraw(ctx context.Context, call Call, token, to common.Address, amount int64) (EmergencyWithdrawal, error) {
	if err := e.enter(); err != nil {
		return EmergencyWithdrawal{}, err
	}
	defer e.exit()

	e.mu.RLock()
	err := e.requireAdmin(call.Caller)
	if err == nil && !e.paused {
		err = ErrNotPaused
	}
	e.mu.RUnlock()
	if err != nil {
		return EmergencyWithdrawal{}, err
	}
	if token == (common.Address{}) || to == (common.Address{}) {
		return EmergencyWithdrawal{}, fmt.Errorf("emergency withdraw: %w", ErrZeroAddress)
	}
	if amount <= 0 {
		return EmergencyWithdrawal{}, fmt.Errorf("%w, got %d", ErrInvalidAmount, amount)
	}

	ctx = ledger.WithJournalType(ctx, ledger.JournalTypeEmergencyWithdrawal)
	if err := e.transfers.Transfer(ctx, token, to, amount); err != nil {
		return EmergencyWithdrawal{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	e.logger.Warn().
		Str("token", token.Hex()).
		Str("to", to.Hex()).
		Int64("amount", amount).
		Msg("emergency withdrawal")
	return EmergencyWithdrawal{Token: token, To: to, Amount: amount}, nil
}

// --- Collector operations ---

// CollectPremium pulls amount of the payout token from the collector into
// custody and grows the fund. It is the only path that grows the fund.
func (e *Engine) CollectPremium(ctx context.Context, call Call, token common.Address, amount int64) (PremiumCollection, error) {
	if err := e.enter(); err != nil {
		return PremiumCollection{}, err
	}
	defer e.exit()

	e.mu.RLock()
	err := e.checkCollect(call.Caller, token, amount)
	e.mu.RUnlock()
	if err != nil {
		return PremiumCollection{}, err
	}

	ctx = ledger.WithJournalType(ctx, ledger.JournalTypePremiumPull)
	if err := e.transfers.TransferFrom(ctx, token, call.Caller, e.custody, amount); err != nil {
		return PremiumCollection{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.premium.Collect(amount); err != nil {
		// CheckCollect passed under the guard; only a broken ledger gets here.
		panic(fmt.Sprintf("FATAL: premium collect after successful pull: %v", err))
	}

	if e.metrics != nil {
		e.metrics.PremiumCollected.Add(float64(amount))
		e.metrics.PremiumBalance.Set(float64(e.premium.Balance()))
	}
	return PremiumCollection{
		Collector: call.Caller,
		Token:     token,
		Amount:    amount,
		Balance:   e.premium.Balance(),
	}, nil
}

// checkCollect must be called with e.mu held.
func (e *Engine) checkCollect(caller, token common.Address, amount int64) error {
	if caller != e.collector {
		return fmt.Errorf("%w: %s", ErrNotCollector, caller.Hex())
	}
	if err := e.requireActive(); err != nil {
		return err
	}
	if e.payoutToken == (common.Address{}) {
		return ErrPayoutTokenUnset
	}
	if token != e.payoutToken {
		return fmt.Errorf("%w: got %s, want %s", ErrUnsupportedToken, token.Hex(), e.payoutToken.Hex())
	}
	return e.premium.CheckCollect(amount)
}

// UpdatePosition sets an LP's shares.
func (e *Engine) UpdatePosition(call Call, lp common.Address, shares int64) (state.PositionChange, error) {
	if err := e.enter(); err != nil {
		return state.PositionChange{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if call.Caller != e.collector {
		return state.PositionChange{}, fmt.Errorf("%w: %s", ErrNotCollector, call.Caller.Hex())
	}
	if err := e.requireActive(); err != nil {
		return state.PositionChange{}, err
	}

	change, err := e.lps.UpdatePosition(lp, shares, call.Timestamp)
	if err != nil {
		return state.PositionChange{}, err
	}
	if e.metrics != nil {
		e.metrics.TotalShares.Set(float64(change.TotalShares))
	}
	return change, nil
}

// --- Payout ---

// ExecutePayout reads both oracles and, on double confirmation, drains the
// whole fund into claim records pro-rata to current LP shares.
func (e *Engine) ExecutePayout(ctx context.Context, call Call, asset common.Address) (PayoutResult, error) {
	if err := e.enter(); err != nil {
		return PayoutResult{}, err
	}
	defer e.exit()

	e.mu.RLock()
	cov, err := e.checkPayout(call.Caller, asset)
	e.mu.RUnlock()
	if err != nil {
		return PayoutResult{}, err
	}

	rd := e.observe(ctx, cov, call.Timestamp)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settle(call, cov, rd)
}

// ReplayPayout settles a payout on previously recorded oracle readings.
func (e *Engine) ReplayPayout(call Call, asset common.Address, verdict oracle.Verdict, reading oracle.PriceReading) (PayoutResult, error) {
	if err := e.enter(); err != nil {
		return PayoutResult{}, err
	}
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	cov, err := e.checkPayout(call.Caller, asset)
	if err != nil {
		return PayoutResult{}, err
	}
	rd := Readings{ConsensusWired: true, Verdict: verdict, Price: reading}
	return e.settle(call, cov, rd)
}

// checkPayout must be called with e.mu held.
func (e *Engine) checkPayout(caller, asset common.Address) (state.AssetCoverage, error) {
	if err := e.requireAdmin(caller); err != nil {
		return state.AssetCoverage{}, err
	}
	if err := e.requireActive(); err != nil {
		return state.AssetCoverage{}, err
	}
	cov, ok := e.coverage.Get(asset)
	if !ok {
		return state.AssetCoverage{}, fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}
	if !cov.Active {
		return state.AssetCoverage{}, fmt.Errorf("%w: %s", ErrAssetInactive, asset.Hex())
	}
	return cov, nil
}

// observe queries consensus first and the price feed only when consensus passed.
func (e *Engine) observe(ctx context.Context, cov state.AssetCoverage, now time.Time) Readings {
	rd := Readings{ConsensusWired: e.consensus != nil}
	if !rd.ConsensusWired {
		return rd
	}
	rd.Verdict, rd.VerdictErr = e.consensus.LatestDepegVerdict(ctx, cov.AssetID)
	if CheckConsensus(true, rd.Verdict, rd.VerdictErr, now, e.limits.MaxConsensusAge) != nil {
		return rd
	}
	rd.Price, rd.PriceErr = e.feed.LatestPrice(ctx, cov.AssetID, cov.PriceFeed)
	return rd
}

// settle must be called with e.mu held.
func (e *Engine) settle(call Call, cov state.AssetCoverage, rd Readings) (PayoutResult, error) {
	gate := EvaluateGate(rd, cov, call.Timestamp, e.limits)
	if !gate.Passed() {
		if e.metrics != nil {
			e.metrics.GateFailures.WithLabelValues(gate.Stage.String(), gateReason(gate.Err)).Inc()
		}
		e.logger.Info().
			Str("asset", cov.AssetID.Hex()).
			Str("stage", gate.Stage.String()).
			Err(gate.Err).
			Msg("payout gate rejected")
		return PayoutResult{}, &GateError{Stage: gate.Stage, Err: gate.Err}
	}

	if e.premium.Balance() <= 0 {
		return PayoutResult{}, ErrEmptyFund
	}
	totalShares := e.lps.TotalShares()
	if totalShares <= 0 {
		return PayoutResult{}, ErrZeroShares
	}

	totalPayout := e.premium.Balance()
	dist := fpmath.ComputeDistribution(totalPayout, totalShares, e.lps.Holdings())
	allocations := make([]state.ClaimAllocation, 0, len(dist.Allocations))
	for _, a := range dist.Allocations {
		allocations = append(allocations, state.ClaimAllocation{
			LP:     e.lps.At(a.Index).LP,
			Amount: a.Claimable,
		})
	}

	drained, err := e.premium.Drain()
	if err != nil || drained != totalPayout {
		panic(fmt.Sprintf("FATAL: premium drain mismatch: drained=%d want=%d err=%v", drained, totalPayout, err))
	}

	evt := e.claims.RecordPayout(state.PayoutEvent{
		Asset:        cov.AssetID,
		TotalPayout:  totalPayout,
		Timestamp:    call.Timestamp,
		PriceAtEvent: gate.Reading.Price,
		DeviationBps: gate.Depeg.DeviationBps,
	}, allocations)

	if evt.Allocated > evt.TotalPayout {
		panic(fmt.Sprintf("FATAL: payout over-allocated: allocated=%d total=%d", evt.Allocated, evt.TotalPayout))
	}

	if e.metrics != nil {
		asset := cov.AssetID.Hex()
		e.metrics.PayoutsExecuted.WithLabelValues(asset).Inc()
		e.metrics.PayoutAmount.WithLabelValues(asset).Add(float64(totalPayout))
		e.metrics.PayoutDust.Add(float64(evt.RoundingDust))
		e.metrics.PremiumBalance.Set(0)
	}
	e.logger.Info().
		Int64("payout_index", evt.Index).
		Str("asset", cov.AssetID.Hex()).
		Int64("total_payout", totalPayout).
		Int("recipients", evt.Recipients).
		Int64("rounding_dust", evt.RoundingDust).
		Str("price", fpmath.FormatPrice(evt.PriceAtEvent)).
		Str("deviation", fpmath.FormatBps(evt.DeviationBps)).
		Msg("payout settled")

	records, err := e.claims.Records(evt.Index)
	if err != nil {
		panic(fmt.Sprintf("FATAL: payout %d has no claim records: %v", evt.Index, err))
	}

	return PayoutResult{
		Event:   evt,
		Claims:  records,
		Stage:   StageSettled.String(),
		Verdict: gate.Verdict,
		Reading: gate.Reading,
	}, nil
}

// --- Claims ---

// Claim pays the caller's own record for a payout event. The record is marked
// claimed before the transfer; a failed transfer restores it.
func (e *Engine) Claim(ctx context.Context, call Call, payoutIndex int64) (ClaimResult, error) {
	if err := e.enter(); err != nil {
		return ClaimResult{}, err
	}
	defer e.exit()

	intent, err := e.markClaimed(call, payoutIndex)
	if err != nil {
		return ClaimResult{}, err
	}

	ctx = ledger.WithJournalType(ctx, ledger.JournalTypeClaimPayout)
	if err := e.transfers.Transfer(ctx, intent.Token, intent.Recipient, intent.Amount); err != nil {
		e.mu.Lock()
		e.claims.RevertClaim(payoutIndex, call.Caller, intent.Amount)
		e.mu.Unlock()
		e.logger.Error().
			Int64("payout_index", payoutIndex).
			Str("lp", call.Caller.Hex()).
			Err(err).
			Msg("claim transfer failed, record restored")
		return ClaimResult{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	if e.metrics != nil {
		e.metrics.ClaimsPaid.Inc()
		e.metrics.ClaimAmount.Add(float64(intent.Amount))
	}
	return ClaimResult{
		PayoutIndex: payoutIndex,
		LP:          call.Caller,
		Token:       intent.Token,
		Amount:      intent.Amount,
	}, nil
}

func (e *Engine) markClaimed(call Call, payoutIndex int64) (TransferIntent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireActive(); err != nil {
		return TransferIntent{}, err
	}
	if e.payoutToken == (common.Address{}) {
		return TransferIntent{}, ErrPayoutTokenUnset
	}
	amount, err := e.claims.MarkClaimed(payoutIndex, call.Caller)
	if err != nil {
		return TransferIntent{}, err
	}
	return TransferIntent{Token: e.payoutToken, Recipient: call.Caller, Amount: amount}, nil
}

// --- Reads ---

func (e *Engine) Position(lp common.Address) (state.LPPosition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lps.Position(lp)
}

func (e *Engine) TotalShares() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lps.TotalShares()
}

func (e *Engine) Coverage(asset common.Address) (state.AssetCoverage, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coverage.Get(asset)
}

// Assets returns every configured asset in first-configuration order.
func (e *Engine) Assets() []common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coverage.Assets()
}

func (e *Engine) Coverages() []state.AssetCoverage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coverage.All()
}

func (e *Engine) Payouts() []state.PayoutEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claims.Payouts()
}

func (e *Engine) Payout(index int64) (state.PayoutEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claims.Payout(index)
}

// Claimable returns what lp can still claim under an event.
func (e *Engine) Claimable(index int64, lp common.Address) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claims.Claimable(index, lp)
}

func (e *Engine) ClaimRecords(index int64) ([]state.ClaimRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claims.Records(index)
}

func (e *Engine) PremiumBalance() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.premium.Balance()
}

func (e *Engine) PremiumStats() state.PremiumSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.premium.Snapshot()
}

func (e *Engine) MinPremium() int64 {
	return e.premium.MinPremium()
}

func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

func (e *Engine) Admin() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admin
}

func (e *Engine) Collector() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collector
}

func (e *Engine) PayoutToken() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.payoutToken
}

func (e *Engine) Custody() common.Address {
	return e.custody
}

func (e *Engine) Depositor() common.Address {
	return e.depositor
}

// AuthorizeDeposit checks that caller may credit owner's wallet. Only the
// depositor credits wallets, and never the custody account.
func (e *Engine) AuthorizeDeposit(caller, owner common.Address) error {
	if e.depositor == (common.Address{}) || caller != e.depositor {
		return fmt.Errorf("%w: %s", ErrNotDepositor, caller.Hex())
	}
	if owner == (common.Address{}) {
		return fmt.Errorf("owner: %w", ErrZeroAddress)
	}
	if owner == e.custody {
		return ErrCustodyWallet
	}
	return nil
}

// AuthorizeWithdraw checks that owner holds a withdrawable wallet.
func (e *Engine) AuthorizeWithdraw(owner common.Address) error {
	if owner == e.custody {
		return ErrCustodyWallet
	}
	return nil
}

func (e *Engine) Limits() GateLimits {
	return e.limits
}

// ValidateShareInvariant checks totalShares == Σ shares.
func (e *Engine) ValidateShareInvariant() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lps.ValidateShareInvariant()
}

// --- Snapshot ---

// EngineState is the serializable engine state.
type EngineState struct {
	Admin       common.Address        `json:"admin"`
	Collector   common.Address        `json:"collector"`
	PayoutToken common.Address        `json:"payout_token"`
	Paused      bool                  `json:"paused"`
	Coverage    []state.AssetCoverage `json:"coverage"`
	Positions   []state.LPPosition    `json:"positions"`
	Premium     state.PremiumSnapshot `json:"premium"`
	Claims      state.ClaimsSnapshot  `json:"claims"`
}

func (e *Engine) ExportState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EngineState{
		Admin:       e.admin,
		Collector:   e.collector,
		PayoutToken: e.payoutToken,
		Paused:      e.paused,
		Coverage:    e.coverage.All(),
		Positions:   e.lps.Snapshot(),
		Premium:     e.premium.Snapshot(),
		Claims:      e.claims.Snapshot(),
	}
}

func (e *Engine) RestoreState(s EngineState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Validate everything before touching any registry.
	if err := state.ValidatePositions(s.Positions); err != nil {
		return fmt.Errorf("restore lp registry: %w", err)
	}
	if err := s.Claims.Validate(); err != nil {
		return fmt.Errorf("restore claims ledger: %w", err)
	}
	if err := e.lps.Restore(s.Positions); err != nil {
		return fmt.Errorf("restore lp registry: %w", err)
	}
	if err := e.claims.Restore(s.Claims); err != nil {
		return fmt.Errorf("restore claims ledger: %w", err)
	}
	e.coverage.Restore(s.Coverage)
	e.premium.Restore(s.Premium)
	if s.Admin != (common.Address{}) {
		e.admin = s.Admin
	}
	if s.Collector != (common.Address{}) {
		e.collector = s.Collector
	}
	e.payoutToken = s.PayoutToken
	e.paused = s.Paused

	if e.metrics != nil {
		e.metrics.PremiumBalance.Set(float64(e.premium.Balance()))
		e.metrics.TotalShares.Set(float64(e.lps.TotalShares()))
	}
	return nil
}

// Digest returns canonical bytes of the engine's counters for the state hash.
func (e *Engine) Digest() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()

	buf := make([]byte, 0, 3*common.AddressLength+7*8)
	buf = append(buf, e.admin.Bytes()...)
	buf = append(buf, e.collector.Bytes()...)
	buf = append(buf, e.payoutToken.Bytes()...)
	var paused int64
	if e.paused {
		paused = 1
	}
	buf = appendInt64LE(buf, paused)
	buf = appendInt64LE(buf, e.premium.Balance())
	buf = appendInt64LE(buf, e.premium.TotalCollected())
	buf = appendInt64LE(buf, e.premium.TotalPaidOut())
	buf = appendInt64LE(buf, e.lps.TotalShares())
	buf = appendInt64LE(buf, int64(e.lps.Len()))
	buf = appendInt64LE(buf, e.claims.Len())
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
