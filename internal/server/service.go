package server

import (
	"Bastion/internal/core"
	"Bastion/internal/event"
	"Bastion/internal/ingestion"
	fpmath "Bastion/internal/math"
	"Bastion/internal/query"
	"Bastion/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// --- Requests ---

type ConfigureAssetRequest struct {
	CommandID         string `json:"command_id"`
	Asset             string `json:"asset"`
	PriceFeed         string `json:"price_feed"`
	TargetPrice       int64  `json:"target_price"`
	DepegThresholdBps int64  `json:"depeg_threshold_bps"`
}

type SetAssetStatusRequest struct {
	CommandID string `json:"command_id"`
	Asset     string `json:"asset"`
	Active    bool   `json:"active"`
}

type SetPayoutTokenRequest struct {
	CommandID string `json:"command_id"`
	Token     string `json:"token"`
}

type SetCollectorRequest struct {
	CommandID string `json:"command_id"`
	Collector string `json:"collector"`
}

type PauseRequest struct {
	CommandID string `json:"command_id"`
}

type EmergencyWithdrawRequest struct {
	CommandID string `json:"command_id"`
	Token     string `json:"token"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
}

type ExecutePayoutRequest struct {
	CommandID string `json:"command_id"`
	Asset     string `json:"asset"`
}

type CollectPremiumRequest struct {
	CommandID string `json:"command_id"`
	Sequence  int64  `json:"sequence"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
}

type UpdatePositionRequest struct {
	CommandID string `json:"command_id"`
	Sequence  int64  `json:"sequence"`
	LP        string `json:"lp"`
	Shares    int64  `json:"shares"`
}

type ClaimRequest struct {
	CommandID   string `json:"command_id"`
	PayoutIndex int64  `json:"payout_index"`
}

type FundsRequest struct {
	CommandID string `json:"command_id"`
	Owner     string `json:"owner,omitempty"` // deposits only
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
}

type StatusRequest struct{}

type AssetRequest struct {
	Asset string `json:"asset"`
}

type LPRequest struct {
	LP string `json:"lp"`
}

type ClaimableRequest struct {
	PayoutIndex int64  `json:"payout_index"`
	LP          string `json:"lp"`
}

type PayoutRequest struct {
	PayoutIndex int64 `json:"payout_index"`
}

type PayoutHistoryRequest struct {
	Asset  string `json:"asset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Before *int64 `json:"before,omitempty"`
}

type ClaimsRequest struct {
	LP            string `json:"lp"`
	UnclaimedOnly bool   `json:"unclaimed_only,omitempty"`
}

type BalancesRequest struct {
	Owner string `json:"owner"`
	Token string `json:"token,omitempty"`
}

type JournalsRequest struct {
	Owner  string `json:"owner"`
	Limit  int    `json:"limit,omitempty"`
	Before *int64 `json:"before,omitempty"`
}

type IntegrityRequest struct{}

// --- Responses ---

// CommandResponse is the outcome of an applied command.
type CommandResponse struct {
	Sequence int64 `json:"sequence"`
	Result   any   `json:"result"`
}

type StatusResponse struct {
	Paused         bool                  `json:"paused"`
	Admin          common.Address        `json:"admin"`
	Collector      common.Address        `json:"collector"`
	PayoutToken    common.Address        `json:"payout_token"`
	MinPremium     int64                 `json:"min_premium"`
	Premium        state.PremiumSnapshot `json:"premium"`
	PremiumDecimal string                `json:"premium_decimal"`
	TotalShares    int64                 `json:"total_shares"`
	PayoutCount    int                   `json:"payout_count"`
	Coverages      []state.AssetCoverage `json:"coverages"`
}

type AssetsResponse struct {
	Assets []common.Address `json:"assets"`
}

type ClaimableResponse struct {
	PayoutIndex int64          `json:"payout_index"`
	LP          common.Address `json:"lp"`
	Claimable   int64          `json:"claimable"`
}

type PayoutResponse struct {
	Event  state.PayoutEvent   `json:"event"`
	Claims []state.ClaimRecord `json:"claims"`
}

type ClaimsResponse struct {
	Claims []query.ClaimResponse `json:"claims"`
}

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// SettlementService implements bastion.v1.Settlement. Mutations go through
// the command pipeline; live reads come from the engine and history reads
// from the read model.
type SettlementService struct {
	ingest *ingestion.GRPCIngestService
	engine *core.Engine
	query  *query.QueryService
}

func NewSettlementService(ingest *ingestion.GRPCIngestService, engine *core.Engine, qs *query.QueryService) *SettlementService {
	return &SettlementService{ingest: ingest, engine: engine, query: qs}
}

// apply stamps meta with the authenticated caller and submits cmd.
func (s *SettlementService) apply(ctx context.Context, cmd event.Command, meta *event.Meta, commandID string) (*CommandResponse, error) {
	caller, err := CallerFrom(ctx)
	if err != nil {
		return nil, err
	}
	s.ingest.Stamp(meta, caller, commandID)
	reply, err := s.ingest.Inject(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &CommandResponse{Sequence: reply.Sequence, Result: reply.Result}, nil
}

// addresses parses hex fields in order, stopping at the first invalid one.
type addresses struct {
	err error
}

func (a *addresses) parse(field, s string) common.Address {
	if a.err != nil {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		a.err = fmt.Errorf("%w: %s must be a hex address", ErrInvalidArgument, field)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// --- Administrator operations ---

func (s *SettlementService) ConfigureAsset(ctx context.Context, req *ConfigureAssetRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.ConfigureAsset{
		Asset:             a.parse("asset", req.Asset),
		PriceFeed:         a.parse("price_feed", req.PriceFeed),
		TargetPrice:       req.TargetPrice,
		DepegThresholdBps: req.DepegThresholdBps,
	}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) SetAssetStatus(ctx context.Context, req *SetAssetStatusRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.SetAssetStatus{Asset: a.parse("asset", req.Asset), Active: req.Active}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) SetPayoutToken(ctx context.Context, req *SetPayoutTokenRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.SetPayoutToken{Token: a.parse("token", req.Token)}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) SetCollector(ctx context.Context, req *SetCollectorRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.SetCollector{Collector: a.parse("collector", req.Collector)}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) Pause(ctx context.Context, req *PauseRequest) (*CommandResponse, error) {
	cmd := &event.Pause{}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) Unpause(ctx context.Context, req *PauseRequest) (*CommandResponse, error) {
	cmd := &event.Unpause{}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) EmergencyWithdraw(ctx context.Context, req *EmergencyWithdrawRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.EmergencyWithdraw{
		Token:  a.parse("token", req.Token),
		To:     a.parse("to", req.To),
		Amount: req.Amount,
	}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) ExecutePayout(ctx context.Context, req *ExecutePayoutRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.ExecutePayout{Asset: a.parse("asset", req.Asset)}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

// --- Collector operations ---

func (s *SettlementService) CollectPremium(ctx context.Context, req *CollectPremiumRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.CollectPremium{Token: a.parse("token", req.Token), Amount: req.Amount}
	if a.err != nil {
		return nil, a.err
	}
	cmd.Meta.Sequence = req.Sequence
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) UpdatePosition(ctx context.Context, req *UpdatePositionRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.UpdatePosition{LP: a.parse("lp", req.LP), Shares: req.Shares}
	if a.err != nil {
		return nil, a.err
	}
	cmd.Meta.Sequence = req.Sequence
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

// --- LP and wallet operations ---

func (s *SettlementService) Claim(ctx context.Context, req *ClaimRequest) (*CommandResponse, error) {
	cmd := &event.Claim{PayoutIndex: req.PayoutIndex}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) Deposit(ctx context.Context, req *FundsRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.DepositFunds{
		Owner:  a.parse("owner", req.Owner),
		Token:  a.parse("token", req.Token),
		Amount: req.Amount,
	}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

func (s *SettlementService) Withdraw(ctx context.Context, req *FundsRequest) (*CommandResponse, error) {
	var a addresses
	cmd := &event.WithdrawFunds{Token: a.parse("token", req.Token), Amount: req.Amount}
	if a.err != nil {
		return nil, a.err
	}
	return s.apply(ctx, cmd, &cmd.Meta, req.CommandID)
}

// --- Live reads ---

func (s *SettlementService) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	premium := s.engine.PremiumStats()
	return &StatusResponse{
		Paused:         s.engine.Paused(),
		Admin:          s.engine.Admin(),
		Collector:      s.engine.Collector(),
		PayoutToken:    s.engine.PayoutToken(),
		MinPremium:     s.engine.MinPremium(),
		Premium:        premium,
		PremiumDecimal: fpmath.ToDecimal(premium.Balance, fpmath.PriceConfig).String(),
		TotalShares:    s.engine.TotalShares(),
		PayoutCount:    len(s.engine.Payouts()),
		Coverages:      s.engine.Coverages(),
	}, nil
}

func (s *SettlementService) ListAssets(_ context.Context, _ *StatusRequest) (*AssetsResponse, error) {
	return &AssetsResponse{Assets: s.engine.Assets()}, nil
}

func (s *SettlementService) GetCoverage(_ context.Context, req *AssetRequest) (*state.AssetCoverage, error) {
	var a addresses
	asset := a.parse("asset", req.Asset)
	if a.err != nil {
		return nil, a.err
	}
	cov, ok := s.engine.Coverage(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAssetNotConfigured, asset.Hex())
	}
	return &cov, nil
}

func (s *SettlementService) GetPosition(_ context.Context, req *LPRequest) (*state.LPPosition, error) {
	var a addresses
	lp := a.parse("lp", req.LP)
	if a.err != nil {
		return nil, a.err
	}
	pos, ok := s.engine.Position(lp)
	if !ok {
		return nil, fmt.Errorf("lp %s: %w", lp.Hex(), query.ErrNotFound)
	}
	return &pos, nil
}

func (s *SettlementService) GetClaimable(_ context.Context, req *ClaimableRequest) (*ClaimableResponse, error) {
	var a addresses
	lp := a.parse("lp", req.LP)
	if a.err != nil {
		return nil, a.err
	}
	amount, err := s.engine.Claimable(req.PayoutIndex, lp)
	if err != nil {
		return nil, err
	}
	return &ClaimableResponse{PayoutIndex: req.PayoutIndex, LP: lp, Claimable: amount}, nil
}

func (s *SettlementService) GetPayout(_ context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	evt, err := s.engine.Payout(req.PayoutIndex)
	if err != nil {
		return nil, err
	}
	claims, err := s.engine.ClaimRecords(req.PayoutIndex)
	if err != nil {
		return nil, err
	}
	return &PayoutResponse{Event: evt, Claims: claims}, nil
}

// --- History reads ---

var errNoReadModel = errors.New("read model not configured")

func (s *SettlementService) PayoutHistory(ctx context.Context, req *PayoutHistoryRequest) (*query.PayoutPage, error) {
	if s.query == nil {
		return nil, errNoReadModel
	}
	var asset *common.Address
	if req.Asset != "" {
		var a addresses
		addr := a.parse("asset", req.Asset)
		if a.err != nil {
			return nil, a.err
		}
		asset = &addr
	}
	return s.query.GetPayoutHistory(ctx, asset, req.Limit, req.Before)
}

func (s *SettlementService) ListClaims(ctx context.Context, req *ClaimsRequest) (*ClaimsResponse, error) {
	if s.query == nil {
		return nil, errNoReadModel
	}
	var a addresses
	lp := a.parse("lp", req.LP)
	if a.err != nil {
		return nil, a.err
	}
	claims, err := s.query.GetClaimsByLP(ctx, lp, req.UnclaimedOnly)
	if err != nil {
		return nil, err
	}
	return &ClaimsResponse{Claims: claims}, nil
}

func (s *SettlementService) GetBalances(ctx context.Context, req *BalancesRequest) (*BalancesResponse, error) {
	if s.query == nil {
		return nil, errNoReadModel
	}
	var a addresses
	owner := a.parse("owner", req.Owner)
	var token common.Address
	if req.Token != "" {
		token = a.parse("token", req.Token)
	}
	if a.err != nil {
		return nil, a.err
	}
	balances, err := s.query.GetBalances(ctx, owner, token)
	if err != nil {
		return nil, err
	}
	return &BalancesResponse{Balances: balances}, nil
}

func (s *SettlementService) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	if s.query == nil {
		return nil, errNoReadModel
	}
	var a addresses
	owner := a.parse("owner", req.Owner)
	if a.err != nil {
		return nil, a.err
	}
	journals, err := s.query.GetJournalHistory(ctx, owner, req.Limit, req.Before)
	if err != nil {
		return nil, err
	}
	return &JournalsResponse{Journals: journals}, nil
}

// VerifyIntegrity is restricted to the administrator.
func (s *SettlementService) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	caller, err := CallerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if caller != s.engine.Admin() {
		return nil, ErrForbidden
	}
	if s.query == nil {
		return nil, errNoReadModel
	}
	return s.query.VerifyIntegrity(ctx)
}
