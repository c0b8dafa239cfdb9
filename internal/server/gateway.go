package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// handle adapts a SettlementService method to a gateway route. The JSON body
// is decoded first; bind then applies path and query parameters.
func handle[Req, Resp any](s *Server, name string, call func(*SettlementService, context.Context, *Req) (*Resp, error), bind func(*Req, *http.Request, map[string]string) error) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		resp, err := func() (any, error) {
			if r.Body != nil && r.Method != http.MethodGet {
				body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
				if err != nil {
					return nil, fmt.Errorf("%w: read body: %v", ErrInvalidArgument, err)
				}
				if len(body) > 0 {
					if err := json.Unmarshal(body, req); err != nil {
						return nil, fmt.Errorf("%w: decode body: %v", ErrInvalidArgument, err)
					}
				}
			}
			if bind != nil {
				if err := bind(req, r, params); err != nil {
					return nil, err
				}
			}
			ctx := r.Context()
			if header := r.Header.Get("Authorization"); header != "" {
				caller, err := s.auth.Caller(header)
				if err != nil {
					return nil, err
				}
				ctx = WithCaller(ctx, caller)
			}
			return s.observe(ctx, name, func(ctx context.Context) (any, error) {
				return call(s.svc, ctx, req)
			})
		}()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// observe records request metrics and logs failures.
func (s *Server) observe(ctx context.Context, method string, fn func(context.Context) (any, error)) (resp any, err error) {
	timer := s.metrics.RequestDuration.WithLabelValues(method)
	start := s.now()
	resp, err = fn(ctx)
	timer.Observe(s.now().Sub(start).Seconds())

	code := codeOf(err)
	s.metrics.RequestsTotal.WithLabelValues(method, code.String()).Inc()
	if code == codes.Internal || code == codes.Unavailable {
		s.logger.Error().Err(err).Str("method", method).Msg("request failed")
	} else if err != nil {
		s.logger.Debug().Err(err).Str("method", method).Str("code", code.String()).Msg("request rejected")
	}
	return resp, err
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := codeOf(err)
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func pathInt(params map[string]string, name string) (int64, error) {
	v, err := strconv.ParseInt(params[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, name)
	}
	return &v, nil
}

func queryLimit(r *http.Request) (int, error) {
	v, err := queryInt(r, "limit")
	if err != nil || v == nil {
		return 0, err
	}
	return int(*v), nil
}

// NewGateway builds the REST surface. Every route maps onto the same
// SettlementService method the gRPC surface serves.
func (s *Server) NewGateway() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		// Administrator
		{"POST", "/v1/admin/assets", handle(s, "ConfigureAsset", (*SettlementService).ConfigureAsset, nil)},
		{"POST", "/v1/admin/assets/{asset}/status", handle(s, "SetAssetStatus", (*SettlementService).SetAssetStatus,
			func(req *SetAssetStatusRequest, _ *http.Request, p map[string]string) error {
				req.Asset = p["asset"]
				return nil
			})},
		{"POST", "/v1/admin/payout-token", handle(s, "SetPayoutToken", (*SettlementService).SetPayoutToken, nil)},
		{"POST", "/v1/admin/collector", handle(s, "SetCollector", (*SettlementService).SetCollector, nil)},
		{"POST", "/v1/admin/pause", handle(s, "Pause", (*SettlementService).Pause, nil)},
		{"POST", "/v1/admin/unpause", handle(s, "Unpause", (*SettlementService).Unpause, nil)},
		{"POST", "/v1/admin/emergency-withdraw", handle(s, "EmergencyWithdraw", (*SettlementService).EmergencyWithdraw, nil)},
		{"GET", "/v1/admin/integrity", handle(s, "VerifyIntegrity", (*SettlementService).VerifyIntegrity, nil)},

		// Settlement
		{"POST", "/v1/payouts", handle(s, "ExecutePayout", (*SettlementService).ExecutePayout, nil)},
		{"POST", "/v1/premiums", handle(s, "CollectPremium", (*SettlementService).CollectPremium, nil)},
		{"POST", "/v1/positions", handle(s, "UpdatePosition", (*SettlementService).UpdatePosition, nil)},
		{"POST", "/v1/claims", handle(s, "Claim", (*SettlementService).Claim, nil)},
		{"POST", "/v1/deposits", handle(s, "Deposit", (*SettlementService).Deposit, nil)},
		{"POST", "/v1/withdrawals", handle(s, "Withdraw", (*SettlementService).Withdraw, nil)},

		// Live reads
		{"GET", "/v1/status", handle(s, "Status", (*SettlementService).Status, nil)},
		{"GET", "/v1/assets", handle(s, "ListAssets", (*SettlementService).ListAssets, nil)},
		{"GET", "/v1/assets/{asset}", handle(s, "GetCoverage", (*SettlementService).GetCoverage,
			func(req *AssetRequest, _ *http.Request, p map[string]string) error {
				req.Asset = p["asset"]
				return nil
			})},
		{"GET", "/v1/positions/{lp}", handle(s, "GetPosition", (*SettlementService).GetPosition,
			func(req *LPRequest, _ *http.Request, p map[string]string) error {
				req.LP = p["lp"]
				return nil
			})},
		{"GET", "/v1/payouts/{index}", handle(s, "GetPayout", (*SettlementService).GetPayout,
			func(req *PayoutRequest, _ *http.Request, p map[string]string) (err error) {
				req.PayoutIndex, err = pathInt(p, "index")
				return err
			})},
		{"GET", "/v1/payouts/{index}/claimable/{lp}", handle(s, "GetClaimable", (*SettlementService).GetClaimable,
			func(req *ClaimableRequest, _ *http.Request, p map[string]string) (err error) {
				req.LP = p["lp"]
				req.PayoutIndex, err = pathInt(p, "index")
				return err
			})},

		// History
		{"GET", "/v1/payouts", handle(s, "PayoutHistory", (*SettlementService).PayoutHistory,
			func(req *PayoutHistoryRequest, r *http.Request, _ map[string]string) (err error) {
				req.Asset = r.URL.Query().Get("asset")
				if req.Limit, err = queryLimit(r); err != nil {
					return err
				}
				req.Before, err = queryInt(r, "before")
				return err
			})},
		{"GET", "/v1/lps/{lp}/claims", handle(s, "ListClaims", (*SettlementService).ListClaims,
			func(req *ClaimsRequest, r *http.Request, p map[string]string) error {
				req.LP = p["lp"]
				req.UnclaimedOnly = r.URL.Query().Get("unclaimed_only") == "true"
				return nil
			})},
		{"GET", "/v1/balances/{owner}", handle(s, "GetBalances", (*SettlementService).GetBalances,
			func(req *BalancesRequest, r *http.Request, p map[string]string) error {
				req.Owner = p["owner"]
				req.Token = r.URL.Query().Get("token")
				return nil
			})},
		{"GET", "/v1/journals/{owner}", handle(s, "ListJournals", (*SettlementService).ListJournals,
			func(req *JournalsRequest, r *http.Request, p map[string]string) (err error) {
				req.Owner = p["owner"]
				if req.Limit, err = queryLimit(r); err != nil {
					return err
				}
				req.Before, err = queryInt(r, "before")
				return err
			})},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}
