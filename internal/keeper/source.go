package keeper

import (
	"Bastion/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status is the part of the settlement engine's state a scan needs.
type Status struct {
	Paused         bool
	PremiumBalance int64
	Coverages      []state.AssetCoverage
}

// CoverageSource reports the engine's current status. The keeper never reads
// the event log or the engine directly.
type CoverageSource interface {
	Status(ctx context.Context) (Status, error)
}

// APISource reads GET /v1/status from the Bastion REST gateway.
type APISource struct {
	baseURL string
	client  *http.Client
}

func NewAPISource(baseURL string, timeout time.Duration) *APISource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &APISource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type statusBody struct {
	Paused  bool `json:"paused"`
	Premium struct {
		Balance int64 `json:"balance"`
	} `json:"premium"`
	Coverages []state.AssetCoverage `json:"coverages"`
}

func (s *APISource) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/status", nil)
	if err != nil {
		return Status{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("fetch status: unexpected HTTP %d", resp.StatusCode)
	}
	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return Status{
		Paused:         body.Paused,
		PremiumBalance: body.Premium.Balance,
		Coverages:      body.Coverages,
	}, nil
}
