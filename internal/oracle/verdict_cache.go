package oracle

import (
	"Bastion/internal/observability"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gowebpki/jcs"
)

// VerdictOutcome is the result of offering a verdict to the cache.
type VerdictOutcome string

const (
	VerdictStored    VerdictOutcome = "stored"
	VerdictDuplicate VerdictOutcome = "duplicate"
	VerdictOlder     VerdictOutcome = "older"
)

type cachedVerdict struct {
	verdict Verdict
	digest  string
}

// VerdictCache is a ConsensusOracle fed by published verdict messages. It
// keeps the newest verdict per asset.
type VerdictCache struct {
	mu       sync.RWMutex
	verdicts map[common.Address]cachedVerdict
	metrics  *observability.Metrics
}

func NewVerdictCache(metrics *observability.Metrics) *VerdictCache {
	return &VerdictCache{
		verdicts: make(map[common.Address]cachedVerdict),
		metrics:  metrics,
	}
}

// VerdictDigest returns the hex SHA-256 of the verdict's RFC 8785 canonical JSON.
func VerdictDigest(v Verdict) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal verdict: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize verdict: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Observe offers a verdict. Byte-identical redeliveries and verdicts older
// than the cached one are ignored. Invalid verdicts are stored as published;
// rejecting them is the engine's decision.
func (c *VerdictCache) Observe(v Verdict) (VerdictOutcome, string, error) {
	if v.Asset == (common.Address{}) {
		c.record("invalid")
		return "", "", fmt.Errorf("verdict has zero asset")
	}
	digest, err := VerdictDigest(v)
	if err != nil {
		c.record("invalid")
		return "", "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.verdicts[v.Asset]; ok {
		if existing.digest == digest {
			c.record(string(VerdictDuplicate))
			return VerdictDuplicate, digest, nil
		}
		if v.Timestamp.Before(existing.verdict.Timestamp) {
			c.record(string(VerdictOlder))
			return VerdictOlder, digest, nil
		}
	}

	c.verdicts[v.Asset] = cachedVerdict{verdict: v, digest: digest}
	c.record(string(VerdictStored))
	return VerdictStored, digest, nil
}

func (c *VerdictCache) record(outcome string) {
	if c.metrics != nil {
		c.metrics.VerdictsReceived.WithLabelValues(outcome).Inc()
	}
}

// LatestDepegVerdict implements ConsensusOracle.
func (c *VerdictCache) LatestDepegVerdict(_ context.Context, asset common.Address) (Verdict, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.verdicts[asset]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %s", ErrNoVerdict, asset.Hex())
	}
	return cv.verdict, nil
}

// Len returns the number of assets with a cached verdict.
func (c *VerdictCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.verdicts)
}
