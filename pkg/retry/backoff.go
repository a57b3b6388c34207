// Package retry implements bounded exponential backoff with deterministic
// jitter. Identical inputs always yield identical delays, so a retried
// workflow step replays the same schedule.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify one attempt of one operation.
type BackoffParams struct {
	PolicyID     string
	Key          string // operation identity, e.g. "wf_x:settle"
	AttemptIndex int
}

// BackoffPolicy bounds the schedule.
type BackoffPolicy struct {
	PolicyID    string `mapstructure:"policy_id" yaml:"policy_id"`
	BaseMs      int64  `mapstructure:"base_ms" yaml:"base_ms"`
	MaxMs       int64  `mapstructure:"max_ms" yaml:"max_ms"`
	MaxJitterMs int64  `mapstructure:"max_jitter_ms" yaml:"max_jitter_ms"`
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DefaultPolicy is used for rail, risk and router calls unless configured.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		PolicyID:    "default",
		BaseMs:      100,
		MaxMs:       5000,
		MaxJitterMs: 50,
		MaxAttempts: 4,
	}
}

// ComputeBackoff returns the delay before a specific attempt.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt, capped
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	return time.Duration(baseDelay+computeJitter(params, policy)) * time.Millisecond
}

func computeJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delay before each attempt; attempt 0 runs immediately.
func Schedule(key string, policy BackoffPolicy) []time.Duration {
	out := make([]time.Duration, policy.MaxAttempts)
	for i := 1; i < policy.MaxAttempts; i++ {
		out[i] = ComputeBackoff(BackoffParams{PolicyID: policy.PolicyID, Key: key, AttemptIndex: i}, policy)
	}
	return out
}
