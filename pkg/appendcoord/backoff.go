package appendcoord

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry behavior for transient storage errors
// (deadlock, busy) per spec §5: bounded retry with exponential backoff.
// Permanent failures are never retried here — only the caller-classified
// transient path reaches ComputeBackoff.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoffPolicy is a conservative default: up to 5 attempts,
// 50ms base doubling to a 2s cap, with up to 25ms of deterministic
// jitter to avoid synchronized retry storms across callers.
var DefaultBackoffPolicy = BackoffPolicy{
	BaseMs:      50,
	MaxMs:       2000,
	MaxJitterMs: 25,
	MaxAttempts: 5,
}

// backoffInputs identifies the specific retry attempt the jitter is
// derived from, so the same (campaign, key, attempt) always produces the
// same delay — useful for reproducing a retry-storm test deterministically.
type backoffInputs struct {
	CampaignID   int64
	IdempotencyKeyHex string
	AttemptIndex int
}

// computeBackoff returns the delay before attempt AttemptIndex+1,
// combining exponential growth with deterministic jitter, mirroring
// core/pkg/kernel/retry/backoff.go's ComputeBackoff/ComputeDeterministicJitter.
func computeBackoff(in backoffInputs, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if in.AttemptIndex > 0 {
		if in.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << in.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := computeDeterministicJitter(in, policy)
	return time.Duration(baseDelay+jitter) * time.Millisecond
}

func computeDeterministicJitter(in backoffInputs, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%d:%s:%d", in.CampaignID, in.IdempotencyKeyHex, in.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
