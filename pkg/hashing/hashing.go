// Package hashing computes the two content-addressed identifiers used by
// the ledger core: the SHA-256 payload hash, and the 16-byte, length-framed
// idempotency key that lets the append coordinator collapse concurrent
// retries of the same logical operation into a single stored event.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/canonical"
)

// PayloadHash is the 32-byte SHA-256 digest of a payload's canonical bytes.
type PayloadHash [32]byte

// IdempotencyKey is the 16-byte key used to deduplicate concurrent appends.
type IdempotencyKey [16]byte

// GenesisHash is the prev_event_hash of the first event in a campaign: 32
// zero bytes, never produced by an actual SHA-256 computation.
var GenesisHash PayloadHash

// HashPayload computes payload_hash(payload) = SHA-256(canonical_bytes(payload)).
func HashPayload(payload interface{}) (PayloadHash, error) {
	b, err := canonical.Encode(payload)
	if err != nil {
		return PayloadHash{}, err
	}
	return sha256.Sum256(b), nil
}

// IdempotencyComponentsV2 carries the six labeled inputs to the v2 key, in
// the exact order the spec requires. ArgsJSON defaults to an empty object
// when absent — callers should pass map[string]interface{}{} rather than nil.
type IdempotencyComponentsV2 struct {
	PlanID         string
	CampaignID     string // decimal text of campaign_id
	EventType      string
	ToolName       string
	RulesetVersion string
	ArgsJSON       interface{}
}

// frame serializes one labeled component as label_bytes || length_u32_be(value) || value_bytes.
// Length framing makes the concatenation unambiguous: two adjacent fields
// can never be confused with one field containing a chosen separator.
func frame(dst []byte, label string, value []byte) []byte {
	dst = append(dst, label...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, value...)
	return dst
}

// IdempotencyKeyV2 computes the 16-byte prefix of SHA-256 over the
// length-framed concatenation of the six components, in order:
// plan_id, campaign_id, event_type, tool_name, ruleset_version, args_json.
func IdempotencyKeyV2(c IdempotencyComponentsV2) (IdempotencyKey, error) {
	argsJSON := c.ArgsJSON
	if argsJSON == nil {
		argsJSON = map[string]interface{}{}
	}
	argsBytes, err := canonical.Encode(argsJSON)
	if err != nil {
		return IdempotencyKey{}, err
	}

	var buf []byte
	buf = frame(buf, "plan_id", []byte(c.PlanID))
	buf = frame(buf, "campaign_id", []byte(c.CampaignID))
	buf = frame(buf, "event_type", []byte(c.EventType))
	buf = frame(buf, "tool_name", []byte(c.ToolName))
	buf = frame(buf, "ruleset_version", []byte(c.RulesetVersion))
	buf = frame(buf, "args_json", argsBytes)

	sum := sha256.Sum256(buf)
	var key IdempotencyKey
	copy(key[:], sum[:16])
	return key, nil
}

// IdempotencyComponentsV1 mirrors the legacy, unframed key used by
// pre-migration events. It exists only so historical rows can be
// recomputed and compared; new events must always use IdempotencyKeyV2.
type IdempotencyComponentsV1 struct {
	PlanID         string
	CampaignID     string
	EventType      string
	ToolName       string
	RulesetVersion string
	ArgsJSON       interface{}
}

// IdempotencyKeyV1 computes the legacy key: a 16-byte prefix of SHA-256
// over the same six components pipe-joined without length framing, the
// shape the original repository's repos.py used. Because it has no length
// framing, v1 is vulnerable to delimiter collisions in principle (a value
// containing "|" shifts every field after it); it is retained only for
// reading historical events, never for new appends.
func IdempotencyKeyV1(c IdempotencyComponentsV1) (IdempotencyKey, error) {
	argsJSON := c.ArgsJSON
	if argsJSON == nil {
		argsJSON = map[string]interface{}{}
	}
	argsBytes, err := canonical.Encode(argsJSON)
	if err != nil {
		return IdempotencyKey{}, err
	}

	parts := []string{
		c.PlanID,
		c.CampaignID,
		c.EventType,
		c.ToolName,
		c.RulesetVersion,
		string(argsBytes),
	}
	joined := parts[0] + "|" + parts[1] + "|" + parts[2] + "|" + parts[3] + "|" + parts[4] + "|" + parts[5]

	sum := sha256.Sum256([]byte(joined))
	var key IdempotencyKey
	copy(key[:], sum[:16])
	return key, nil
}
