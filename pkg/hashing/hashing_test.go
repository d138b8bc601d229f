package hashing

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestHashPayloadGenesis(t *testing.T) {
	h, err := HashPayload(map[string]interface{}{})
	if err != nil {
		t.Fatalf("HashPayload: %v", err)
	}
	want := "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	if hexString(h[:]) != want {
		t.Fatalf("got %s, want %s", hexString(h[:]), want)
	}
}

func TestIdempotencyKeyV2Deterministic(t *testing.T) {
	c := IdempotencyComponentsV2{
		PlanID:         "plan-1",
		CampaignID:     "42",
		EventType:      "HPChanged",
		ToolName:       "apply_damage",
		RulesetVersion: "5e-1.2",
		ArgsJSON:       map[string]interface{}{"delta": -5, "target": "orc-1"},
	}
	a, err := IdempotencyKeyV2(c)
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	b, err := IdempotencyKeyV2(c)
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	if a != b {
		t.Fatalf("key not deterministic: %x vs %x", a, b)
	}
}

func TestIdempotencyKeyV2IgnoresMapIterationOrder(t *testing.T) {
	args1 := map[string]interface{}{"a": 1, "b": 2, "c": 3}
	args2 := map[string]interface{}{"c": 3, "b": 2, "a": 1}

	k1, err := IdempotencyKeyV2(IdempotencyComponentsV2{CampaignID: "1", EventType: "X", ArgsJSON: args1})
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	k2, err := IdempotencyKeyV2(IdempotencyComponentsV2{CampaignID: "1", EventType: "X", ArgsJSON: args2})
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("key depends on map iteration order: %x vs %x", k1, k2)
	}
}

func TestIdempotencyKeyV2DiffersFromV1(t *testing.T) {
	v2, err := IdempotencyKeyV2(IdempotencyComponentsV2{
		PlanID: "p", CampaignID: "1", EventType: "E", ToolName: "t", RulesetVersion: "r",
		ArgsJSON: map[string]interface{}{"x": 1},
	})
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	v1, err := IdempotencyKeyV1(IdempotencyComponentsV1{
		PlanID: "p", CampaignID: "1", EventType: "E", ToolName: "t", RulesetVersion: "r",
		ArgsJSON: map[string]interface{}{"x": 1},
	})
	if err != nil {
		t.Fatalf("IdempotencyKeyV1: %v", err)
	}
	if v1 == v2 {
		t.Fatalf("v1 and v2 keys collided for equivalent inputs: %x", v1)
	}
}

func TestIdempotencyKeyV2NoDelimiterCollision(t *testing.T) {
	// Without length framing, ("ab","c") and ("a","bc") would concatenate
	// identically. With framing they must differ.
	k1, err := IdempotencyKeyV2(IdempotencyComponentsV2{PlanID: "ab", CampaignID: "c", EventType: "X"})
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	k2, err := IdempotencyKeyV2(IdempotencyComponentsV2{PlanID: "a", CampaignID: "bc", EventType: "X"})
	if err != nil {
		t.Fatalf("IdempotencyKeyV2: %v", err)
	}
	if k1 == k2 {
		t.Fatal("length-framed fields collided across a shifted boundary")
	}
}

// TestIdempotencyKeyV2CollisionFuzz generates at least 10,000 random
// component tuples and requires zero 16-byte key collisions, per the
// collision-resistance property the append coordinator depends on.
func TestIdempotencyKeyV2CollisionFuzz(t *testing.T) {
	parameters := gopter.DefaultTestParametersWithSeed(20260730)
	parameters.MinSuccessfulTests = 10000
	properties := gopter.NewProperties(parameters)

	seen := make(map[IdempotencyKey]struct{}, 10000)

	properties.Property("no 16-byte collisions across random inputs", prop.ForAll(
		func(plan, campaign, evt, tool, ruleset string, delta int) bool {
			key, err := IdempotencyKeyV2(IdempotencyComponentsV2{
				PlanID:         plan,
				CampaignID:     campaign,
				EventType:      evt,
				ToolName:       tool,
				RulesetVersion: ruleset,
				ArgsJSON:       map[string]interface{}{"delta": delta},
			})
			if err != nil {
				return false
			}
			if _, dup := seen[key]; dup {
				return false
			}
			seen[key] = struct{}{}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(-1000000, 1000000),
	))

	properties.TestingRun(t)
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
