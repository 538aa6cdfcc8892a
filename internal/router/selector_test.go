package router

import (
	"testing"

	"github.com/meridianmesh/discovery/internal/types"
)

func instances(weights ...int) []types.Instance {
	out := make([]types.Instance, len(weights))
	for i, w := range weights {
		out[i] = types.Instance{
			ServiceID:  "orders",
			InstanceID: string(rune('a' + i)),
			Endpoint:   types.Endpoint{Scheme: "http", Host: "10.0.0.1", Port: 8000 + i},
			Weight:     w,
			Health:     types.HealthHealthy,
		}
	}
	return out
}

func TestSelector_RoundRobinCyclesEvenly(t *testing.T) {
	s := NewSelector(150)
	in := instances(0, 0, 0)
	in[0].Weight, in[1].Weight, in[2].Weight = 100, 100, 100

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		picked, ok := s.Select("orders", in, RoundRobin, SelectContext{})
		if !ok {
			t.Fatal("expected a selection")
		}
		counts[picked.InstanceID]++
	}

	for id, c := range counts {
		if c != 100 {
			t.Fatalf("expected perfectly even round robin, instance %s got %d", id, c)
		}
	}
}

func TestSelector_WeightedRoundRobinRespectsWeight(t *testing.T) {
	s := NewSelector(150)
	in := instances(300, 100)

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		picked, _ := s.Select("orders", in, WeightedRoundRobin, SelectContext{})
		counts[picked.InstanceID]++
	}

	if counts["a"] <= counts["b"] {
		t.Fatalf("expected heavier-weighted instance to receive more traffic: a=%d b=%d", counts["a"], counts["b"])
	}
	ratio := float64(counts["a"]) / float64(counts["b"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Fatalf("expected roughly 3:1 traffic split, got ratio %.2f", ratio)
	}
}

func TestSelector_WeightedRoundRobinNeverPicksZeroWeightAlongsideOthers(t *testing.T) {
	s := NewSelector(150)
	in := instances(100, 0)

	for i := 0; i < 50; i++ {
		picked, _ := s.Select("orders", in, WeightedRoundRobin, SelectContext{})
		if picked.InstanceID == "b" {
			t.Fatal("weight=0 instance must never be selected while another candidate has positive weight")
		}
	}
}

func TestSelector_LeastConnectionsPrefersFewestInFlight(t *testing.T) {
	s := NewSelector(150)
	in := instances(100, 100)

	// The first pick raises that instance's in-flight count to 1.
	picked, _ := s.Select("orders", in, LeastConnections, SelectContext{})
	if picked == nil {
		t.Fatal("expected a selection")
	}
	firstPick := picked.InstanceID

	second, _ := s.Select("orders", in, LeastConnections, SelectContext{})
	if second.InstanceID == firstPick {
		t.Fatalf("expected least-connections to prefer the instance not just incremented, got %s twice", firstPick)
	}
}

func TestSelector_ConsistentHashIsStableForSameKey(t *testing.T) {
	s := NewSelector(150)
	in := instances(100, 100, 100)

	first, _ := s.Select("orders", in, ConsistentHash, SelectContext{RequestKey: "session-42"})
	for i := 0; i < 20; i++ {
		again, _ := s.Select("orders", in, ConsistentHash, SelectContext{RequestKey: "session-42"})
		if again.InstanceID != first.InstanceID {
			t.Fatalf("expected the same key to route to the same instance, got %s then %s", first.InstanceID, again.InstanceID)
		}
	}
}

func TestSelector_ConsistentHashFallsBackToRandomWithoutKey(t *testing.T) {
	s := NewSelector(150)
	in := instances(100, 100)

	picked, ok := s.Select("orders", in, ConsistentHash, SelectContext{})
	if !ok || picked == nil {
		t.Fatal("expected a selection even without a request key")
	}
}

func TestSelector_SelectOnEmptyCandidatesReturnsFalse(t *testing.T) {
	s := NewSelector(150)
	if _, ok := s.Select("orders", nil, RoundRobin, SelectContext{}); ok {
		t.Fatal("expected ok=false for an empty candidate set")
	}
}

func TestParseStrategy_UnknownDefaultsToRoundRobin(t *testing.T) {
	if ParseStrategy("bogus") != RoundRobin {
		t.Fatal("expected unknown strategy name to default to RoundRobin")
	}
}
