package loadbalance

import (
	"fmt"
	"testing"

	"wsrpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "ws://10.0.0.1:8001/rpc", Weight: 10, Version: "1.0"},
	{Addr: "ws://10.0.0.2:8002/rpc", Weight: 5, Version: "1.0"},
	{Addr: "ws://10.0.0.3:8003/rpc", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Three picks visit every instance once.
	results := make([]string, 3)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
		seen[inst.Addr] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expect 3 distinct instances, got %v", results)
	}

	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.ServiceInstance{})
	if err == nil {
		t.Fatal("expect error for empty instances")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so the first instance is picked about twice as often as the second.
	ratio := float64(counts["ws://10.0.0.1:8001/rpc"]) / float64(counts["ws://10.0.0.2:8002/rpc"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

		inst1, _ := b.Pick("user-123")
	inst2, _ := b.Pick("user-123")
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

		seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}

		if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestWeightedRandomZeroWeight(t *testing.T) {
	b := &WeightedRandomBalancer{}
	instances := []registry.ServiceInstance{{Addr: ":9001"}, {Addr: ":9002", Weight: -3}}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		inst, err := b.Pick(instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr] = true
	}
	if len(seen) != 2 {
		t.Fatalf("zero weights should still be picked, saw %v", seen)
	}
}

func TestConsistentHashRemove(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("k"); err == nil {
		t.Fatal("expect error on an empty ring")
	}
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	inst, _ := b.Pick("user-42")
	b.Remove(inst.Addr)
	for i := 0; i < 100; i++ {
		got, _ := b.Pick(fmt.Sprintf("key-%d", i))
		if got.Addr == inst.Addr {
			t.Fatalf("removed instance %s still picked", inst.Addr)
		}
	}
}

func TestKeyedBalancer(t *testing.T) {
	b := &KeyedBalancer{Key: "host-7"}
	first, err := b.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		inst, _ := b.Pick(testInstances)
		if inst.Addr != first.Addr {
			t.Fatalf("keyed pick moved from %s to %s", first.Addr, inst.Addr)
		}
	}
	if _, err := b.Pick(nil); err == nil {
		t.Fatal("expect error for empty instances")
	}
}
