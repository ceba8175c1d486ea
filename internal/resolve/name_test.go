package resolve

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("failed to parse CIDR %s: %v", s, err)
	}
	return ipnet
}

// offlineResolver returns a name resolver with live queries disabled, so
// the inventory fallback path is exercised deterministically.
func offlineResolver(t *testing.T, inv *inventory.Index) *NameResolver {
	t.Helper()
	r := NewNameResolver(inv, NewCache(), "", time.Second)
	r.server = ""
	return r
}

func addressFixture(t *testing.T) *inventory.Index {
	t.Helper()
	inv := inventory.NewIndex()
	inv.AddAddress(&inventory.AddressEntry{Name: "lan-net", Type: "ipmask", IPNet: mustCIDR(t, "10.20.99.0/24")})
	inv.AddAddress(&inventory.AddressEntry{Name: "web-srv", Type: "ipmask", IPNet: mustCIDR(t, "10.1.1.4/32")})
	return inv
}

func TestNameResolveInventoryFallback(t *testing.T) {
	resolver := offlineResolver(t, addressFixture(t))
	ctx := context.Background()

	tests := []struct {
		identifier string
		display    string
		outcome    model.Outcome
	}{
		// IP inside an indexed network: fall back to the object name.
		{"10.20.99.7", "lan-net[10.20.99.7]", model.OutcomeFallback},
		// Host object by IP.
		{"10.1.1.4", "web-srv[10.1.1.4]", model.OutcomeFallback},
		// Known object name: fall back to its literal.
		{"lan-net", "lan-net[10.20.99.0/24]", model.OutcomeFallback},
		{"web-srv", "web-srv[10.1.1.4]", model.OutcomeFallback},
		// Nothing matches: raw identifier, unresolved, never empty.
		{"10.0.0.5", "10.0.0.5", model.OutcomeUnresolved},
		{"no-such-object", "no-such-object", model.OutcomeUnresolved},
	}

	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			got := resolver.Resolve(ctx, tt.identifier)
			if got.Display != tt.display {
				t.Errorf("display = %q, want %q", got.Display, tt.display)
			}
			if got.Outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", got.Outcome, tt.outcome)
			}
			if got.Display == "" {
				t.Error("display must never be empty")
			}
		})
	}
}

func TestNameResolveMemoizes(t *testing.T) {
	cache := NewCache()
	resolver := NewNameResolver(addressFixture(t), cache, "", time.Second)
	resolver.server = ""
	ctx := context.Background()

	first := resolver.Resolve(ctx, "10.20.99.7")
	second := resolver.Resolve(ctx, "10.20.99.7")
	if first != second {
		t.Error("repeated resolution returned different results")
	}
	if cache.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", cache.Len())
	}
}

func TestCacheComputesAtMostOncePerKey(t *testing.T) {
	cache := NewCache()
	var computations atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]model.ResolvedField, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Do("key", func() model.ResolvedField {
				computations.Add(1)
				<-release
				return model.ResolvedField{Identifier: "key", Display: "value", Outcome: model.OutcomeResolved}
			})
		}(i)
	}

	close(release)
	wg.Wait()

	if n := computations.Load(); n != 1 {
		t.Errorf("compute ran %d times for one key, want 1", n)
	}
	for i, r := range results {
		if r.Display != "value" {
			t.Errorf("caller %d got %+v", i, r)
		}
	}
}

func TestCacheKeepsDistinctKeysApart(t *testing.T) {
	cache := NewCache()
	a := cache.Do("a", func() model.ResolvedField { return model.ResolvedField{Display: "A"} })
	b := cache.Do("b", func() model.ResolvedField { return model.ResolvedField{Display: "B"} })
	if a.Display != "A" || b.Display != "B" {
		t.Errorf("got %q/%q, want A/B", a.Display, b.Display)
	}
	if cache.Len() != 2 {
		t.Errorf("cache holds %d entries, want 2", cache.Len())
	}
}
