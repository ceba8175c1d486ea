package resolve

import (
	"strings"
	"testing"

	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
)

func tcp(start, end int) model.PortRange {
	return model.PortRange{Protocol: model.TCP, Start: start, End: end}
}

func udp(start, end int) model.PortRange {
	return model.PortRange{Protocol: model.UDP, Start: start, End: end}
}

func TestCompressRanges(t *testing.T) {
	tests := []struct {
		name string
		in   []model.PortRange
		want string
	}{
		{"empty", nil, ""},
		{"single port", []model.PortRange{tcp(80, 80)}, "80/tcp"},
		{"two adjacent", []model.PortRange{tcp(80, 80), tcp(81, 81)}, "80-81/tcp"},
		{"two non-adjacent", []model.PortRange{tcp(80, 80), tcp(90, 90)}, "80/tcp 90/tcp"},
		{
			"run plus isolated",
			[]model.PortRange{tcp(80, 80), tcp(81, 81), tcp(82, 82), tcp(90, 90)},
			"80-82/tcp 90/tcp",
		},
		{
			"long run out of order",
			[]model.PortRange{tcp(4003, 4003), tcp(4001, 4001), tcp(4002, 4002), tcp(4004, 4004)},
			"4001-4004/tcp",
		},
		{"duplicates collapse", []model.PortRange{tcp(443, 443), tcp(443, 443)}, "443/tcp"},
		{"overlapping ranges merge", []model.PortRange{tcp(8001, 8004), tcp(8003, 8010)}, "8001-8010/tcp"},
		{"adjacent ranges merge", []model.PortRange{tcp(8001, 8004), tcp(8005, 8008)}, "8001-8008/tcp"},
		{
			"protocol groups ordered tcp udp",
			[]model.PortRange{udp(53, 53), tcp(53, 53)},
			"53/tcp 53/udp",
		},
		{
			"other protocols after known ones",
			[]model.PortRange{
				{Protocol: model.SCTP, Start: 2905, End: 2905},
				{Protocol: model.UDPLite, Start: 9000, End: 9000},
				udp(53, 53),
			},
			"53/udp 9000/udplite 2905/sctp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(CompressRanges(tt.in), " ")
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompressRangesIdempotent(t *testing.T) {
	in := []model.PortRange{tcp(80, 82), tcp(82, 82), tcp(90, 90), udp(53, 53)}
	once := CompressRanges(in)

	// Re-feed the compressed output as ranges; the result must not change.
	var again []model.PortRange
	for _, token := range once {
		parts := strings.SplitN(token, "/", 2)
		bounds := strings.SplitN(parts[0], "-", 2)
		pr := model.PortRange{Protocol: model.Protocol(parts[1])}
		pr.Start = atoi(t, bounds[0])
		pr.End = pr.Start
		if len(bounds) == 2 {
			pr.End = atoi(t, bounds[1])
		}
		again = append(again, pr)
	}

	got := strings.Join(CompressRanges(again), " ")
	want := strings.Join(once, " ")
	if got != want {
		t.Errorf("compression not idempotent: %q vs %q", got, want)
	}
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func serviceFixture() *inventory.Index {
	inv := inventory.NewIndex()
	inv.AddService("WEB", []model.PortRange{tcp(80, 80), tcp(443, 443)})
	inv.AddService("APP", []model.PortRange{tcp(81, 82)})
	inv.AddService("DNS-UDP", []model.PortRange{udp(53, 53)})
	inv.AddService("NOPORTS", nil)
	inv.AddGroup("G-WEB", []string{"WEB", "APP"})
	inv.AddGroup("G-ALL", []string{"G-WEB", "DNS-UDP", "missing-member"})
	inv.AddGroup("G-SELF", []string{"G-SELF"})
	inv.AddGroup("G-A", []string{"G-B"})
	inv.AddGroup("G-B", []string{"G-A", "WEB"})
	return inv
}

func TestServiceResolve(t *testing.T) {
	resolver := NewServiceResolver(serviceFixture(), NewCache())

	tests := []struct {
		name    string
		want    string
		outcome model.Outcome
	}{
		{"WEB", "WEB(80/tcp 443/tcp)", model.OutcomeResolved},
		{"G-WEB", "G-WEB(80-82/tcp 443/tcp)", model.OutcomeResolved},
		{"G-ALL", "G-ALL(80-82/tcp 443/tcp 53/udp)", model.OutcomeResolved},
		{"NOPORTS", "NOPORTS()", model.OutcomeResolved},
		{"SSH", "SSH(22/tcp)", model.OutcomeFallback},
		{"no-such-service", "no-such-service", model.OutcomeUnresolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolver.Resolve(tt.name)
			if got.Display != tt.want {
				t.Errorf("display = %q, want %q", got.Display, tt.want)
			}
			if got.Outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", got.Outcome, tt.outcome)
			}
		})
	}
}

func TestServiceResolveCycles(t *testing.T) {
	resolver := NewServiceResolver(serviceFixture(), NewCache())

	// A group containing itself expands to no ports without looping.
	got := resolver.Resolve("G-SELF")
	if got.Display != "G-SELF()" || got.Outcome != model.OutcomeResolved {
		t.Errorf("self-referencing group: got %q (%s)", got.Display, got.Outcome)
	}

	// A transitive cycle still yields the reachable concrete services.
	got = resolver.Resolve("G-A")
	if got.Display != "G-A(80/tcp 443/tcp)" {
		t.Errorf("transitive cycle: got %q", got.Display)
	}
}

func TestServiceResolveMemoizes(t *testing.T) {
	cache := NewCache()
	resolver := NewServiceResolver(serviceFixture(), cache)

	first := resolver.Resolve("G-ALL")
	second := resolver.Resolve("G-ALL")
	if first != second {
		t.Error("repeated resolution returned different results")
	}
	if cache.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", cache.Len())
	}
}
