package model

type Protocol string // "tcp", "udp", "udplite", "sctp"

const (
	TCP     Protocol = "tcp"
	UDP     Protocol = "udp"
	UDPLite Protocol = "udplite"
	SCTP    Protocol = "sctp"
)

// PortRange is an inclusive port span for one protocol. A single port is a
// range with Start == End.
type PortRange struct {
	Protocol Protocol
	Start    int
	End      int
}

// PolicyRecord is one firewall rule as fetched from the device. Identifier
// lists hold raw object names; the pipeline attaches resolved views to a
// ResolvedRecord instead of rewriting these.
type PolicyRecord struct {
	ID         int
	Name       string
	SrcIntf    []string
	DstIntf    []string
	SrcAddr    []string
	DstAddr    []string
	Services   []string
	Action     string // "accept", "deny"
	Status     string // "enable", "disable"
	Schedule   string
	LogTraffic string
}

// Outcome classifies how a ResolvedField was produced.
type Outcome string

const (
	OutcomeResolved   Outcome = "resolved"
	OutcomeFallback   Outcome = "fallback"
	OutcomeUnresolved Outcome = "unresolved"
)

// ResolvedField is the display-ready view of one identifier. Display is
// never empty: an unresolved identifier keeps its raw form.
type ResolvedField struct {
	Identifier  string
	Counterpart string // resolved name for an IP, resolved address for a name
	Display     string
	Outcome     Outcome
}

// ResolvedRecord pairs a surviving PolicyRecord with the resolved views of
// its configured fields, keyed by field name ("srcaddr", "dstaddr",
// "service").
type ResolvedRecord struct {
	Record PolicyRecord
	Fields map[string][]ResolvedField
}
