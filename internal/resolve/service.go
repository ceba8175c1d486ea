package resolve

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/pkg/wellknown"
)

// ServiceResolver expands service and service-group identifiers into
// normalized "name(port/proto ...)" strings. Group membership is walked
// depth-first with an ancestry set, so cyclic and dangling references in
// the inventory degrade instead of looping or failing.
type ServiceResolver struct {
	inv   *inventory.Index
	cache *Cache
}

func NewServiceResolver(inv *inventory.Index, cache *Cache) *ServiceResolver {
	return &ServiceResolver{inv: inv, cache: cache}
}

// Resolve expands one service identifier. Unknown identifiers keep their
// raw form with OutcomeUnresolved; known ones always render as
// "name(tokens)", with an empty token list when no ports are defined.
func (r *ServiceResolver) Resolve(identifier string) model.ResolvedField {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.ResolvedField{Display: "", Outcome: model.OutcomeUnresolved}
	}
	return r.cache.Do("svc:"+identifier, func() model.ResolvedField {
		return r.resolve(identifier)
	})
}

func (r *ServiceResolver) resolve(identifier string) model.ResolvedField {
	ranges, outcome := r.expand(identifier, make(map[string]bool))
	if outcome == model.OutcomeUnresolved {
		return model.ResolvedField{
			Identifier: identifier,
			Display:    identifier,
			Outcome:    model.OutcomeUnresolved,
		}
	}

	tokens := CompressRanges(ranges)
	return model.ResolvedField{
		Identifier:  identifier,
		Counterpart: strings.Join(tokens, " "),
		Display:     identifier + "(" + strings.Join(tokens, " ") + ")",
		Outcome:     outcome,
	}
}

// expand flattens an identifier into port ranges. ancestry holds the
// identifiers of the current expansion chain; an identifier reappearing in
// its own ancestry contributes nothing.
func (r *ServiceResolver) expand(name string, ancestry map[string]bool) ([]model.PortRange, model.Outcome) {
	if ancestry[name] {
		slog.Warn("Cyclic service group reference", "name", name)
		return nil, model.OutcomeResolved
	}
	ancestry[name] = true
	defer delete(ancestry, name)

	if ranges, ok := r.inv.Service(name); ok {
		return ranges, model.OutcomeResolved
	}

	if members, ok := r.inv.Group(name); ok {
		var ranges []model.PortRange
		for _, member := range members {
			memberRanges, outcome := r.expand(member, ancestry)
			if outcome == model.OutcomeUnresolved {
				slog.Warn("Dangling service group member", "group", name, "member", member)
				continue
			}
			ranges = append(ranges, memberRanges...)
		}
		return ranges, model.OutcomeResolved
	}

	if ranges, ok := wellknown.GetService(name); ok {
		return ranges, model.OutcomeFallback
	}

	return nil, model.OutcomeUnresolved
}

// protocolOrder fixes the output order of protocol groups.
var protocolOrder = map[model.Protocol]int{
	model.TCP:     0,
	model.UDP:     1,
	model.UDPLite: 2,
	model.SCTP:    3,
}

// CompressRanges merges a multiset of port ranges into the minimal ordered
// token list. Per protocol, overlapping and adjacent spans collapse into
// maximal runs rendered "port/proto" or "start-end/proto", ascending;
// protocol groups follow tcp, udp, udplite, sctp, then others by name.
func CompressRanges(ranges []model.PortRange) []string {
	byProto := make(map[model.Protocol][]model.PortRange)
	for _, pr := range ranges {
		byProto[pr.Protocol] = append(byProto[pr.Protocol], pr)
	}

	protos := make([]model.Protocol, 0, len(byProto))
	for proto := range byProto {
		protos = append(protos, proto)
	}
	sort.Slice(protos, func(i, j int) bool {
		oi, iKnown := protocolOrder[protos[i]]
		oj, jKnown := protocolOrder[protos[j]]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown:
			return true
		case jKnown:
			return false
		default:
			return protos[i] < protos[j]
		}
	})

	var out []string
	for _, proto := range protos {
		spans := byProto[proto]
		sort.Slice(spans, func(i, j int) bool {
			if spans[i].Start != spans[j].Start {
				return spans[i].Start < spans[j].Start
			}
			return spans[i].End < spans[j].End
		})

		merged := spans[:0]
		for _, s := range spans {
			n := len(merged)
			if n > 0 && s.Start <= merged[n-1].End+1 {
				if s.End > merged[n-1].End {
					merged[n-1].End = s.End
				}
				continue
			}
			merged = append(merged, s)
		}

		for _, s := range merged {
			if s.Start == s.End {
				out = append(out, strconv.Itoa(s.Start)+"/"+string(proto))
			} else {
				out = append(out, strconv.Itoa(s.Start)+"-"+strconv.Itoa(s.End)+"/"+string(proto))
			}
		}
	}
	return out
}
