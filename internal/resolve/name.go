package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/internal/utils"
)

const defaultDNSTimeout = 3 * time.Second

// NameResolver rewrites address identifiers into display names. IP literals
// go through a reverse (PTR) lookup, anything else through a forward (A)
// lookup; query failures fall back to the inventory address table and
// finally to the raw identifier. Results are memoized in the run cache.
type NameResolver struct {
	inv    *inventory.Index
	cache  *Cache
	client *dns.Client
	server string // upstream "host:port"; empty disables live queries
}

// NewNameResolver builds a resolver querying server ("host", "host:port" or
// "" for the system default from /etc/resolv.conf). With no usable server
// every lookup degrades straight to the inventory fallback.
func NewNameResolver(inv *inventory.Index, cache *Cache, server string, timeout time.Duration) *NameResolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	if server == "" {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
			server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
		}
	} else if !strings.Contains(server, ":") {
		server += ":53"
	}

	return &NameResolver{
		inv:    inv,
		cache:  cache,
		client: &dns.Client{Timeout: timeout},
		server: server,
	}
}

// Resolve resolves one identifier. It never returns an error and never an
// empty display string; an identifier nothing can resolve keeps its raw
// form with OutcomeUnresolved.
func (r *NameResolver) Resolve(ctx context.Context, identifier string) model.ResolvedField {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.ResolvedField{Display: "", Outcome: model.OutcomeUnresolved}
	}
	return r.cache.Do(identifier, func() model.ResolvedField {
		return r.resolve(ctx, identifier)
	})
}

func (r *NameResolver) resolve(ctx context.Context, identifier string) model.ResolvedField {
	if utils.IsIPLiteral(identifier) {
		if name, err := r.reverseLookup(ctx, identifier); err == nil && name != "" {
			return model.ResolvedField{
				Identifier:  identifier,
				Counterpart: name,
				Display:     fmt.Sprintf("%s[%s]", name, identifier),
				Outcome:     model.OutcomeResolved,
			}
		}
		if name, ok := r.inv.NameForIP(net.ParseIP(identifier)); ok {
			return model.ResolvedField{
				Identifier:  identifier,
				Counterpart: name,
				Display:     fmt.Sprintf("%s[%s]", name, identifier),
				Outcome:     model.OutcomeFallback,
			}
		}
		return unresolved(identifier)
	}

	if addr, err := r.forwardLookup(ctx, identifier); err == nil && addr != "" {
		return model.ResolvedField{
			Identifier:  identifier,
			Counterpart: addr,
			Display:     fmt.Sprintf("%s[%s]", identifier, addr),
			Outcome:     model.OutcomeResolved,
		}
	}
	if ref, ok := r.inv.RefForName(identifier); ok {
		return model.ResolvedField{
			Identifier:  identifier,
			Counterpart: ref,
			Display:     fmt.Sprintf("%s[%s]", identifier, ref),
			Outcome:     model.OutcomeFallback,
		}
	}
	return unresolved(identifier)
}

func unresolved(identifier string) model.ResolvedField {
	return model.ResolvedField{
		Identifier: identifier,
		Display:    identifier,
		Outcome:    model.OutcomeUnresolved,
	}
}

// reverseLookup resolves ip -> hostname via a PTR query.
func (r *NameResolver) reverseLookup(ctx context.Context, ip string) (string, error) {
	if r.server == "" {
		return "", fmt.Errorf("no upstream server")
	}
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		slog.Debug("Reverse lookup failed", "ip", ip, "error", err)
		return "", err
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", fmt.Errorf("no PTR record for %s", ip)
}

// forwardLookup resolves name -> first A/AAAA address.
func (r *NameResolver) forwardLookup(ctx context.Context, name string) (string, error) {
	if r.server == "" {
		return "", fmt.Errorf("no upstream server")
	}
	// Device object names with spaces or quotes are never DNS names; skip
	// the query and go straight to the inventory fallback.
	if strings.ContainsAny(name, " \t\"") {
		return "", fmt.Errorf("not a DNS name: %q", name)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		slog.Debug("Forward lookup failed", "name", name, "error", err)
		return "", err
	}
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A.String(), nil
		case *dns.AAAA:
			return rec.AAAA.String(), nil
		}
	}
	return "", fmt.Errorf("no address record for %s", name)
}
