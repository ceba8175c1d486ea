// Package pipeline sequences the record transformation: filter the fetched
// policies, then resolve the configured address and service fields
// concurrently and hand the augmented records to the output layer.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"fortigate-policy-export/internal/config"
	"fortigate-policy-export/internal/filter"
	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/internal/resolve"
)

// Pipeline owns the per-run resolver caches; build a fresh Pipeline per
// run and let it go out of scope afterwards.
type Pipeline struct {
	spec     *filter.Spec
	names    *resolve.NameResolver
	services *resolve.ServiceResolver

	addrFields []string
	svcFields  []string
	limit      int
}

// New assembles a pipeline from validated configuration and a loaded
// inventory index.
func New(cfg *config.Config, inv *inventory.Index) (*Pipeline, error) {
	spec, err := cfg.FilterSpec()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		spec:  spec,
		limit: cfg.Resolve.Concurrency,
	}
	if cfg.Resolve.Addresses.Enabled {
		p.names = resolve.NewNameResolver(
			inv,
			resolve.NewCache(),
			cfg.Resolve.Addresses.DNSServer,
			time.Duration(cfg.Resolve.Addresses.DNSTimeout),
		)
		p.addrFields = cfg.Resolve.Addresses.Fields
	}
	if cfg.Resolve.Services.Enabled {
		p.services = resolve.NewServiceResolver(inv, resolve.NewCache())
		p.svcFields = cfg.Resolve.Services.Fields
	}
	return p, nil
}

// Run filters records and resolves the configured fields. Output order
// matches input order after filtering regardless of resolution
// concurrency. When ctx is cancelled no further queries are issued and the
// remaining fields degrade to their raw identifiers; Run itself never
// fails.
func (p *Pipeline) Run(ctx context.Context, records []model.PolicyRecord) []model.ResolvedRecord {
	kept := p.spec.Apply(records)
	slog.Info("Filtered policies", "in", len(records), "out", len(kept))

	out := make([]model.ResolvedRecord, len(kept))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i := range kept {
		i := i
		g.Go(func() error {
			out[i] = p.resolveRecord(gctx, kept[i])
			return nil
		})
	}
	g.Wait()

	return out
}

func (p *Pipeline) resolveRecord(ctx context.Context, record model.PolicyRecord) model.ResolvedRecord {
	resolved := model.ResolvedRecord{
		Record: record,
		Fields: make(map[string][]model.ResolvedField),
	}

	for _, field := range p.addrFields {
		values := fieldIdentifiers(&record, field)
		fields := make([]model.ResolvedField, 0, len(values))
		for _, v := range values {
			fields = append(fields, p.resolveAddr(ctx, v))
		}
		resolved.Fields[field] = fields
	}
	for _, field := range p.svcFields {
		values := fieldIdentifiers(&record, field)
		fields := make([]model.ResolvedField, 0, len(values))
		for _, v := range values {
			fields = append(fields, p.resolveSvc(ctx, v))
		}
		resolved.Fields[field] = fields
	}
	return resolved
}

func (p *Pipeline) resolveAddr(ctx context.Context, identifier string) model.ResolvedField {
	if ctx.Err() != nil {
		return rawField(identifier)
	}
	return p.names.Resolve(ctx, identifier)
}

func (p *Pipeline) resolveSvc(ctx context.Context, identifier string) model.ResolvedField {
	if ctx.Err() != nil {
		return rawField(identifier)
	}
	return p.services.Resolve(identifier)
}

func rawField(identifier string) model.ResolvedField {
	return model.ResolvedField{
		Identifier: identifier,
		Display:    identifier,
		Outcome:    model.OutcomeUnresolved,
	}
}

func fieldIdentifiers(r *model.PolicyRecord, field string) []string {
	switch field {
	case "srcaddr":
		return r.SrcAddr
	case "dstaddr":
		return r.DstAddr
	case "service":
		return r.Services
	default:
		return nil
	}
}
