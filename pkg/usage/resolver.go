package usage

import "context"

// PlanResolver decides which plan applies to an identity.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, id Identity) (Plan, error)
}

// CatalogResolver assigns every identity its kind's default plan.
type CatalogResolver struct {
	Catalog *Catalog
}

func (r CatalogResolver) ResolvePlan(_ context.Context, id Identity) (Plan, error) {
	return r.Catalog.DefaultFor(id.Kind), nil
}

// PlanResolverFunc adapts a function to PlanResolver.
type PlanResolverFunc func(ctx context.Context, id Identity) (Plan, error)

func (f PlanResolverFunc) ResolvePlan(ctx context.Context, id Identity) (Plan, error) {
	return f(ctx, id)
}
