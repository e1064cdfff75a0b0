// Package stripeplan resolves a signed-in user's plan from their active
// Stripe subscription.
package stripeplan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/vango-go/studylive/pkg/usage"
)

const (
	// DefaultMetadataKey is the subscription metadata field holding the
	// application user id.
	DefaultMetadataKey = "user_id"
	DefaultCacheTTL    = 5 * time.Minute
)

// SubscriptionSource lists the price lookup keys of a user's active
// subscriptions.
type SubscriptionSource interface {
	ActiveLookupKeys(ctx context.Context, userID string) ([]string, error)
}

type Config struct {
	// PriceToPlan maps a price lookup key to a catalog plan name. Lookup keys
	// without an entry are tried as plan names directly.
	PriceToPlan map[string]string
	CacheTTL    time.Duration
}

// Resolver implements usage.PlanResolver. Guests and users without a
// recognised subscription get the catalog default; so does any user while
// Stripe is unreachable.
type Resolver struct {
	source  SubscriptionSource
	catalog *usage.Catalog
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPlan
}

type cachedPlan struct {
	plan    usage.Plan
	expires time.Time
}

var _ usage.PlanResolver = (*Resolver)(nil)

func New(source SubscriptionSource, catalog *usage.Catalog, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Resolver{
		source:  source,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cachedPlan),
	}
}

func (r *Resolver) ResolvePlan(ctx context.Context, id usage.Identity) (usage.Plan, error) {
	fallback := r.catalog.DefaultFor(id.Kind)
	if id.Kind != usage.KindUser || id.UserID == "" {
		return fallback, nil
	}

	now := r.now()
	r.mu.Lock()
	if c, ok := r.cache[id.UserID]; ok && now.Before(c.expires) {
		r.mu.Unlock()
		return c.plan, nil
	}
	r.mu.Unlock()

	keys, err := r.source.ActiveLookupKeys(ctx, id.UserID)
	if err != nil {
		r.logger.Warn("stripe plan lookup failed; using default plan",
			"identity", id.Key,
			"plan", fallback.Name,
			"error", err,
		)
		return fallback, nil
	}
	plan := r.pick(keys, fallback)

	r.mu.Lock()
	r.cache[id.UserID] = cachedPlan{plan: plan, expires: now.Add(r.cfg.CacheTTL)}
	r.mu.Unlock()
	return plan, nil
}

// pick returns the most generous plan among the user's subscriptions.
func (r *Resolver) pick(keys []string, fallback usage.Plan) usage.Plan {
	best, found := fallback, false
	for _, key := range keys {
		name := key
		if mapped, ok := r.cfg.PriceToPlan[key]; ok {
			name = mapped
		}
		p, ok := r.catalog.Plan(name)
		if !ok {
			continue
		}
		if !found || generous(p, best) {
			best, found = p, true
		}
	}
	return best
}

func generous(a, b usage.Plan) bool {
	am, bm := a.MinutesLimit, b.MinutesLimit
	if am < 0 || bm < 0 {
		return am < 0 && bm >= 0
	}
	return am > bm
}

// Invalidate drops the cached plan for userID, e.g. after a billing webhook.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

// StripeSource searches Stripe subscriptions by user id metadata.
type StripeSource struct {
	client      *stripe.Client
	metadataKey string
}

func NewStripeSource(apiKey, metadataKey string) *StripeSource {
	if strings.TrimSpace(metadataKey) == "" {
		metadataKey = DefaultMetadataKey
	}
	return &StripeSource{client: stripe.NewClient(apiKey), metadataKey: metadataKey}
}

func (s *StripeSource) ActiveLookupKeys(ctx context.Context, userID string) ([]string, error) {
	params := &stripe.SubscriptionSearchParams{
		SearchParams: stripe.SearchParams{Query: searchQuery(s.metadataKey, userID)},
	}
	var keys []string
	for sub, err := range s.client.V1Subscriptions.Search(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("stripe subscription search: %w", err)
		}
		keys = append(keys, lookupKeys(sub)...)
	}
	return keys, nil
}

func searchQuery(metadataKey, userID string) string {
	escaped := strings.ReplaceAll(userID, "'", `\'`)
	return fmt.Sprintf("status:'active' AND metadata['%s']:'%s'", metadataKey, escaped)
}

func lookupKeys(sub *stripe.Subscription) []string {
	if sub == nil || sub.Items == nil {
		return nil
	}
	var out []string
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.LookupKey == "" {
			continue
		}
		out = append(out, item.Price.LookupKey)
	}
	return out
}
