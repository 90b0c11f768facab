package l402

import "math"

// Tier is the immutable per-provider pricing configuration.
type Tier struct {
	ID            string  `json:"id"`
	DisplayName   string  `json:"name"`
	PricePerToken float64 `json:"pricePerToken"` // sats
	MinPayment    int64   `json:"minPayment"`    // sats
}

// Pricing maps provider ids to tiers and names the baseline provider used
// when a request does not specify one.
type Pricing struct {
	tiers           map[string]Tier
	defaultProvider string
}

func NewPricing(defaultProvider string, tiers []Tier) *Pricing {
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.ID] = t
	}
	return &Pricing{tiers: m, defaultProvider: defaultProvider}
}

// Tier returns the tier for provider, or false when none is configured.
func (p *Pricing) Tier(provider string) (Tier, bool) {
	t, ok := p.tiers[provider]
	return t, ok
}

// DefaultProvider returns the baseline provider id.
func (p *Pricing) DefaultProvider() string { return p.defaultProvider }

// Tiers returns all tiers (map iteration order).
func (p *Pricing) Tiers() []Tier {
	out := make([]Tier, 0, len(p.tiers))
	for _, t := range p.tiers {
		out = append(out, t)
	}
	return out
}

// Quote computes the invoice amount for an estimated token count:
// max(minPayment, ceil(tokens * pricePerToken)).
func (t Tier) Quote(estimatedTokens int) int64 {
	amount := int64(math.Ceil(float64(estimatedTokens) * t.PricePerToken))
	if amount < t.MinPayment {
		return t.MinPayment
	}
	return amount
}

// Revenue converts used tokens to billed sats, rounding up.
func (t Tier) Revenue(tokensUsed int) int64 {
	return int64(math.Ceil(float64(tokensUsed) * t.PricePerToken))
}
