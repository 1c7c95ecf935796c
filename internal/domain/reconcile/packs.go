package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"
)

// CreditPack is a purchasable bundle of credits.
type CreditPack struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Credits  int64           `json:"credits"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

// DefaultPacks returns the packs sold by the payment gateway, priced in currency (USD if empty).
func DefaultPacks(currency string) []CreditPack {
	if currency == "" {
		currency = "USD"
	}
	return []CreditPack{
		{ID: "starter", Name: "Starter Pack", Credits: 100, Price: decimal.RequireFromString("4.99"), Currency: currency},
		{ID: "value", Name: "Value Pack", Credits: 300, Price: decimal.RequireFromString("12.99"), Currency: currency},
		{ID: "pro", Name: "Pro Pack", Credits: 1000, Price: decimal.RequireFromString("39.99"), Currency: currency},
	}
}

// Catalog looks packs up by id.
type Catalog struct {
	packs map[string]CreditPack
}

func NewCatalog(packs []CreditPack) *Catalog {
	c := &Catalog{packs: make(map[string]CreditPack, len(packs))}
	for _, p := range packs {
		c.packs[p.ID] = p
	}
	return c
}

func (c *Catalog) Get(id string) (CreditPack, bool) {
	p, ok := c.packs[id]
	return p, ok
}

// List returns packs ordered by credit amount.
func (c *Catalog) List() []CreditPack {
	out := make([]CreditPack, 0, len(c.packs))
	for _, p := range c.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
