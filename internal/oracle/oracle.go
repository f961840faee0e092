// Package oracle provides USD price lookups for the debt engine. The live
// implementation is a feed cache updated from the upstream price stream;
// tests use a static table.
package oracle

// PriceOracle answers spot price queries in fixed-point USD. The boolean
// result is false when no quote is available; callers decide whether that
// aborts the operation.
type PriceOracle interface {
	GetPrice(base, quote string) (int64, bool)
}

// QuoteUSD is the only quote currency the pool prices against.
const QuoteUSD = "USD"

// Quote is one cached price observation.
type Quote struct {
	Price     int64 // Fixed-point USD price
	Sequence  int64 // Upstream feed sequence
	Timestamp int64 // Versioned input timestamp (epoch microseconds)
}

// Feed is the in-memory price cache. It is owned by the debt engine's
// processing goroutine; price updates arrive as commands on the same
// stream as everything else, so no locking is needed.
type Feed struct {
	quotes map[string]Quote
}

func NewFeed() *Feed {
	return &Feed{quotes: make(map[string]Quote)}
}

// Apply stores a new observation for an asset. Sequence gating happens
// upstream; by the time an update reaches the feed it is authoritative.
func (f *Feed) Apply(asset string, q Quote) {
	f.quotes[asset] = q
}

// GetPrice implements PriceOracle. Only USD quotes are served.
func (f *Feed) GetPrice(base, quote string) (int64, bool) {
	if quote != QuoteUSD {
		return 0, false
	}
	q, ok := f.quotes[base]
	if !ok {
		return 0, false
	}
	return q.Price, true
}

// Quote returns the full cached observation for an asset.
func (f *Feed) Quote(asset string) (Quote, bool) {
	q, ok := f.quotes[asset]
	return q, ok
}

// Assets returns the assets with a cached quote, in no particular order.
func (f *Feed) Assets() []string {
	out := make([]string, 0, len(f.quotes))
	for asset := range f.quotes {
		out = append(out, asset)
	}
	return out
}

// Snapshot returns a copy of the cache for persistence.
func (f *Feed) Snapshot() map[string]Quote {
	out := make(map[string]Quote, len(f.quotes))
	for asset, q := range f.quotes {
		out[asset] = q
	}
	return out
}

// Restore replaces the cache contents from a snapshot.
func (f *Feed) Restore(quotes map[string]Quote) {
	f.quotes = make(map[string]Quote, len(quotes))
	for asset, q := range quotes {
		f.quotes[asset] = q
	}
}

// Static is a fixed price table for tests and tooling.
type Static map[string]int64

func (s Static) GetPrice(base, quote string) (int64, bool) {
	if quote != QuoteUSD {
		return 0, false
	}
	p, ok := s[base]
	return p, ok
}
