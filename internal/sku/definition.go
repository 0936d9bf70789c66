package sku

import "fmt"

// Scope says where a SKU's usage is measured.
type Scope string

const (
	ScopeAccount Scope = "account"
	ScopeZone    Scope = "zone"
)

// Kind is the closed set of SKU shapes the aggregator knows how to merge.
type Kind int

const (
	KindCounterAccount Kind = iota + 1
	KindCounterZone
	KindGaugeAccount
)

func (k Kind) String() string {
	switch k {
	case KindCounterAccount:
		return "counter-account"
	case KindCounterZone:
		return "counter-zone"
	case KindGaugeAccount:
		return "gauge-account"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON payloads. The zero kind is
// written as an empty string; values outside the set are rejected.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case 0:
		return []byte{}, nil
	case KindCounterAccount, KindCounterZone, KindGaugeAccount:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown sku kind %d", int(k))
	}
}

// UnmarshalText parses a kind name; an empty string is the zero kind.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "":
		*k = 0
	case "counter-account":
		*k = KindCounterAccount
	case "counter-zone":
		*k = KindCounterZone
	case "gauge-account":
		*k = KindGaugeAccount
	default:
		return fmt.Errorf("unknown sku kind %q", string(text))
	}
	return nil
}

// Metric names one sub-metric of a SKU.
type Metric struct {
	Key   string
	Label string
	Unit  string
}

// Definition is an immutable billable product description.
type Definition struct {
	ID      string
	Name    string
	Unit    string
	Scope   Scope
	Gauge   bool
	Addon   bool
	Metrics []Metric
}

// Kind maps scope and gauge flag onto the aggregator variant.
func (d Definition) Kind() Kind {
	switch {
	case d.Gauge:
		return KindGaugeAccount
	case d.Scope == ScopeZone:
		return KindCounterZone
	default:
		return KindCounterAccount
	}
}

// ZoneScoped reports whether usage is reported per zone.
func (d Definition) ZoneScoped() bool {
	return d.Scope == ScopeZone
}

// MetricKeys lists the sub-metric keys in display order.
func (d Definition) MetricKeys() []string {
	keys := make([]string, 0, len(d.Metrics))
	for _, m := range d.Metrics {
		keys = append(keys, m.Key)
	}
	return keys
}

// Metric looks up a sub-metric by key.
func (d Definition) Metric(key string) (Metric, bool) {
	for _, m := range d.Metrics {
		if m.Key == key {
			return m, true
		}
	}
	return Metric{}, false
}

// Combine folds two values of one sub-metric the way the SKU aggregates:
// gauges (P95 rates) take the max, counters sum.
func (d Definition) Combine(a, b float64) float64 {
	if d.Gauge {
		if b > a {
			return b
		}
		return a
	}
	return a + b
}
