package sku

import (
	"fmt"
	"sort"
)

// CoreTrafficID identifies the core traffic SKU fetched in phase 2.
const CoreTrafficID = "core_traffic"

var catalog = []Definition{
	{
		ID:    CoreTrafficID,
		Name:  "Application Services",
		Unit:  "requests",
		Scope: ScopeZone,
		Metrics: []Metric{
			{Key: "requests", Label: "HTTP requests", Unit: "requests"},
			{Key: "bytes", Label: "Data transfer", Unit: "bytes"},
			{Key: "dns_queries", Label: "DNS queries", Unit: "queries"},
		},
	},
	{
		ID:    "bot_management",
		Name:  "Bot Management",
		Unit:  "requests",
		Scope: ScopeZone,
		Addon: true,
		Metrics: []Metric{
			{Key: "likely_human", Label: "Likely human requests", Unit: "requests"},
			{Key: "bot_traffic", Label: "Automated requests", Unit: "requests"},
		},
	},
	{
		ID:    "api_shield",
		Name:  "API Shield",
		Unit:  "requests",
		Scope: ScopeZone,
		Addon: true,
		Metrics: []Metric{
			{Key: "api_requests", Label: "API requests", Unit: "requests"},
		},
	},
	{
		ID:    "r2_storage",
		Name:  "R2 Storage",
		Unit:  "operations",
		Scope: ScopeAccount,
		Addon: true,
		Metrics: []Metric{
			{Key: "class_a_ops", Label: "Class A operations", Unit: "operations"},
			{Key: "class_b_ops", Label: "Class B operations", Unit: "operations"},
			{Key: "storage_gb", Label: "Storage", Unit: "GB-month"},
		},
	},
	{
		ID:    "workers",
		Name:  "Workers",
		Unit:  "requests",
		Scope: ScopeAccount,
		Addon: true,
		Metrics: []Metric{
			{Key: "requests", Label: "Invocations", Unit: "requests"},
			{Key: "cpu_time_ms", Label: "CPU time", Unit: "ms"},
		},
	},
	{
		ID:    "magic_transit",
		Name:  "Magic Transit",
		Unit:  "Mbps",
		Scope: ScopeAccount,
		Gauge: true,
		Addon: true,
		Metrics: []Metric{
			{Key: "p95_mbps", Label: "P95 bandwidth", Unit: "Mbps"},
		},
	},
	{
		ID:    "magic_wan",
		Name:  "Magic WAN",
		Unit:  "Mbps",
		Scope: ScopeAccount,
		Gauge: true,
		Addon: true,
		Metrics: []Metric{
			{Key: "p95_mbps", Label: "P95 bandwidth", Unit: "Mbps"},
		},
	},
}

// Registry resolves SKU ids to definitions.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry builds a registry from the given definitions. Duplicate ids are rejected.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("sku definition without id")
		}
		if _, dup := r.defs[def.ID]; dup {
			return nil, fmt.Errorf("duplicate sku %q", def.ID)
		}
		if len(def.Metrics) == 0 {
			return nil, fmt.Errorf("sku %q has no metrics", def.ID)
		}
		r.defs[def.ID] = def
		r.order = append(r.order, def.ID)
	}
	return r, nil
}

// Default returns the built-in catalog.
func Default() *Registry {
	r, err := NewRegistry(catalog...)
	if err != nil {
		panic("invalid built-in sku catalog: " + err.Error())
	}
	return r
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// MustLookup is Lookup for ids known to exist.
func (r *Registry) MustLookup(id string) Definition {
	def, ok := r.defs[id]
	if !ok {
		panic(fmt.Sprintf("sku %q not registered", id))
	}
	return def
}

// All returns definitions in catalog order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Addons returns every definition fetched in phase 3 besides core traffic.
func (r *Registry) Addons() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		if id == CoreTrafficID {
			continue
		}
		out = append(out, r.defs[id])
	}
	return out
}

// IDs returns the registered ids sorted alphabetically.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
