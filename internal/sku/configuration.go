package sku

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Period is the billing window used to bucket alert dedup records.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodWeekly  Period = "weekly"
)

// Account is one monitored top-level account.
type Account struct {
	ID   string
	Name string
}

// Config is the operator configuration of a single SKU.
type Config struct {
	ID      string
	Enabled bool
	// Accounts and Zones restrict where the SKU is contracted; empty means everywhere.
	Accounts   []string
	Zones      []string
	Thresholds map[string]float64
}

// AppliesToAccount reports whether the SKU is contracted for the account.
func (c Config) AppliesToAccount(accountID string) bool {
	return c.Enabled && (len(c.Accounts) == 0 || lo.Contains(c.Accounts, accountID))
}

// AppliesToZone reports whether the SKU is contracted for the zone.
func (c Config) AppliesToZone(zoneID string) bool {
	return c.Enabled && (len(c.Zones) == 0 || lo.Contains(c.Zones, zoneID))
}

// Threshold returns the contracted threshold for a sub-metric.
func (c Config) Threshold(metric string) (float64, bool) {
	v, ok := c.Thresholds[metric]
	return v, ok
}

// Configuration is the read-only bundle handed to the orchestrator and alert engine on every call.
type Configuration struct {
	Registry    *Registry
	Accounts    []Account
	SKUs        map[string]Config
	AlertPeriod Period
}

// SKU returns the configuration for id; unknown ids are disabled.
func (c Configuration) SKU(id string) Config {
	if cfg, ok := c.SKUs[id]; ok {
		cfg.ID = id
		return cfg
	}
	return Config{ID: id}
}

// Enabled reports whether the SKU is enabled.
func (c Configuration) Enabled(id string) bool {
	return c.SKU(id).Enabled
}

// EnabledDefinitions lists the enabled SKUs known to the registry, in catalog order.
func (c Configuration) EnabledDefinitions() []Definition {
	if c.Registry == nil {
		return nil
	}
	return lo.Filter(c.Registry.All(), func(def Definition, _ int) bool {
		return c.Enabled(def.ID)
	})
}

// EnabledAddons lists enabled SKUs other than core traffic.
func (c Configuration) EnabledAddons() []Definition {
	return lo.Filter(c.EnabledDefinitions(), func(def Definition, _ int) bool {
		return def.ID != CoreTrafficID
	})
}

// AccountIDs returns the configured account ids.
func (c Configuration) AccountIDs() []string {
	return lo.Map(c.Accounts, func(a Account, _ int) string { return a.ID })
}

// AccountName resolves a display name, falling back to the id.
func (c Configuration) AccountName(id string) string {
	for _, a := range c.Accounts {
		if a.ID == id && a.Name != "" {
			return a.Name
		}
	}
	return id
}

// AccountsKey builds the deterministic cache/dedup key for a set of accounts.
func AccountsKey(accountIDs []string) string {
	ids := NormalizeAccounts(accountIDs)
	return strings.Join(ids, ",")
}

// NormalizeAccounts trims, de-duplicates and sorts account ids.
func NormalizeAccounts(accountIDs []string) []string {
	ids := lo.Uniq(lo.FilterMap(accountIDs, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))
	sort.Strings(ids)
	return ids
}
