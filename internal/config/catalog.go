package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"

	"github.com/BurntSushi/toml"
)

// CollateralType is one [[collateral]] entry of the catalog file
type CollateralType struct {
	Name                  string `toml:"name"`
	LiquidationRatioBps   uint64 `toml:"liquidation_ratio_bps"`
	MinCollateralRatioBps uint64 `toml:"min_collateral_ratio_bps"`
	StabilityFeeBps       uint64 `toml:"stability_fee_bps"`
}

// Config converts the entry into the per-CDP risk parameters
func (ct CollateralType) Config() cdp.Config {
	return cdp.Config{
		LiquidationRatio:          fpmath.NewRatio(ct.LiquidationRatioBps),
		MinCollateralizationRatio: fpmath.NewRatio(ct.MinCollateralRatioBps),
		StabilityFee:              fpmath.NewRatio(ct.StabilityFeeBps),
	}
}

type catalogFile struct {
	Collateral []CollateralType `toml:"collateral"`
}

// Catalog maps collateral type names to risk parameters. Immutable after
// load, safe for concurrent reads.
type Catalog struct {
	types map[string]cdp.Config
}

// DefaultCatalog is used when no catalog file is configured
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]CollateralType{
		{Name: "ETH-A", LiquidationRatioBps: 14_500, MinCollateralRatioBps: 15_000, StabilityFeeBps: 200},
		{Name: "ETH-B", LiquidationRatioBps: 13_000, MinCollateralRatioBps: 14_500, StabilityFeeBps: 500},
		{Name: "ETH-C", LiquidationRatioBps: 17_000, MinCollateralRatioBps: 20_000, StabilityFeeBps: 50},
	})
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}

// NewCatalog validates every entry. Names are case-sensitive and must be unique.
func NewCatalog(entries []CollateralType) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog: no collateral types")
	}

	types := make(map[string]cdp.Config, len(entries))
	for i, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, fmt.Errorf("catalog: entry %d has no name", i)
		}
		if _, dup := types[name]; dup {
			return nil, fmt.Errorf("catalog: duplicate collateral type %q", name)
		}
		cfg := entry.Config()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: collateral type %q: %w", name, err)
		}
		types[name] = cfg
	}

	return &Catalog{types: types}, nil
}

// LoadCatalog reads a TOML catalog file. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	var file catalogFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("catalog %s: unknown keys %v", path, undecoded)
	}

	return NewCatalog(file.Collateral)
}

// ParseCatalog decodes a catalog from TOML text
func ParseCatalog(data string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.Decode(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(file.Collateral)
}

// Lookup returns the risk parameters of a collateral type
func (c *Catalog) Lookup(name string) (cdp.Config, bool) {
	cfg, ok := c.types[name]
	return cfg, ok
}

// Names returns the configured collateral types in sorted order
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
