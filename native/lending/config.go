package lending

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"crosslend/crypto"
)

// Config is the TOML-decoded governance surface of the ledger. Fixed-point
// fields are canonical base-10 integer strings scaled by 1e18; "0.9" is
// written as "900000000000000000".
type Config struct {
	CloseFactor        string `toml:"CloseFactor"`
	HeteroIncentive    string `toml:"HeteroIncentive"`
	HomoIncentive      string `toml:"HomoIncentive"`
	SutokenIncentive   string `toml:"SutokenIncentive"`
	MinCloseValue      string `toml:"MinCloseValue"`
	ProtocolSeizeShare string `toml:"ProtocolSeizeShare"`
	SuCrossGroupBorrow bool   `toml:"SuCrossGroupBorrow"`
	ChainTag           string `toml:"ChainTag"`
	RedemptionSigner   string `toml:"RedemptionSigner"`
	Treasury           string `toml:"Treasury"`
	GroupRatesFile     string `toml:"GroupRatesFile"`
	PayoutPolicyFile   string `toml:"PayoutPolicyFile"`
}

// LoadConfig loads the module configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every fixed-point field parses and sits in range.
func (c *Config) Validate() error {
	for name, field := range map[string]struct {
		value   string
		bounded bool
	}{
		"CloseFactor":        {c.CloseFactor, true},
		"HeteroIncentive":    {c.HeteroIncentive, true},
		"HomoIncentive":      {c.HomoIncentive, true},
		"SutokenIncentive":   {c.SutokenIncentive, true},
		"MinCloseValue":      {c.MinCloseValue, false},
		"ProtocolSeizeShare": {c.ProtocolSeizeShare, true},
	} {
		parsed, err := parseScaled(field.value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if field.bounded && parsed.Cmp(expScale) > 0 {
			return fmt.Errorf("%s: must not exceed %s", name, expScale.String())
		}
	}
	if c.RedemptionSigner != "" {
		if _, err := crypto.DecodeAddress(c.RedemptionSigner); err != nil {
			return fmt.Errorf("RedemptionSigner: %w", err)
		}
	}
	if c.Treasury != "" {
		if _, err := crypto.DecodeAddress(c.Treasury); err != nil {
			return fmt.Errorf("Treasury: %w", err)
		}
	}
	return nil
}

// LiquidationParams converts the parsed fields into engine parameters.
// Validate must have succeeded first.
func (c *Config) LiquidationParams() LiquidationParams {
	return LiquidationParams{
		CloseFactor:        mustParseScaled(c.CloseFactor),
		HeteroIncentive:    mustParseScaled(c.HeteroIncentive),
		HomoIncentive:      mustParseScaled(c.HomoIncentive),
		SutokenIncentive:   mustParseScaled(c.SutokenIncentive),
		MinCloseValue:      mustParseScaled(c.MinCloseValue),
		ProtocolSeizeShare: mustParseScaled(c.ProtocolSeizeShare),
	}
}

// DefaultLiquidationParams returns the baseline governance settings: 50%
// close factor, 8% / 4% / 1% incentives, a 100 USD dust floor, and a 30%
// protocol seize share.
func DefaultLiquidationParams() LiquidationParams {
	return LiquidationParams{
		CloseFactor:        mustBigInt("500000000000000000"),
		HeteroIncentive:    mustBigInt("80000000000000000"),
		HomoIncentive:      mustBigInt("40000000000000000"),
		SutokenIncentive:   mustBigInt("10000000000000000"),
		MinCloseValue:      mustBigInt("100000000000000000000"),
		ProtocolSeizeShare: mustBigInt("300000000000000000"),
	}
}

func parseScaled(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid fixed-point value %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("fixed-point value %q must not be negative", raw)
	}
	return value, nil
}

func mustParseScaled(raw string) *big.Int {
	value, err := parseScaled(raw)
	if err != nil {
		panic(err)
	}
	return value
}

type yamlGroupRates struct {
	IntraC    string `yaml:"intra_c"`
	IntraMint string `yaml:"intra_mint"`
	IntraSu   string `yaml:"intra_su"`
	InterC    string `yaml:"inter_c"`
	InterSu   string `yaml:"inter_su"`
}

type yamlGroup struct {
	ID     string         `yaml:"id"`
	Rates  yamlGroupRates `yaml:"rates"`
	Margin yamlGroupRates `yaml:"margin"`
}

type yamlGroupFile struct {
	Groups []yamlGroup `yaml:"groups"`
}

// LoadGroups reads the risk-group rate table from a YAML file. Margin rates
// default to the group's collateral-factor rates when omitted.
func LoadGroups(path string) ([]Group, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group rates: %w", err)
	}
	var file yamlGroupFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse group rates: %w", err)
	}
	if len(file.Groups) == 0 {
		return nil, fmt.Errorf("group rates %s: no groups defined", path)
	}
	groups := make([]Group, 0, len(file.Groups))
	seen := make(map[string]struct{}, len(file.Groups))
	for i, entry := range file.Groups {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("group %d: missing id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("group %q: duplicate id", id)
		}
		seen[id] = struct{}{}
		rates, err := parseGroupRates(entry.Rates)
		if err != nil {
			return nil, fmt.Errorf("group %q rates: %w", id, err)
		}
		margin := rates.Clone()
		if entry.Margin != (yamlGroupRates{}) {
			margin, err = parseGroupRates(entry.Margin)
			if err != nil {
				return nil, fmt.Errorf("group %q margin: %w", id, err)
			}
		}
		groups = append(groups, Group{ID: id, Rates: rates, Margin: margin})
	}
	return groups, nil
}

func parseGroupRates(raw yamlGroupRates) (GroupRates, error) {
	rates := GroupRates{}
	for dst, field := range map[**big.Int]struct {
		name  string
		value string
	}{
		&rates.IntraC:    {"intra_c", raw.IntraC},
		&rates.IntraMint: {"intra_mint", raw.IntraMint},
		&rates.IntraSu:   {"intra_su", raw.IntraSu},
		&rates.InterC:    {"inter_c", raw.InterC},
		&rates.InterSu:   {"inter_su", raw.InterSu},
	} {
		parsed, err := parseScaled(field.value)
		if err != nil {
			return GroupRates{}, fmt.Errorf("%s: %w", field.name, err)
		}
		if parsed.Cmp(expScale) > 0 {
			return GroupRates{}, fmt.Errorf("%s: collateral factor above one", field.name)
		}
		*dst = parsed
	}
	return rates, nil
}
