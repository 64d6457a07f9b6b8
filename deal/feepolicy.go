package deal

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrNoFeeRule indicates that no fee rule matches the requested asset.
var ErrNoFeeRule = errors.New("deal: no fee rule for asset")

// ErrNoRate indicates the rate source cannot quote the asset in USD.
var ErrNoRate = errors.New("deal: no usd rate for asset")

// feeDenominatorBps is the basis-point denominator for percent rules.
const feeDenominatorBps = 10_000

// RateSource quotes the USD price of one whole unit of an asset. Fixed-USD
// commissions are resolved through it into native base units at deal
// creation time.
type RateSource interface {
	USDRate(asset string) (decimal.Decimal, error)
}

// StaticRates is a RateSource backed by a fixed table.
type StaticRates map[string]decimal.Decimal

// USDRate implements RateSource.
func (r StaticRates) USDRate(asset string) (decimal.Decimal, error) {
	rate, ok := r[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoRate, asset)
	}
	return rate, nil
}

// FeeRule is one commission entry: either a percentage of the swap value in
// basis points, or a fixed USD amount converted at deal creation. Asset "*"
// matches any asset without a more specific rule.
type FeeRule struct {
	Asset      string
	PercentBps *int64
	FixedUSD   decimal.Decimal
}

// feeRuleFile mirrors the YAML representation of a fee rule.
type feeRuleFile struct {
	Asset      string `yaml:"asset"`
	PercentBps *int64 `yaml:"percent_bps"`
	FixedUSD   string `yaml:"fixed_usd"`
}

// feePolicyFile mirrors the YAML fee schedule document.
type feePolicyFile struct {
	Fees  []feeRuleFile     `yaml:"fees"`
	Rates map[string]string `yaml:"rates"`
}

// FeePolicy resolves the commission for a swap leg.
type FeePolicy struct {
	rules map[string]FeeRule
	rates RateSource
}

// LoadFeePolicy reads the YAML fee schedule from disk. When rates is nil the
// file's own static rate table is used for fixed-USD rules.
func LoadFeePolicy(path string, rates RateSource) (*FeePolicy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fee policy: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var doc feePolicyFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode fee policy: %w", err)
	}
	rules := make([]FeeRule, 0, len(doc.Fees))
	for _, entry := range doc.Fees {
		rule := FeeRule{Asset: entry.Asset, PercentBps: entry.PercentBps}
		if trimmed := strings.TrimSpace(entry.FixedUSD); trimmed != "" {
			fixed, err := decimal.NewFromString(trimmed)
			if err != nil {
				return nil, fmt.Errorf("asset %s fixed_usd: %w", entry.Asset, err)
			}
			rule.FixedUSD = fixed
		}
		rules = append(rules, rule)
	}
	if rates == nil {
		static := make(StaticRates, len(doc.Rates))
		for asset, raw := range doc.Rates {
			rate, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("rate %s: %w", asset, err)
			}
			static[strings.ToUpper(strings.TrimSpace(asset))] = rate
		}
		rates = static
	}
	return NewFeePolicy(rules, rates)
}

// NewFeePolicy validates the rule set. Every rule sets exactly one of
// PercentBps or FixedUSD; percent rules stay within [0, 10000] basis points.
func NewFeePolicy(rules []FeeRule, rates RateSource) (*FeePolicy, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("fee policy requires at least one rule")
	}
	byAsset := make(map[string]FeeRule, len(rules))
	for _, rule := range rules {
		asset := strings.ToUpper(strings.TrimSpace(rule.Asset))
		if asset == "" {
			return nil, fmt.Errorf("fee rule asset required")
		}
		if _, exists := byAsset[asset]; exists {
			return nil, fmt.Errorf("duplicate fee rule for asset %s", asset)
		}
		hasPercent := rule.PercentBps != nil
		hasFixed := !rule.FixedUSD.IsZero()
		if hasPercent == hasFixed {
			return nil, fmt.Errorf("asset %s: exactly one of percent_bps or fixed_usd required", asset)
		}
		if hasPercent && (*rule.PercentBps < 0 || *rule.PercentBps > feeDenominatorBps) {
			return nil, fmt.Errorf("asset %s: percent_bps %d out of range", asset, *rule.PercentBps)
		}
		if hasFixed && rule.FixedUSD.IsNegative() {
			return nil, fmt.Errorf("asset %s: fixed_usd must be positive", asset)
		}
		rule.Asset = asset
		byAsset[asset] = rule
	}
	return &FeePolicy{rules: byAsset, rates: rates}, nil
}

// Rules returns the configured rules in asset order, for display.
func (p *FeePolicy) Rules() []FeeRule {
	rules := make([]FeeRule, 0, len(p.rules))
	for _, rule := range p.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Asset < rules[j].Asset })
	return rules
}

// ResolveFee computes the commission in native base units for a swap of
// amount base units. decimals scales base units to whole asset units and is
// only consulted for fixed-USD rules. Percent fees round down.
func (p *FeePolicy) ResolveFee(asset string, amount *big.Int, decimals int32) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("swap amount must be positive")
	}
	key := strings.ToUpper(strings.TrimSpace(asset))
	rule, ok := p.rules[key]
	if !ok {
		rule, ok = p.rules["*"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFeeRule, asset)
	}
	if rule.PercentBps != nil {
		fee := new(big.Int).Mul(amount, big.NewInt(*rule.PercentBps))
		return fee.Quo(fee, big.NewInt(feeDenominatorBps)), nil
	}
	if p.rates == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRate, asset)
	}
	rate, err := p.rates.USDRate(key)
	if err != nil {
		return nil, err
	}
	// fixedUSD / (USD per whole unit) = whole units; shift into base units
	// and round down.
	units := rule.FixedUSD.DivRound(rate, decimals+4)
	return units.Shift(decimals).Floor().BigInt(), nil
}
