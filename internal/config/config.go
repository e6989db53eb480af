// Package config loads market and engine settings.
//
// Settings come from three layers, lowest precedence first:
//
//  1. A YAML file describing markets and engine flags
//  2. LOYALTY_* environment variables
//  3. Command-line flags, applied by the caller after Load
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/loyalty/internal/calc"
	"github.com/roach88/loyalty/internal/expiry"
	"github.com/roach88/loyalty/internal/ir"
)

// Ledger backends.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Market is one market's conversion, timezone and expiry settings.
//
// Rate is a pointer so an omitted rate falls back to
// calc.DefaultMarketRate instead of decoding to zero.
type Market struct {
	Timezone        string               `yaml:"timezone"`
	Rate            *float64             `yaml:"rate"`
	UseRetailAmount bool                 `yaml:"useRetailAmount"`
	Expiration      *ir.ExpirationPolicy `yaml:"expiration"`
}

// EngineFlags are the orchestrator switches.
type EngineFlags struct {
	StrictFacts    bool          `yaml:"strictFacts"`
	ProfileTimeout time.Duration `yaml:"profileTimeout"`
}

// File is the YAML configuration document.
type File struct {
	Markets map[string]Market `yaml:"markets"`
	Engine  EngineFlags       `yaml:"engine"`
}

// Env holds LOYALTY_* environment overrides.
//
// Pointer fields distinguish "unset" from a zero value so that the YAML
// file can supply the default.
type Env struct {
	ConfigPath string `env:"LOYALTY_CONFIG"`
	RulesDir   string `env:"LOYALTY_RULES_DIR" envDefault:"rules"`

	DBPath        string `env:"LOYALTY_DB_PATH" envDefault:"loyalty.db"`
	LedgerBackend string `env:"LOYALTY_LEDGER_BACKEND" envDefault:"sqlite"`
	PebbleDir     string `env:"LOYALTY_PEBBLE_DIR" envDefault:"loyalty.pebble"`
	ChangelogPath string `env:"LOYALTY_CHANGELOG_PATH"`

	HTTPAddr  string `env:"LOYALTY_HTTP_ADDR" envDefault:":8080"`
	JWTSecret string `env:"LOYALTY_JWT_SECRET"`

	KafkaBrokers   string `env:"LOYALTY_KAFKA_BROKERS"`
	EventsTopic    string `env:"LOYALTY_KAFKA_EVENTS_TOPIC" envDefault:"loyalty.events"`
	ResultsTopic   string `env:"LOYALTY_KAFKA_RESULTS_TOPIC" envDefault:"loyalty.results"`
	ChangelogTopic string `env:"LOYALTY_KAFKA_CHANGELOG_TOPIC"`
	ConsumerGroup  string `env:"LOYALTY_KAFKA_GROUP" envDefault:"loyalty-engine"`
	IngestWorkers  int    `env:"LOYALTY_INGEST_WORKERS" envDefault:"4"`

	StrictFacts    *bool          `env:"LOYALTY_STRICT_FACTS"`
	ProfileTimeout *time.Duration `env:"LOYALTY_PROFILE_TIMEOUT"`

	OTELEndpoint string `env:"LOYALTY_OTEL_ENDPOINT"`
}

// Config is the merged result of file and environment.
type Config struct {
	Env

	Markets        map[string]Market
	StrictFacts    bool
	ProfileTimeout time.Duration
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// DefaultMarkets is used when no configuration file is given.
func DefaultMarkets() map[string]Market {
	return map[string]Market{
		"JP": {
			Timezone: "Asia/Tokyo",
			Rate:     rate(0.1),
			Expiration: &ir.ExpirationPolicy{
				Mode:            ir.ExpirationRolling,
				WindowDays:      365,
				QualifyingTypes: []ir.EventType{ir.EventPurchase},
			},
		},
		"HK": {
			Timezone:        "Asia/Hong_Kong",
			Rate:            rate(1),
			UseRetailAmount: true,
			Expiration: &ir.ExpirationPolicy{
				Mode:             ir.ExpirationFiscalYear,
				FiscalStartMonth: time.July,
				FiscalStartDay:   1,
			},
		},
	}
}

// Load reads the environment, then the YAML file at path. An empty path
// falls back to LOYALTY_CONFIG, and then to DefaultMarkets.
func Load(path string) (Config, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Config{}, err
	}
	if path == "" {
		path = e.ConfigPath
	}

	f := File{Markets: DefaultMarkets()}
	if path != "" {
		var err error
		f, err = ReadFile(path)
		if err != nil {
			return Config{}, err
		}
	}

	cfg := Merge(f, e)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile parses a YAML configuration document.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document. Market codes are
// upper-cased.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	markets := make(map[string]Market, len(f.Markets))
	for code, m := range f.Markets {
		markets[strings.ToUpper(strings.TrimSpace(code))] = m
	}
	f.Markets = markets
	return f, nil
}

// Merge applies environment overrides on top of the file.
func Merge(f File, e Env) Config {
	cfg := Config{
		Env:            e,
		Markets:        f.Markets,
		StrictFacts:    f.Engine.StrictFacts,
		ProfileTimeout: f.Engine.ProfileTimeout,
	}
	if cfg.Markets == nil {
		cfg.Markets = map[string]Market{}
	}
	if e.StrictFacts != nil {
		cfg.StrictFacts = *e.StrictFacts
	}
	if e.ProfileTimeout != nil {
		cfg.ProfileTimeout = *e.ProfileTimeout
	}
	if cfg.ProfileTimeout == 0 {
		cfg.ProfileTimeout = 2 * time.Second
	}
	return cfg
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case BackendSQLite, BackendPebble, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("ledger backend %q: want %s, %s or %s",
			c.LedgerBackend, BackendSQLite, BackendPebble, BackendMemory))
	}
	if c.IngestWorkers < 1 {
		errs = append(errs, fmt.Errorf("ingest workers must be at least 1, got %d", c.IngestWorkers))
	}
	for _, code := range c.MarketCodes() {
		m := c.Markets[code]
		if m.Timezone != "" {
			if _, err := time.LoadLocation(m.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("market %s: timezone: %w", code, err))
			}
		}
		if m.Rate != nil && *m.Rate <= 0 {
			errs = append(errs, fmt.Errorf("market %s: rate must be positive, got %v", code, *m.Rate))
		}
		if m.Expiration != nil {
			if err := expiry.ValidatePolicy(*m.Expiration); err != nil {
				errs = append(errs, fmt.Errorf("market %s: expiration: %w", code, err))
			}
		}
	}
	return errors.Join(errs...)
}

// MarketCodes returns the configured market codes in sorted order.
func (c Config) MarketCodes() []string {
	codes := make([]string, 0, len(c.Markets))
	for code := range c.Markets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ConversionRate returns the configured rate, or the calc default when the
// market sets none.
func (m Market) ConversionRate() float64 {
	if m.Rate == nil {
		return calc.DefaultMarketRate.Rate
	}
	return *m.Rate
}

func rate(v float64) *float64 { return &v }

// MarketRates returns the calc conversion table.
func (c Config) MarketRates() map[string]calc.MarketRate {
	rates := make(map[string]calc.MarketRate, len(c.Markets))
	for code, m := range c.Markets {
		rates[code] = calc.MarketRate{Rate: m.ConversionRate(), UseRetailAmount: m.UseRetailAmount}
	}
	return rates
}

// Locations resolves every market timezone. Markets without one use UTC.
func (c Config) Locations() (map[string]*time.Location, error) {
	locs := make(map[string]*time.Location, len(c.Markets))
	for code, m := range c.Markets {
		if m.Timezone == "" {
			locs[code] = time.UTC
			continue
		}
		loc, err := time.LoadLocation(m.Timezone)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", code, err)
		}
		locs[code] = loc
	}
	return locs, nil
}

// Policies returns the expiration policy of every market that has one.
func (c Config) Policies() map[string]ir.ExpirationPolicy {
	out := make(map[string]ir.ExpirationPolicy, len(c.Markets))
	for code, m := range c.Markets {
		if m.Expiration != nil {
			out[code] = *m.Expiration
		}
	}
	return out
}
