// Package config resolves the worker configuration from the process
// environment and an optional YAML venue-policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Mode selects production or development behavior. In production an
// attestation failure is fatal and client certificates are required.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// Config is the resolved worker configuration.
type Config struct {
	Mode Mode

	// MasterKey is the operator-provided vault master secret. Mandatory.
	MasterKey string

	RPCPort int
	OpsPort int

	MetricsEnabled bool
	LogLevel       string

	TLS TLSConfig

	// VCEKCachePath is the on-disk cache for AMD endorsement keys.
	VCEKCachePath string

	Repository RepositoryConfig
	Events     EventsConfig

	// VenuePolicyPath points at the optional YAML venue policy.
	VenuePolicyPath string
	VenuePolicy     VenuePolicy
}

// TLSConfig holds the certificate triple for the RPC listener.
type TLSConfig struct {
	CACert            string
	ServerCert        string
	ServerKey         string
	RequireClientCert bool
}

// RepositoryConfig selects and parameterizes the storage backend.
type RepositoryConfig struct {
	Backend     string // memory | redis | postgres | supabase
	RedisAddr   string
	RedisDB     int
	DatabaseURL string
	SupabaseURL string
	SupabaseKey string
}

// EventsConfig parameterizes the optional Pub/Sub summary publisher.
type EventsConfig struct {
	PubSubProject string
	PubSubTopic   string
}

// VenuePolicy is the operator's per-venue aggregation policy.
type VenuePolicy struct {
	// Venues maps venue id to its policy entry. A venue absent from the
	// map gets defaults (all markets allowed, not unified).
	Venues map[string]VenueEntry `yaml:"venues"`
}

// VenueEntry is one venue's policy.
type VenueEntry struct {
	// Family selects the connector implementation: "unified" (signed
	// crypto REST, the default) or "flex" (report-pull broker).
	Family string `yaml:"family"`

	// Markets is the allow-list of market types to aggregate. Empty means
	// all discovered markets.
	Markets []string `yaml:"markets"`

	// Unified marks venues that pool collateral across market types in
	// one wallet.
	Unified bool `yaml:"unified"`

	// BaseURL overrides the connector's default API endpoint, mainly for
	// tests against stub servers.
	BaseURL string `yaml:"base_url"`
}

// ErrMissingMasterKey is fatal at startup.
var ErrMissingMasterKey = errors.New("MASTER_KEY is not set")

// Load resolves configuration. A .env file is applied first if present,
// matching how the operator launches the worker in development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Mode:           ModeProduction,
		RPCPort:        50051,
		OpsPort:        8081,
		LogLevel:       envOr("LOG_LEVEL", "info"),
		MasterKey:      os.Getenv("MASTER_KEY"),
		VCEKCachePath:  envOr("AMD_VCEK_CACHE_PATH", "/var/cache/enclave-worker/vcek"),
		MetricsEnabled: envBool("METRICS_ENABLED"),
		TLS: TLSConfig{
			CACert:            os.Getenv("TLS_CA_CERT"),
			ServerCert:        os.Getenv("TLS_SERVER_CERT"),
			ServerKey:         os.Getenv("TLS_SERVER_KEY"),
			RequireClientCert: envBool("REQUIRE_CLIENT_CERT"),
		},
		Repository: RepositoryConfig{
			Backend:     envOr("REPO_BACKEND", "memory"),
			RedisAddr:   os.Getenv("REDIS_ADDR"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			SupabaseURL: os.Getenv("SUPABASE_URL"),
			SupabaseKey: os.Getenv("SUPABASE_SERVICE_KEY"),
		},
		Events: EventsConfig{
			PubSubProject: os.Getenv("PUBSUB_PROJECT"),
			PubSubTopic:   os.Getenv("PUBSUB_TOPIC"),
		},
		VenuePolicyPath: os.Getenv("VENUE_POLICY_PATH"),
	}

	if strings.EqualFold(envOr("WORKER_ENV", "production"), string(ModeDevelopment)) {
		cfg.Mode = ModeDevelopment
	}

	if v := os.Getenv("RPC_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid RPC_PORT %q", v)
		}
		cfg.RPCPort = p
	}
	if v := os.Getenv("OPS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid OPS_PORT %q", v)
		}
		cfg.OpsPort = p
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q", v)
		}
		cfg.Repository.RedisDB = db
	}

	if cfg.MasterKey == "" {
		return nil, ErrMissingMasterKey
	}

	if cfg.VenuePolicyPath != "" {
		policy, err := LoadVenuePolicy(cfg.VenuePolicyPath)
		if err != nil {
			return nil, fmt.Errorf("venue policy: %w", err)
		}
		cfg.VenuePolicy = *policy
	}
	if cfg.VenuePolicy.Venues == nil {
		cfg.VenuePolicy.Venues = map[string]VenueEntry{}
	}

	return cfg, nil
}

// LoadVenuePolicy reads the YAML policy file.
func LoadVenuePolicy(path string) (*VenuePolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var policy VenuePolicy
	if err := yaml.NewDecoder(f).Decode(&policy); err != nil {
		return nil, err
	}
	if policy.Venues == nil {
		policy.Venues = map[string]VenueEntry{}
	}
	return &policy, nil
}

// Entry returns the policy entry for a venue, zero-valued when absent.
func (p VenuePolicy) Entry(venue string) VenueEntry {
	return p.Venues[venue]
}

// AllowsMarket reports whether the operator policy admits a market for a
// venue. An empty allow-list admits everything the venue exposes.
func (p VenuePolicy) AllowsMarket(venue, market string) bool {
	entry, ok := p.Venues[venue]
	if !ok || len(entry.Markets) == 0 {
		return true
	}
	for _, m := range entry.Markets {
		if strings.EqualFold(m, market) {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
