package domain

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds the complete settlement engine configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// External collaborators
	AI    AIConfig    `json:"ai"`
	Chain ChainConfig `json:"chain"`

	// Business policy (injected, never hardcoded in the engine)
	Policy PolicyConfig `json:"policy"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" envconfig:"HOST" default:"0.0.0.0"`
	Port         int    `json:"port" envconfig:"PORT" default:"8003"`
	ReadTimeout  int    `json:"readTimeout" envconfig:"READ_TIMEOUT" default:"30"`   // seconds
	WriteTimeout int    `json:"writeTimeout" envconfig:"WRITE_TIMEOUT" default:"30"` // seconds
}

// AIConfig holds settings for the AI recommendation collaborator.
type AIConfig struct {
	BaseURL     string        `json:"baseUrl" envconfig:"AI_BASE_URL"`
	APIKey      string        `json:"-" envconfig:"AI_API_KEY"`
	CallTimeout time.Duration `json:"callTimeout" envconfig:"AI_CALL_TIMEOUT" default:"10s"`
	MaxRetries  int           `json:"maxRetries" envconfig:"AI_MAX_RETRIES" default:"2"`
}

// ChainConfig holds settings for the blockchain network collaborator.
type ChainConfig struct {
	BaseURL        string        `json:"baseUrl" envconfig:"CHAIN_BASE_URL"`
	ProjectID      string        `json:"-" envconfig:"CHAIN_PROJECT_ID"`
	Network        string        `json:"network" envconfig:"CHAIN_NETWORK" default:"testnet"`
	SubmitTimeout  time.Duration `json:"submitTimeout" envconfig:"CHAIN_SUBMIT_TIMEOUT" default:"15s"`
	ConfirmTimeout time.Duration `json:"confirmTimeout" envconfig:"CHAIN_CONFIRM_TIMEOUT" default:"90s"`
	PollInterval   time.Duration `json:"pollInterval" envconfig:"CHAIN_POLL_INTERVAL" default:"5s"`
	MaxRetries     int           `json:"maxRetries" envconfig:"CHAIN_MAX_RETRIES" default:"3"`
}

// PolicyConfig carries the business-policy parameters of the engine:
// severity weighting, tier thresholds, clamps, fees. All values are
// deployment configuration, not engine constants.
type PolicyConfig struct {
	// SeverityWeights maps severity class to its damage multiplier.
	SeverityWeights map[string]float64 `json:"severityWeights"`

	// DamageNormalizer scales total damages into the financial half of
	// the leverage score.
	DamageNormalizer float64 `json:"damageNormalizer" envconfig:"POLICY_DAMAGE_NORMALIZER" default:"500"`

	// ContributionExpr is an optional CEL expression computing one
	// violation's score contribution. Variables: severity, confidence,
	// estimated_damage, age_days, weight. Empty uses the built-in
	// weight * confidence * estimated_damage formula.
	ContributionExpr string `json:"contributionExpr" envconfig:"POLICY_CONTRIBUTION_EXPR"`

	// Tier thresholds partition the 0-100 score range. Order-preserving:
	// Moderate < Strong < VeryStrong.
	TierModerate   float64 `json:"tierModerate" envconfig:"POLICY_TIER_MODERATE" default:"30"`
	TierStrong     float64 `json:"tierStrong" envconfig:"POLICY_TIER_STRONG" default:"50"`
	TierVeryStrong float64 `json:"tierVeryStrong" envconfig:"POLICY_TIER_VERY_STRONG" default:"75"`

	// SettlementFloorRatio is the lowest settled/principal ratio a
	// proposal may carry; AI suggestions below it are clamped up.
	SettlementFloorRatio float64 `json:"settlementFloorRatio" envconfig:"POLICY_SETTLEMENT_FLOOR" default:"0.03"`

	// PlatformFeeRate is applied to the saved amount, once, at proposal
	// time.
	PlatformFeeRate decimal.Decimal `json:"platformFeeRate"`

	// AutoAcceptTier is the minimum leverage tier at which a
	// pre-authorized automated trigger may skip manual acceptance.
	AutoAcceptTier Tier `json:"autoAcceptTier" envconfig:"POLICY_AUTO_ACCEPT_TIER" default:"strong"`

	// Negotiation parameters (counter-offer engine).
	MaxNegotiationRounds int     `json:"maxNegotiationRounds" envconfig:"POLICY_MAX_ROUNDS" default:"5"`
	ConcessionRate       float64 `json:"concessionRate" envconfig:"POLICY_CONCESSION_RATE" default:"0.15"`
	DeadlineDays         int     `json:"deadlineDays" envconfig:"POLICY_DEADLINE_DAYS" default:"14"`
}

// SeverityWeight returns the configured multiplier for a severity class,
// defaulting to 1.0 for unknown classes.
func (p PolicyConfig) SeverityWeight(s Severity) float64 {
	if w, ok := p.SeverityWeights[string(s)]; ok {
		return w
	}
	return 1.0
}

// TierFor maps a leverage score to its qualitative tier. Monotone by
// construction: a higher score never yields a lower tier.
func (p PolicyConfig) TierFor(score float64) Tier {
	switch {
	case score >= p.TierVeryStrong:
		return TierVeryStrong
	case score >= p.TierStrong:
		return TierStrong
	case score >= p.TierModerate:
		return TierModerate
	default:
		return TierWeak
	}
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `json:"format" envconfig:"LOG_FORMAT" default:"json"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"TRACING_ENABLED"`
	ServiceName string `json:"serviceName" envconfig:"TRACING_SERVICE_NAME" default:"settlementd"`
	Endpoint    string `json:"endpoint" envconfig:"TRACING_ENDPOINT"`
}

// DefaultConfig returns the default configuration: SQLite, in-memory
// cache, channel bus, and the standard settlement policy.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8003,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./settlementd.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		AI: AIConfig{
			CallTimeout: 10 * time.Second,
			MaxRetries:  2,
		},
		Chain: ChainConfig{
			Network:        "testnet",
			SubmitTimeout:  15 * time.Second,
			ConfirmTimeout: 90 * time.Second,
			PollInterval:   5 * time.Second,
			MaxRetries:     3,
		},
		Policy: DefaultPolicy(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "settlementd",
		},
	}
}

// DefaultPolicy returns the standard settlement policy parameters.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		SeverityWeights: map[string]float64{
			string(SeverityLow):      1.0,
			string(SeverityMedium):   1.5,
			string(SeverityHigh):     2.0,
			string(SeverityCritical): 3.0,
		},
		DamageNormalizer:     500,
		TierModerate:         30,
		TierStrong:           50,
		TierVeryStrong:       75,
		SettlementFloorRatio: 0.03,
		PlatformFeeRate:      decimal.NewFromFloat(0.20),
		AutoAcceptTier:       TierStrong,
		MaxNegotiationRounds: 5,
		ConcessionRate:       0.15,
		DeadlineDays:         14,
	}
}

// LoadConfig builds the configuration from defaults overridden by
// environment variables (SETTLEMENTD_ prefix). A .env file is honored
// when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if err := envconfig.Process("SETTLEMENTD", cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the ordering constraints the policy must satisfy.
func (p PolicyConfig) Validate() error {
	if !(p.TierModerate < p.TierStrong && p.TierStrong < p.TierVeryStrong) {
		return fmt.Errorf("tier thresholds must be strictly increasing: %.1f, %.1f, %.1f",
			p.TierModerate, p.TierStrong, p.TierVeryStrong)
	}
	if p.SettlementFloorRatio < 0 || p.SettlementFloorRatio >= 1 {
		return fmt.Errorf("settlement floor ratio must be in [0,1): %f", p.SettlementFloorRatio)
	}
	if p.PlatformFeeRate.IsNegative() || p.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("platform fee rate must be in [0,1): %s", p.PlatformFeeRate)
	}
	if p.MaxNegotiationRounds <= 0 {
		return fmt.Errorf("max negotiation rounds must be positive: %d", p.MaxNegotiationRounds)
	}
	return nil
}
