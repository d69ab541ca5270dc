package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryConfig is the retry policy applied to external calls.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// ScenarioConfig is a named cycle-budget preset selectable per request.
type ScenarioConfig struct {
	MaxGlobalCycles int `mapstructure:"max_global_cycles"`
	MaxLoopsPerTask int `mapstructure:"max_loops_per_task"`
}

// StreamingConfig configures the event stream surface.
type StreamingConfig struct {
	RingCapacity int    `mapstructure:"ring_capacity"`
	RedisURL     string `mapstructure:"redis_url"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ServiceConfig holds the HTTP surface settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// EngineConfig is the immutable configuration handed to the workflow engine
// at construction. Missing required values are the sole fail-fast path: once
// validated, nothing in a run errors out of the workflow.
type EngineConfig struct {
	MaxLoopsPerTask     int           `mapstructure:"max_loops_per_task"`
	MaxGlobalCycles     int           `mapstructure:"max_global_cycles"`
	QueriesPerCycle     int           `mapstructure:"queries_per_cycle"`
	ResultsPerQuery     int           `mapstructure:"results_per_query"`
	FindingsSaturation  int           `mapstructure:"findings_saturation"`
	SearchConcurrency   int           `mapstructure:"search_concurrency"`
	SearchBatchTimeout  time.Duration `mapstructure:"search_batch_timeout"`
	EnhanceConcurrency  int           `mapstructure:"enhance_concurrency"`
	EnhanceBatchTimeout time.Duration `mapstructure:"enhance_batch_timeout"`
	MaxSourcesToEnhance int           `mapstructure:"max_sources_to_enhance"`
	ScrapeTimeout       time.Duration `mapstructure:"scrape_timeout"`
	FindingsThreshold   int           `mapstructure:"findings_threshold"`
	QualityThreshold    float64       `mapstructure:"quality_threshold"`

	Retry           RetryConfig               `mapstructure:"retry"`
	ExcludedDomains []string                  `mapstructure:"excluded_domains"`
	PriorityDomains []string                  `mapstructure:"priority_domains"`
	Scenarios       map[string]ScenarioConfig `mapstructure:"scenarios"`

	Service   ServiceConfig   `mapstructure:"service"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// Default returns the engine defaults used when no config file is present.
func Default() EngineConfig {
	return EngineConfig{
		MaxLoopsPerTask:     4,
		MaxGlobalCycles:     12,
		QueriesPerCycle:     3,
		ResultsPerQuery:     5,
		FindingsSaturation:  5,
		SearchConcurrency:   3,
		SearchBatchTimeout:  25 * time.Second,
		EnhanceConcurrency:  1,
		EnhanceBatchTimeout: 20 * time.Second,
		MaxSourcesToEnhance: 2,
		ScrapeTimeout:       10 * time.Second,
		FindingsThreshold:   3,
		QualityThreshold:    0.75,
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			AttemptTimeout: 15 * time.Second,
		},
		Scenarios: map[string]ScenarioConfig{
			"simple":   {MaxGlobalCycles: 4, MaxLoopsPerTask: 1},
			"adaptive": {MaxGlobalCycles: 8, MaxLoopsPerTask: 2},
			"complex":  {MaxGlobalCycles: 12, MaxLoopsPerTask: 4},
		},
		Service: ServiceConfig{
			Port:            8080,
			GracefulTimeout: 10 * time.Second,
		},
		Streaming: StreamingConfig{RingCapacity: 256},
	}
}

// Load reads the engine config from CONFIG_PATH (or ./config/engine.yaml),
// layering file values and DEEPRESEARCH_* env overrides on the defaults.
// A missing file is fine; a malformed one is not.
func Load() (EngineConfig, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/engine.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if !os.IsNotExist(err) {
				return EngineConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Streaming.RedisURL == "" {
		cfg.Streaming.RedisURL = os.Getenv("REDIS_URL")
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the construction-time preconditions.
func (c EngineConfig) Validate() error {
	if c.MaxGlobalCycles < 1 {
		return fmt.Errorf("max_global_cycles must be >= 1, got %d", c.MaxGlobalCycles)
	}
	if c.MaxLoopsPerTask < 1 {
		return fmt.Errorf("max_loops_per_task must be >= 1, got %d", c.MaxLoopsPerTask)
	}
	if c.QueriesPerCycle < 1 {
		return fmt.Errorf("queries_per_cycle must be >= 1, got %d", c.QueriesPerCycle)
	}
	if c.SearchConcurrency < 1 || c.EnhanceConcurrency < 1 {
		return fmt.Errorf("concurrency limits must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("quality_threshold must be in [0,1], got %f", c.QualityThreshold)
	}
	for name, sc := range c.Scenarios {
		if sc.MaxGlobalCycles < 1 || sc.MaxLoopsPerTask < 1 {
			return fmt.Errorf("scenario %q has non-positive ceilings", name)
		}
	}
	return nil
}

// ForScenario returns a copy of the config with the named scenario's cycle
// budgets applied. Unknown scenario names keep the base budgets.
func (c EngineConfig) ForScenario(name string) EngineConfig {
	sc, ok := c.Scenarios[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return c
	}
	out := c
	out.MaxGlobalCycles = sc.MaxGlobalCycles
	out.MaxLoopsPerTask = sc.MaxLoopsPerTask
	return out
}
