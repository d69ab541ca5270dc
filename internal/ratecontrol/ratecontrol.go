package ratecontrol

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM       int `yaml:"default_rpm"`
		DefaultTPM       int `yaml:"default_tpm"`
		ServiceOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"service_overrides"`
	} `yaml:"rate_limits"`
}

type RateLimit struct {
	RPM int
	TPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("SERVICES_CONFIG_PATH"),
	"/app/config/services.yaml",
	"./config/services.yaml",
	"../../config/services.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded rate limit configuration from %s", p)
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && cfg.RateLimits.DefaultTPM == 0 && len(cfg.RateLimits.ServiceOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded rate limit configuration from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "services.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitForService returns the configured limit for a backing service
// (completion, search, scrape), falling back to built-in defaults.
func LimitForService(service string) RateLimit {
	key := strings.ToLower(strings.TrimSpace(service))
	cfg := get()
	if cfg != nil && cfg.RateLimits.ServiceOverrides != nil {
		if override, ok := cfg.RateLimits.ServiceOverrides[key]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	if cfg != nil && (cfg.RateLimits.DefaultRPM > 0 || cfg.RateLimits.DefaultTPM > 0) {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	}
	if limit, ok := builtInServiceLimits[key]; ok {
		return limit
	}
	return RateLimit{}
}

var builtInServiceLimits = map[string]RateLimit{
	"completion": {RPM: 30, TPM: 60000},
	"search":     {RPM: 60},
	"scrape":     {RPM: 12},
}

// DelayForRequest computes the pacing delay to apply before a call to the
// given service, honoring both the RPM and the TPM budget.
func DelayForRequest(service string, estimatedTokens int) time.Duration {
	return delayForLimit(LimitForService(service), estimatedTokens)
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

// Reload re-reads the configuration, for config hot-reload hooks.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
