// Package config содержит логику чтения конфигурации SMM-панели.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ProviderConfig содержит адрес и ключ API одного провайдера.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Config содержит параметры конфигурации SMM-панели.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	SMMGenURL   string `env:"SMMGEN_URL"`
	SMMGenKey   string `env:"SMMGEN_KEY"`
	PeakerrURL  string `env:"PEAKERR_URL"`
	PeakerrKey  string `env:"PEAKERR_KEY"`
	SMMKingsURL string `env:"SMMKINGS_URL"`
	SMMKingsKey string `env:"SMMKINGS_KEY"`
	ViralHQURL  string `env:"VIRALHQ_URL"`
	ViralHQKey  string `env:"VIRALHQ_KEY"`
	BoostLabURL string `env:"BOOSTLAB_URL"`
	BoostLabKey string `env:"BOOSTLAB_KEY"`

	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	GhostScanInterval   time.Duration `env:"GHOST_SCAN_INTERVAL" envDefault:"10m"`
	AnomalyScanInterval time.Duration `env:"ANOMALY_SCAN_INTERVAL" envDefault:"5m"`

	// EscalateAfter — возраст, после которого сверка возвращает средства по
	// неоднозначной отправке, не нашедшей следов у провайдера. 0 отключает.
	EscalateAfter time.Duration `env:"ESCALATE_AFTER" envDefault:"24h"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth tokens")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Providers возвращает настроенные провайдеры по именам. Провайдеры без
// адреса опускаются: панель работает с любым подмножеством провайдеров.
func (c *Config) Providers() map[string]ProviderConfig {
	all := map[string]ProviderConfig{
		"smmgen":   {BaseURL: c.SMMGenURL, APIKey: c.SMMGenKey},
		"peakerr":  {BaseURL: c.PeakerrURL, APIKey: c.PeakerrKey},
		"smmkings": {BaseURL: c.SMMKingsURL, APIKey: c.SMMKingsKey},
		"viralhq":  {BaseURL: c.ViralHQURL, APIKey: c.ViralHQKey},
		"boostlab": {BaseURL: c.BoostLabURL, APIKey: c.BoostLabKey},
	}

	res := make(map[string]ProviderConfig)
	for name, pc := range all {
		if pc.BaseURL != "" {
			res[name] = pc
		}
	}
	return res
}
