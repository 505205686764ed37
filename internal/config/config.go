// Package config reads the process configuration from the environment (and a
// .env file) with an optional config file on top.
package config

import (
	"os"
	"slices"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"epay-reconciler/internal/database"
	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
	"epay-reconciler/internal/service"
)

type HTTPConfig struct {
	Addr          string
	CORSOrigins   []string
	PostbackRate  float64
	PostbackBurst int
}

type OutboxConfig struct {
	Interval time.Duration
	Batch    int
}

type LogConfig struct {
	Level  string
	Format string
}

type Config struct {
	Database database.Config
	KeyStore keystore.Config

	Algorithm         epay.Algorithm
	Gateway           service.GatewayConfig
	URIs              service.FormURIs
	PaymentURIPattern string
	Location          *time.Location
	// NodeID keeps generated numbers unique across running instances.
	NodeID int64

	HTTP   HTTPConfig
	Outbox OutboxConfig
	Log    LogConfig
}

func defaults(v *viper.Viper) {
	v.SetDefault("blueprint_db_port", "5432")
	v.SetDefault("blueprint_db_schema", "public")
	v.SetDefault("epay_bank_url", "https://epay.kkb.kz/jsp/process/logon.jsp")
	v.SetDefault("epay_template", "default.xsl")
	v.SetDefault("epay_merchant_keystore_type", string(keystore.StorePKCS12))
	v.SetDefault("epay_bank_keystore_type", string(keystore.StorePEM))
	v.SetDefault("epay_order_ttl", "24h")
	v.SetDefault("epay_timezone", "+05:00")
	v.SetDefault("epay_node_id", 1)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("postback_rate", 20.0)
	v.SetDefault("postback_burst", 40)
	v.SetDefault("outbox_interval", "1s")
	v.SetDefault("outbox_batch", 50)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads the configuration. path names an optional YAML/JSON/TOML file
// whose keys are the lower case variable names (epay_merchant_id, ...).
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, domain.Wrap(domain.CodeConfiguration, err, "read config file %s", path)
		}
	}

	cfg := &Config{
		Database: database.Config{
			Host:     v.GetString("blueprint_db_host"),
			Port:     v.GetString("blueprint_db_port"),
			Database: v.GetString("blueprint_db_database"),
			Username: v.GetString("blueprint_db_username"),
			Password: v.GetString("blueprint_db_password"),
			Schema:   v.GetString("blueprint_db_schema"),
		},
		KeyStore: keystore.Config{
			Merchant: storeConfig(v, "epay_merchant_keystore"),
			Bank:     storeConfig(v, "epay_bank_keystore"),
		},
		Gateway: service.GatewayConfig{
			MerchantID:   v.GetString("epay_merchant_id"),
			MerchantName: v.GetString("epay_merchant_name"),
			BankURL:      v.GetString("epay_bank_url"),
			Template:     v.GetString("epay_template"),
		},
		URIs: service.FormURIs{
			Postback: v.GetString("epay_postback_url"),
			Failure:  v.GetString("epay_failure_url"),
			Return:   v.GetString("epay_return_url"),
		},
		PaymentURIPattern: v.GetString("epay_payment_uri_pattern"),
		NodeID:            v.GetInt64("epay_node_id"),
		HTTP: HTTPConfig{
			Addr:          v.GetString("http_addr"),
			CORSOrigins:   splitList(v.GetString("http_cors_origins")),
			PostbackRate:  v.GetFloat64("postback_rate"),
			PostbackBurst: v.GetInt("postback_burst"),
		},
		Outbox: OutboxConfig{Batch: v.GetInt("outbox_batch")},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
	}

	var err error
	if cfg.Algorithm, err = epay.ParseAlgorithm(v.GetString("epay_signature_algorithm")); err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "EPAY_SIGNATURE_ALGORITHM")
	}
	if cfg.Gateway.OrderTTL, err = duration(v, "epay_order_ttl"); err != nil {
		return nil, err
	}
	if cfg.Outbox.Interval, err = duration(v, "outbox_interval"); err != nil {
		return nil, err
	}
	if cfg.Location, err = location(v.GetString("epay_timezone")); err != nil {
		return nil, err
	}
	if cfg.Outbox.Batch <= 0 {
		return nil, domain.Errorf(domain.CodeConfiguration, "OUTBOX_BATCH must be positive, got %d", cfg.Outbox.Batch)
	}
	if cfg.HTTP.PostbackRate <= 0 || cfg.HTTP.PostbackBurst <= 0 {
		return nil, domain.Errorf(domain.CodeConfiguration, "POSTBACK_RATE and POSTBACK_BURST must be positive")
	}
	if err := required(map[string]string{
		"BLUEPRINT_DB_HOST":     cfg.Database.Host,
		"BLUEPRINT_DB_DATABASE": cfg.Database.Database,
		"BLUEPRINT_DB_USERNAME": cfg.Database.Username,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateGateway checks the settings only the payment endpoints need, so
// that migrate runs without key stores.
func (c *Config) ValidateGateway() error {
	return required(map[string]string{
		"EPAY_MERCHANT_ID":             c.Gateway.MerchantID,
		"EPAY_BANK_URL":                c.Gateway.BankURL,
		"EPAY_MERCHANT_KEYSTORE_FILE":  c.KeyStore.Merchant.File,
		"EPAY_MERCHANT_KEYSTORE_ALIAS": c.KeyStore.Merchant.Alias,
		"EPAY_BANK_KEYSTORE_FILE":      c.KeyStore.Bank.File,
		"EPAY_BANK_KEYSTORE_ALIAS":     c.KeyStore.Bank.Alias,
		"EPAY_POSTBACK_URL":            c.URIs.Postback,
		"EPAY_RETURN_URL":              c.URIs.Return,
	})
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "LOG_LEVEL")
	}
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(level)
	switch strings.ToLower(c.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, domain.Errorf(domain.CodeConfiguration, "LOG_FORMAT %q is not text or json", c.Format)
	}
	return logger, nil
}

func storeConfig(v *viper.Viper, prefix string) keystore.StoreConfig {
	return keystore.StoreConfig{
		File:     v.GetString(prefix + "_file"),
		Type:     v.GetString(prefix + "_type"),
		Password: v.GetString(prefix + "_password"),
		Alias:    v.GetString(prefix + "_alias"),
	}
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, domain.Wrap(domain.CodeConfiguration, err, "%s", strings.ToUpper(key))
	}
	if d < 0 {
		return 0, domain.Errorf(domain.CodeConfiguration, "%s must not be negative", strings.ToUpper(key))
	}
	return d, nil
}

// location accepts a fixed offset (+05:00) or an IANA zone name.
func location(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		t, err := time.Parse("-07:00", s)
		if err != nil {
			return nil, domain.Wrap(domain.CodeConfiguration, err, "EPAY_TIMEZONE %q", s)
		}
		_, offset := t.Zone()
		return time.FixedZone("UTC"+s, offset), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "EPAY_TIMEZONE %q", s)
	}
	return loc, nil
}

func required(values map[string]string) error {
	var missing []string
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return domain.Errorf(domain.CodeConfiguration, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
