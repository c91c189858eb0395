/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                string  `mapstructure:"DATABASE_URL"`
	RedisURL                   string  `mapstructure:"REDIS_URL"`
	RabbitMQURL                string  `mapstructure:"RABBITMQ_URL"`
	CORSAllowedOrigin          string  `mapstructure:"CORS_ALLOWED_ORIGIN"`
	JWTSecret                  string  `mapstructure:"JWT_SECRET"`
	XenditBaseURL              string  `mapstructure:"XENDIT_BASE_URL"`
	XenditAPIKey               string  `mapstructure:"XENDIT_API_KEY"`
	XenditWebhookSecret        string  `mapstructure:"XENDIT_WEBHOOK_SECRET"`
	PayoutCurrency             string  `mapstructure:"PAYOUT_CURRENCY"`
	HighValueThresholdCentavos int64   `mapstructure:"HIGH_VALUE_THRESHOLD_CENTAVOS"`
	DispatchDelayMS            int     `mapstructure:"DISPATCH_DELAY_MS"`
	DispatchRetryAttempts      int     `mapstructure:"DISPATCH_RETRY_ATTEMPTS"`
	DispatchRetryBackoffMS     int     `mapstructure:"DISPATCH_RETRY_BACKOFF_MS"`
	BankFlatFeeCentavos        int64   `mapstructure:"BANK_FLAT_FEE_CENTAVOS"`
	EWalletFeePercent          float64 `mapstructure:"EWALLET_FEE_PERCENT"`
	EWalletFeeFloorCentavos    int64   `mapstructure:"EWALLET_FEE_FLOOR_CENTAVOS"`
	EWalletFeeCeilingCentavos  int64   `mapstructure:"EWALLET_FEE_CEILING_CENTAVOS"`
	ReconcilePollSchedule      string  `mapstructure:"RECONCILE_POLL_SCHEDULE"`
	ReconcileStalledAfterMin   int     `mapstructure:"RECONCILE_STALLED_AFTER_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("XENDIT_BASE_URL", "https://api.xendit.co")
	viper.SetDefault("PAYOUT_CURRENCY", "PHP")
	viper.SetDefault("HIGH_VALUE_THRESHOLD_CENTAVOS", 100000)
	viper.SetDefault("DISPATCH_DELAY_MS", 100)
	viper.SetDefault("DISPATCH_RETRY_ATTEMPTS", 3)
	viper.SetDefault("DISPATCH_RETRY_BACKOFF_MS", 500)
	viper.SetDefault("BANK_FLAT_FEE_CENTAVOS", 1500)
	viper.SetDefault("EWALLET_FEE_PERCENT", 0.025)
	viper.SetDefault("EWALLET_FEE_FLOOR_CENTAVOS", 500)
	viper.SetDefault("EWALLET_FEE_CEILING_CENTAVOS", 5000)
	viper.SetDefault("RECONCILE_POLL_SCHEDULE", "@every 10m")
	viper.SetDefault("RECONCILE_STALLED_AFTER_MINUTES", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGIN")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("XENDIT_BASE_URL")
	_ = viper.BindEnv("XENDIT_API_KEY", "XENDIT_API_KEY", "XENDIT_SECRET_KEY")
	_ = viper.BindEnv("XENDIT_WEBHOOK_SECRET", "XENDIT_WEBHOOK_SECRET", "XENDIT_CALLBACK_TOKEN")
	_ = viper.BindEnv("PAYOUT_CURRENCY")
	_ = viper.BindEnv("HIGH_VALUE_THRESHOLD_CENTAVOS")
	_ = viper.BindEnv("HIGH_VALUE_THRESHOLD")
	_ = viper.BindEnv("DISPATCH_DELAY_MS")
	_ = viper.BindEnv("DISPATCH_RETRY_ATTEMPTS")
	_ = viper.BindEnv("DISPATCH_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("BANK_FLAT_FEE_CENTAVOS")
	_ = viper.BindEnv("EWALLET_FEE_PERCENT")
	_ = viper.BindEnv("EWALLET_FEE_FLOOR_CENTAVOS")
	_ = viper.BindEnv("EWALLET_FEE_CEILING_CENTAVOS")
	_ = viper.BindEnv("RECONCILE_POLL_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STALLED_AFTER_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.XenditBaseURL = strings.TrimRight(strings.TrimSpace(config.XenditBaseURL), "/")
	config.PayoutCurrency = strings.ToUpper(strings.TrimSpace(config.PayoutCurrency))
	if config.PayoutCurrency == "" {
		config.PayoutCurrency = "PHP"
	}

	// Allow specifying the high-value threshold in whole currency units via
	// HIGH_VALUE_THRESHOLD.
	if viper.IsSet("HIGH_VALUE_THRESHOLD") {
		thresholdStr := strings.TrimSpace(viper.GetString("HIGH_VALUE_THRESHOLD"))
		if thresholdStr != "" {
			thresholdValue, parseErr := strconv.ParseFloat(thresholdStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid HIGH_VALUE_THRESHOLD\" value=%q err=%v", thresholdStr, parseErr)
			} else {
				config.HighValueThresholdCentavos = int64(math.Round(thresholdValue * 100))
			}
		}
	}

	if config.HighValueThresholdCentavos <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive high-value threshold configured; using default\" threshold_centavos=%d", config.HighValueThresholdCentavos)
		config.HighValueThresholdCentavos = 100000
	}
	if config.DispatchDelayMS < 0 {
		config.DispatchDelayMS = 0
	}
	if config.DispatchRetryAttempts <= 0 {
		config.DispatchRetryAttempts = 3
	}
	if config.DispatchRetryBackoffMS < 0 {
		config.DispatchRetryBackoffMS = 0
	}
	if config.BankFlatFeeCentavos < 0 {
		log.Printf("level=warn component=config msg=\"negative bank fee configured; coercing to zero\" fee_centavos=%d", config.BankFlatFeeCentavos)
		config.BankFlatFeeCentavos = 0
	}
	if config.EWalletFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative e-wallet fee percent configured; coercing to zero\" fee_percent=%f", config.EWalletFeePercent)
		config.EWalletFeePercent = 0
	}
	if config.EWalletFeePercent > 1 {
		// Operators sometimes set 2.5 meaning 2.5%; normalize to a fraction.
		config.EWalletFeePercent = config.EWalletFeePercent / 100
	}
	if config.EWalletFeeFloorCentavos < 0 {
		config.EWalletFeeFloorCentavos = 0
	}
	if config.EWalletFeeCeilingCentavos < config.EWalletFeeFloorCentavos {
		config.EWalletFeeCeilingCentavos = config.EWalletFeeFloorCentavos
	}
	if strings.TrimSpace(config.ReconcilePollSchedule) == "" {
		config.ReconcilePollSchedule = "@every 10m"
	}
	if config.ReconcileStalledAfterMin <= 0 {
		config.ReconcileStalledAfterMin = 30
	}

	return
}
