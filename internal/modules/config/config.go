package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	exchangeKeyENV    = "EXCHANGE_API_KEY"
	exchangeSecretENV = "EXCHANGE_API_SECRET"
)

// SymbolConfig — настройки маркет-мейкинга по одному символу.
// Нулевые поля добиваются дефолтами движка; невалидные (spread <= 0 после
// подстановки) — фатальны для запуска этого символа.
type SymbolConfig struct {
	Symbol          string  `yaml:"symbol"`
	Amount          float64 `yaml:"amount"`
	SpreadPct       float64 `yaml:"spread_pct"`
	MaxDeviationPct float64 `yaml:"max_deviation_pct"`
	StopPct         float64 `yaml:"stop_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
}

// Config ...
type Config struct {
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	DB      string `yaml:"db_dsn"`
	Service struct {
		Host       string `yaml:"host"`
		PublicPort int    `yaml:"public_port"`
		AdminPort  int    `yaml:"admin_port"`
	} `yaml:"service"`
	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`

	Exchange struct {
		RESTURL   string `yaml:"rest_url"`
		WSURL     string `yaml:"ws_url"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"exchange"`

	BotID   int64          `yaml:"bot_id"`
	Symbols []SymbolConfig `yaml:"symbols"`

	// Дефолты грида (используются, если в SymbolConfig поле нулевое)
	DefaultSpreadPct       float64 `yaml:"spread_pct"`
	DefaultAmount          float64 `yaml:"amount"`
	DefaultMaxDeviationPct float64 `yaml:"max_deviation_pct"`

	// Закрытие позиции
	DefaultStopPct       float64 `yaml:"stop_pct"`        // расстояние до SL от входа, напр. 0.5 => 0.5%
	DefaultTakeProfitPct float64 `yaml:"take_profit_pct"` // расстояние до TP от входа

	// Кэш стакана: старше TTL — не отдаём вообще (жёсткий отказ, не деградация)
	OrderbookTTL time.Duration

	// Задержка пересоздания грида после REJECTED
	RecreateDelay time.Duration

	// Ретраи записи статуса филла, когда ордер ещё не виден в БД
	FillRetryCount int
	FillRetryDelay time.Duration
}

func NewConfig() (*Config, error) {

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	defer func() {
		_ = file.Close()
	}()

	decoder := yaml.NewDecoder(file)
	config := Config{
		DefaultSpreadPct:       0.2,
		DefaultAmount:          0.01,
		DefaultMaxDeviationPct: 0.5,
		DefaultStopPct:         0.5,
		DefaultTakeProfitPct:   0.3,

		OrderbookTTL:   durationFromEnv("ORDERBOOK_TTL", "5s"),
		RecreateDelay:  durationFromEnv("RECREATE_DELAY", "5s"),
		FillRetryCount: intFromEnv("FILL_RETRY_COUNT", 3),
		FillRetryDelay: durationFromEnv("FILL_RETRY_DELAY", "150ms"),
	}
	err = decoder.Decode(&config)
	if err != nil {
		log.Fatalf("Failed to decode config file: %v", err)
	}

	token := os.Getenv(tokenTelegramENV)
	if token != "" {
		config.Telegram.Token = token
	}

	dsn := os.Getenv(databaseDSN)
	if dsn != "" {
		config.DB = dsn
	}
	if k := os.Getenv(exchangeKeyENV); k != "" {
		config.Exchange.APIKey = k
	}
	if s := os.Getenv(exchangeSecretENV); s != "" {
		config.Exchange.APISecret = s
	}

	return &config, nil
}

// SymbolOrDefault дополняет нулевые поля символа глобальными дефолтами.
func (c *Config) SymbolOrDefault(sc SymbolConfig) SymbolConfig {
	if sc.Amount == 0 {
		sc.Amount = c.DefaultAmount
	}
	if sc.SpreadPct == 0 {
		sc.SpreadPct = c.DefaultSpreadPct
	}
	if sc.MaxDeviationPct == 0 {
		sc.MaxDeviationPct = c.DefaultMaxDeviationPct
	}
	if sc.StopPct == 0 {
		sc.StopPct = c.DefaultStopPct
	}
	if sc.TakeProfitPct == 0 {
		sc.TakeProfitPct = c.DefaultTakeProfitPct
	}
	return sc
}

func getenvRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("env %s is required", key))
	}
	return v
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
