package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orchestrator settings. Values come from a YAML file
// (CONFIG_PATH or ./config/stockelper.yaml) with STOCKELPER_* env overrides.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	LLM struct {
		APIKey  string        `mapstructure:"api_key"`
		BaseURL string        `mapstructure:"base_url"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"llm"`

	Broker struct {
		BaseURL       string        `mapstructure:"base_url"`
		Timeout       time.Duration `mapstructure:"timeout"`
		TRIDBalance   string        `mapstructure:"tr_id_balance"`
		TRIDOrderBuy  string        `mapstructure:"tr_id_order_buy"`
		TRIDOrderSell string        `mapstructure:"tr_id_order_sell"`
		TRIDPrice     string        `mapstructure:"tr_id_price"`
		// Service-account fallback used for quotes when a user has no
		// stored credentials.
		AppKey    string `mapstructure:"app_key"`
		AppSecret string `mapstructure:"app_secret"`
	} `mapstructure:"broker"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	Neo4j struct {
		URI      string `mapstructure:"uri"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
	} `mapstructure:"neo4j"`

	Listing struct {
		URLs    []string      `mapstructure:"urls"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"listing"`

	Supervisor struct {
		MaxDelegationRounds int `mapstructure:"max_delegation_rounds"`
		MaxMessages         int `mapstructure:"max_messages"`
		MaxResults          int `mapstructure:"max_results"`
	} `mapstructure:"supervisor"`

	Specialist struct {
		RunToolLimit         int `mapstructure:"run_tool_limit"`
		ThreadToolLimit      int `mapstructure:"thread_tool_limit"`
		SummarizeAfterTokens int `mapstructure:"summarize_after_tokens"`
		KeepRecentMessages   int `mapstructure:"keep_recent_messages"`
	} `mapstructure:"specialist"`

	Streaming struct {
		RingCapacity     int `mapstructure:"ring_capacity"`
		SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	} `mapstructure:"streaming"`

	Services struct {
		PortfolioURL   string `mapstructure:"portfolio_url"`
		BacktestingURL string `mapstructure:"backtesting_url"`
	} `mapstructure:"services"`

	News struct {
		BaseURL      string        `mapstructure:"base_url"`
		ClientID     string        `mapstructure:"client_id"`
		ClientSecret string        `mapstructure:"client_secret"`
		Timeout      time.Duration `mapstructure:"timeout"`
	} `mapstructure:"news"`
}

// Load reads configuration from CONFIG_PATH (or ./config/stockelper.yaml when
// unset). A missing file is not an error; defaults plus env overrides apply.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STOCKELPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/stockelper.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				// Parse errors are fatal; absence is not.
				if _, statErr := os.Stat(cfgPath); statErr == nil {
					return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets are env-only in most deployments.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Neo4j.URI == "" {
		cfg.Neo4j.URI = os.Getenv("NEO4J_URI")
		cfg.Neo4j.User = os.Getenv("NEO4J_USER")
		cfg.Neo4j.Password = os.Getenv("NEO4J_PASSWORD")
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if cfg.News.ClientID == "" {
		cfg.News.ClientID = os.Getenv("NAVER_CLIENT_ID")
		cfg.News.ClientSecret = os.Getenv("NAVER_CLIENT_SECRET")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":21009")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeout", 120*time.Second)

	v.SetDefault("broker.base_url", "https://openapivts.koreainvestment.com:29443")
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("broker.tr_id_balance", "VTTC8434R")
	v.SetDefault("broker.tr_id_order_buy", "VTTC0802U")
	v.SetDefault("broker.tr_id_order_sell", "VTTC0011U")
	v.SetDefault("broker.tr_id_price", "FHKST01010100")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("listing.urls", []string{
		"https://new.real.download.dws.co.kr/common/master/kospi_code.mst.zip",
		"https://new.real.download.dws.co.kr/common/master/kosdaq_code.mst.zip",
		"https://new.real.download.dws.co.kr/common/master/konex_code.mst.zip",
	})
	v.SetDefault("listing.timeout", 30*time.Second)

	v.SetDefault("supervisor.max_delegation_rounds", 5)
	v.SetDefault("supervisor.max_messages", 10)
	v.SetDefault("supervisor.max_results", 10)

	v.SetDefault("specialist.run_tool_limit", 10)
	v.SetDefault("specialist.thread_tool_limit", 20)
	v.SetDefault("specialist.summarize_after_tokens", 8000)
	v.SetDefault("specialist.keep_recent_messages", 20)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.subscriber_buffer", 256)

	v.SetDefault("news.base_url", "https://openapi.naver.com")
	v.SetDefault("news.timeout", 10*time.Second)
}
