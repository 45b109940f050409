package ops

import (
	"os"
	"strings"
	"time"

	"gateway/pkg/exception"
	"gateway/pkg/websocket"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Duration is a time.Duration written as "15s" or as nanoseconds in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := sonic.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(exception.ErrConfigInvalid, "duration %q", s)
		}
		*d = Duration(v)
		return nil
	}

	var n int64
	if err := sonic.Unmarshal(b, &n); err != nil {
		return errors.Wrapf(exception.ErrConfigInvalid, "duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// Config mirrors the JSON config layout.
type Config struct {
	Exchange     ExchangeConfig  `json:"exchange"`
	Server       ServerConfig    `json:"server"`
	Instruments  []string        `json:"instruments"`
	BookInterval string          `json:"bookInterval"`
	Telemetry    TelemetryConfig `json:"telemetry"`
	Journal      JournalConfig   `json:"journal"`
	Kafka        KafkaConfig     `json:"kafka"`
	Profiling    ProfilingConfig `json:"profiling"`
}

type ExchangeConfig struct {
	Testnet bool     `json:"testnet"`
	RestURL string   `json:"restUrl"`
	WsURL   string   `json:"wsUrl"`
	Timeout Duration `json:"timeout"`
	// APIKey and APISecret only come from the environment.
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
}

type ServerConfig struct {
	Addr           string   `json:"addr"`
	WriteQueueSize int      `json:"writeQueueSize"`
	Overflow       string   `json:"overflow"`
	PingInterval   Duration `json:"pingInterval"`
	ReadLimit      int64    `json:"readLimit"`
}

type TelemetryConfig struct {
	MaxSamples     int      `json:"maxSamples"`
	Report         string   `json:"report"`
	UpdateInterval Duration `json:"updateInterval"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type ProfilingConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerAddress string `json:"serverAddress"`
}

// Env holds the overrides read from the environment.
type Env struct {
	APIKey       string   `env:"DERIBIT_API_KEY"`
	APISecret    string   `env:"DERIBIT_API_SECRET"`
	ServerAddr   string   `env:"GATEWAY_SERVER_ADDR"`
	JournalDSN   string   `env:"GATEWAY_JOURNAL_DSN"`
	KafkaBrokers []string `env:"GATEWAY_KAFKA_BROKERS" envSeparator:","`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			Testnet: true,
			Timeout: Duration(15 * time.Second),
		},
		Server: ServerConfig{
			Addr:           ":8080",
			WriteQueueSize: 256,
			Overflow:       websocket.OverflowDropNewest.String(),
			PingInterval:   Duration(30 * time.Second),
			ReadLimit:      4096,
		},
		Instruments:  []string{"BTC-PERPETUAL", "ETH-PERPETUAL"},
		BookInterval: "100ms",
		Telemetry: TelemetryConfig{
			MaxSamples:     1000,
			Report:         "performance_report.json",
			UpdateInterval: Duration(time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "orders",
		},
		Profiling: ProfilingConfig{
			ServerAddress: "http://localhost:4040",
		},
	}
}

// Load reads the JSON file at path over the defaults and applies the
// environment. A missing file leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := sonic.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "decode config %s", path)
			}
			logs.Infof("config loaded from %s", path)
		case os.IsNotExist(err):
			logs.Warnf("config file %s not found, using defaults", path)
		default:
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	_ = godotenv.Load()

	var e Env
	if err := env.Parse(&e); err != nil {
		return errors.Wrap(err, "parse environment")
	}

	c.Exchange.APIKey = e.APIKey
	c.Exchange.APISecret = e.APISecret
	if e.ServerAddr != "" {
		c.Server.Addr = e.ServerAddr
	}
	if e.JournalDSN != "" {
		c.Journal.DSN = e.JournalDSN
	}
	if len(e.KafkaBrokers) > 0 {
		c.Kafka.Brokers = e.KafkaBrokers
	}
	return nil
}

// Validate checks the configuration. publicOnly skips the credential check.
func (c Config) Validate(publicOnly bool) error {
	instruments := 0
	for _, inst := range c.Instruments {
		if strings.TrimSpace(inst) != "" {
			instruments++
		}
	}
	if instruments == 0 {
		return exception.ErrConfigNoInstrument
	}
	if c.Server.WriteQueueSize <= 0 {
		return errors.Wrapf(exception.ErrConfigInvalid, "server.writeQueueSize %d", c.Server.WriteQueueSize)
	}
	if c.Telemetry.MaxSamples <= 0 {
		return errors.Wrapf(exception.ErrConfigInvalid, "telemetry.maxSamples %d", c.Telemetry.MaxSamples)
	}
	// block is refused: a broadcast never waits on a subscriber queue
	if policy, ok := websocket.ParseOverflowPolicy(c.Server.Overflow); !ok || policy == websocket.OverflowBlock {
		return errors.Wrapf(exception.ErrConfigInvalid, "server.overflow %q", c.Server.Overflow)
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return errors.Wrap(exception.ErrConfigInvalid, "journal enabled without dsn")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.Wrap(exception.ErrConfigInvalid, "kafka enabled without brokers or topic")
	}
	if !publicOnly && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return exception.ErrExchangeMissingKey
	}
	return nil
}

// BookChannels returns the order book channel of every instrument, e.g. book.BTC-PERPETUAL.100ms.
func (c Config) BookChannels() []string {
	channels := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst = strings.TrimSpace(inst); inst != "" {
			channels = append(channels, "book."+inst+"."+c.BookInterval)
		}
	}
	return channels
}

// WebsocketConfig converts the server section into the transport config.
func (c Config) WebsocketConfig() websocket.ServerConfig {
	policy, _ := websocket.ParseOverflowPolicy(c.Server.Overflow)
	return websocket.ServerConfig{
		Addr:           c.Server.Addr,
		WriteQueueSize: c.Server.WriteQueueSize,
		Overflow:       policy,
		PingInterval:   c.Server.PingInterval.Std(),
		ReadLimit:      c.Server.ReadLimit,
	}
}
