package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
	Events     EventsConfig     `mapstructure:"events"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	EventTopic      string        `mapstructure:"event_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceVersion  string        `mapstructure:"service_version"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig holds the defaults applied to campaigns whose record leaves a setting unset.
type SchedulerConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	BatchDelay         time.Duration `mapstructure:"batch_delay"`
	CallDelay          time.Duration `mapstructure:"call_delay"`
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	SlotCeiling        int           `mapstructure:"slot_ceiling"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout"`
	StoreTimeout       time.Duration `mapstructure:"store_timeout"`
	IdlePoll           time.Duration `mapstructure:"idle_poll"`
}

type ThrottleConfig struct {
	GlobalConcurrency int           `mapstructure:"global_concurrency"`
	SlotTTL           time.Duration `mapstructure:"slot_ttl"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type CallBridgeConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	Account        string        `mapstructure:"account"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SuccessRate    float64       `mapstructure:"success_rate"`
	MachineRate    float64       `mapstructure:"machine_rate"`
	MaxCallLength  time.Duration `mapstructure:"max_call_length"`
}

type EventsConfig struct {
	StreamBuffer int `mapstructure:"stream_buffer"`
	RelayBuffer  int `mapstructure:"relay_buffer"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-batch-dialer")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.batch_delay", 30*time.Second)
	v.SetDefault("scheduler.call_delay", time.Second)
	v.SetDefault("scheduler.max_concurrent_calls", 10)
	v.SetDefault("scheduler.slot_ceiling", 1000)
	v.SetDefault("scheduler.call_timeout", 15*time.Minute)
	v.SetDefault("scheduler.dispatch_timeout", 30*time.Second)
	v.SetDefault("scheduler.store_timeout", 5*time.Second)
	v.SetDefault("scheduler.idle_poll", 5*time.Second)

	v.SetDefault("throttle.global_concurrency", 0)
	v.SetDefault("throttle.slot_ttl", 5*time.Minute)
	v.SetDefault("throttle.poll_interval", 50*time.Millisecond)

	v.SetDefault("call_bridge.provider_name", "mock")
	v.SetDefault("call_bridge.request_timeout", 10*time.Second)
	v.SetDefault("call_bridge.success_rate", 0.8)
	v.SetDefault("call_bridge.machine_rate", 0.2)
	v.SetDefault("call_bridge.max_call_length", 5*time.Second)

	v.SetDefault("kafka.event_topic", "call-events")
	v.SetDefault("kafka.status_topic", "telephony-status")
	v.SetDefault("kafka.consumer_group_id", "outbound-batch-dialer")
	v.SetDefault("kafka.partitions", 12)

	v.SetDefault("events.stream_buffer", 64)
	v.SetDefault("events.relay_buffer", 1024)

	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)
}
