package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

const (
	ModeStandalone = "standalone"
	ModeEngine     = "engine"
	ModeGateway    = "gateway"
)

type RedisConfig struct {
	Addr         string `json:"addr" env:"WORLD_REDIS_ADDR"`
	Password     string `json:"password" env:"WORLD_REDIS_PASSWORD"`
	DB           int    `json:"db" env:"WORLD_REDIS_DB"`
	PoolSize     int    `json:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns"`
}

type BusConfig struct {
	// SharedSecret signs every envelope on the pub/sub backend. Required
	// (non-blank) whenever the signed bus is enabled.
	SharedSecret string `json:"shared_secret" env:"WORLD_BUS_SECRET"`
}

type ReconnectConfig struct {
	BaseDelayMs    int `json:"base_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
	MaxAttempts    int `json:"max_attempts"`
	StreamVerifyMs int `json:"stream_verify_ms"`
}

type ShardingConfig struct {
	LeaseTTLMs        int `json:"lease_ttl_ms"`
	RenewMs           int `json:"renew_ms"`
	ConfirmWindowMs   int `json:"confirm_window_ms"`
	CapacityThreshold int `json:"capacity_threshold"`
}

type EngineConfig struct {
	ID         string `json:"id" env:"WORLD_ENGINE_ID"`
	ListenAddr string `json:"listen_addr" env:"WORLD_ENGINE_LISTEN"`

	// Zones this engine claims instance 0 of at startup. Further instances
	// are spun up on demand by the coordinator.
	Zones []int `json:"zones" env:"WORLD_ENGINE_ZONES" envSeparator:","`

	TickIntervalMs          int `json:"tick_interval_ms"`
	InboundBudgetMs         int `json:"inbound_budget_ms"`
	MaxInboundEventsPerTick int `json:"max_inbound_events_per_tick"`

	MetricsAddr string `json:"metrics_addr"`
}

type GatewayConfig struct {
	// ID is the leased gateway id, 16 bits, unique per gateway process.
	ID         uint16 `json:"id" env:"WORLD_GATEWAY_ID"`
	ListenAddr string `json:"listen_addr" env:"WORLD_GATEWAY_LISTEN"`
	// TCPListenAddr optionally serves framed TCP clients next to websocket.
	TCPListenAddr string `json:"tcp_listen_addr" env:"WORLD_GATEWAY_TCP_LISTEN"`
	EngineAddr    string `json:"engine_addr" env:"WORLD_GATEWAY_ENGINE_ADDR"`

	HeartbeatIntervalSec int     `json:"heartbeat_interval_sec"`
	IdleTimeoutSec       int     `json:"idle_timeout_sec"`
	ConnectRatePerSec    float64 `json:"connect_rate_per_sec"`
	ConnectBurst         int     `json:"connect_burst"`
}

type PersistConfig struct {
	FlushIntervalMs int `json:"flush_interval_ms"`
}

type Config struct {
	Mode  string `json:"mode" env:"WORLD_MODE"`
	Debug bool   `json:"debug" env:"WORLD_DEBUG"`

	Engine    EngineConfig    `json:"engine"`
	Gateway   GatewayConfig   `json:"gateway"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Sharding  ShardingConfig  `json:"sharding"`
	Bus       BusConfig       `json:"bus"`
	Redis     RedisConfig     `json:"redis"`
	Persist   PersistConfig   `json:"persist"`
}

func Default() Config {
	return Config{
		Mode: ModeStandalone,
		Engine: EngineConfig{
			ID:                      "engine-1",
			ListenAddr:              ":7300",
			Zones:                   []int{1},
			TickIntervalMs:          100,
			InboundBudgetMs:         30,
			MaxInboundEventsPerTick: 1000,
		},
		Gateway: GatewayConfig{
			ListenAddr:           ":8080",
			EngineAddr:           "127.0.0.1:7300",
			HeartbeatIntervalSec: 10,
			IdleTimeoutSec:       300,
			ConnectRatePerSec:    20,
			ConnectBurst:         40,
		},
		Reconnect: ReconnectConfig{
			BaseDelayMs:    250,
			MaxDelayMs:     5000,
			MaxAttempts:    10,
			StreamVerifyMs: 1000,
		},
		Sharding: ShardingConfig{
			LeaseTTLMs:        5000,
			RenewMs:           2000,
			ConfirmWindowMs:   300,
			CapacityThreshold: 50,
		},
		Persist: PersistConfig{
			FlushIntervalMs: 10000,
		},
	}
}

// Load reads the JSON config file, applies environment overrides on top
// and validates the result. An empty path yields defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeStandalone, ModeEngine, ModeGateway:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Mode != ModeStandalone && c.Bus.SharedSecret == "" {
		return fmt.Errorf("bus.shared_secret must be set when the signed bus is enabled")
	}
	if c.Engine.TickIntervalMs <= 0 {
		return fmt.Errorf("engine.tick_interval_ms must be positive")
	}
	if c.Engine.MaxInboundEventsPerTick <= 0 {
		return fmt.Errorf("engine.max_inbound_events_per_tick must be positive")
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.BaseDelayMs {
		return fmt.Errorf("reconnect.max_delay_ms below base_delay_ms")
	}
	return nil
}
