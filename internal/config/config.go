// Package config loads the snapserver configuration from config.yaml and
// SNAPSERVER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/server"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	"github.com/spf13/viper"
)

const envVarPrefix = "SNAPSERVER"

type Config struct {
	// Name shown in getinfo and getstatus replies.
	Hostname string `mapstructure:"hostname"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
	// Full path to file to which logs will be written. Blank will write to stderr.
	LogFilePath string `mapstructure:"log_file_path"`
	// Development logging: console encoding, stack traces on warnings, DPanic panics.
	Development bool `mapstructure:"development"`

	UDP struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"udp"`

	Websocket struct {
		Enabled          bool     `mapstructure:"enabled"`
		Port             int      `mapstructure:"port"`
		Endpoint         string   `mapstructure:"endpoint"`
		AllowAllHosts    bool     `mapstructure:"allow_all_hosts"`
		AllowlistedHosts []string `mapstructure:"allowlisted_hosts"`
	} `mapstructure:"websocket"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		// Listen address of the Prometheus /metrics endpoint.
		Address string `mapstructure:"address"`
	} `mapstructure:"metrics"`

	Sandbox struct {
		Movers     int    `mapstructure:"movers"`
		BounceMsec int32  `mapstructure:"bounce_msec"`
		Password   string `mapstructure:"password"`
	} `mapstructure:"sandbox"`

	Server struct {
		ProtocolVersion        int     `mapstructure:"protocol_version"`
		FPS                    int     `mapstructure:"fps"`
		MaxClients             int     `mapstructure:"max_clients"`
		TimeoutSeconds         float64 `mapstructure:"timeout_seconds"`
		ZombieSeconds          float64 `mapstructure:"zombie_seconds"`
		ReconnectLimitSeconds  float64 `mapstructure:"reconnect_limit_seconds"`
		ClientsPerIP           int     `mapstructure:"clients_per_ip"`
		AllowReconnect         bool    `mapstructure:"allow_reconnect"`
		MinRate                int     `mapstructure:"min_rate"`
		MaxRate                int     `mapstructure:"max_rate"`
		DefaultRate            int     `mapstructure:"default_rate"`
		FloodProtect           bool    `mapstructure:"flood_protect"`
		FloodCommandsPerSecond float64 `mapstructure:"flood_commands_per_second"`
		FloodBurst             int     `mapstructure:"flood_burst"`
		FloodDropThreshold     int     `mapstructure:"flood_drop_threshold"`
		ChallengeTimeoutSecs   float64 `mapstructure:"challenge_timeout_seconds"`
		FragmentBurst          int     `mapstructure:"fragment_burst"`
		MaxQueuedMessages      int     `mapstructure:"max_queued_messages"`
		MaxPacketsPerFrame     int     `mapstructure:"max_packets_per_frame"`
		SnapshotPoolEntities   int     `mapstructure:"snapshot_pool_entities"`
		RconPassword           string  `mapstructure:"rcon_password"`
	} `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "snapserver")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")
	v.SetDefault("development", false)

	v.SetDefault("udp.enabled", true)
	v.SetDefault("udp.port", transport.DefaultUdpPort)

	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.port", 3000)
	v.SetDefault("websocket.endpoint", "/ws")
	v.SetDefault("websocket.allow_all_hosts", false)
	v.SetDefault("websocket.allowlisted_hosts", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9100")

	v.SetDefault("sandbox.movers", 16)
	v.SetDefault("sandbox.bounce_msec", 2000)
	v.SetDefault("sandbox.password", "")

	v.SetDefault("server.protocol_version", protocol.DefaultVersion)
	v.SetDefault("server.fps", server.DefaultFPS)
	v.SetDefault("server.max_clients", 16)
	v.SetDefault("server.timeout_seconds", float64(server.DefaultTimeoutMsec)/1000)
	v.SetDefault("server.zombie_seconds", float64(server.DefaultZombieMsec)/1000)
	v.SetDefault("server.reconnect_limit_seconds", float64(server.DefaultReconnectMsec)/1000)
	v.SetDefault("server.clients_per_ip", server.DefaultClientsPerIP)
	v.SetDefault("server.allow_reconnect", false)
	v.SetDefault("server.min_rate", server.DefaultMinRate)
	v.SetDefault("server.max_rate", server.DefaultMaxRate)
	v.SetDefault("server.default_rate", server.DefaultRate)
	v.SetDefault("server.flood_protect", true)
	v.SetDefault("server.flood_commands_per_second", server.DefaultFloodCommandsRate)
	v.SetDefault("server.flood_burst", server.DefaultFloodBurst)
	v.SetDefault("server.flood_drop_threshold", server.DefaultFloodDropAfter)
	v.SetDefault("server.challenge_timeout_seconds", 30)
	v.SetDefault("server.fragment_burst", server.DefaultFragmentBurst)
	v.SetDefault("server.max_queued_messages", 0)
	v.SetDefault("server.max_packets_per_frame", server.DefaultPacketsPerFrame)
	v.SetDefault("server.snapshot_pool_entities", 0)
	v.SetDefault("server.rcon_password", "")
}

// LoadConfig reads config.yaml from configPath, if there is one, over the
// defaults. Any key can be overridden from the environment; nested keys use
// underscores, so server.max_clients is SNAPSERVER_SERVER_MAX_CLIENTS.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, udp.port can be set using: SNAPSERVER_UDP_PORT
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

func seconds(s float64) int64 {
	return int64(s * 1000)
}

// ServerConfig converts the server section to a server.Config. The caller
// fills in Game, Logger and Metrics.
func (c *Config) ServerConfig() server.Config {
	s := c.Server
	return server.Config{
		Hostname:               c.Hostname,
		ProtocolVersion:        s.ProtocolVersion,
		MaxClients:             s.MaxClients,
		FPS:                    s.FPS,
		TimeoutMsec:            seconds(s.TimeoutSeconds),
		ZombieMsec:             seconds(s.ZombieSeconds),
		ReconnectLimitMsec:     seconds(s.ReconnectLimitSeconds),
		ClientsPerIP:           s.ClientsPerIP,
		AllowReconnect:         s.AllowReconnect,
		MinRate:                s.MinRate,
		MaxRate:                s.MaxRate,
		DefaultRate:            s.DefaultRate,
		FloodProtect:           s.FloodProtect,
		FloodCommandsPerSecond: s.FloodCommandsPerSecond,
		FloodBurst:             s.FloodBurst,
		FloodDropThreshold:     s.FloodDropThreshold,
		ChallengeTimeoutMsec:   seconds(s.ChallengeTimeoutSecs),
		FragmentBurst:          s.FragmentBurst,
		MaxQueuedMessages:      s.MaxQueuedMessages,
		MaxPacketsPerFrame:     s.MaxPacketsPerFrame,
		SnapshotPoolEntities:   s.SnapshotPoolEntities,
		RconPassword:           s.RconPassword,
	}
}

func (c *Config) UDPAddress() string {
	return fmt.Sprintf(":%d", c.UDP.Port)
}

func (c *Config) WebsocketAddress() string {
	return fmt.Sprintf(":%d", c.Websocket.Port)
}
