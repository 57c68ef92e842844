package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Limits struct {
		ReadBytes int64   `mapstructure:"readBytes"`
		MsgRate   float64 `mapstructure:"msgRate"`
		MsgBurst  int     `mapstructure:"msgBurst"`
	} `mapstructure:"limits"`
}

func (c *Config) Addr() string {
	return ":" + c.Server.Port
}

// Load reads configuration from an optional yaml file and environment
// variables (DAW_ prefix; PORT and WEBSOCKET_PORT also honored for the
// listen port).
func Load(fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("auth.jwtSecret", "your-super-secret-key-change-this-in-production")
	v.SetDefault("log.level", "info")
	v.SetDefault("limits.readBytes", 1<<20)
	v.SetDefault("limits.msgRate", 100.0)
	v.SetDefault("limits.msgBurst", 200)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("server.port", "DAW_SERVER_PORT", "PORT", "WEBSOCKET_PORT")
	v.BindEnv("auth.jwtSecret", "DAW_AUTH_JWTSECRET", "JWT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
