package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// Host is this deployment's federation host name ("chat.example.org").
	Host       string `mapstructure:"host" yaml:"host"`
	ServerName string `mapstructure:"server_name" yaml:"server_name"`

	// FederationAutoAccept lets handshakes bypass manual approval. Only
	// sensible inside a trusted mesh.
	FederationAutoAccept bool `mapstructure:"federation_auto_accept" yaml:"federation_auto_accept"`

	// Self-hosted TURN credentials appended to the static ICE base.
	TURNURL        string `mapstructure:"turn_url" yaml:"turn_url"`
	TURNUsername   string `mapstructure:"turn_username" yaml:"turn_username"`
	TURNCredential string `mapstructure:"turn_credential" yaml:"turn_credential"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "voltage.db",
		JWTIssuer:         "voltage",
		JWTAudience:       "voltage-clients",
		Host:              "localhost",
		ServerName:        "Voltage",
	}
}
