package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v8"
)

// SinkEnv carries sink connection settings resolved from the environment.
// FERRY_SINK_DSN wins when set; otherwise the POSTGRES_* variables assemble
// a postgres DSN.
type SinkEnv struct {
	DSN string `env:"FERRY_SINK_DSN"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     string `env:"POSTGRES_PORT" envDefault:"5432"`
	Database string `env:"POSTGRES_DB"`
	User     string `env:"POSTGRES_USER"`
	Password string `env:"POSTGRES_PASSWORD"`
	SSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`
}

// LoadSinkEnv parses the sink environment.
func LoadSinkEnv() (SinkEnv, error) {
	var e SinkEnv
	if err := env.Parse(&e); err != nil {
		return SinkEnv{}, fmt.Errorf("config: parse sink env: %w", err)
	}
	return e, nil
}

// ResolveDSN picks the connection string for a dataset sink: an explicit
// per-dataset DSN first, then FERRY_SINK_DSN, then (postgres only) a DSN
// assembled from POSTGRES_* variables.
func (e SinkEnv) ResolveDSN(sink SinkConfig) (string, error) {
	if s := strings.TrimSpace(sink.DSN); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(e.DSN); s != "" {
		return s, nil
	}
	if sink.Kind != "postgres" {
		return "", fmt.Errorf("config: sink kind %q needs FERRY_SINK_DSN or sink.dsn", sink.Kind)
	}
	if e.Database == "" || e.User == "" {
		return "", fmt.Errorf("config: POSTGRES_DB and POSTGRES_USER must be set (or provide FERRY_SINK_DSN)")
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.User, e.Password),
		Host:   e.Host + ":" + e.Port,
		Path:   "/" + e.Database,
	}
	q := url.Values{}
	q.Set("sslmode", e.SSLMode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
