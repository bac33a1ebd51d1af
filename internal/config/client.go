package config

import (
	"time"

	pkgconfig "github.com/weiawesome/wes-collab/pkg/config"
)

// ClientConfig configures cmd/collab-client.
type ClientConfig struct {
	Client    ClientEndpointConfig
	Reconcile ReconcileConfig
	Log       LogConfig
}

type ClientEndpointConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	APIURL      string        `mapstructure:"api_url"`
	Token       string        `mapstructure:"token"`
	DocumentID  string        `mapstructure:"document_id"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ReconcileConfig holds the client-side debounce and grace intervals.
type ReconcileConfig struct {
	BroadcastDebounce time.Duration `mapstructure:"broadcast_debounce"`
	SaveDebounce      time.Duration `mapstructure:"save_debounce"`
	SuppressWindow    time.Duration `mapstructure:"suppress_window"`
	SaveTimeout       time.Duration `mapstructure:"save_timeout"`
}

const (
	DefaultBroadcastDebounce = 300 * time.Millisecond
	DefaultSaveDebounce      = 2 * time.Second
	DefaultSuppressWindow    = 100 * time.Millisecond
	DefaultSaveTimeout       = 10 * time.Second
)

func LoadClient() (*ClientConfig, error) {
	v, err := pkgconfig.Load("./config", "client")
	if err != nil {
		return nil, err
	}

	v.SetDefault("client.server_url", "ws://localhost:8090/ws")
	v.SetDefault("client.api_url", "http://localhost:8090")
	v.SetDefault("client.token", "")
	v.SetDefault("client.document_id", "")
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("reconcile.broadcast_debounce", "300ms")
	v.SetDefault("reconcile.save_debounce", "2s")
	v.SetDefault("reconcile.suppress_window", "100ms")
	v.SetDefault("reconcile.save_timeout", "10s")
	v.SetDefault("log.level", "info")

	v.BindEnv("client.server_url", "COLLAB_SERVER_URL")
	v.BindEnv("client.api_url", "COLLAB_API_URL")
	v.BindEnv("client.token", "COLLAB_TOKEN")
	v.BindEnv("client.document_id", "COLLAB_DOCUMENT_ID")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Client.DialTimeout = pkgconfig.Duration(v, "client.dial_timeout", 10*time.Second)
	cfg.Reconcile.BroadcastDebounce = pkgconfig.Duration(v, "reconcile.broadcast_debounce", DefaultBroadcastDebounce)
	cfg.Reconcile.SaveDebounce = pkgconfig.Duration(v, "reconcile.save_debounce", DefaultSaveDebounce)
	cfg.Reconcile.SuppressWindow = pkgconfig.Duration(v, "reconcile.suppress_window", DefaultSuppressWindow)
	cfg.Reconcile.SaveTimeout = pkgconfig.Duration(v, "reconcile.save_timeout", DefaultSaveTimeout)

	return &cfg, nil
}
