// Package conf loads and validates dinocache settings.
package conf

import (
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/dinoproject/dinocache/internal/errors"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// MinControlTokenLength is the shortest accepted control.token.
const MinControlTokenLength = 16

// EnvPrefix is the prefix for environment overrides, e.g. DINOCACHE_CACHE_VERSION.
const EnvPrefix = "DINOCACHE"

// Settings is the full configuration tree.
type Settings struct {
	Server   ServerSettings   `mapstructure:"server" yaml:"server" json:"server"`
	Origin   OriginSettings   `mapstructure:"origin" yaml:"origin" json:"origin"`
	Cache    CacheSettings    `mapstructure:"cache" yaml:"cache" json:"cache"`
	Database DatabaseSettings `mapstructure:"database" yaml:"database" json:"database"`
	Control  ControlSettings  `mapstructure:"control" yaml:"control" json:"control"`
	Push     PushSettings     `mapstructure:"push" yaml:"push" json:"push"`
	MQTT     MQTTSettings     `mapstructure:"mqtt" yaml:"mqtt" json:"mqtt"`
	Metrics  MetricsSettings  `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Sentry   SentrySettings   `mapstructure:"sentry" yaml:"sentry" json:"sentry"`
	Log      LogSettings      `mapstructure:"log" yaml:"log" json:"log"`
}

type ServerSettings struct {
	Listen          string   `mapstructure:"listen" yaml:"listen" json:"listen"`
	ShutdownTimeout Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// OriginSettings points at the host serving the SPA and its REST API.
type OriginSettings struct {
	URL     string   `mapstructure:"url" yaml:"url" json:"url"`
	Timeout Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

type CacheSettings struct {
	// Version names the current cache namespace, e.g. "dinoproject-v1".
	Version string `mapstructure:"version" yaml:"version" json:"version"`
	// Precache lists app shell routes and static assets fetched at install.
	Precache   []string `mapstructure:"precache" yaml:"precache" json:"precache"`
	OfflineURL string   `mapstructure:"offline_url" yaml:"offline_url" json:"offline_url"`
	// APIPrefix marks requests that always go to the network.
	APIPrefix           string   `mapstructure:"api_prefix" yaml:"api_prefix" json:"api_prefix"`
	Backend             string   `mapstructure:"backend" yaml:"backend" json:"backend"`
	RevalidateTimeout   Duration `mapstructure:"revalidate_timeout" yaml:"revalidate_timeout" json:"revalidate_timeout"`
	PrecacheConcurrency int      `mapstructure:"precache_concurrency" yaml:"precache_concurrency" json:"precache_concurrency"`
	BuiltinOfflinePage  bool     `mapstructure:"builtin_offline_page" yaml:"builtin_offline_page" json:"builtin_offline_page"`
	SkipWaiting         bool     `mapstructure:"skip_waiting" yaml:"skip_waiting" json:"skip_waiting"`
}

type DatabaseSettings struct {
	Path     string `mapstructure:"path" yaml:"path" json:"path"`
	MySQLDSN string `mapstructure:"mysql_dsn" yaml:"mysql_dsn" json:"-"`
}

// ControlSettings protects the /_sw control API.
type ControlSettings struct {
	// Token is required as a bearer token. Empty disables the control API.
	Token string `mapstructure:"token" yaml:"token" json:"-"`
}

type PushSettings struct {
	Title        string   `mapstructure:"title" yaml:"title" json:"title"`
	Body         string   `mapstructure:"body" yaml:"body" json:"body"`
	Icon         string   `mapstructure:"icon" yaml:"icon" json:"icon"`
	Badge        string   `mapstructure:"badge" yaml:"badge" json:"badge"`
	Vibrate      []int    `mapstructure:"vibrate" yaml:"vibrate" json:"vibrate"`
	ShoutrrrURLs []string `mapstructure:"shoutrrr_urls" yaml:"shoutrrr_urls" json:"-"`
	SendTimeout  Duration `mapstructure:"send_timeout" yaml:"send_timeout" json:"send_timeout"`
	// RateLimit is the allowed push requests per minute per client IP.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

type MQTTSettings struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Broker            string `mapstructure:"broker" yaml:"broker" json:"broker"`
	ClientID          string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	Username          string `mapstructure:"username" yaml:"username" json:"username"`
	Password          string `mapstructure:"password" yaml:"password" json:"-"`
	PushTopic         string `mapstructure:"push_topic" yaml:"push_topic" json:"push_topic"`
	NotificationTopic string `mapstructure:"notification_topic" yaml:"notification_topic" json:"notification_topic"`
}

type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

type SentrySettings struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn" json:"-"`
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// DefaultPrecache is the DinoProject app shell.
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/offline.html",
	"/manifest.webmanifest",
	"/encyclopedia",
	"/quizzes",
	"/forum",
	"/viewer",
	"/shop",
	"/dashboard",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("origin.url", "http://localhost:3000")
	v.SetDefault("origin.timeout", "15s")
	v.SetDefault("cache.version", "dinoproject-v1")
	v.SetDefault("cache.precache", DefaultPrecache)
	v.SetDefault("cache.offline_url", "/offline.html")
	v.SetDefault("cache.api_prefix", "/api/")
	v.SetDefault("cache.backend", BackendSQLite)
	v.SetDefault("cache.revalidate_timeout", "30s")
	v.SetDefault("cache.precache_concurrency", 4)
	v.SetDefault("cache.builtin_offline_page", true)
	v.SetDefault("cache.skip_waiting", true)
	v.SetDefault("database.path", "dinocache.db")
	v.SetDefault("database.mysql_dsn", "")
	v.SetDefault("control.token", "")
	v.SetDefault("push.shoutrrr_urls", []string{})
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("push.title", "DinoProject")
	v.SetDefault("push.body", "You have a new update from DinoProject!")
	v.SetDefault("push.icon", "/icons/icon-192x192.png")
	v.SetDefault("push.badge", "/icons/badge-72x72.png")
	v.SetDefault("push.vibrate", []int{100, 50, 100})
	v.SetDefault("push.send_timeout", "10s")
	v.SetDefault("push.rate_limit", 30)
	v.SetDefault("mqtt.client_id", "dinocache")
	v.SetDefault("mqtt.push_topic", "dinoproject/push")
	v.SetDefault("mqtt.notification_topic", "dinoproject/notifications")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

var (
	settingsMu sync.RWMutex
	settings   *Settings
)

// Setting returns the settings loaded by the last successful Load, or nil.
func Setting() *Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings
}

// Load reads configuration from configPath (or the default search paths when
// empty), applies environment overrides and validates the result.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dinocache"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("config_path", configPath).
				Build()
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	settingsMu.Lock()
	settings = s
	settingsMu.Unlock()
	return s, nil
}

// Validate checks the settings and fills derived values.
// The offline document is added to the precache set when missing.
func (s *Settings) Validate() error {
	invalid := func(field, msg string, value any) error {
		return errors.Newf("invalid %s: %s", field, msg).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("field", field).
			Context("value", value).
			Build()
	}

	if s.Cache.Version == "" {
		return invalid("cache.version", "must not be empty", s.Cache.Version)
	}
	u, err := url.Parse(s.Origin.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("origin.url", "must be an absolute URL", s.Origin.URL)
	}
	if s.Cache.OfflineURL == "" {
		return invalid("cache.offline_url", "must not be empty", s.Cache.OfflineURL)
	}
	if s.Cache.APIPrefix == "" {
		return invalid("cache.api_prefix", "must not be empty", s.Cache.APIPrefix)
	}

	switch s.Cache.Backend {
	case BackendMemory, BackendSQLite:
	case BackendMySQL:
		if s.Database.MySQLDSN == "" {
			return invalid("database.mysql_dsn", "required for the mysql backend", "")
		}
	default:
		return invalid("cache.backend", "must be memory, sqlite or mysql", s.Cache.Backend)
	}

	if s.Cache.PrecacheConcurrency < 1 {
		s.Cache.PrecacheConcurrency = 1
	}
	if s.Cache.RevalidateTimeout <= 0 {
		s.Cache.RevalidateTimeout = Duration(30 * time.Second)
	}
	s.Control.Token = strings.TrimSpace(s.Control.Token)
	if s.Control.Token != "" && len(s.Control.Token) < MinControlTokenLength {
		return invalid("control.token", "too short", len(s.Control.Token))
	}
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		return invalid("mqtt.broker", "required when mqtt is enabled", "")
	}

	if !slices.Contains(s.Cache.Precache, s.Cache.OfflineURL) {
		s.Cache.Precache = append(s.Cache.Precache, s.Cache.OfflineURL)
	}
	return nil
}
