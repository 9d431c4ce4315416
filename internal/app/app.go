// Package app assembles dinocache from its settings: storage, the offline
// registry, push handling and the HTTP server.
package app

import (
	"context"
	"net/url"
	"time"

	"github.com/dinoproject/dinocache/internal/api"
	apiv2 "github.com/dinoproject/dinocache/internal/api/v2"
	"github.com/dinoproject/dinocache/internal/clients"
	"github.com/dinoproject/dinocache/internal/conf"
	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/events"
	"github.com/dinoproject/dinocache/internal/fetch"
	"github.com/dinoproject/dinocache/internal/logger"
	"github.com/dinoproject/dinocache/internal/mqtt"
	"github.com/dinoproject/dinocache/internal/notification"
	"github.com/dinoproject/dinocache/internal/observability/metrics"
	"github.com/dinoproject/dinocache/internal/offline"
)

const (
	clickSource       = "clients"
	sentryFlushWait   = 2 * time.Second
	mqttStatusSuffix  = "/status"
	mqttConnectWindow = 10 * time.Second
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	BuildDate string
}

// App owns every long-lived component.
type App struct {
	settings *conf.Settings
	build    BuildInfo
	log      logger.Logger

	storage       *Storage
	network       fetch.Fetcher
	metrics       *metrics.Metrics
	registry      *offline.Registry
	bus           *events.Bus
	hub           *clients.Hub
	notifications *notification.Service
	mqtt          *mqtt.Client
	server        *api.Server
	sentry        *errors.SentryReporter
}

// New builds the application. Nothing listens or dials until Run.
func New(s *conf.Settings, build BuildInfo, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{settings: s, build: build, log: log}

	sentry, err := errors.InitSentry(s.Sentry.DSN, build.Version, s.Sentry.Environment)
	if err != nil {
		log.Warn("sentry disabled", logger.Error(err))
	}
	a.sentry = sentry

	if a.metrics, err = metrics.NewMetrics(); err != nil {
		return nil, err
	}
	network, err := fetch.NewHTTPFetcher(s.Origin.URL, nil, s.Origin.Timeout.Std())
	if err != nil {
		return nil, err
	}
	a.network = network

	if a.storage, err = OpenStorage(s, log.Module("storage")); err != nil {
		return nil, err
	}

	if err := a.buildPush(); err != nil {
		_ = a.storage.Close()
		return nil, err
	}

	opts := []offline.RegistryOption{
		offline.WithClaimer(a.hub),
		offline.WithSkipWaiting(s.Cache.SkipWaiting),
		offline.WithRegistryLogger(log.Module("registry")),
	}
	if a.storage.States != nil {
		opts = append(opts, offline.WithStateStore(a.storage.States))
	}
	a.registry = offline.NewRegistry(opts...)

	if err := a.buildServer(); err != nil {
		a.bus.Stop()
		_ = a.storage.Close()
		return nil, err
	}
	return a, nil
}

// buildPush wires the bus, the connected-clients hub and the notification
// service with its displayers.
func (a *App) buildPush() error {
	s := a.settings
	a.bus = events.NewBus(a.log.Module("events"))

	a.hub = clients.NewHub(
		clients.WithLogger(a.log.Module("clients")),
		clients.WithClickHandler(func(id string) {
			a.bus.Publish(&events.Event{
				Kind:           events.KindNotificationClick,
				NotificationID: id,
				Source:         clickSource,
			})
		}),
	)

	displayers := []notification.Displayer{a.hub}
	if len(s.Push.ShoutrrrURLs) > 0 {
		d, err := notification.NewShoutrrrDisplayer("shoutrrr", s.Push.ShoutrrrURLs, s.Origin.URL, s.Push.SendTimeout.Std())
		if err != nil {
			a.bus.Stop()
			return err
		}
		displayers = append(displayers, d)
	}

	if s.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.Config{
			Broker:      s.MQTT.Broker,
			ClientID:    s.MQTT.ClientID,
			Username:    s.MQTT.Username,
			Password:    s.MQTT.Password,
			StatusTopic: s.MQTT.ClientID + mqttStatusSuffix,
		}, mqtt.WithLogger(a.log.Module("mqtt")))
		if err != nil {
			a.bus.Stop()
			return err
		}
		a.mqtt = client
		displayers = append(displayers, mqtt.NewDisplayer(client, s.MQTT.NotificationTopic))
	}

	a.notifications = notification.NewService(&notification.ServiceConfig{
		Defaults: notification.Defaults{
			Title:   s.Push.Title,
			Body:    s.Push.Body,
			Icon:    s.Push.Icon,
			Badge:   s.Push.Badge,
			Vibrate: s.Push.Vibrate,
			URL:     "/",
		},
		Displayers: displayers,
		Opener:     a.hub,
		Logger:     a.log.Module("notification"),
		Observer:   a.metrics,
		Timeout:    s.Push.SendTimeout.Std(),
	})
	a.bus.Subscribe(a.notifications.HandleEvent)
	return nil
}

func (a *App) buildServer() error {
	s := a.settings
	origin, err := url.Parse(s.Origin.URL)
	if err != nil {
		return err
	}
	cfg := api.Config{
		Listen:          s.Server.Listen,
		Origin:          origin,
		ShutdownTimeout: s.Server.ShutdownTimeout.Std(),
		Logger:          a.log.Module("http"),
	}
	if s.Metrics.Enabled {
		cfg.Metrics = a.metrics.Handler()
		cfg.MetricsPath = s.Metrics.Path
	}
	if a.server, err = api.NewServer(cfg, a.registry); err != nil {
		return err
	}

	apiv2.New(a.server.Echo(), apiv2.Deps{
		Registry:       a.registry,
		Store:          a.storage.Store,
		NewManager:     a.NewManager,
		DefaultVersion: s.Cache.Version,
		Notifications:  a.notifications,
		Bus:            a.bus,
		Hub:            a.hub,
		PushRateLimit:  s.Push.RateLimit,
		Token:          s.Control.Token,
		Logger:         a.log.Module("control"),
	})
	return nil
}

// NewManager builds an offline manager for version with the configured
// precache set and policy.
func (a *App) NewManager(version string) (*offline.Manager, error) {
	c := a.settings.Cache
	origin, err := url.Parse(a.settings.Origin.URL)
	if err != nil {
		return nil, err
	}
	return offline.NewManager(offline.Config{
		Version:             version,
		Origin:              origin,
		Precache:            c.Precache,
		OfflineURL:          c.OfflineURL,
		Bypass:              offline.PathContains(c.APIPrefix),
		PrecacheConcurrency: c.PrecacheConcurrency,
		RevalidateTimeout:   c.RevalidateTimeout.Std(),
		BuiltinOfflinePage:  c.BuiltinOfflinePage,
	}, a.storage.Store, a.network,
		offline.WithLogger(a.log.Module("offline")),
		offline.WithRecorder(a.metrics))
}

// Registry returns the offline registry.
func (a *App) Registry() *offline.Registry { return a.registry }

// Server returns the HTTP server.
func (a *App) Server() *api.Server { return a.server }

// Bootstrap restores the persisted active version and installs the
// configured one. An install failure is logged, not returned: the server
// keeps serving from whatever is active, or passes everything through, and
// the install can be retried through the control API.
func (a *App) Bootstrap(ctx context.Context) error {
	want := a.settings.Cache.Version

	if states := a.storage.States; states != nil {
		recovered, err := states.RecoverInterrupted()
		if err != nil {
			return err
		}
		if recovered {
			a.log.Warn("previous install was interrupted, state restored")
		}

		prev, err := states.ActiveVersion()
		if err != nil {
			return err
		}
		if prev != "" {
			m, err := a.NewManager(prev)
			if err != nil {
				return err
			}
			resumed, err := a.registry.Resume(ctx, m)
			if err != nil {
				return err
			}
			if resumed && prev == want {
				return nil
			}
		}
	}

	m, err := a.NewManager(want)
	if err != nil {
		return err
	}
	if err := a.registry.Register(ctx, m); err != nil {
		a.log.Error("initial install failed", logger.String("version", want), logger.Error(err))
		return nil
	}
	a.log.Info("cache ready", logger.Any("status", a.registry.Status()))
	return nil
}

// startMQTT connects the bridge. Failures are logged; the client keeps
// retrying subscriptions on every reconnect.
func (a *App) startMQTT(ctx context.Context) {
	if a.mqtt == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, mqttConnectWindow)
	defer cancel()
	if err := a.mqtt.Connect(cctx); err != nil {
		a.log.Error("mqtt connect failed", logger.Error(err))
		return
	}
	if err := a.mqtt.ForwardPushes(cctx, a.settings.MQTT.PushTopic, a.bus); err != nil {
		a.log.Error("mqtt push subscription failed", logger.Error(err))
	}
}

// Run bootstraps the cache and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting dinocache",
		logger.String("version", a.build.Version),
		logger.String("origin", a.settings.Origin.URL),
		logger.String("cache_version", a.settings.Cache.Version),
		logger.String("backend", a.settings.Cache.Backend))

	if err := a.Bootstrap(ctx); err != nil {
		return err
	}
	a.startMQTT(ctx)
	return a.server.Start(ctx)
}

// Close stops background work and releases resources. Call it after Run
// has returned.
func (a *App) Close() error {
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	a.bus.Stop()
	a.hub.Close()
	a.registry.Wait()
	err := a.storage.Close()
	a.sentry.Flush(sentryFlushWait)
	return err
}
