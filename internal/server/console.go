// Package server assembles the flashing stack from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tonieflash/flash-console/internal/api"
	"github.com/tonieflash/flash-console/internal/backend"
	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/notify"
	"github.com/tonieflash/flash-console/internal/patch"
	"github.com/tonieflash/flash-console/internal/storage"
	"github.com/tonieflash/flash-console/internal/transfer"
	"github.com/tonieflash/flash-console/internal/workflow"
)

// FlashStack is a workflow wired to the serial programmer and the patch service.
type FlashStack struct {
	Workflow   *workflow.Workflow
	Programmer *device.SerialProgrammer
	Backend    *backend.Client
}

// NewFlashStack builds the programmer, backend client, patch coordinator, pipeline
// and workflow. notifier and recorder may be nil.
func NewFlashStack(cfg *config.Config, notifier workflow.Notifier, recorder workflow.Recorder) (*FlashStack, error) {
	programmer, err := device.NewSerialProgrammer(device.SerialConfig{
		PortName:       cfg.Serial.Port,
		BaudRate:       cfg.Serial.BaudRate,
		StubPath:       cfg.Serial.StubPath,
		SyncAttempts:   cfg.Serial.SyncAttempts,
		CommandTimeout: cfg.Serial.CommandTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create serial programmer: %w", err)
	}
	if cfg.Serial.StubPath == "" {
		log.Warn().Msg("No flasher stub configured, reading the flash will fail")
	}

	client, err := backend.New(cfg.Backend.URL, cfg.Backend.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	deps := workflow.Deps{
		Programmer: programmer,
		Pipeline: transfer.New(
			transfer.WithReadChunkSize(cfg.Flash.ReadChunkSize),
			transfer.WithWriteChunkSize(cfg.Flash.WriteChunkSize),
		),
		Patcher:  patch.NewCoordinator(client),
		Notifier: notifier,
		Recorder: recorder,
	}

	return &FlashStack{
		Workflow:   workflow.New(deps),
		Programmer: programmer,
		Backend:    client,
	}, nil
}

// OpenStore opens PostgreSQL when a DSN is configured, otherwise an in-memory store.
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		log.Info().Msg("No database configured, keeping the audit trail in memory")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewPostgresStore(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store.ConfigurePool(cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)

	log.Info().Msg("Connected to database")
	return store, nil
}

// Console is the console backend: workflow, notifiers and API.
type Console struct {
	cfg   *config.Config
	store storage.Store
	stack *FlashStack
	api   *api.RESTServer

	nc      *nats.Conn
	nats    *notify.NATSPublisher
	mqtt    *notify.MQTTPublisher
	webhook *notify.Webhook
}

// New connects the configured infrastructure and builds the console.
// NATS and MQTT are optional; connection failures only disable them.
func New(ctx context.Context, cfg *config.Config) (*Console, error) {
	store, err := OpenStore(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	c := &Console{cfg: cfg, store: store}

	hub := api.NewHub()
	notifiers := notify.Multi{hub}

	if cfg.NATS.URL != "" {
		if nc, err := connectNATS(&cfg.NATS); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			c.nc = nc
			c.nats = notify.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
			notifiers = append(notifiers, c.nats)
		}
	} else {
		log.Info().Msg("NATS not configured")
	}

	if cfg.MQTT.Broker != "" {
		pub, err := notify.NewMQTTPublisher(notify.MQTTConfig{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Topic:     cfg.MQTT.Topic,
			QoS:       cfg.MQTT.QoS,
			TLS:       cfg.MQTT.TLS,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, continuing without MQTT support")
		} else {
			c.mqtt = pub
			notifiers = append(notifiers, pub)
		}
	}

	if cfg.Webhook.URL != "" {
		c.webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout,
		})
		notifiers = append(notifiers, c.webhook)
	}

	stack, err := NewFlashStack(cfg, notifiers, store)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.stack = stack

	c.api = api.NewRESTServer(cfg, api.Deps{
		Workflow: stack.Workflow,
		Ports:    stack.Programmer,
		Store:    store,
		Hub:      hub,
	})

	log.Info().
		Str("workflow_id", stack.Workflow.ID().String()).
		Str("port", stack.Programmer.Port()).
		Msg("Flash console ready")

	return c, nil
}

func connectNATS(cfg *config.NATSConfig) (*nats.Conn, error) {
	log.Info().Str("url", cfg.URL).Msg("Connecting to NATS...")

	name := cfg.ClientID
	if name == "" {
		name = "flash-console"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().Err(err).Str("subject", subject).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("Connected to NATS")
	return nc, nil
}

// Workflow returns the console's workflow.
func (c *Console) Workflow() *workflow.Workflow {
	return c.stack.Workflow
}

// Handler returns the API handler.
func (c *Console) Handler() http.Handler {
	return c.api.Handler()
}

// Run serves the API, the NATS control subject and the webhook until ctx ends, then cancels
// any running action and shuts down.
func (c *Console) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.api.ListenAndServe(c.cfg.APIAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("REST API server: %w", err)
		}
		return nil
	})

	if c.nats != nil {
		g.Go(func() error {
			err := c.nats.ServeControl(ctx, c.stack.Workflow.ID().String(), c.stack.Workflow)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if c.webhook != nil {
		g.Go(func() error {
			if err := c.webhook.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()

		if c.stack.Workflow.Cancel() {
			log.Warn().Msg("Cancelled running action for shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.stack.Workflow.Wait(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Running action did not stop in time")
		}
		if err := c.api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		return nil
	})

	return g.Wait()
}

// Close releases the store and broker connections.
func (c *Console) Close() {
	if c.mqtt != nil {
		c.mqtt.Close()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
}
