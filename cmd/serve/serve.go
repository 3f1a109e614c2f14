// Package serve runs the tracking service: telemetry reader, entity store, change
// notifier, and the optional MQTT, resolution log and HTTP API components.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/beaconwatch/beaconwatch/internal/analytics"
	"github.com/beaconwatch/beaconwatch/internal/api"
	"github.com/beaconwatch/beaconwatch/internal/buildinfo"
	"github.com/beaconwatch/beaconwatch/internal/conf"
	"github.com/beaconwatch/beaconwatch/internal/datastore"
	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/ingest"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/mqtt"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/observability"
	"github.com/beaconwatch/beaconwatch/internal/store"
	"github.com/beaconwatch/beaconwatch/internal/telemetry"
	"github.com/beaconwatch/beaconwatch/internal/tracker"
)

// NotifyDrainTimeout bounds how long shutdown waits for subscribers to catch up
const NotifyDrainTimeout = 5 * time.Second

// flags holds command line overrides. Only flags the user set are applied.
type flags struct {
	endpoint string
	speed    int
	listen   string
	snapshot string
}

// Command creates the serve command. settings is filled in by the root command
// before RunE is called.
func Command(settings *conf.Settings) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Read telemetry and serve the entity tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, settings); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings)
		},
	}

	f.register(cmd)
	return cmd
}

func (f *flags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.endpoint, "endpoint", "e", "", "Serial device or tcp://host:port")
	cmd.Flags().IntVarP(&f.speed, "speed", "b", 0, "Serial baud rate")
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "HTTP API listen address")
	cmd.Flags().StringVar(&f.snapshot, "snapshot", "", "Snapshot file path")
}

// apply copies changed flags into settings and revalidates them
func (f *flags) apply(cmd *cobra.Command, settings *conf.Settings) error {
	changed := false
	if cmd.Flags().Changed("endpoint") {
		settings.Serial.Endpoint = f.endpoint
		changed = true
	}
	if cmd.Flags().Changed("speed") {
		settings.Serial.Speed = f.speed
		changed = true
	}
	if cmd.Flags().Changed("listen") {
		settings.WebServer.Listen = f.listen
		changed = true
	}
	if cmd.Flags().Changed("snapshot") {
		settings.Store.SnapshotPath = f.snapshot
		changed = true
	}
	if !changed {
		return nil
	}
	return conf.ValidateSettings(settings)
}

// Run starts every configured component and blocks until ctx is cancelled or a
// component fails. Pending notifications are drained before it returns.
func Run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("main")
	log.Info("starting beaconwatch",
		logger.String("version", buildinfo.Current().GetVersion()),
		logger.String("endpoint", settings.Serial.Endpoint))

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	flush, err := telemetry.Init(settings.Sentry, buildinfo.Current().GetVersion(), log)
	if err != nil {
		return err
	}
	defer flush()

	n := notify.New(notifyConfig(settings.Notify),
		notify.WithLogger(logger.Global().Module("notify")),
		notify.WithMetrics(m.Notify))

	storeOpts := []store.Option{
		store.WithLogger(logger.Global().Module("store")),
		store.WithMetrics(m.Store),
		store.WithPublisher(n),
	}

	var db *datastore.SQLiteStore
	if settings.Datastore.Enabled {
		db, err = datastore.Open(settings.Datastore.Path,
			datastore.WithLogger(logger.Global().Module("datastore")),
			datastore.WithMetrics(m.Datastore))
		if err != nil {
			_ = n.Close(NotifyDrainTimeout)
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Warn("failed to close resolution log", logger.Error(err))
			}
		}()
		storeOpts = append(storeOpts, store.WithResolutionSink(db))
	}

	st := store.New(store.Config{
		SnapshotPath:     settings.Store.SnapshotPath,
		SnapshotInterval: settings.Store.SnapshotInterval,
	}, storeOpts...)

	if settings.Store.RestoreOnStart {
		count, err := st.Load(settings.Store.SnapshotPath)
		if err != nil {
			log.Warn("snapshot restore failed, starting empty", logger.Error(err))
		} else {
			log.Info("snapshot restored", logger.Int("entities", count))
		}
	}

	tr := tracker.New(st, n,
		tracker.WithThresholds(settings.Priority),
		tracker.WithCellSize(settings.Cluster.CellSize))

	reader := ingest.New(ingest.Config{
		ReadTimeout:    settings.Serial.ReadTimeout,
		ReconnectDelay: settings.Serial.ReconnectDelay,
	},
		ingest.WithLogger(logger.Global().Module("ingest")),
		ingest.WithMetrics(m.Ingest))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return st.Run(gctx)
	})

	g.Go(func() error {
		defer reader.Stop()
		startReader(gctx, reader, settings.Serial, tr, log)
		<-gctx.Done()
		return nil
	})

	// released after the notifier drains, so queued events still reach their sinks
	var release []func()

	if settings.MQTT.Enabled {
		client := mqtt.NewClient(mqttConfig(settings.MQTT), logger.Global().Module("mqtt"), m.MQTT)
		publisher := mqtt.NewPublisher(client, settings.MQTT.TopicPrefix)
		unsubscribe, err := tr.Subscribe("mqtt", publisher.Handle)
		if err != nil {
			_ = n.Close(NotifyDrainTimeout)
			return err
		}
		release = append(release, unsubscribe, client.Disconnect)
		g.Go(func() error {
			connectMQTT(gctx, client, settings.Serial.ReconnectDelay, log)
			<-gctx.Done()
			return nil
		})
	}

	if settings.WebServer.Enabled {
		opts := []api.Option{
			api.WithLogger(logger.Global().Module("api")),
			api.WithReader(reader),
			api.WithMetrics(m),
		}
		if db != nil {
			opts = append(opts, api.WithResolutionLog(db))
		}
		if settings.Station.Configured() {
			opts = append(opts, api.WithStation(analytics.Location{
				Latitude:  settings.Station.Latitude,
				Longitude: settings.Station.Longitude,
			}))
		}
		srv := api.New(api.Config{
			Listen:   settings.WebServer.Listen,
			CacheTTL: settings.WebServer.CacheTTL,
		}, tr, opts...)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = g.Wait()

	drainNotifier(n, NotifyDrainTimeout, log, release...)
	if err != nil {
		log.Error("beaconwatch stopped with error", logger.Error(err))
		return err
	}
	log.Info("beaconwatch stopped")
	return nil
}

type drainer interface {
	Close(timeout time.Duration) error
}

// drainNotifier closes n, waiting up to timeout for subscribers to deliver what is
// queued, then runs release in order.
func drainNotifier(n drainer, timeout time.Duration, log logger.Logger, release ...func()) {
	if err := n.Close(timeout); err != nil {
		log.Warn("notifier did not drain before shutdown", logger.Error(err))
	}
	for _, fn := range release {
		fn()
	}
}

// startReader opens the telemetry link, retrying until it opens or ctx ends. Once
// open, the reader handles its own reconnects.
func startReader(ctx context.Context, reader *ingest.Reader, serial conf.SerialSettings, tr *tracker.Tracker, log logger.Logger) {
	onRecord := func(t entity.Telemetry) { tr.Upsert(t) }
	onError := func(err error) { log.Debug("telemetry line rejected", logger.Error(err)) }

	delay := serial.ReconnectDelay
	if delay <= 0 {
		delay = ingest.DefaultReconnectDelay
	}
	for !reader.Start(serial.Endpoint, serial.Speed, onRecord, onError) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectMQTT makes the initial broker connection, retrying until it succeeds or ctx
// ends. paho reconnects on its own after the first success.
func connectMQTT(ctx context.Context, client mqtt.Client, delay time.Duration, log logger.Logger) {
	if delay <= 0 {
		delay = ingest.DefaultReconnectDelay
	}
	for {
		err := client.Connect(ctx)
		if err == nil {
			return
		}
		log.Warn("MQTT connection failed, retrying", logger.Error(err), logger.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func notifyConfig(s conf.NotifySettings) notify.Config {
	return notify.Config{
		ReplayBuffer: s.ReplayBuffer,
		RetryDelay:   s.RetryDelay,
		MaxAttempts:  s.MaxAttempts,
	}
}

func mqttConfig(s conf.MQTTSettings) mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.Broker
	if s.ClientID != "" {
		cfg.ClientID = s.ClientID
	}
	cfg.Username = s.Username
	cfg.Password = s.Password
	if s.TopicPrefix != "" {
		cfg.TopicPrefix = s.TopicPrefix
	}
	cfg.QoS = byte(s.QoS)
	cfg.Retain = s.Retain
	return cfg
}
