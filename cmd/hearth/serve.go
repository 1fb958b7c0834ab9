package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/hearth/internal/api"
	"github.com/nerrad567/hearth/internal/bridges/alarmpanel"
	"github.com/nerrad567/hearth/internal/bridges/deconz"
	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/device/composite"
	"github.com/nerrad567/hearth/internal/drivers"
	"github.com/nerrad567/hearth/internal/infrastructure/config"
	"github.com/nerrad567/hearth/internal/infrastructure/database"
	"github.com/nerrad567/hearth/internal/infrastructure/influxdb"
	"github.com/nerrad567/hearth/internal/infrastructure/logging"
	"github.com/nerrad567/hearth/internal/infrastructure/mqtt"
	"github.com/nerrad567/hearth/internal/telemetry"
)

const (
	// shutdownTimeout bounds flushing journals and draining event queues.
	shutdownTimeout = 15 * time.Second

	// pruneInterval is how often old mirrored history is deleted.
	pruneInterval = 24 * time.Hour
)

// serve runs the hub until ctx is cancelled.
//
// Start order follows the dependencies: storage, then transports, then
// devices (which need a sink and transports), then the listeners.
// Deferred closes run in reverse.
func serve(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting hearth", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	codec, err := device.CodecFor(cfg.Journal.Format)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	// SQLite history mirror (optional)
	var db *database.DB
	var historyMirror *device.SQLiteHistoryMirror
	if cfg.Database.Enabled {
		db, err = database.Open(database.ConfigFrom(cfg.Database))
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		historyMirror = device.NewSQLiteHistoryMirror(db.DB)
		log.Info("history mirror enabled", "path", cfg.Database.Path)
	}

	registry := device.NewRegistry()
	registry.SetLogger(log.Component("registry"))

	var history device.HistoryReader = device.NewJournalHistory(registry)
	if historyMirror != nil {
		history = historyMirror
	}

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log.Component("api"),
		Registry:     registry,
		History:      history,
		QuickActions: cfg.QuickActions,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	sink := server.Hub()

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	env := drivers.Env{
		PubSub:            mqttClient,
		QoS:               mqttClient.QoS(),
		ZWavePrefix:       cfg.MQTT.ZWavePrefix,
		AlarmSyncInterval: cfg.GetAlarmSyncInterval(),
		Options: func(id string) []device.Option {
			opts := []device.Option{
				device.WithLogger(log.Device(id)),
				device.WithJournal(cfg.Journal.Dir, codec),
				device.WithSink(sink),
			}
			if historyMirror != nil {
				opts = append(opts, device.WithHistoryMirror(historyMirror))
			}
			return opts
		},
	}

	var gateway *deconz.Client
	if cfg.Deconz.Enabled {
		gateway = deconz.New(deconz.ConfigFrom(cfg.Deconz))
		gateway.SetLogger(log.Component("deconz"))
		if err := gateway.Load(ctx); err != nil {
			return fmt.Errorf("loading deCONZ nodes: %w", err)
		}
		env.Gateway = gateway
		log.Info("deCONZ loaded", "host", cfg.Deconz.Host, "nodes", len(gateway.Nodes()))
	}
	if cfg.Alarm.Enabled {
		panel := alarmpanel.New(alarmpanel.ConfigFrom(cfg.Alarm))
		panel.SetLogger(log.Component("alarm"))
		env.Alarm = panel
	}

	entities, err := buildEntities(cfg, env, sink, log)
	if err != nil {
		return err
	}
	registry.Register(entities...)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting devices down", "error", err)
		}
	}()
	log.Info("devices registered", "count", registry.Count())

	stopTelemetry, err := attachTelemetry(cfg, entities, mqttClient, influxClient, log)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	loops := runnerLoops(entities)
	if gateway != nil {
		loops = append(loops, gateway.Run)
	}
	if historyMirror != nil && cfg.GetHistoryRetention() > 0 {
		loops = append(loops, func(ctx context.Context) error {
			pruneHistory(ctx, historyMirror, cfg.GetHistoryRetention(), log)
			return nil
		})
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		log.Warn("health check failed", "error", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	err = supervise(ctx, loops)
	log.Info("shutdown signal received, cleaning up")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("hearth stopped")
	return nil
}

// runnerLoops returns the background loop of every entity that has one.
func runnerLoops(entities []device.Entity) []func(context.Context) error {
	var loops []func(context.Context) error
	for _, e := range entities {
		if r, ok := e.(drivers.Runner); ok {
			loops = append(loops, func(ctx context.Context) error {
				r.Run(ctx)
				return nil
			})
		}
	}
	return loops
}

// supervise runs loops until ctx is cancelled or one of them fails. It
// blocks until then even when there are no loops at all.
func supervise(ctx context.Context, loops []func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	for _, loop := range loops {
		g.Go(func() error { return loop(gctx) })
	}
	return g.Wait()
}

// buildEntities creates the configured devices, then groups, then rooms.
// Groups and rooms may name any entity built before them.
func buildEntities(cfg *config.Config, env drivers.Env, sink device.Sink, log *logging.Logger) ([]device.Entity, error) {
	built := make(map[string]device.Entity)
	var out []device.Entity
	add := func(e device.Entity) {
		built[e.ID()] = e
		out = append(out, e)
	}
	resolve := func(owner string, ids []string) ([]device.Entity, error) {
		list := make([]device.Entity, 0, len(ids))
		for _, id := range ids {
			e, ok := built[id]
			if !ok {
				return nil, fmt.Errorf("%s: unknown member %q", owner, id)
			}
			list = append(list, e)
		}
		return list, nil
	}

	for _, dc := range cfg.Devices {
		e, err := drivers.Build(dc, env)
		if err != nil {
			return nil, fmt.Errorf("building device %s: %w", dc.ID, err)
		}
		add(e)
	}

	for _, gc := range cfg.Groups {
		members, err := resolve(gc.ID, gc.Members)
		if err != nil {
			return nil, fmt.Errorf("building group: %w", err)
		}
		grp, err := composite.NewGroup(gc.ID, members, sink, log.Device(gc.ID))
		if err != nil {
			return nil, fmt.Errorf("building group %s: %w", gc.ID, err)
		}
		add(grp)
	}

	for _, rc := range cfg.Rooms {
		members, err := resolve(rc.ID, rc.Members)
		if err != nil {
			return nil, fmt.Errorf("building room: %w", err)
		}
		var opts []device.Option
		if env.Options != nil {
			opts = env.Options(rc.ID)
		}
		room, err := composite.NewRoom(rc.ID, members, composite.RoomConfig{
			Scenes:         rc.Scenes,
			VacancyTimeout: rc.GetVacancyTimeout(),
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("building room %s: %w", rc.ID, err)
		}
		add(room)
	}
	return out, nil
}

// attachTelemetry wires the InfluxDB recorder and the MQTT/NATS state
// mirror to every entity, when enabled. The returned func stops the mirror
// and drains the NATS connection.
func attachTelemetry(cfg *config.Config, entities []device.Entity, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (func(), error) {
	var closers []func()
	stop := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var recorder *telemetry.Recorder
	if influxClient != nil {
		recorder = telemetry.NewRecorder(influxClient)
	}

	mirrorCfg := telemetry.MirrorConfig{QoS: mqttClient.QoS()}
	if cfg.MQTT.StatePrefix != "" {
		mirrorCfg.MQTT = mqttClient
		mirrorCfg.TopicPrefix = cfg.MQTT.StatePrefix
	}
	if cfg.NATS.Enabled {
		nc, err := telemetry.ConnectNATS(cfg.NATS, log.Component("nats"))
		if err != nil {
			return stop, err
		}
		closers = append(closers, func() {
			log.Info("draining NATS connection")
			if err := nc.Drain(); err != nil {
				log.Error("error draining NATS", "error", err)
			}
		})
		mirrorCfg.NATS = nc
		mirrorCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		log.Info("NATS connected", "url", cfg.NATS.URL)
	}
	var mirror *telemetry.StateMirror
	if mirrorCfg.MQTT != nil || mirrorCfg.NATS != nil {
		m, err := telemetry.NewStateMirror(mirrorCfg, log.Component("mirror"))
		if err != nil {
			return stop, err
		}
		closers = append(closers, m.Close)
		mirror = m
	}

	for _, e := range entities {
		if recorder != nil {
			if err := recorder.Attach(e); err != nil {
				return stop, err
			}
		}
		if mirror != nil {
			if err := mirror.Attach(e); err != nil {
				return stop, err
			}
		}
	}
	return stop, nil
}

// pruneHistory deletes mirrored history older than retention once at
// start and then daily.
func pruneHistory(ctx context.Context, m *device.SQLiteHistoryMirror, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := m.PruneHistory(ctx, retention)
		if err != nil {
			log.Warn("pruning history failed", "error", err)
		} else if n > 0 {
			log.Info("pruned history", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies the infrastructure connections. db and
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
