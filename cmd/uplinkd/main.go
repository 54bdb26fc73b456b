package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/clock"
	"github.com/Sh00ty/uplinkd/internal/coordinator"
	"github.com/Sh00ty/uplinkd/internal/faults"
	"github.com/Sh00ty/uplinkd/internal/faults/filestore"
	"github.com/Sh00ty/uplinkd/internal/faults/postgres"
	"github.com/Sh00ty/uplinkd/internal/metrics"
	"github.com/Sh00ty/uplinkd/internal/notifyer"
	"github.com/Sh00ty/uplinkd/internal/osnet"
	"github.com/Sh00ty/uplinkd/internal/prober"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/internal/sender"
	"github.com/Sh00ty/uplinkd/internal/services/dnsmasq"
	"github.com/Sh00ty/uplinkd/internal/services/hostapd"
	"github.com/Sh00ty/uplinkd/internal/sinks/kafkasink"
	"github.com/Sh00ty/uplinkd/internal/sinks/logsink"
	"github.com/Sh00ty/uplinkd/internal/statusapi"
	"github.com/Sh00ty/uplinkd/internal/supervisor"
	"github.com/Sh00ty/uplinkd/internal/switcher"
	"github.com/Sh00ty/uplinkd/internal/systemd"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

type Config struct {
	HostName    string `envconfig:"HOST_NAME,optional"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`
	ConfigPath  string `envconfig:"CONFIG_PATH,default=/etc/uplinkd/uplinkd.toml"`
	ListenAddr  string `envconfig:"LISTEN_ADDR,default=127.0.0.1:8080"`

	RouteMetric  int           `envconfig:"ROUTE_METRIC,default=10"`
	ProbeEvery   time.Duration `envconfig:"PROBE_INTERVAL,default=10s"`
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT,default=2s"`
	StableWindow int           `envconfig:"STABLE_WINDOW,default=2"`

	BackoffBase     time.Duration `envconfig:"BACKOFF_BASE,default=2s"`
	BackoffMax      time.Duration `envconfig:"BACKOFF_MAX,default=5m"`
	BackoffCeiling  int           `envconfig:"BACKOFF_CEILING,default=10"`
	LivenessTimeout time.Duration `envconfig:"LIVENESS_TIMEOUT,default=15s"`
	StableAfter     time.Duration `envconfig:"STABLE_AFTER,default=2m"`
	UnitJobTimeout  time.Duration `envconfig:"UNIT_JOB_TIMEOUT,default=30s"`

	RunDir         string `envconfig:"RUN_DIR,default=/run/uplinkd"`
	HostapdCtrlDir string `envconfig:"HOSTAPD_CTRL_DIR,default=/run/hostapd"`
	FaultsPath     string `envconfig:"FAULTS_PATH,default=/var/lib/uplinkd/faults.json"`

	PostgresDSN string `envconfig:"POSTGRES_DSN,optional"`
	QueueAddr   string `envconfig:"QUEUE_ADDR,optional"`
	QueueTopic  string `envconfig:"QUEUE_EVENTS_TOPIC,default=uplinkd-events"`
	StatsdAddr  string `envconfig:"STATSD_ADDR,optional"`

	EventBuffer     int           `envconfig:"EVENT_BUFFER,default=1024"`
	ResendInterval  time.Duration `envconfig:"RESEND_EVENTS_INTERVAL,default=10s"`
	SummaryInterval time.Duration `envconfig:"SUMMARY_INTERVAL,default=5m"`
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))
	if appCfg.HostName == "" {
		appCfg.HostName, _ = os.Hostname()
	}
	logger := log.Logger.With().Str("host", appCfg.HostName).Logger()

	load := func() (*registry.Registry, error) {
		return registry.Load(appCfg.ConfigPath)
	}
	reg, err := load()
	if err != nil {
		log.Fatal().Err(err).Str("path", appCfg.ConfigPath).Msg("failed to load interface catalog")
	}

	promMetrics := metrics.NewPrometheus("uplinkd", prometheus.DefaultRegisterer)
	appMetrics := metrics.Multi{promMetrics}
	if appCfg.StatsdAddr != "" {
		statsdMetrics := metrics.NewStatsd(appCfg.HostName, "uplinkd.", appCfg.StatsdAddr)
		defer statsdMetrics.Close()
		appMetrics = append(appMetrics, statsdMetrics)
	}

	sinks := []sender.Sink{logsink.New(logger)}
	var faultStore faults.Store
	if appCfg.PostgresDSN != "" {
		repo, err := postgres.NewRepo(ctx, appCfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres fault journal")
		}
		defer repo.Close()
		faultStore = repo
		sinks = append(sinks, repo)
	} else {
		fileStore, err := filestore.New(appCfg.FaultsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init fault journal")
		}
		faultStore = fileStore
	}
	if appCfg.QueueAddr != "" {
		queueSink := kafkasink.New(appCfg.QueueAddr, appCfg.QueueTopic, appCfg.HostName)
		defer queueSink.Close()
		sinks = append(sinks, queueSink)
	}

	notifyer := notifyer.NewNotifier(appCfg.EventBuffer)
	defer notifyer.Close()
	eventSender := sender.NewSenderController(notifyer.GetEventChan(), sinks, appCfg.ResendInterval)
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		eventSender.Run(context.WithoutCancel(ctx))
	}()

	units, err := systemd.New(ctx, appCfg.UnitJobTimeout, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to systemd")
	}
	defer units.Close()

	clk := clock.Real{}
	host := osnet.NewNetlink(appCfg.RouteMetric, logger)
	roles := arbiter.New(logger)

	linkProber := prober.New(
		prober.Config{Interval: appCfg.ProbeEvery, Timeout: appCfg.ProbeTimeout},
		reg,
		host,
		roles,
		clk,
		appMetrics,
		logger,
	)
	uplinks := switcher.New(
		switcher.Config{StableWindow: appCfg.StableWindow},
		host,
		notifyer,
		clk,
		appMetrics,
		logger,
	)
	aps := supervisor.New(
		supervisor.Config{
			BaseDelay:       appCfg.BackoffBase,
			MaxDelay:        appCfg.BackoffMax,
			Ceiling:         appCfg.BackoffCeiling,
			LivenessTimeout: appCfg.LivenessTimeout,
			StableAfter:     appCfg.StableAfter,
		},
		host,
		hostapd.New(hostapd.Config{RunDir: appCfg.RunDir, CtrlDir: appCfg.HostapdCtrlDir}, units),
		dnsmasq.New(dnsmasq.Config{RunDir: appCfg.RunDir, CheckPort: true}, units),
		units,
		roles,
		faultStore,
		notifyer,
		clk,
		appMetrics,
		logger,
	)
	cord := coordinator.New(
		coordinator.Config{SummaryEvery: appCfg.SummaryInterval},
		load,
		host,
		roles,
		linkProber,
		uplinks,
		aps,
		notifyer,
		clk,
		appMetrics,
		logger,
	)

	serverClose := statusapi.New(cord, promMetrics.Handler(), logger).Start(appCfg.ListenAddr)
	defer serverClose()

	go handleReload(ctx, cord)

	log.Info().Str("config", appCfg.ConfigPath).Msg("uplinkd started")
	if err := cord.Run(ctx); err != nil {
		log.Error().Err(err).Msg("coordinator failed")
	}

	// the loop is done, no new events can be produced
	notifyer.Close()
	select {
	case <-senderDone:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("event sender did not drain in time")
	}
}

func handleReload(ctx context.Context, cord *coordinator.Coordinator) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := cord.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("reload failed")
				continue
			}
			log.Info().Msg("reload done")
		}
	}
}
