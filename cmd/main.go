package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/sectorcache/featureflag"
	sectorhttp "github.com/aukilabs/sectorcache/http"
	"github.com/aukilabs/sectorcache/provider"
	"github.com/aukilabs/sectorcache/scheduler"
	"github.com/aukilabs/sectorcache/smoketest"
	swebsocket "github.com/aukilabs/sectorcache/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/singleflight"
)

var (
	// The sectord version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "sectord_info",
		Help:        "Sectord information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string         `cli:""        env:"SECTORD_ADDR"                 help:"Listening address for viewer connections."`
	AdminAddr          string         `cli:""        env:"SECTORD_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string         `cli:""        env:"SECTORD_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	LogLevel           string         `cli:""        env:"SECTORD_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool           `cli:""        env:"SECTORD_LOG_INDENT"           help:"Indent logs."`
	SyncTimeInterval   time.Duration  `cli:",hidden" env:"SECTORD_SYNC_TIME_INTERVAL"   help:"Viewer sync time (heartbeat) message interval."`
	ClientIdleTimeout  time.Duration  `cli:",hidden" env:"SECTORD_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle viewer will be disconnected."`
	LogSummaryInterval time.Duration  `cli:",hidden" env:"SECTORD_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	PolicyFile         string         `cli:""        env:"SECTORD_POLICY_FILE"          help:"YAML file overriding the default loading policy."`
	Provider           providerConfig `cli:",hidden" env:"-"                            help:"Sector provider configuration."`
	SmokeTestModel     string         `cli:",hidden" env:"SECTORD_SMOKE_TEST_MODEL"     help:"Model loaded by smoke tests. The server is ready once it loads."`
	Events             eventsConfig   `cli:",hidden" env:"-"                            help:"Event pusher configuration."`
	FeatureFlags       []string       `cli:",hidden" env:"SECTORD_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool           `cli:""        env:"-"                            help:"Show version."`
	Help               bool           `cli:""        env:"-"                            help:"Show help."`
}

type providerConfig struct {
	Type          string            `cli:",hidden" env:"SECTORD_PROVIDER"                 help:"Sector provider (http|s3|dir)."`
	Endpoint      string            `cli:",hidden" env:"SECTORD_PROVIDER_ENDPOINT"        help:"Blob server endpoint of the http provider."`
	Dir           string            `cli:",hidden" env:"SECTORD_PROVIDER_DIR"             help:"Root directory of the dir provider."`
	S3            provider.S3Config `cli:",hidden" env:"-"                                help:"S3 provider configuration."`
	MaxSectorSize int               `cli:",hidden" env:"SECTORD_PROVIDER_MAX_SECTOR_SIZE" help:"The maximum size of a decompressed sector."`
	RateLimit     int               `cli:",hidden" env:"SECTORD_PROVIDER_RATE_LIMIT"      help:"The maximum number of fetched bytes per second. No limit when 0."`
	DiskCachePath string            `cli:",hidden" env:"SECTORD_DISK_CACHE_PATH"          help:"SQLite file caching fetched sectors. Disabled when empty."`
	DiskCacheSize int64             `cli:",hidden" env:"SECTORD_DISK_CACHE_SIZE"          help:"The maximum size of the disk cache in bytes."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"SECTORD_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"SECTORD_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"SECTORD_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"SECTORD_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:               ":4100",
		AdminAddr:          ":18191",
		PublicEndpoint:     "http://localhost:4100",
		LogLevel:           logs.InfoLevel.String(),
		SyncTimeInterval:   time.Second * 5,
		ClientIdleTimeout:  time.Minute * 5,
		LogSummaryInterval: time.Minute,
		Provider: providerConfig{
			Type:          "http",
			Endpoint:      "http://localhost:8080",
			MaxSectorSize: 64 << 20,
			DiskCacheSize: 4 << 30,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts the sector streaming server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "sectord",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	featureFlags := featureflag.New(conf.FeatureFlags)
	if unknown := featureFlags.Unknown(); len(unknown) != 0 {
		logs.WithTag("feature_flags", unknown).Warn(errors.New("unknown feature flags"))
	}

	policy := scheduler.DefaultPolicy()
	if conf.PolicyFile != "" {
		p, err := scheduler.LoadPolicy(conf.PolicyFile)
		if err != nil {
			logs.Fatal(err)
		}
		policy = p
	}

	source, closeSource, err := newSource(ctx, conf.Provider, transport)
	if err != nil {
		logs.Fatal(errors.New("creating sector provider failed").Wrap(err))
	}
	defer closeSource()

	// Shared by every viewer so that a sector requested by several viewers
	// is fetched once.
	var group singleflight.Group
	var viewers swebsocket.Registry

	var ready atomic.Bool
	readinessCheck := ready.Load

	var service http.ServeMux
	service.HandleFunc("/health", sectorhttp.HandleHealthCheck)
	service.HandleFunc("/ready", sectorhttp.HandleReadyCheck(readinessCheck))
	service.HandleFunc("/version", sectorhttp.HandleVersion(version))

	service.HandleFunc("/smoke-test", smoketest.HandleSmokeTest(ctx, smoketest.Options{
		Source:         source,
		DefaultModelID: conf.SmokeTestModel,
		SendResult: func(ctx context.Context, res smoketest.Result) error {
			logs.WithTag("model_id", res.ModelID).
				WithTag("success", res.Success).
				WithTag("metadata_latency", res.MetadataLatency).
				WithTag("sector_latency", res.SectorLatency).
				Info("smoke test done")
			return nil
		},
	}))

	service.Handle("/", websocket.Server{
		// Viewers are not browsers bound to an origin.
		Handshake: func(*websocket.Config, *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var vh swebsocket.Handler = &swebsocket.ViewerHandler{
				Provider:               source,
				Metadata:               source,
				Policy:                 policy,
				Group:                  &group,
				ClientSyncTimeInterval: conf.SyncTimeInterval,
				ClientIdleTimeout:      conf.ClientIdleTimeout,
				FeatureFlags:           featureFlags,
				Viewers:                &viewers,
			}
			h := swebsocket.HandlerWithLogs(vh, conf.LogSummaryInterval)
			h = swebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			swebsocket.Handle(ctx, conn, h)
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		checkReadiness(ctx, source, conf.SmokeTestModel, &ready)
	}()

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", sectorhttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("GET /debug/viewers", sectorhttp.HandleViewers(&viewers))
	admin.HandleFunc("GET /debug/viewers/{viewer_id}/sectors", sectorhttp.HandleViewerSectors(&viewers))
	admin.HandleFunc("GET /debug/viewers/{viewer_id}/regions", sectorhttp.HandleViewerRegions(&viewers))
	admin.HandleFunc("/ready", sectorhttp.HandleReadyCheck(readinessCheck))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("provider", conf.Provider.Type).
		WithTag("feature_flags", featureFlags.Strings()).
		Info("starting sectord server")

	sectorhttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			sectorhttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)

	wg.Wait()
}

// newSource builds the provider stack described by the configuration. The
// returned function releases the resources held by the stack.
func newSource(ctx context.Context, conf providerConfig, transport http.RoundTripper) (provider.Source, func(), error) {
	var source provider.Source

	switch conf.Type {
	case "http":
		source = &provider.HTTPProvider{
			Endpoint:  conf.Endpoint,
			Transport: transport,
			MaxSize:   int64(conf.MaxSectorSize),
		}

	case "s3":
		s3Provider, err := provider.NewS3Provider(ctx, conf.S3)
		if err != nil {
			return nil, nil, err
		}
		source = s3Provider

	case "dir":
		source = provider.DirProvider{Root: conf.Dir}

	default:
		return nil, nil, errors.New("unknown provider").WithTag("provider", conf.Type)
	}

	if conf.RateLimit > 0 {
		source = provider.WithRateLimit(source, conf.RateLimit)
	}
	source, err := provider.WithDecompression(source, conf.MaxSectorSize)
	if err != nil {
		return nil, nil, err
	}
	source = provider.WithChecksums(source)

	closeSource := func() {}
	if conf.DiskCachePath != "" {
		diskCache, err := provider.OpenDiskCache(conf.DiskCachePath, conf.DiskCacheSize)
		if err != nil {
			return nil, nil, err
		}
		source = provider.WithDiskCache(source, diskCache)

		closeSource = func() {
			if err := diskCache.Close(); err != nil {
				logs.Warn(errors.New("closing disk cache failed").Wrap(err))
			}
		}
	}

	source = provider.WithMetrics(source, conf.Type)
	source = provider.WithLogs(source)
	return source, closeSource, nil
}

// checkReadiness marks the server ready once the smoke test model loads.
// The server is ready right away when no smoke test model is configured.
func checkReadiness(ctx context.Context, source provider.Source, modelID string, ready *atomic.Bool) {
	if modelID == "" {
		ready.Store(true)
		return
	}

	ticker := time.NewTicker(time.Second * 15)
	defer ticker.Stop()

	for {
		runCtx, cancel := context.WithTimeout(ctx, time.Second*30)
		_, err := smoketest.Run(runCtx, source, modelID)
		cancel()

		if err == nil {
			logs.WithTag("model_id", modelID).Info("sector provider ready")
			ready.Store(true)
			return
		}
		logs.Warn(err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	switch conf.Provider.Type {
	case "http":
		if _, err := url.ParseRequestURI(conf.Provider.Endpoint); err != nil {
			return errors.New("invalid provider endpoint").Wrap(err)
		}

	case "dir":
		if conf.Provider.Dir == "" {
			return errors.New("empty provider directory")
		}

	case "s3":
		if conf.Provider.S3.Bucket == "" {
			return errors.New("empty s3 bucket")
		}

	default:
		return errors.New("unknown provider").WithTag("provider", conf.Provider.Type)
	}

	if conf.Provider.MaxSectorSize <= 0 {
		return errors.New("max sector size must be positive")
	}
	return nil
}
