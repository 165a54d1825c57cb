package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/gateway"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/media"
	"github.com/discord-voice-bridge/internal/metrics"
	"github.com/discord-voice-bridge/internal/notify"
	"github.com/discord-voice-bridge/internal/store"
	"github.com/discord-voice-bridge/internal/voice"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Connect to Discord and run voice connections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "guild", Usage: "guild to join on startup"},
			&cli.StringFlag{Name: "channel", Usage: "voice channel to join on startup"},
			&cli.StringFlag{Name: "file", Usage: "WAV file to play once joined"},
			&cli.StringFlag{Name: "media-root", Usage: "resolve relative file paths under this directory"},
			&cli.StringSliceFlag{Name: "env-file", Usage: "dotenv files to load", Value: cli.NewStringSlice(".env")},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	if err := config.LoadEnv(c.StringSlice("env-file")...); err != nil {
		return cli.Exit("load env: "+err.Error(), 1)
	}
	logging.Init()
	defer logging.Sync()

	discordCfg, err := config.NewDiscordConfigFromEnv()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	voiceCfg, err := config.NewVoiceConfigFromEnv()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	redisCfg, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	minioCfg, err := config.NewMinioConfigFromEnv()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	svcCfg, err := config.NewServiceConfigFromEnv()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	snapshots, err := openStore(ctx, redisCfg)
	if err != nil {
		return cli.Exit("snapshot store: "+err.Error(), 1)
	}
	var uploader media.Uploader
	if minioCfg.Enabled() {
		up, err := media.NewMinioUploader(minioCfg.Endpoint, minioCfg.Username, minioCfg.Password, minioCfg.Bucket, minioCfg.Secure)
		if err != nil {
			return cli.Exit("minio: "+err.Error(), 1)
		}
		if err := up.EnsureBucket(ctx); err != nil {
			return cli.Exit("minio bucket: "+err.Error(), 1)
		}
		uploader = up
		logging.Infow("artifacts will be uploaded", "endpoint", minioCfg.Endpoint, "bucket", minioCfg.Bucket)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg, "voice")
	metricsSrv := startMetrics(svcCfg.Metrics.Addr, promReg)

	poster := notify.NewHTTPNotifier(&http.Client{}, notify.Options{
		Timeout:     svcCfg.Notify.Timeout,
		MaxInterval: svcCfg.Notify.MaxInterval,
		MaxElapsed:  svcCfg.Notify.MaxElapsed,
	})

	dg, err := discordgo.New("Bot " + discordCfg.Token)
	if err != nil {
		return cli.Exit("discordgo: "+err.Error(), 1)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	// The adapter needs the registry and the registry's notifier needs the
	// adapter; nothing is emitted before adapter is assigned.
	var adapter *gateway.Adapter
	rejoin := notify.Func(func(e notify.Event) { adapter.ReconnectNotifier().Notify(e) })

	registry := voice.NewRegistry(voice.Options{
		PortMin:            voiceCfg.UDPPortMin,
		PortMax:            voiceCfg.UDPPortMax,
		GatewayVersion:     voiceCfg.GatewayVersion,
		LookAhead:          voiceCfg.LookAhead,
		PauseThreshold:     voiceCfg.PauseThreshold,
		IdleTimeout:        voiceCfg.IdleTimeout,
		ReconnectDelay:     voiceCfg.ReconnectDelay,
		MaxRetries:         voiceCfg.MaxRetries,
		RecordingDir:       voiceCfg.RecordingDir,
		DefaultCallbackURL: voiceCfg.CallbackURL,
		Store:              snapshots,
		Notifier:           notify.Multi{poster, rejoin},
		Metrics:            collector,
		Finalizer:          media.NewFinalizer(voiceCfg.RecordingDir, uploader),
		Discoverer:         discoverer(voiceCfg),
	})
	adapter = gateway.New(registry, dg, voiceCfg.CallbackURL).WithNames(gateway.NewNames(dg))
	adapter.Register(dg)

	if err := os.MkdirAll(voiceCfg.RecordingDir, 0o755); err != nil {
		return cli.Exit("recording dir: "+err.Error(), 1)
	}
	wg.Add(1)
	media.StartArtifactCleaner(ctx, &wg, voiceCfg.RecordingDir, svcCfg.Retention.Retention, svcCfg.Retention.Interval, svcCfg.Retention.MaxFiles)

	if err := dg.Open(); err != nil {
		return cli.Exit("discord session open: "+err.Error(), 1)
	}
	logging.Infow("discord session opened", "intents", dg.Identify.Intents)
	if err := registry.Restore(ctx); err != nil {
		logging.Warnw("restore connections", "err", err)
	}

	if guild, channel := c.String("guild"), c.String("channel"); guild != "" && channel != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			joinAndPlay(ctx, adapter, registry, guild, channel, c.String("media-root"), c.String("file"))
		}()
	}

	<-ctx.Done()
	logging.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("registry shutdown", "err", err)
	}
	if err := poster.Close(shutdownCtx); err != nil {
		logging.Warnw("notifier shutdown", "err", err)
	}
	if err := dg.Close(); err != nil {
		logging.Warnw("discord session close", "err", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	logging.Infow("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.RedisConfig) (voice.Store, error) {
	if !cfg.Enabled() {
		logging.Infow("using in-memory snapshot store")
		return store.NewMemory(), nil
	}
	client, err := store.DialRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	logging.Infow("using redis snapshot store", "addr", cfg.Addr, "prefix", cfg.Prefix)
	return store.NewRedis(client, cfg.Prefix), nil
}

func discoverer(cfg *config.VoiceConfig) voice.AddressDiscoverer {
	if cfg.AddressDiscovery == "http" {
		return voice.HTTPDiscoverer{URL: cfg.PublicAddressURL, Client: &http.Client{Timeout: 5 * time.Second}}
	}
	return voice.UDPDiscoverer{Timeout: 5 * time.Second}
}

func startMetrics(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("metrics server", "addr", addr, "err", err)
		}
	}()
	logging.Infow("metrics listening", "addr", addr)
	return srv
}

func joinAndPlay(ctx context.Context, adapter *gateway.Adapter, registry *voice.Registry, guild, channel, root, file string) {
	fields := logging.Join(logging.GuildFields(guild), logging.ChannelFields(channel))
	if file != "" {
		path, err := media.FileResolver{Root: root}.Resolve(ctx, file)
		if err != nil {
			logging.Errorw("startup file rejected", logging.Join(fields, []interface{}{"file", file, "err", err})...)
			return
		}
		registry.ContentUpdate(guild, path)
	}
	if err := adapter.Join(guild, channel); err != nil {
		logging.Errorw("voice join failed", logging.Join(fields, []interface{}{"err", err})...)
		return
	}
	if err := registry.AwaitConnected(ctx, guild, 100, 200*time.Millisecond); err != nil {
		logging.Warnw("voice connection not established", logging.Join(fields, []interface{}{"err", err})...)
		return
	}
	logging.Infow("voice connected", fields...)
}
