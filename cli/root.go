// Package cli provides the command-line entry points for the YiVideo
// orchestration core: the gateway server and the worker process. Both share
// one configuration surface resolved through Viper from flags, environment
// variables (YIVIDEO_ prefix) and an optional YAML config file.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wionch/yivideo/callback"
	"github.com/wionch/yivideo/common"
	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/gateway"
	"github.com/wionch/yivideo/gpulock"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/nodes"
	"github.com/wionch/yivideo/queue"
	redisqueue "github.com/wionch/yivideo/queue/redis"
	"github.com/wionch/yivideo/statemanager"
	"github.com/wionch/yivideo/storage"
	"github.com/wionch/yivideo/worker"
)

// Process exit codes on fatal init failures.
const (
	exitOK      = 0
	exitConfig  = 1
	exitBackend = 2
)

var cfgFile string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "yivideo",
	Short: "workflow orchestration core for the YiVideo processing platform",
	Long: `YiVideo orchestration core

An HTTP-fronted task gateway plus GPU-aware workers that schedule, execute,
cache and report a fixed catalog of video/audio compute nodes, coordinated
through Redis and an S3-compatible object store.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.yivideo.yaml)")
	RootCmd.PersistentFlags().Int("port", 0, "gateway HTTP port")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL")
	RootCmd.PersistentFlags().String("minio-endpoint", "", "object store endpoint")
	RootCmd.PersistentFlags().String("shared-path", "", "shared storage root")
	RootCmd.PersistentFlags().String("queue-backend", "", "work queue backend (redis|amqp)")

	_ = viper.BindPFlag("server.port", RootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("redis.url", RootCmd.PersistentFlags().Lookup("redis-url"))
	_ = viper.BindPFlag("minio.endpoint", RootCmd.PersistentFlags().Lookup("minio-endpoint"))
	_ = viper.BindPFlag("storage.shared_path", RootCmd.PersistentFlags().Lookup("shared-path"))
	_ = viper.BindPFlag("queue.backend", RootCmd.PersistentFlags().Lookup("queue-backend"))

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(workerCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".yivideo")
	}

	viper.SetEnvPrefix("YIVIDEO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig materializes the typed config; config errors exit with code 1.
func loadConfig() *config.Config {
	config.SetDefaults(viper.GetViper())
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(exitConfig)
	}
	return cfg
}

// deps bundles the shared backends.
type deps struct {
	cfg     *config.Config
	log     *logrus.Entry
	store   *kvstore.Store
	objects *storage.ObjectStore
	states  *statemanager.Manager
	queue   queue.Queue
	lock    *gpulock.Lock
	bus     *gpulock.CancelBus
	sender  *callback.Sender
}

// connect builds the shared backends; unreachable backends exit with code 2.
func connect(ctx context.Context, cfg *config.Config, service string) *deps {
	log := common.NewLogger(common.LoggerConfig{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: service,
	})

	store, err := kvstore.New(ctx, cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Error("redis unreachable")
		os.Exit(exitBackend)
	}

	objects, err := storage.New(ctx, cfg.Minio, log)
	if err != nil {
		log.WithError(err).Error("object store unreachable")
		os.Exit(exitBackend)
	}

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "amqp":
		q, err = queue.NewAMQPQueue(cfg.Queue.AMQPURL, cfg.Queue.Prefix)
		if err != nil {
			log.WithError(err).Error("message broker unreachable")
			os.Exit(exitBackend)
		}
	default:
		q = redisqueue.New(store.Client(), cfg.Queue.Prefix)
	}

	return &deps{
		cfg:     cfg,
		log:     log,
		store:   store,
		objects: objects,
		states:  statemanager.New(store, objects, cfg, log),
		queue:   q,
		lock:    gpulock.New(store, cfg.GPULock, cfg.Monitor, log),
		bus:     gpulock.NewCancelBus(store.Client(), log),
		sender:  callback.NewSender(cfg.Callback, log),
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the task gateway HTTP server and the lock monitor",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := connect(ctx, cfg, "yivideo-gateway")
		defer func() { _ = d.store.Close() }()
		defer func() { _ = d.queue.Close() }()

		monitor := gpulock.NewMonitor(d.store, d.lock, d.states, d.sender, d.bus, cfg.Monitor, d.log)
		monitor.Start(ctx)
		defer monitor.Stop()

		gw := gateway.New(d.states.Silent(), nodes.NewRegistry(), d.queue, d.store,
			d.objects, d.lock, monitor, d.sender, cfg, d.log)
		e := gateway.NewEchoServer(cfg.Server)
		gw.RegisterRoutes(e)

		go func() {
			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			d.log.WithField("addr", addr).Info("gateway listening")
			if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
				d.log.WithError(err).Error("server stopped unexpectedly")
				stop()
			}
		}()

		<-ctx.Done()
		d.log.Info("shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("graceful shutdown failed")
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the node worker pool",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := connect(ctx, cfg, "yivideo-worker")
		defer func() { _ = d.store.Close() }()
		defer func() { _ = d.queue.Close() }()

		registry := nodes.NewRegistry()
		engines := nodes.NewEngineClient(cfg.Engines, d.log)
		executor := nodes.NewExecutor(registry, d.states, d.lock, engines, d.sender, cfg, d.log)

		// Soft timeouts from the monitor arrive over the cancellation bus.
		d.bus.Subscribe(ctx, executor.CancelByToken)

		pool := worker.NewPool(d.queue, executor, cfg.Worker, registry.Names(), d.log)
		pool.Start()

		<-ctx.Done()
		d.log.Info("shutting down worker")
		pool.Stop()
	},
}

// Execute runs the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}
