package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/actor"
	"github.com/nimbusrun/nimbus/internal/actorkv"
	"github.com/nimbusrun/nimbus/internal/api"
	"github.com/nimbusrun/nimbus/internal/authtoken"
	"github.com/nimbusrun/nimbus/internal/config"
	"github.com/nimbusrun/nimbus/internal/epoxy"
	"github.com/nimbusrun/nimbus/internal/gateway"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/boltkv"
	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/kv/pgkv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/nimbusrun/nimbus/internal/pubsub/pgbus"
	"github.com/nimbusrun/nimbus/internal/pubsub/redisbus"
	"github.com/nimbusrun/nimbus/internal/runner"
	"github.com/nimbusrun/nimbus/internal/serverless"
	"github.com/nimbusrun/nimbus/internal/tunnel"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nimbusd",
	Short:   "nimbusd runs a Nimbus zone: actor scheduling, runner pools and the gateway",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nimbusd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill-runner-name-selector",
	Short: "One-shot: restore the pending-placement index for actors created before it existed",
	RunE:  runBackfill,
}

func init() {
	backfillCmd.Flags().String("data-dir", "./data", "Data directory for the embedded KV driver")
	backfillCmd.Flags().String("kv-driver", "memory", "Transactional KV driver: memory, bolt, postgres")
	backfillCmd.Flags().String("postgres-dsn", "", "Postgres DSN, required by the postgres KV driver")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("kv-driver"); v != "" {
		cfg.KVDriver = config.KVDriver(v)
	}
	if v, _ := cmd.Flags().GetString("postgres-dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	driver, closeDriver, err := openKV(cfg)
	if err != nil {
		return fmt.Errorf("open kv driver: %w", err)
	}
	defer closeDriver()

	migrated, err := actor.BackfillRunnerNameSelector(context.Background(), driver)
	if err != nil {
		return err
	}
	log.Logger.Info().Int("migrated", migrated).Msg("backfill complete")
	return nil
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nimbusd engine: workflow workers, gateway and control-plane API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("bind-addr", ":8080", "HTTP bind address for the control-plane API and gateway")
	serveCmd.Flags().String("data-dir", "./data", "Data directory for the embedded KV driver")
	serveCmd.Flags().String("kv-driver", "memory", "Transactional KV driver: memory, bolt, postgres")
	serveCmd.Flags().String("pubsub-driver", "memory", "Pub/sub driver: memory, postgres, redis")
	serveCmd.Flags().String("postgres-dsn", "", "Postgres DSN, required by the postgres KV/pubsub drivers")
	serveCmd.Flags().String("redis-addr", "", "Redis address, required by the redis pubsub driver")
	serveCmd.Flags().String("zone", "local", "This process's zone name")
	serveCmd.Flags().StringToString("peer-zone", map[string]string{}, "zone=base_url pairs for cross-zone proxying, may repeat")
	serveCmd.Flags().Bool("epoxy-enable", false, "Run an EPaxos replica for the cross-zone directories")
	serveCmd.Flags().StringSlice("epoxy-replica", nil, "Replica ids in this epoxy cluster, including this node's own id; required with --epoxy-enable")
	serveCmd.Flags().String("epoxy-replica-id", "", "This node's own replica id; defaults to --zone")
	serveCmd.Flags().String("auth-key", "", "HMAC key for signing/verifying actor bearer tokens; empty disables token enforcement")
	serveCmd.Flags().Duration("auth-token-ttl", 0, "Actor token lifetime; zero means tokens never expire")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv(config.Default())
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" && cmd.Flags().Changed("bind-addr") {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" && cmd.Flags().Changed("data-dir") {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("kv-driver"); v != "" && cmd.Flags().Changed("kv-driver") {
		cfg.KVDriver = config.KVDriver(v)
	}
	if v, _ := cmd.Flags().GetString("pubsub-driver"); v != "" && cmd.Flags().Changed("pubsub-driver") {
		cfg.PubSubDriver = config.PubSubDriver(v)
	}
	if v, _ := cmd.Flags().GetString("postgres-dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
		cfg.RedisAddr = v
	}
	if v, _ := cmd.Flags().GetString("zone"); v != "" && cmd.Flags().Changed("zone") {
		cfg.Zone = v
	}
	if peers, _ := cmd.Flags().GetStringToString("peer-zone"); len(peers) > 0 {
		cfg.PeerZones = peers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.Logger.With().Str("zone", cfg.Zone).Logger()
	logger.Info().Str("bind_addr", cfg.BindAddr).Str("kv_driver", string(cfg.KVDriver)).Str("pubsub_driver", string(cfg.PubSubDriver)).Msg("nimbusd starting")

	driver, closeDriver, err := openKV(cfg)
	if err != nil {
		return fmt.Errorf("open kv driver: %w", err)
	}
	defer closeDriver()

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		return fmt.Errorf("open pubsub driver: %w", err)
	}
	defer closeBus()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine := workflow.New(driver, bus, m)
	actor.RegisterWorkflow(engine)
	actor.RegisterActivities(engine, driver, m)
	runner.RegisterWorkflow(engine)
	runner.RegisterActivities(engine, driver, m)
	runner.RegisterPoolWorkflow(engine)
	runner.RegisterPoolActivities(engine, driver, m)
	serverless.RegisterWorkflow(engine)
	serverless.RegisterActivities(engine, serverless.NewHTTPRequester(nil), bus, m)

	pool := workflow.NewWorkerPool(engine, []string{
		actor.WorkflowName,
		runner.WorkflowName,
		runner.PoolWorkflowName,
		serverless.WorkflowName,
	})
	pool.Start()
	defer pool.Stop()

	sweeper := runner.NewExpirySweeper(driver, engine, cfg.RunnerLostThreshold, 15*time.Second)
	sweeper.Start()
	defer sweeper.Stop()

	metricsAggregator := actor.NewMetricsAggregator(driver, m, 30*time.Second)
	metricsAggregator.Start()
	defer metricsAggregator.Stop()

	kvStore := actorkv.New(driver, m)

	gatewayID := "gw-" + cfg.Zone + "-" + uuid.NewString()[:8]
	gw := gateway.New(gatewayID, cfg.Zone, cfg.PeerZones, tunnel.New(gatewayID, bus, m, nil), bus, driver, engine, kvStore, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer gw.Stop()

	apiServer := api.New(driver, engine, kvStore, m, cfg.Zone, cfg.PeerZones)

	if authKey, _ := cmd.Flags().GetString("auth-key"); authKey != "" {
		ttl, _ := cmd.Flags().GetDuration("auth-token-ttl")
		issuer := authtoken.NewIssuer([]byte(authKey), ttl)
		apiServer.Auth = issuer
		gw.Auth = issuer
	}

	if enable, _ := cmd.Flags().GetBool("epoxy-enable"); enable {
		replicas, _ := cmd.Flags().GetStringSlice("epoxy-replica")
		if len(replicas) == 0 {
			return fmt.Errorf("--epoxy-enable requires --epoxy-replica")
		}
		replicaID, _ := cmd.Flags().GetString("epoxy-replica-id")
		if replicaID == "" {
			replicaID = cfg.Zone
		}
		clusterCfg := epoxy.NewClusterConfig(replicas)
		replica := epoxy.NewReplica(replicaID, driver, bus, clusterCfg, m)
		go func() {
			if err := replica.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("epoxy replica stopped")
			}
		}()
		defer replica.Close()
		apiServer.Replica = replica
		logger.Info().Str("replica_id", replicaID).Strs("peers", replicas).Msg("epoxy replica enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/gateway/", gw)
	mux.Handle("/", apiServer.Router())

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.BindAddr).Msg("nimbusd listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("nimbusd shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("nimbusd http server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openKV(cfg *config.Config) (kv.Driver, func(), error) {
	switch cfg.KVDriver {
	case config.KVDriverMemory:
		d := memkv.New()
		return d, func() { _ = d.Close() }, nil
	case config.KVDriverBolt:
		d, err := boltkv.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	case config.KVDriverPostgres:
		d, err := pgkv.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		sweeper := pgkv.NewSweeper(d)
		sweeper.Start()
		return d, func() { sweeper.Stop(); _ = d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown kv driver %q", cfg.KVDriver)
	}
}

func openBus(cfg *config.Config) (pubsub.Bus, func(), error) {
	switch cfg.PubSubDriver {
	case config.PubSubDriverMemory:
		b := membus.New()
		return b, func() { _ = b.Close() }, nil
	case config.PubSubDriverPostgres:
		b, err := pgbus.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	case config.PubSubDriverRedis:
		b, err := redisbus.Open(cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown pubsub driver %q", cfg.PubSubDriver)
	}
}
