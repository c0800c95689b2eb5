package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/config"
	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/engine"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/health"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/registry"
	"github.com/readystack/readystackgo/internal/secrets"
	"github.com/readystack/readystackgo/internal/source"
	"github.com/readystack/readystackgo/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("ReadyStackGo " + version)
	fmt.Println("=============================================")
	fmt.Printf("RSGO_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("RSGO_DOCKER_SOCK=%s\n", cfg.LocalDockerSock)
	fmt.Printf("RSGO_HEALTH_INTERVAL=%s\n", cfg.HealthInterval)
	fmt.Printf("RSGO_PULL_PARALLELISM=%d\n", cfg.PullParallelism)
	fmt.Printf("RSGO_SNAPSHOT_KEEP=%d\n", cfg.SnapshotKeep)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	box, err := secrets.NewBox(cfg.SecretKeyBytes())
	if err != nil {
		log.Error("failed to initialise secret box", "error", err)
		os.Exit(1)
	}

	var tlsCfg *docker.TLSConfig
	if cfg.DockerTLSCA != "" || cfg.DockerTLSCert != "" || cfg.DockerTLSKey != "" {
		tlsCfg = &docker.TLSConfig{
			CACert:     cfg.DockerTLSCA,
			ClientCert: cfg.DockerTLSCert,
			ClientKey:  cfg.DockerTLSKey,
		}
	}
	manager := docker.NewManager(tlsCfg)
	defer manager.CloseAll()

	clk := clock.Real{}
	if err := ensureLocalEnvironment(db, cfg, log, clk); err != nil {
		log.Error("failed to seed local environment", "error", err)
		os.Exit(1)
	}

	// Build notification chain.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(
			cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID,
			cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	notifier := notify.NewMulti(log, notifiers...)

	daemons := &daemonSource{store: db, manager: manager}
	hub := progress.NewHub(cfg.ProgressRetention, clk)
	resolver := registry.NewResolver(db, box)
	eng := engine.New(db, daemons, resolver, box, hub, notifier, cfg, log, clk)
	monitor := health.New(db, daemons, hub, notifier, cfg, log, clk)
	sources := source.NewRegistry(db, cfg, log, clk)
	scheduler := source.NewScheduler(sources, log, clk)

	// Operations interrupted by the previous process are failed before any
	// loop starts, then their environments get an immediate health pass.
	affected, err := eng.RecoverInFlight(ctx)
	if err != nil {
		log.Error("recovery sweep failed", "error", err)
		os.Exit(1)
	}
	for _, envID := range affected {
		if err := monitor.Reconcile(ctx, envID); err != nil {
			log.Warn("post-recovery reconcile failed", "environment", envID, "error", err)
		}
	}

	go superviseMonitors(ctx, db, monitor, log)

	if cfg.MetricsTextfile != "" {
		go runTextfileExport(ctx, cfg, log)
		log.Info("metrics textfile export enabled", "path", cfg.MetricsTextfile, "interval", cfg.MetricsInterval)
	}

	log.Info("rsgd started", "version", version)

	if err := scheduler.Run(ctx); err != nil {
		log.Error("rsgd exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("rsgd shutdown complete")
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// ensureLocalEnvironment seeds the bootstrap environment on first start so a
// fresh install can deploy to the local daemon without any setup.
func ensureLocalEnvironment(db *store.Store, cfg *config.Config, log *logging.Logger, clk clock.Clock) error {
	envs, err := db.ListEnvironments()
	if err != nil {
		return err
	}
	if len(envs) > 0 {
		return nil
	}
	env := store.Environment{
		ID:        "local",
		Name:      "local",
		Endpoint:  cfg.LocalDockerSock,
		CreatedAt: clk.Now(),
	}
	if err := db.PutEnvironment(env); err != nil {
		return err
	}
	log.Info("seeded local environment", "endpoint", env.Endpoint)
	return nil
}

// superviseMonitors keeps one health loop per environment, starting loops
// for new environments and stopping loops for removed ones.
func superviseMonitors(ctx context.Context, db *store.Store, monitor *health.Monitor, log *logging.Logger) {
	loops := make(map[string]context.CancelFunc)
	defer func() {
		for _, stop := range loops {
			stop()
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		envs, err := db.ListEnvironments()
		if err != nil {
			log.Error("list environments", "error", err)
		} else {
			seen := make(map[string]bool, len(envs))
			for _, env := range envs {
				seen[env.ID] = true
				if _, ok := loops[env.ID]; ok {
					continue
				}
				envCtx, stop := context.WithCancel(ctx)
				loops[env.ID] = stop
				log.Info("starting health monitor", "environment", env.ID)
				go func(id string) {
					if err := monitor.Run(envCtx, id); err != nil {
						log.Error("health monitor exited", "environment", id, "error", err)
					}
				}(env.ID)
			}
			for id, stop := range loops {
				if !seen[id] {
					stop()
					delete(loops, id)
					log.Info("stopped health monitor", "environment", id)
				}
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// runTextfileExport periodically dumps the metric registry for the
// node_exporter textfile collector.
func runTextfileExport(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	ticker := time.NewTicker(cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				log.Warn("metrics textfile write failed", "path", cfg.MetricsTextfile, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// daemonSource resolves environment ids to Docker clients through the
// shared connection manager.
type daemonSource struct {
	store   *store.Store
	manager *docker.Manager
}

func (d *daemonSource) ClientFor(envID string) (docker.API, error) {
	env, err := d.store.GetEnvironment(envID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errdefs.NotFound("environment", envID)
		}
		return nil, err
	}
	return d.manager.Client(env.ID, env.Endpoint)
}
