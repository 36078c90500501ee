// Copyright 2025 Aura Protocol

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aura-fabric/coord-core/pkg/amp"
	"github.com/aura-fabric/coord-core/pkg/bridge"
	"github.com/aura-fabric/coord-core/pkg/ceremony"
	"github.com/aura-fabric/coord-core/pkg/config"
	"github.com/aura-fabric/coord-core/pkg/dkg"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
	"github.com/aura-fabric/coord-core/pkg/kvstore"
	"github.com/aura-fabric/coord-core/pkg/memeffects"
	"github.com/aura-fabric/coord-core/pkg/pgjournal"
	"github.com/aura-fabric/coord-core/pkg/threshold"
	"github.com/aura-fabric/coord-core/pkg/tree"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		authorityFlag = flag.String("authority-id", "", "Authority id (overrides AURA_AUTHORITY_ID env var)")
		showHelp      = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	log.Printf("starting aura-authority node")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration:", err)
	}

	authorityID, err := resolveAuthorityID(*authorityFlag)
	if err != nil {
		log.Fatal("failed to resolve authority id:", err)
	}
	log.Printf("authority id: %s", authorityID)

	var overrides *config.PolicyOverrides
	if cfg.PolicyOverridesPath != "" {
		overrides, err = config.LoadPolicyOverrides(cfg.PolicyOverridesPath)
		if err != nil {
			log.Fatalf("failed to load policy overrides from %s: %v", cfg.PolicyOverridesPath, err)
		}
		log.Printf("loaded policy overrides from %s (environment=%s)", cfg.PolicyOverridesPath, overrides.Environment)
	}

	storage, secure, err := buildStorage(cfg)
	if err != nil {
		log.Fatal("failed to initialize storage backend:", err)
	}
	log.Printf("storage backend: %s", cfg.StorageBackend)

	var pgStore *pgjournal.Store
	if cfg.StorageBackend == "postgres" {
		pgStore, err = pgjournal.NewStore(cfg.PostgresURL, 10, 2, 30*time.Minute)
		if err != nil {
			log.Fatal("failed to connect to postgres fact journal:", err)
		}
		if err := pgStore.MigrateUp(context.Background()); err != nil {
			log.Fatal("failed to run pgjournal migrations:", err)
		}
		defer pgStore.Close()
		log.Printf("connected postgres fact journal mirror")
	}

	random := memeffects.CSPRNG{}
	transport := memeffects.NewTransport()

	j := journal.New()
	var facts journal.Store = j
	if pgStore != nil {
		facts = &dualFactSink{primary: j, mirror: pgStore}
	}

	thresholdMgr := threshold.NewManager(secure, storage)
	trees := tree.NewStore(storage, thresholdMgr)
	ceremonies := ceremony.NewEngine(thresholdMgr, facts, trees)
	ampEngine := amp.NewEngine(storage, secure, random, facts)

	dkgBackend := dkg.NewLocalBackend()
	metrics := bridge.NewMetrics(prometheus.DefaultRegisterer)
	orchestrator := bridge.NewOrchestrator(transport, ceremonies, metrics, dkgBackend, facts)

	_ = ampEngine // wired for RPC handlers not exercised by this entrypoint's HTTP surface yet

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())

	go pollAcceptances(ctx, orchestrator)

	go func() {
		log.Printf("api listening on %s", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server failed:", err)
		}
	}()
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server failed:", err)
		}
	}()

	log.Printf("aura-authority ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down aura-authority")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("api server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("aura-authority stopped")
}

// pollAcceptances drains ceremony-acceptance envelopes off the transport
// inbox until ctx is cancelled. A production deployment would instead
// block on the transport's underlying transport (e.g. a message queue
// consumer); the in-process memeffects.Transport this entrypoint uses
// has no blocking receive, so this loop
// polls on an interval.
func pollAcceptances(ctx context.Context, orchestrator *bridge.Orchestrator) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orchestrator.ProcessCeremonyAcceptances(ctx); err != nil {
				log.Printf("process ceremony acceptances: %v", err)
			}
		}
	}
}

func resolveAuthorityID(flagValue string) (ids.AuthorityId, error) {
	if flagValue != "" {
		return ids.ParseAuthorityId(flagValue)
	}
	if env := os.Getenv("AURA_AUTHORITY_ID"); env != "" {
		return ids.ParseAuthorityId(env)
	}
	id := ids.NewAuthorityId()
	log.Printf("AURA_AUTHORITY_ID not set, generated ephemeral authority id %s", id)
	return id, nil
}

// buildStorage selects the Storage/SecureStorage backend per
// cfg.StorageBackend: "memory" (pkg/memeffects, tests/dev only),
// "kvstore" (pkg/kvstore over a CometBFT dbm.DB), or "postgres" (the
// fact journal itself mirrors to pkg/pgjournal separately; ceremony,
// tree, and threshold state still need a Storage/SecureStorage pair, so
// postgres deployments also open a local kvstore for that state).
func buildStorage(cfg *config.Config) (effects.Storage, effects.SecureStorage, error) {
	switch cfg.StorageBackend {
	case "memory":
		return memeffects.NewStore(), memeffects.NewSecureStore(), nil
	case "kvstore", "postgres":
		if err := os.MkdirAll(cfg.KVStorePath, 0o755); err != nil {
			return nil, nil, err
		}
		db, err := dbm.NewGoLevelDB("aura-authority", cfg.KVStorePath)
		if err != nil {
			return nil, nil, err
		}
		return kvstore.NewStore(db), kvstore.NewSecureStore(db), nil
	default:
		return memeffects.NewStore(), memeffects.NewSecureStore(), nil
	}
}

// dualFactSink inserts every fact into the in-process journal.Journal (the
// source of truth ceremony/amp query synchronously) and mirrors successful
// inserts into a durable pgjournal.Store. A mirror failure is logged, not
// returned: the in-memory insert already succeeded and the caller's
// ceremony/channel state has already advanced, so failing the whole
// operation over a postgres hiccup would make the durable mirror a
// liveness dependency it isn't meant to be.
type dualFactSink struct {
	primary *journal.Journal
	mirror  journal.FactSink
}

func (d *dualFactSink) InsertFact(ctx context.Context, f journal.Fact) (bool, error) {
	inserted, err := d.primary.InsertFact(ctx, f)
	if err != nil || !inserted {
		return inserted, err
	}
	if _, err := d.mirror.InsertFact(ctx, f); err != nil {
		log.Printf("pgjournal mirror insert failed for fact %s: %v", f.ID, err)
	}
	return inserted, nil
}

func (d *dualFactSink) FetchContextJournal(ctx ids.ContextId) *journal.Journal {
	return d.primary.FetchContextJournal(ctx)
}

func (d *dualFactSink) AllFacts() []journal.Fact {
	return d.primary.AllFacts()
}

func printHelp() {
	log.Printf(`aura-authority: the coordination-core process for one Aura authority.

Usage:
  aura-authority [flags]

Flags:
  -authority-id string   authority id (overrides AURA_AUTHORITY_ID)
  -help                  show this message

Environment:
  AURA_HOST, AURA_PORT, AURA_METRICS_PORT
  AURA_STORAGE_BACKEND (memory|kvstore|postgres), AURA_KVSTORE_PATH, AURA_POSTGRES_URL
  AURA_CEREMONY_DEADLINE, AURA_POLICY_OVERRIDES_PATH, AURA_LOG_LEVEL
`)
}
