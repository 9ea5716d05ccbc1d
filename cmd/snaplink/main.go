package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snaplink/cfg"
	"snaplink/metrics"
	"snaplink/pkg/kms"
	"snaplink/svc/api"
	"snaplink/svc/db"
	"snaplink/svc/lim"
	"snaplink/svc/svc"
	"snaplink/svc/util"
)

const identityKeyPurpose = "viewer-identity"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	util.InitLog("info", false)
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.IsDev())
	util.Info().Str("environment", c.Environment).Msg("starting snaplink")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.Open(c)
	if err != nil {
		util.Error().Err(err).Str("storage", store.Kind()).Msg("preferred storage backend unavailable")
	}
	defer store.Close()

	keys, err := loadKeys(ctx, c)
	if err != nil {
		// Without a master key nothing may be sealed or opened; every
		// operation reports a configuration error instead.
		util.Error().Err(err).Str("key", c.MasterKeyName).Msg("master key unavailable, serving configuration errors")
		store = db.NewUnconfigured()
		keys, err = ephemeralKeys()
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create ephemeral key")
			os.Exit(1)
		}
	}
	defer keys.Wipe()
	if store.Durable() {
		metrics.StorageDurable.Set(1)
	} else {
		metrics.StorageDurable.Set(0)
	}
	util.Info().Str("storage", store.Kind()).Bool("durable", store.Durable()).Msg("record store ready")

	idKey, err := keys.DeriveKey(identityKeyPurpose)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to derive identity key")
		os.Exit(1)
	}
	ids, err := util.NewIdentityHasher(idKey)
	util.Wipe(idKey)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize identity hasher")
		os.Exit(1)
	}
	defer ids.Stop()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			util.Warn().Err(err).Msg("redis unavailable, rate limits are per instance")
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	window, purgers := viewLimiter(c, store, rdb)
	util.Info().
		Str("backend", window.Backend()).
		Int("limit", window.Limit()).
		Dur("window", window.Period()).
		Msg("view rate limiter initialized")

	access := svc.NewAccess(svc.NewRecords(store, keys), window, ids, svc.Options{MaxContentLength: c.MaxContentLength})

	create := lim.NewCreateLimiter(c.RateLimit.CreateRPM, c.RateLimit.CreateBurst)
	anomaly := lim.NewAnomalyDetector(create.TriggerAdaptiveMode)
	anomaly.Start()
	defer anomaly.Stop()

	cleaner := svc.NewCleaner(store, c.CleanupInterval, c.TombstoneRetention, purgers...)
	if err := cleaner.Start(ctx); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	}

	walDone := make(chan struct{})
	if sq, ok := store.(*db.SQLite); ok {
		go func() {
			defer close(walDone)
			sq.StartWALMaintenance(ctx, 0)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	server := api.NewServer(c, access, create, anomaly, ids, rdb)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	if err := access.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("in-flight operations did not finish")
	}
	cancel()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-shutdownCtx.Done():
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

func loadKeys(ctx context.Context, c *cfg.Cfg) (*kms.KeyManager, error) {
	src, err := kms.NewSecretSource(ctx)
	if err != nil {
		return nil, err
	}
	util.Info().Str("source", src.Name()).Msg("secret source initialized")
	return kms.LoadMasterKey(ctx, src, c.MasterKeyName)
}

// ephemeralKeys backs the identity hasher when no master key is loaded.
func ephemeralKeys() (*kms.KeyManager, error) {
	raw, err := kms.NewDataKey()
	if err != nil {
		return nil, err
	}
	defer util.Wipe(raw)
	return kms.NewKeyManager(hex.EncodeToString(raw))
}

// viewLimiter prefers Redis so limits hold across instances, then the
// record database, then process memory. The memory counter always backs
// the primary when it fails.
func viewLimiter(c *cfg.Cfg, store db.Store, rdb *db.Redis) (*lim.Window, []svc.Purger) {
	fallback := lim.NewMemoryCounter(0)
	var primary lim.Counter
	var purgers []svc.Purger
	if rdb != nil {
		primary = lim.NewRedisCounter(rdb)
	} else if sq, ok := store.(*db.SQLite); ok {
		counter := lim.NewSQLiteCounter(sq.DB())
		primary = counter
		purgers = append(purgers, counter)
	}
	if primary == nil {
		return lim.NewWindow(fallback, c.RateLimit.ViewLimit, c.RateLimit.ViewWindow), nil
	}
	return lim.NewWindow(primary, c.RateLimit.ViewLimit, c.RateLimit.ViewWindow).WithFallback(fallback), purgers
}

// healthCheck probes the local liveness endpoint for container health checks.
func healthCheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
