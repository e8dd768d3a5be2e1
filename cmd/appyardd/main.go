package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/appyard/appyard/auth"
	"github.com/appyard/appyard/config"
	"github.com/appyard/appyard/japi"
	"github.com/appyard/appyard/metrics"
	"github.com/appyard/appyard/pool"
	"github.com/appyard/appyard/poolserver"
	"github.com/appyard/appyard/spawn"
	"github.com/appyard/appyard/stats"
)

func main() {
	log.Printf("starting appyardd")
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("APPYARD_CONFIG"))
	if err != nil {
		log.Fatalf("config.Load: %v", err)
	}

	log.Printf("building spawn client")
	var spawner spawn.Spawner
	if cfg.Spawn.SocketPath != "" {
		spawner = spawn.NewClient("http://spawn", japi.UnixSocket(cfg.Spawn.SocketPath))
	} else {
		spawner = spawn.NewClient(cfg.Spawn.URL)
	}

	log.Printf("building pool")
	timings := stats.NewRegistry()
	mets := metrics.NewCollector()
	p := pool.NewStandard(spawner,
		pool.Max(cfg.Pool.Max),
		pool.MaxPerApp(cfg.Pool.MaxPerApp),
		pool.MaxIdleTime(cfg.Pool.MaxIdle),
		pool.GetTimeout(cfg.Pool.GetTimeout),
		pool.CleanInterval(cfg.Pool.CleanInterval),
		pool.Timings(timings),
		pool.Metrics(mets),
	)

	servOpts := []poolserver.Opt{poolserver.Metrics(mets)}
	if cfg.Auth.PublicKey != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.PublicKey, cfg.Server.Name, 30*time.Second)
		if err != nil {
			log.Fatalf("auth.NewVerifier: %v", err)
		}
		servOpts = append(servOpts, poolserver.Verifier(verifier))
	}
	if cfg.Server.RateLimit > 0 {
		servOpts = append(servOpts, poolserver.Limit(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst))
	}

	srv, err := poolserver.New(p, cfg.Server.SocketPath, servOpts...)
	if err != nil {
		log.Fatalf("poolserver.New: %v", err)
	}

	if cfg.Metrics.Addr != "" {
		go serveDebug(cfg.Metrics.Addr, mets, timings)
	}

	log.Printf("running server")
	if err := poolserver.RunWithSignals(srv, time.Second); err != nil {
		log.Fatalf("RunWithSignals: %v", err)
	}
}

// serveDebug exposes metrics and timing stats over HTTP.
func serveDebug(addr string, mets *metrics.Collector, timings *stats.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", mets.Handler())
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(timings.Snapshot())
	})

	log.Printf("debug listener on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("debug listener: %v", err)
	}
}
