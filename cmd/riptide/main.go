// Command riptide is the minimal CLI front end for the extraction pipeline:
// flag-based seed gathering, graceful shutdown on SIGINT/SIGTERM, and
// JSON-lines result streaming over riptide.New's ExtractionPipeline.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	riptide "github.com/riptide-run/riptide"
	"github.com/riptide-run/riptide/internal/config"
	"github.com/riptide-run/riptide/internal/telemetry/health"
	"github.com/riptide-run/riptide/models"
)

func main() {
	var (
		seedList      string
		seedFile      string
		concurrency   int
		stealthPreset string
		metricsAddr   string
		configPath    string
		showVersion   bool
	)

	flag.StringVar(&seedList, "seeds", "", "Comma separated list of seed URLs")
	flag.StringVar(&seedFile, "seed-file", "", "Path to file containing one seed URL per line")
	flag.IntVar(&concurrency, "concurrency", 0, "Max concurrent extractions (0 = default)")
	flag.StringVar(&stealthPreset, "stealth", "low", "Stealth preset: none|low|medium|high")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (e.g. :2112); empty disables metrics")
	flag.StringVar(&configPath, "config", "", "Path to a YAML file of hot-reloadable tunables (gate thresholds, resource limits); empty disables hot reload")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("riptide extraction CLI")
		return
	}

	seeds, err := gatherSeeds(seedList, seedFile)
	if err != nil {
		log.Fatalf("collect seeds: %v", err)
	}
	if len(seeds) == 0 {
		fmt.Println("No seeds provided. Use -seeds or -seed-file. Example: -seeds https://example.com,https://example.org")
		os.Exit(1)
	}

	cfg, err := riptide.ConfigFromEnv()
	if err != nil {
		log.Fatalf("parse environment: %v", err)
	}
	cfg.Stealth = models.StealthPreset(stealthPreset)
	if concurrency > 0 {
		cfg.Extraction.MaxConcurrency = concurrency
	}
	cfg.MetricsEnabled = metricsAddr != ""

	rt, err := riptide.New(cfg)
	if err != nil {
		log.Fatalf("create runtime: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if metricsAddr != "" && rt.MetricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.MetricsHandler)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			snap := rt.Health.Evaluate(r.Context())
			w.Header().Set("Content-Type", "application/json")
			if snap.Overall == health.StatusUnhealthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(snap)
		})
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		watcher, err := config.NewReloadWatcher(configPath)
		if err != nil {
			log.Fatalf("watch config: %v", err)
		}
		defer func() { _ = watcher.Stop() }()

		if initial, err := config.Load(configPath); err == nil {
			rt.ApplyTunables(initial)
		} else {
			log.Printf("config load: %v", err)
		}

		updates, errs := watcher.Watch(ctx)
		go func() {
			for {
				select {
				case t, ok := <-updates:
					if !ok {
						return
					}
					rt.ApplyTunables(t)
					log.Printf("config reloaded from %s", configPath)
				case err, ok := <-errs:
					if !ok {
						return
					}
					log.Printf("config reload: %v", err)
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	results, stats := rt.Pipeline.CrawlBatch(ctx, seeds, models.DefaultCrawlOptions())

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if r.Err != nil {
			_ = enc.Encode(map[string]string{"url": r.URL, "error": r.Err.Error()})
			continue
		}
		_ = enc.Encode(r.Doc)
	}

	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== BATCH STATS %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}

func gatherSeeds(seedList, seedFile string) ([]string, error) {
	seeds := []string{}
	if seedList != "" {
		for _, s := range strings.Split(seedList, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				seeds = append(seeds, s)
			}
		}
	}
	if seedFile != "" {
		f, err := os.Open(seedFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				seeds = append(seeds, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]struct{}, len(seeds))
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
