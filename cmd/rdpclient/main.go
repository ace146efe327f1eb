// RDP client core - TLS trust resolution and bitmap caching
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command rdpclient connects to one or more RDP servers, resolves their
// certificate trust per the configured policy, and flushes each session's
// in-memory bitmap cache to the persistent sidecar file when a session that
// negotiated Bitmap Cache Rev2 closes.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/rdp-core-go/pkg/bitmapcache"
	"github.com/x-stp/rdp-core-go/pkg/certstore"
	"github.com/x-stp/rdp-core-go/pkg/config"
	"github.com/x-stp/rdp-core-go/pkg/metrics"
	"github.com/x-stp/rdp-core-go/pkg/rdp"
	"github.com/x-stp/rdp-core-go/pkg/trustpolicy"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.DefaultRuntime()
	var (
		targetsFile string
		verbose     bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "rdpclient",
		Short: "Connect to RDP servers and resolve their certificate trust",
		Long: `rdpclient dials one or more RDP servers, runs the TLS handshake and
certificate trust decision tree against each, and maintains a persistent
bitmap cache across runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			targets, err := loadTargets(targetsFile, args)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("no targets given: pass target host:port arguments or --targets a file")
			}

			return run(cmd.Context(), log, cfg, targets, concurrency)
		},
	}

	cmd.Flags().StringVar(&cfg.KnownHostsPath, "known-hosts", defaultPath("known_hosts"), "path to the certificate trust store")
	cmd.Flags().StringVar(&cfg.CertificatesJSONPath, "certificates-json", "", "path to certificates.json policy overrides")
	cmd.Flags().StringVar(&cfg.PersistentCachePath, "bitmap-cache", defaultPath("bitmap_cache.dat"), "path to the persistent bitmap cache sidecar file")
	cmd.Flags().StringVar(&cfg.KeyLogPath, "tls-keylog", "", "path to write TLS key log lines to, for offline decryption (debug only)")
	cmd.Flags().BoolVar(&cfg.IgnoreCertificate, "insecure-ignore-certificate", false, "accept any certificate unconditionally (DANGEROUS)")
	cmd.Flags().BoolVar(&cfg.AutoDenyChanged, "auto-deny-changed", false, "reject a changed certificate without prompting")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	cmd.Flags().StringVar(&targetsFile, "targets", "", "file of newline-separated host:port targets, in addition to any given as arguments")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 5, "number of targets to connect to concurrently")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.rdpclient/" + name
}

// loadTargets merges host:port arguments with the contents of a
// newline-separated targets file, defaulting a bare host to port 3389.
func loadTargets(targetsFile string, args []string) ([]string, error) {
	targets := append([]string{}, args...)

	if targetsFile != "" {
		f, err := os.Open(targetsFile)
		if err != nil {
			return nil, fmt.Errorf("open targets file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			targets = append(targets, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read targets file: %w", err)
		}
	}

	for i, t := range targets {
		if !strings.Contains(t, ":") {
			targets[i] = t + ":3389"
		}
	}
	return targets, nil
}

func run(ctx context.Context, log *zap.Logger, cfg config.Runtime, targets []string, concurrency int) error {
	for _, t := range targets {
		cfg.Target = t
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		serveMetrics(log, cfg.MetricsAddr, reg)
	}

	fileConfig, err := config.LoadCertificatesFile(cfg.CertificatesJSONPath)
	if err != nil {
		return fmt.Errorf("load certificates.json: %w", err)
	}

	store, err := certstore.Open(cfg.KnownHostsPath, log)
	if err != nil {
		return fmt.Errorf("open known-hosts store: %w", err)
	}

	var anchors trustpolicy.TrustAnchors
	if systemAnchors, err := trustpolicy.NewSystemAnchors(); err != nil {
		log.Warn("failed to load system trust anchors; chain verification will always fail", zap.Error(err))
	} else {
		anchors = systemAnchors
	}

	persistentCache := bitmapcache.NewPersistentStore(cfg.PersistentCachePath, log)
	persistentCache.SetMetrics(collectors)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			policy := &trustpolicy.Policy{
				Store:   store,
				Anchors: anchors,
				File:    fileConfig,
				Config: trustpolicy.Config{
					IgnoreCertificate: cfg.IgnoreCertificate,
					AutoDenyChanged:   cfg.AutoDenyChanged,
				},
				Callbacks: trustpolicy.Callbacks{
					OnNewIdentity:    promptAcceptNewIdentity(log),
					OnChangedIdentity: promptAcceptChangedIdentity(log),
				},
				Log:     log,
				Metrics: collectors,
			}

			if err := connectOne(gctx, log, target, policy, persistentCache, collectors, cfg.KeyLogPath, cfg.BitmapCacheCapacities); err != nil {
				log.Error("target failed", zap.String("target", target), zap.Error(err))
				return nil // one bad target must not cancel the others
			}
			return nil
		})
	}

	return g.Wait()
}

func connectOne(ctx context.Context, log *zap.Logger, target string, policy *trustpolicy.Policy, persistentCache *bitmapcache.PersistentStore, collectors *metrics.Collectors, keyLogPath string, cacheCapacities []int) error {
	opts := rdp.DefaultClientOptions()
	opts.TrustPolicy = policy
	opts.KeyLogPath = keyLogPath
	opts.EnableAutoDetect = true
	opts.EnableHeartbeat = true
	opts.BitmapCacheCapacities = cacheCapacities
	opts.Logger = log

	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}

	client, err := rdp.NewClient(target, opts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	client.SetPersistentBitmapCache(persistentCache)
	cache := bitmapcache.New(log, cacheCapacities)
	cache.SetMetrics(collectors)
	client.SetBitmapCache(cache)

	log.Info("connected", zap.String("target", target))

	if _, err := client.Screenshot(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

func promptAcceptNewIdentity(log *zap.Logger) func(trustpolicy.NewIdentityFlags) trustpolicy.Verdict {
	return func(flags trustpolicy.NewIdentityFlags) trustpolicy.Verdict {
		log.Warn("unknown server certificate, accepting for this connection only",
			zap.String("host", flags.Host), zap.Int("port", flags.Port), zap.String("subject", flags.Subject))
		return trustpolicy.VerdictAcceptTemporary
	}
}

func promptAcceptChangedIdentity(log *zap.Logger) func(trustpolicy.ChangedIdentityFlags) trustpolicy.Verdict {
	return func(flags trustpolicy.ChangedIdentityFlags) trustpolicy.Verdict {
		log.Error("server certificate changed since last connection, rejecting",
			zap.String("host", flags.Host), zap.Int("port", flags.Port))
		return trustpolicy.VerdictReject
	}
}

func serveMetrics(log *zap.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}
