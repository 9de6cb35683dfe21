// blksim drives a simulated host full of memory-backed devices through
// the scheduler: a configurable mixed read/write workload with
// occasional barriers, live Prometheus metrics, and a final summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	blksched "github.com/ehrlich-b/go-blksched"
	"github.com/ehrlich-b/go-blksched/driver/mem"
	"github.com/ehrlich-b/go-blksched/internal/logging"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file (default: one 64M device)")
		sizeStr     = flag.String("size", "64M", "Disk size for the default device")
		duration    = flag.Duration("duration", 10*time.Second, "Workload duration")
		workers     = flag.Int("workers", 4, "Submitting goroutines per device")
		barrierPct  = flag.Int("barrier-pct", 1, "Percent of writes submitted as barriers")
		latency     = flag.Duration("latency", 50*time.Microsecond, "Simulated device latency")
		metricsAddr = flag.String("metrics", "", "Address for Prometheus metrics (empty disables)")
		switchEvery = flag.Duration("switch-every", 0, "Alternate the policy at this interval (0 disables)")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := loadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logConfig := cfg.Logging.Apply(logging.DefaultConfig())
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	// Every simulated disk gets the same capacity.
	sizes := make(map[string]int64, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		sizes[dc.Name] = size
	}
	drivers := make(map[string]*mem.Driver, len(cfg.Devices))
	_, devices, err := cfg.Build(func(dc blksched.DeviceConfig) blksched.Driver {
		d := mem.New(mem.Config{
			Size:    sizes[dc.Name],
			Workers: 2,
			Latency: *latency,
		})
		drivers[dc.Name] = d
		return d
	}, nil)
	if err != nil {
		log.Fatalf("building devices: %v", err)
	}
	defer func() {
		for _, d := range drivers {
			d.Close()
		}
	}()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		for _, d := range devices {
			reg.MustRegister(blksched.NewCollector(d))
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("interrupted, stopping workload")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		size := sizes[d.Name()]
		for w := 0; w < *workers; w++ {
			d, seed := d, int64(w)
			g.Go(func() error {
				return workload(ctx, d, size, seed, *barrierPct)
			})
		}
		if *switchEvery > 0 {
			d := d
			g.Go(func() error {
				return alternatePolicy(ctx, d, *switchEvery)
			})
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("workload failed", "error", err)
		os.Exit(1)
	}

	for _, d := range devices {
		d.Kick()
		printSummary(d, drivers[d.Name()])
	}
}

// loadOrDefault reads the config file, or fabricates a single-device
// setup.
func loadOrDefault(path string) (*blksched.Config, error) {
	if path != "" {
		return blksched.LoadConfig(path)
	}
	return &blksched.Config{
		Host: blksched.HostConfig{CanQueue: 64},
		Devices: []blksched.DeviceConfig{{
			Name:       "sim0",
			QueueDepth: 32,
			Policy:     "sector",
			PlugDelay:  blksched.Duration(blksched.DefaultPlugDelay),
		}},
	}, nil
}

// workload submits random 4KB to 64KB I/O across the disk until the
// context ends, waiting for each unit's completion callback.
func workload(ctx context.Context, d *blksched.Device, size int64, seed int64, barrierPct int) error {
	rng := rand.New(rand.NewSource(seed*7919 + 1))
	sectors := uint64(size / blksched.SectorSize)
	if sectors == 0 {
		return fmt.Errorf("device %s too small", d.Name())
	}

	for ctx.Err() == nil {
		nr := uint32(8 * (1 + rng.Intn(16))) // 4KB..64KB
		if uint64(nr) > sectors {
			nr = uint32(sectors)
		}
		sector := uint64(rng.Int63n(int64(sectors - uint64(nr) + 1)))

		u := blksched.Unit{
			Sector:    sector,
			NrSectors: nr,
			Dir:       blksched.DirWrite,
		}
		if rng.Intn(2) == 0 {
			u.Dir = blksched.DirRead
		}
		if u.Dir == blksched.DirWrite && rng.Intn(100) < barrierPct {
			u.Barrier = true
		}

		done := make(chan error, 1)
		u.Done = func(err error) { done <- err }

		if d.Submit(u) == blksched.Deferred {
			d.Kick()
		}
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("unit at sector %d: %w", sector, err)
			}
		case <-ctx.Done():
			// The unit is still queued; let its callback land in the
			// buffered channel and move on.
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// alternatePolicy flips between the registered policies so the live
// switch path sees traffic.
func alternatePolicy(ctx context.Context, d *blksched.Device, every time.Duration) error {
	policies := []string{"fifo", "sector"}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := d.SetScheduler(policies[i%len(policies)]); err != nil {
				logging.Warn("policy switch", "device", d.Name(), "error", err)
			}
		}
	}
}

func printSummary(d *blksched.Device, drv *mem.Driver) {
	s := d.MetricsSnapshot()
	fmt.Printf("%s: schedulers=%s\n", d.Name(), d.Schedulers())
	fmt.Printf("  submits=%d merges=%d (%.1f%%) coalesces=%d dispatches=%d\n",
		s.Submits, s.BackMerges+s.FrontMerges, s.MergeRate*100, s.Coalesces, s.Dispatches)
	fmt.Printf("  completions=%d partials=%d retries=%d barriers=%d/%d switches=%d\n",
		s.Completions, s.Partials, s.Retries, s.BarriersDone, s.BarriersStarted, s.PolicySwitches)
	fmt.Printf("  starved=%d deferred=%d max-in-flight=%d rate=%.0f/s\n",
		s.Starved, s.Deferred, s.MaxInFlight, s.SubmitRate)
	if drv != nil {
		st := drv.Stats()
		fmt.Printf("  device: reads=%d writes=%d flushes=%d\n", st["reads"], st["writes"], st["flushes"])
	}
}

// parseSize parses sizes like "64M" or "1G".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
