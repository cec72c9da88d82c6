package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geosia-dev/gsnet/pkg/client"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/server"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

type profile struct {
	Name      string
	Clients   int
	Duration  time.Duration
	RPS       float64
	ChunkRate float64
	MaxProcs  int
}

var profiles = map[string]profile{
	"fast": {
		Name:      "fast",
		Clients:   8,
		Duration:  5 * time.Second,
		RPS:       20,
		ChunkRate: 10,
	},
	"standard": {
		Name:      "standard",
		Clients:   32,
		Duration:  20 * time.Second,
		RPS:       20,
		ChunkRate: 20,
	},
	"stress": {
		Name:      "stress",
		Clients:   128,
		Duration:  60 * time.Second,
		RPS:       50,
		ChunkRate: 60,
		MaxProcs:  4,
	},
}

type benchConfig struct {
	Profile     string
	Transport   string
	Clients     int
	Duration    time.Duration
	RPS         float64
	ChunkRate   float64
	MaxProcs    int
	JSONOutput  string
	PingTimeout time.Duration
}

type benchCounters struct {
	pingsSent      atomic.Uint64
	pingsComplete  atomic.Uint64
	chunksSent     atomic.Uint64
	chunksReceived atomic.Uint64
}

type benchErrors struct {
	dialFailures  atomic.Uint64
	loginFailures atomic.Uint64
	pingFailures  atomic.Uint64
	pingMismatch  atomic.Uint64
	publishErrors atomic.Uint64
	totalErrors   atomic.Uint64
}

// chunkCounter is the ChunkSink of every bench client.
type chunkCounter struct {
	counters *benchCounters
}

func (c chunkCounter) ApplyChunk(ctx context.Context, pkt *protocol.ChunkDataStreamPacket) error {
	c.counters.chunksReceived.Add(1)
	return nil
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	debug.SetGCPercent(100)

	srv, err := server.New(&server.Config{
		Title:       "gsnet-bench",
		PlayerLimit: cfg.Clients,
	})
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	ln, target, err := listen(cfg.Transport)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go func() {
		_ = srv.Serve(serveCtx, ln)
	}()
	defer func() {
		_ = srv.Shutdown(context.Background())
	}()

	var counters benchCounters
	var errCounts benchErrors

	clients, err := connectAll(cfg, target, &counters, &errCounts)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samples = append(samples, rtt)
		}
	}()

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(len(clients))
	for i, c := range clients {
		go func() {
			defer wg.Done()
			runPinger(ctx, c, i, cfg, &counters, &errCounts, samplesCh)
		}()
	}
	if cfg.ChunkRate > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPublisher(ctx, srv, cfg.ChunkRate, &counters, &errCounts)
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	report := buildReport(cfg, elapsed, samples, &counters, &errCounts, before, after, beforeMetrics, afterMetrics)

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

func listen(kind string) (transport.Listener, string, error) {
	switch kind {
	case "quic":
		tlsConf, err := transport.SelfSignedTLSConfig("localhost")
		if err != nil {
			return nil, "", err
		}
		ln, err := transport.ListenQUIC("127.0.0.1:0", tlsConf, nil)
		if err != nil {
			return nil, "", err
		}
		return ln, "quic://" + ln.Addr().String(), nil
	case "tcp":
		ln, err := transport.ListenMux("127.0.0.1:0", nil)
		if err != nil {
			return nil, "", err
		}
		return ln, "tcp://" + ln.Addr().String(), nil
	}
	return nil, "", fmt.Errorf("unknown transport %q", kind)
}

// connectAll dials and logs in every client before the clock starts.
func connectAll(cfg benchConfig, target string, counters *benchCounters, errCounts *benchErrors) ([]*client.Client, error) {
	clients := make([]*client.Client, cfg.Clients)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range clients {
		g.Go(func() error {
			c, err := client.Dial(gctx, target, &client.Config{
				ChunkSink: chunkCounter{counters: counters},
				Dial:      &transport.DialOptions{TLS: transport.ClientTLSConfig(true)},
			})
			if err != nil {
				errCounts.dialFailures.Add(1)
				errCounts.totalErrors.Add(1)
				return fmt.Errorf("client %d dial: %w", i, err)
			}
			clients[i] = c
			if _, err := c.Login(gctx, fmt.Sprintf("bench_%d", i)); err != nil {
				errCounts.loginFailures.Add(1)
				errCounts.totalErrors.Add(1)
				return fmt.Errorf("client %d login: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, err
	}
	return clients, nil
}

func runPinger(
	ctx context.Context,
	c *client.Client,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	errCounts *benchErrors,
	samples chan<- time.Duration,
) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.RPS))
	defer ticker.Stop()

	seq := int32(clientID) << 16
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq++
		counters.pingsSent.Add(1)
		pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		start := time.Now()
		got, err := c.Ping(pctx, seq)
		rtt := time.Since(start)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCounts.pingFailures.Add(1)
			errCounts.totalErrors.Add(1)
			continue
		}
		if got != seq {
			errCounts.pingMismatch.Add(1)
			errCounts.totalErrors.Add(1)
			continue
		}
		counters.pingsComplete.Add(1)
		select {
		case samples <- rtt:
		default:
		}
	}
}

// runPublisher publishes one uniform chunk per tick, walking positions so
// every packet carries a new revision.
func runPublisher(ctx context.Context, srv *server.Server, rate float64, counters *benchCounters, errCounts *benchErrors) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tick++
		srv.SetTick(tick)
		pos := protocol.ChunkPosition{X: int32(tick % 16), Y: 0, Z: int32(tick / 16 % 16)}
		if _, err := srv.PublishChunk(ctx, pos, tick, protocol.UniformChunk(tick%4)); err != nil {
			if ctx.Err() != nil {
				return
			}
			errCounts.publishErrors.Add(1)
			errCounts.totalErrors.Add(1)
			continue
		}
		counters.chunksSent.Add(1)
	}
}

func sampleBuffer(clients int) int {
	buf := clients * 64
	if buf < 1024 {
		buf = 1024
	}
	return buf
}

func parseConfig() (benchConfig, error) {
	profileFlag := flag.String("profile", "standard", "profile: fast|standard|stress")
	transportFlag := flag.String("transport", "tcp", "transport: tcp|quic")
	clientsFlag := flag.Int("clients", -1, "number of concurrent logged-in clients")
	durationFlag := flag.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := flag.Float64("rps", -1, "target pings/sec per client")
	chunkFlag := flag.Float64("chunk-rate", -1, "chunks/sec published to every client (0 disables)")
	maxProcsFlag := flag.Int("max-procs", -1, "GOMAXPROCS cap (0 to leave unchanged)")
	jsonFlag := flag.String("json", "-", "JSON output path ('-' for stdout)")
	flag.Parse()

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	if name == "" {
		name = "standard"
	}

	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:    base.Name,
		Transport:  strings.ToLower(strings.TrimSpace(*transportFlag)),
		Clients:    base.Clients,
		Duration:   base.Duration,
		RPS:        base.RPS,
		ChunkRate:  base.ChunkRate,
		MaxProcs:   base.MaxProcs,
		JSONOutput: strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *chunkFlag != -1 {
		cfg.ChunkRate = *chunkFlag
	}
	if *maxProcsFlag != -1 {
		cfg.MaxProcs = *maxProcsFlag
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Transport != "tcp" && cfg.Transport != "quic" {
		return benchConfig{}, fmt.Errorf("unknown -transport %q", cfg.Transport)
	}
	if cfg.Clients <= 0 {
		return benchConfig{}, errors.New("-clients must be > 0")
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	if cfg.ChunkRate < 0 {
		return benchConfig{}, errors.New("-chunk-rate must be >= 0")
	}
	if cfg.MaxProcs < 0 {
		return benchConfig{}, errors.New("-max-procs must be >= 0")
	}

	cfg.PingTimeout = pingTimeout(cfg.RPS)
	return cfg, nil
}

func pingTimeout(rps float64) time.Duration {
	period := time.Duration(float64(time.Second) / rps)
	timeout := period * 10
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	return timeout
}

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64

	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	Chunks     chunkInfo      `json:"chunks"`
	GC         gcInfo         `json:"gc"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	Protocol  string `json:"protocol"`
	GitCommit string `json:"git_commit,omitempty"`
}

type workloadInfo struct {
	Profile       string  `json:"profile"`
	Transport     string  `json:"transport"`
	Clients       int     `json:"clients"`
	DurationMS    int64   `json:"duration_ms"`
	RPSPerClient  float64 `json:"rps_per_client"`
	ChunkRate     float64 `json:"chunk_rate"`
	MaxProcs      int     `json:"max_procs"`
	PingTimeoutMS int64   `json:"ping_timeout_ms"`
}

type latencyInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type throughputInfo struct {
	PingsTotal        uint64  `json:"pings_total"`
	PingsPerSec       float64 `json:"pings_per_sec"`
	PingsPerSecClient float64 `json:"pings_per_sec_per_client"`
}

type chunkInfo struct {
	Published uint64 `json:"published"`
	Received  uint64 `json:"received"`
	// Delivery is received over published times clients. Packets still in
	// flight when the run ends lower it.
	Delivery float64 `json:"delivery"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	PauseAvgMS    float64 `json:"pause_avg_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	AllocsObjects uint64  `json:"allocs_objects"`
}

type errorInfo struct {
	TotalErrors   uint64 `json:"total_errors"`
	DialFailures  uint64 `json:"dial_failures"`
	LoginFailures uint64 `json:"login_failures"`
	PingFailures  uint64 `json:"ping_failures"`
	PingMismatch  uint64 `json:"ping_mismatch"`
	PublishErrors uint64 `json:"publish_errors"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errs *benchErrors,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	pingsTotal := counters.pingsComplete.Load()
	elapsedSeconds := math.Max(0.001, elapsed.Seconds())
	pingsPerSec := float64(pingsTotal) / elapsedSeconds

	latency := latencyInfo{}
	if len(latencies) > 0 {
		latency = latencyInfo{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}

	published := counters.chunksSent.Load()
	received := counters.chunksReceived.Load()
	delivery := 0.0
	if published > 0 {
		delivery = float64(received) / float64(published*uint64(cfg.Clients))
	}

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			Protocol:  server.Version.String(),
			GitCommit: gitCommit(),
		},
		Workload: workloadInfo{
			Profile:       cfg.Profile,
			Transport:     cfg.Transport,
			Clients:       cfg.Clients,
			DurationMS:    cfg.Duration.Milliseconds(),
			RPSPerClient:  cfg.RPS,
			ChunkRate:     cfg.ChunkRate,
			MaxProcs:      cfg.MaxProcs,
			PingTimeoutMS: cfg.PingTimeout.Milliseconds(),
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			PingsTotal:        pingsTotal,
			PingsPerSec:       pingsPerSec,
			PingsPerSecClient: pingsPerSec / float64(cfg.Clients),
		},
		Chunks: chunkInfo{
			Published: published,
			Received:  received,
			Delivery:  delivery,
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			PauseAvgMS:    ms(avgPause(after, before)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
			AllocsObjects: afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
		},
		Errors: errorInfo{
			TotalErrors:   errs.totalErrors.Load(),
			DialFailures:  errs.dialFailures.Load(),
			LoginFailures: errs.loginFailures.Load(),
			PingFailures:  errs.pingFailures.Load(),
			PingMismatch:  errs.pingMismatch.Load(),
			PublishErrors: errs.publishErrors.Load(),
		},
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== gsnet Session Benchmark ===")
	fmt.Fprintf(w, "Profile: %s\n", report.Workload.Profile)
	fmt.Fprintf(w, "Transport: %s\n", report.Workload.Transport)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f pings/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "Chunk rate: %.2f chunks/s\n", report.Workload.ChunkRate)
	if report.Workload.MaxProcs > 0 {
		fmt.Fprintf(w, "GOMAXPROCS cap: %d\n", report.Workload.MaxProcs)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Total pings: %d\n", report.Throughput.PingsTotal)
	fmt.Fprintf(w, "Throughput: %.1f pings/s (%.2f per client)\n", report.Throughput.PingsPerSec, report.Throughput.PingsPerSecClient)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.TotalErrors)
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "RTT (ping call -> server -> result decoded):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Chunks:")
	fmt.Fprintf(w, "  published: %d\n", report.Chunks.Published)
	fmt.Fprintf(w, "  received:  %d\n", report.Chunks.Received)
	fmt.Fprintf(w, "  delivery:  %.1f%%\n", report.Chunks.Delivery*100)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (avg)\n", report.GC.PauseAvgMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func gitCommit() string {
	if val := strings.TrimSpace(os.Getenv("GSNET_GIT_COMMIT")); val != "" {
		return val
	}
	if val := strings.TrimSpace(os.Getenv("GIT_COMMIT")); val != "" {
		return val
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
