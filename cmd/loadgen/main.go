package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

type Config struct {
	BaseURL         string
	Layer           string
	Filter          string
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	TileCount       int
	MinZoom         int
	MaxZoom         int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "Tile server base URL")
	flag.StringVar(&cfg.Layer, "layer", "stations", "Vector tileset id")
	flag.StringVar(&cfg.Filter, "filter", "", "Optional filter expression sent with every request")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.TileCount, "tiles", 256, "Distinct tiles in pool")
	flag.IntVar(&cfg.MinZoom, "min-zoom", 11, "Lowest zoom requested")
	flag.IntVar(&cfg.MaxZoom, "max-zoom", 15, "Highest zoom requested")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/tiles", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.Parse()
	return cfg
}

// hot tiles cluster around these centers; the rest are spread over the region
var centers = []orb.Point{
	{139.7671, 35.6812}, // Tokyo
	{135.5023, 34.6937}, // Osaka
	{130.4017, 33.5902}, // Fukuoka
	{141.3545, 43.0618}, // Sapporo
}

func makeTiles(count, minZ, maxZ int, r *rand.Rand) []maptile.Tile {
	if maxZ < minZ {
		minZ, maxZ = maxZ, minZ
	}
	zoom := func() maptile.Zoom { return maptile.Zoom(minZ + r.Intn(maxZ-minZ+1)) }

	tiles := make([]maptile.Tile, 0, count)
	seen := map[maptile.Tile]struct{}{}
	add := func(t maptile.Tile) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		tiles = append(tiles, t)
	}

	hot := int(math.Max(8, float64(count/4)))
	for i := 0; len(tiles) < hot && i < hot*8; i++ {
		c := centers[i%len(centers)]
		p := orb.Point{c[0] + (r.Float64()-0.5)*0.1, c[1] + (r.Float64()-0.5)*0.1}
		add(maptile.At(p, zoom()))
	}
	for i := 0; len(tiles) < count && i < count*8; i++ {
		p := orb.Point{129 + r.Float64()*(146-129), 31 + r.Float64()*(45-31)}
		add(maptile.At(p, zoom()))
	}
	return tiles
}

func tileURL(cfg Config, t maptile.Tile) string {
	u := fmt.Sprintf("%s/tiles/vector/%s/%d/%d/%d.pbf", strings.TrimRight(cfg.BaseURL, "/"), cfg.Layer, t.Z, t.X, t.Y)
	if cfg.Filter != "" {
		u += "?filter=" + url.QueryEscape(cfg.Filter)
	}
	return u
}

// one sample per request
type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Cache     string
	ErrorMsg  string
	TileIndex int
	Tile      string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	Hits          int64     `json:"hits"`
	HitRatio      float64   `json:"hit_ratio"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	HitP50Ms      float64   `json:"hit_p50_ms"`
	MissP50Ms     float64   `json:"miss_p50_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Tiles         int       `json:"tiles"`
	Target        string    `json:"target"`
	Layer         string    `json:"layer"`
}

type aggregatedResult struct {
	total   int64
	success int64
	errors  int64
	hits    int64
	latMs   []float64
	hitMs   []float64
	missMs  []float64
}

func main() {
	cfg := loadConfig()
	if cfg.Concurrency < 1 {
		log.Fatalf("concurrency must be >= 1")
	}
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Fatalf("zipf parameters out of range: s=%.2f v=%.2f", cfg.ZipfS, cfg.ZipfV)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}

	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	seed := time.Now().UnixNano()
	tiles := makeTiles(cfg.TileCount, cfg.MinZoom, cfg.MaxZoom, rand.New(rand.NewSource(seed)))
	if len(tiles) == 0 {
		log.Fatalf("no tiles generated")
	}
	imax := uint64(len(tiles)) - 1

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "x_cache", "error", "tile_idx", "tile"})
		var agg aggregatedResult
		for s := range samplesChan {
			agg.total++
			ms := float64(s.Latency.Microseconds()) / 1000.0
			if s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300 {
				agg.success++
				agg.latMs = append(agg.latMs, ms)
				if s.Cache == "HIT" {
					agg.hits++
					agg.hitMs = append(agg.hitMs, ms)
				} else {
					agg.missMs = append(agg.missMs, ms)
				}
			} else {
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", ms),
				fmt.Sprintf("%d", s.Status),
				s.Cache,
				s.ErrorMsg,
				fmt.Sprintf("%d", s.TileIndex),
				s.Tile,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	startTime := time.Now()
	log.Printf("loadgen start target=%s layer=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) tiles=%d",
		cfg.BaseURL, cfg.Layer, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(tiles))

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()
			zipfDist := rand.NewZipf(rand.New(rand.NewSource(seed+int64(id)+1)), cfg.ZipfS, cfg.ZipfV, imax)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				idx := int(zipfDist.Uint64())
				if idx >= len(tiles) {
					continue
				}
				t := tiles[idx]

				startReq := time.Now()
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, tileURL(cfg, t), nil)
				resp, err := httpClient.Do(req)
				result := sample{
					Timestamp: startReq,
					Latency:   time.Since(startReq),
					TileIndex: idx,
					Tile:      fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y),
				}
				if err != nil {
					result.ErrorMsg = err.Error()
				} else {
					result.Status = resp.StatusCode
					result.Cache = resp.Header.Get("X-Cache")
					_, _ = io.Copy(io.Discard, resp.Body)
					_ = resp.Body.Close()
					if resp.StatusCode < 200 || resp.StatusCode >= 300 {
						result.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
					}
				}

				select {
				case samplesChan <- result:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	for _, s := range [][]float64{agg.latMs, agg.hitMs, agg.missMs} {
		sort.Float64s(s)
	}
	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		Hits:          agg.hits,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		HitP50Ms:      percentile(agg.hitMs, 50),
		MissP50Ms:     percentile(agg.missMs, 50),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Tiles:         len(tiles),
		Target:        cfg.BaseURL,
		Layer:         cfg.Layer,
	}
	if agg.success > 0 {
		runSummary.HitRatio = float64(agg.hits) / float64(agg.success)
	}

	// NaN is not valid JSON
	for _, p := range []*float64{&runSummary.P50Ms, &runSummary.P95Ms, &runSummary.P99Ms, &runSummary.HitP50Ms, &runSummary.MissP50Ms} {
		if math.IsNaN(*p) {
			*p = 0
		}
	}

	if jsonFile, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d hit_ratio=%.3f thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.success, agg.errors, runSummary.HitRatio, runSummary.ThroughputRPS,
		runSummary.P50Ms, runSummary.P95Ms, runSummary.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
