// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats reports the progress of a run: a periodic status line,
// a coverage.csv time series and prometheus gauges.
package stats

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bradleyjkemp/forkfuzz/log"
)

// Snapshot is the state of a run at one point in time.
type Snapshot struct {
	Corpus, Solutions         int
	Execs, Restarts, Timeouts uint64
	// Edges is the number of covered slots out of MapSize.
	Edges, MapSize int
	LastNewInput   time.Time
}

// Monitor collects snapshots. Status lines are passed to out at most once
// per period; every printed status is also appended to the csv file.
type Monitor struct {
	mu        sync.Mutex
	out       func(string)
	period    time.Duration
	startTime time.Time
	lastPrint time.Time
	cur       Snapshot
	execTimes *gohistogram.NumericHistogram
	csvFile   *os.File
	csv       *csv.Writer
	reg       *prometheus.Registry
}

var csvHeader = []string{"seconds", "execs", "corpus", "solutions", "edges", "map_size", "timeouts", "restarts"}

// NewMonitor creates a monitor. An empty csvPath disables the csv output.
func NewMonitor(csvPath string, period time.Duration, out func(string)) (*Monitor, error) {
	m := &Monitor{
		out:       out,
		period:    period,
		startTime: time.Now(),
		execTimes: gohistogram.NewHistogram(80),
		reg:       prometheus.NewRegistry(),
	}
	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create coverage file: %w", err)
		}
		m.csvFile = f
		m.csv = csv.NewWriter(f)
		if err := m.csv.Write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	m.gauge("forkfuzz_corpus_size", "Number of inputs in the corpus.", func(s *Snapshot) float64 { return float64(s.Corpus) })
	m.gauge("forkfuzz_solutions", "Number of stored solutions.", func(s *Snapshot) float64 { return float64(s.Solutions) })
	m.gauge("forkfuzz_execs_total", "Number of executions.", func(s *Snapshot) float64 { return float64(s.Execs) })
	m.gauge("forkfuzz_restarts_total", "Number of forkserver starts.", func(s *Snapshot) float64 { return float64(s.Restarts) })
	m.gauge("forkfuzz_timeouts_total", "Number of executions that timed out.", func(s *Snapshot) float64 { return float64(s.Timeouts) })
	m.gauge("forkfuzz_edges", "Number of covered coverage map slots.", func(s *Snapshot) float64 { return float64(s.Edges) })
	for _, q := range []float64{0.5, 0.99} {
		q := q
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "forkfuzz_exec_seconds",
			Help:        "Execution time quantiles.",
			ConstLabels: prometheus.Labels{"quantile": strconv.FormatFloat(q, 'f', -1, 64)},
		}, func() float64 {
			return m.ExecQuantile(q).Seconds()
		}))
	}
	return m, nil
}

func (m *Monitor) gauge(name, help string, fn func(*Snapshot) float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, func() float64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return fn(&m.cur)
	}))
}

// ObserveExec records the duration of one execution.
func (m *Monitor) ObserveExec(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execTimes.Add(float64(d))
}

// ExecQuantile returns an approximation of the q-quantile of execution times.
func (m *Monitor) ExecQuantile(q float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execTimes.Count() == 0 {
		return 0
	}
	return time.Duration(m.execTimes.Quantile(q))
}

// Update records s and prints a status line if the period has elapsed.
func (m *Monitor) Update(s Snapshot) error {
	m.mu.Lock()
	m.cur = s
	due := time.Since(m.lastPrint) >= m.period
	m.mu.Unlock()
	if !due {
		return nil
	}
	return m.Report(s)
}

// Report records s and prints a status line unconditionally.
func (m *Monitor) Report(s Snapshot) error {
	m.mu.Lock()
	m.cur = s
	now := time.Now()
	m.lastPrint = now
	m.mu.Unlock()
	if m.out != nil {
		m.out(m.Status(s, now))
	}
	if m.csv == nil {
		return nil
	}
	m.csv.Write([]string{
		strconv.FormatInt(int64(now.Sub(m.startTime).Seconds()), 10),
		strconv.FormatUint(s.Execs, 10),
		strconv.Itoa(s.Corpus),
		strconv.Itoa(s.Solutions),
		strconv.Itoa(s.Edges),
		strconv.Itoa(s.MapSize),
		strconv.FormatUint(s.Timeouts, 10),
		strconv.FormatUint(s.Restarts, 10),
	})
	m.csv.Flush()
	return m.csv.Error()
}

// Status formats the status line of s as of now.
func (m *Monitor) Status(s Snapshot, now time.Time) string {
	uptime := now.Sub(m.startTime)
	var restartsDenom uint64
	if s.Execs != 0 && s.Restarts != 0 {
		restartsDenom = s.Execs / s.Restarts
	}
	var execsPerSec float64
	if uptime > 0 {
		execsPerSec = float64(s.Execs) * 1e9 / float64(uptime)
	}
	lastNew := "never"
	if !s.LastNewInput.IsZero() {
		lastNew = now.Sub(s.LastNewInput).Truncate(time.Second).String() + " ago"
	}
	return fmt.Sprintf("corpus: %v (%v), crashers: %v,"+
		" restarts: 1/%v, timeouts: %v, execs: %v (%.0f/sec), cover: %v/%v, uptime: %v",
		s.Corpus, lastNew, s.Solutions, restartsDenom, s.Timeouts,
		s.Execs, execsPerSec, s.Edges, s.MapSize, uptime.Truncate(time.Second),
	)
}

// Serve exposes the registry on addr under /metrics until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Logf(0, "serving metrics on http://%v/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close flushes and closes the csv file.
func (m *Monitor) Close() error {
	if m.csvFile == nil {
		return nil
	}
	m.csv.Flush()
	err := m.csv.Error()
	if cerr := m.csvFile.Close(); err == nil {
		err = cerr
	}
	m.csvFile = nil
	return err
}
