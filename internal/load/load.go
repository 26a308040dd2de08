// Package load implements the load manager (spec §4.H): admission
// thresholds on connection/channel counts, per-socket subscription caps,
// and advisory backpressure based on transport buffer occupancy.
package load

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"
)

// Config mirrors the loadManagement config block (spec §6).
type Config struct {
	MaxConnections           int64
	MaxChannelsPerConnection int
	MaxGlobalChannels        int64
	ShedLoadAt               float64 // admission percentage, e.g. 90.0
	BackpressureThreshold    int64   // bytes

	ConnRateGlobalBurst  int
	ConnRateGlobalPerSec float64
	ConnRateIPBurst      int
	ConnRateIPPerSec     float64
	ConnRateIPTTL        time.Duration
}

// Counts is read by the manager on every admission check; the caller
// supplies live counters (typically connection.Table.Count and
// channel.Registry.ChannelCount) rather than the manager tracking its own
// copies, so there is exactly one source of truth for occupancy.
type Counts struct {
	Connections func() int64
	Channels    func() int64
}

// Manager enforces admission thresholds. It holds no connection or channel
// state itself — just the configured limits and a live sample of process
// resource usage used for diagnostics.
type Manager struct {
	cfg    Config
	counts Counts
	logger zerolog.Logger

	memPercent atomic.Value // float64, last-sampled system memory usage

	global *rate.Limiter

	ipMu   sync.Mutex
	ipLim  map[string]*ipLimiterEntry
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a load manager. counts must be fully populated; a nil field
// makes the corresponding admission check always pass (used in tests that
// only care about one dimension).
func New(cfg Config, counts Counts, logger zerolog.Logger) *Manager {
	m := &Manager{cfg: cfg, counts: counts, logger: logger, ipLim: make(map[string]*ipLimiterEntry)}
	m.memPercent.Store(float64(0))
	if cfg.ConnRateGlobalPerSec > 0 {
		m.global = rate.NewLimiter(rate.Limit(cfg.ConnRateGlobalPerSec), cfg.ConnRateGlobalBurst)
	}
	return m
}

// AdmitConnection reports whether a new connection may be accepted. False
// means the caller must close the socket with code 1008 ("server at
// capacity").
func (m *Manager) AdmitConnection() bool {
	if m.cfg.MaxConnections <= 0 {
		return true
	}
	if m.counts.Connections == nil {
		return true
	}
	ratio := float64(m.counts.Connections()) / float64(m.cfg.MaxConnections)
	return ratio*100 < m.cfg.ShedLoadAt
}

// AdmitSubscription reports whether a new channel subscription may be
// accepted, checking both the global channel threshold and, if
// perSocketChannels >= 0, the per-socket cap independently.
func (m *Manager) AdmitSubscription(perSocketChannels int) bool {
	if m.cfg.MaxChannelsPerConnection > 0 && perSocketChannels >= m.cfg.MaxChannelsPerConnection {
		return false
	}
	if m.cfg.MaxGlobalChannels <= 0 || m.counts.Channels == nil {
		return true
	}
	ratio := float64(m.counts.Channels()) / float64(m.cfg.MaxGlobalChannels)
	return ratio*100 < m.cfg.ShedLoadAt
}

// AdmitConnectionRate reports whether a new connection attempt from ip
// passes both the global and per-IP token-bucket limits. A zero global
// rate disables both checks and always admits. Checked ahead of the
// capacity-ratio AdmitConnection so a burst from one IP never eats into
// the headroom legitimate clients rely on for the occupancy check.
func (m *Manager) AdmitConnectionRate(ip string) bool {
	if m.global == nil {
		return true
	}
	if !m.global.Allow() {
		return false
	}
	return m.ipLimiter(ip).Allow()
}

func (m *Manager) ipLimiter(ip string) *rate.Limiter {
	m.ipMu.Lock()
	defer m.ipMu.Unlock()

	entry, ok := m.ipLim[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(m.cfg.ConnRateIPPerSec), m.cfg.ConnRateIPBurst)
	m.ipLim[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (m *Manager) sweepStaleIPLimiters() {
	if m.cfg.ConnRateIPTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.ConnRateIPTTL)

	m.ipMu.Lock()
	defer m.ipMu.Unlock()
	for ip, entry := range m.ipLim {
		if entry.lastAccess.Before(cutoff) {
			delete(m.ipLim, ip)
		}
	}
}

// ShouldDropNonCritical reports whether the caller should drop a
// non-critical frame given the transport's current buffered-byte count.
// This is advisory, per spec: the orchestrator decides what counts as
// non-critical.
func (m *Manager) ShouldDropNonCritical(bufferedBytes int64) bool {
	if m.cfg.BackpressureThreshold <= 0 {
		return false
	}
	return bufferedBytes > m.cfg.BackpressureThreshold
}

// MemoryPercent returns the last-sampled system memory usage percentage.
func (m *Manager) MemoryPercent() float64 {
	return m.memPercent.Load().(float64)
}

// Run periodically samples system memory usage for /stats and /metrics
// reporting until ctx is cancelled. Sampling is diagnostic only; it never
// feeds back into admission thresholds (spec §4.H's thresholds are static
// configuration, not derived from measurement).
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("load: failed to sample system memory")
			} else {
				m.memPercent.Store(vm.UsedPercent)
			}
			m.sweepStaleIPLimiters()
		}
	}
}
