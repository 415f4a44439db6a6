package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/capture"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/notify"
)

// alertCooldown keeps a persistent condition from flooding the notifier: one
// alert per condition per window.
const alertCooldown = time.Hour

// Sample is one point-in-time reading.
type Sample struct {
	DiskFreeMB     uint64
	MemUsedPercent float64
	CPUPercent     float64
	ImagesCaptured int64
	Errors         int64
	Rebuilds       int64
}

type probeFuncs struct {
	diskFree func(path string) (uint64, error)
	memUsed  func() (float64, error)
	cpuUsed  func() (float64, error)
}

// Monitor polls host resources on a cron schedule while the capture loop
// runs, alerting when thresholds are crossed. It reads the loop's counters
// but never writes them.
type Monitor struct {
	cfg       internal.HealthConfig
	watchPath string
	stats     *capture.Stats
	notifier  notify.Notifier
	log       *logging.Logger
	cron      *cron.Cron
	probes    probeFuncs

	mu        sync.Mutex
	lastAlert map[string]time.Time
	now       func() time.Time
}

func NewMonitor(cfg internal.HealthConfig, watchPath string, stats *capture.Stats, notifier notify.Notifier, log *logging.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		watchPath: watchPath,
		stats:     stats,
		notifier:  notifier,
		log:       log,
		cron:      cron.New(),
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
		probes: probeFuncs{
			diskFree: func(path string) (uint64, error) {
				u, err := disk.Usage(path)
				if err != nil {
					return 0, err
				}
				return u.Free / (1024 * 1024), nil
			},
			memUsed: func() (float64, error) {
				vm, err := mem.VirtualMemory()
				if err != nil {
					return 0, err
				}
				return vm.UsedPercent, nil
			},
			cpuUsed: func() (float64, error) {
				pcts, err := cpu.Percent(time.Second, false)
				if err != nil || len(pcts) == 0 {
					return 0, err
				}
				return pcts[0], nil
			},
		},
	}
}

// Start schedules the periodic check and runs one immediately so a host
// already in trouble alerts before the first interval elapses.
func (m *Monitor) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %dm", m.cfg.CheckIntervalMin)
	if _, err := m.cron.AddFunc(spec, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("health: schedule: %w", err)
	}
	m.cron.Start()
	go m.Check(ctx)
	m.log.Infof("health: monitoring every %dm (disk<%dMB mem>%.0f%% cpu>%.0f%%)",
		m.cfg.CheckIntervalMin, m.cfg.DiskMinFreeMB, m.cfg.MemMaxPercent, m.cfg.CPUMaxPercent)
	return nil
}

func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.log.Infof("health: stopped")
}

// Check takes one sample and alerts on any threshold breach.
func (m *Monitor) Check(ctx context.Context) Sample {
	s := m.sample()
	m.log.Infof("health: disk %dMB free, mem %.1f%%, cpu %.1f%%, images %d, errors %d, rebuilds %d",
		s.DiskFreeMB, s.MemUsedPercent, s.CPUPercent, s.ImagesCaptured, s.Errors, s.Rebuilds)

	if s.DiskFreeMB < m.cfg.DiskMinFreeMB {
		m.alert(ctx, "disk", fmt.Sprintf("health: low disk space, %dMB free (min %dMB)", s.DiskFreeMB, m.cfg.DiskMinFreeMB))
	}
	if s.MemUsedPercent > m.cfg.MemMaxPercent {
		m.alert(ctx, "mem", fmt.Sprintf("health: memory at %.1f%% (max %.0f%%)", s.MemUsedPercent, m.cfg.MemMaxPercent))
	}
	if s.CPUPercent > m.cfg.CPUMaxPercent {
		m.alert(ctx, "cpu", fmt.Sprintf("health: cpu at %.1f%% (max %.0f%%)", s.CPUPercent, m.cfg.CPUMaxPercent))
	}
	return s
}

func (m *Monitor) sample() Sample {
	var s Sample
	var err error
	if s.DiskFreeMB, err = m.probes.diskFree(m.watchPath); err != nil {
		m.log.Errorf("health: disk probe: %v", err)
	}
	if s.MemUsedPercent, err = m.probes.memUsed(); err != nil {
		m.log.Errorf("health: memory probe: %v", err)
	}
	if s.CPUPercent, err = m.probes.cpuUsed(); err != nil {
		m.log.Errorf("health: cpu probe: %v", err)
	}
	s.ImagesCaptured = m.stats.ImagesCaptured.Load()
	s.Errors = m.stats.ErrorsEncountered.Load()
	s.Rebuilds = m.stats.SessionRebuilds.Load()
	return s
}

func (m *Monitor) alert(ctx context.Context, key, msg string) {
	m.mu.Lock()
	last, seen := m.lastAlert[key]
	if seen && m.now().Sub(last) < alertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = m.now()
	m.mu.Unlock()

	m.log.Warnf("%s", msg)
	m.notifier.SendHigh(ctx, msg)
}
