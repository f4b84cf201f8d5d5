package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// PresenceStats is implemented by the presence hub.
type PresenceStats interface {
	Stats() (channels int, connections int)
}

// HeartbeatWorker periodically logs the health of this node: process
// memory and CPU next to the number of live channels and connections.
type HeartbeatWorker struct {
	log      *slog.Logger
	nodeID   string
	presence PresenceStats
	interval time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, nodeID string, presence PresenceStats, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, nodeID: nodeID, presence: presence, interval: interval}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker", "node_id", w.nodeID, "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.beat(p)
		}
	}
}

func (w *HeartbeatWorker) beat(p *process.Process) {
	channels, connections := w.presence.Stats()
	attrs := []any{"node_id", w.nodeID, "channels", channels, "connections", connections}

	rss, cpu, status, err := selfStats(p)
	if err != nil {
		w.log.Warn("Failed to collect self stats", "error", err)
	} else {
		attrs = append(attrs, "rss_bytes", rss, "cpu_percent", cpu, "status", status)
	}
	w.log.Info("Node heartbeat", attrs...)
}

// selfStats retrieves memory, CPU and OS status for the given process.
func selfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}
	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
