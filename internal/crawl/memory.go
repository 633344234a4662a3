package crawl

import (
	"runtime"
)

type MemoryLevel string

const (
	MemoryOK       MemoryLevel = "ok"
	MemoryWarning  MemoryLevel = "warning"
	MemoryCritical MemoryLevel = "critical"
)

type MemoryStatus struct {
	Level     MemoryLevel `json:"level"`
	HeapMB    float64     `json:"heap_mb"`
	LimitMB   int         `json:"limit_mb"`
	Fraction  float64     `json:"fraction"`
	Truncated bool        `json:"truncated"`
}

type MemoryConfig struct {
	LimitMB           int
	WarningThreshold  float64
	CriticalThreshold float64
}

// MemoryMonitor compares heap usage against a configured budget.
type MemoryMonitor struct {
	cfg      MemoryConfig
	heapSize func() uint64
}

func NewMemoryMonitor(cfg MemoryConfig) *MemoryMonitor {
	return &MemoryMonitor{cfg: cfg, heapSize: heapAlloc}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Check returns MemoryOK when no limit is configured.
func (m *MemoryMonitor) Check() MemoryStatus {
	heapMB := float64(m.heapSize()) / (1024 * 1024)
	status := MemoryStatus{Level: MemoryOK, HeapMB: heapMB, LimitMB: m.cfg.LimitMB}
	if m.cfg.LimitMB <= 0 {
		return status
	}

	status.Fraction = heapMB / float64(m.cfg.LimitMB)
	switch {
	case m.cfg.CriticalThreshold > 0 && status.Fraction >= m.cfg.CriticalThreshold:
		status.Level = MemoryCritical
	case m.cfg.WarningThreshold > 0 && status.Fraction >= m.cfg.WarningThreshold:
		status.Level = MemoryWarning
	}
	return status
}
