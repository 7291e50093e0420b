package supervisor

import (
	"context"
	"encoding/json"
	"math"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// HardwareSample is one host health reading, in percent.
type HardwareSample struct {
	CPUPct float64 `json:"cpu_pct"`
	MemPct float64 `json:"mem_pct"`
}

// hardwareTask publishes hw.* load keys and raises HARDWARE_THRESHOLD
// once per excursion. A metric re-arms only after it falls back below
// threshold minus hysteresis, so a value hovering at the line cannot
// spam the log.
type hardwareTask struct {
	s        *Supervisor
	cpuArmed bool
	memArmed bool
}

func newHardwareTask(s *Supervisor) *hardwareTask {
	return &hardwareTask{s: s, cpuArmed: true, memArmed: true}
}

func (t *hardwareTask) run(ctx context.Context) error {
	sample, err := t.s.sampleHW(ctx)
	if err != nil {
		t.s.setCapability("hardware", store.CapUnavailable, err.Error())
		return err
	}
	t.s.setCapability("hardware", store.CapAvailable, "")

	cpuPct := math.Round(sample.CPUPct)
	memPct := math.Round(sample.MemPct)
	t.s.setState("hw.cpu.load_pct", cpuPct)
	t.s.setState("hw.mem.used_pct", memPct)

	t.check("cpu", cpuPct, t.s.cfg.CPUThresholdPct, &t.cpuArmed)
	t.check("mem", memPct, t.s.cfg.MemThresholdPct, &t.memArmed)
	return nil
}

func (t *hardwareTask) check(metric string, value, threshold float64, armed *bool) {
	if *armed && value >= threshold {
		*armed = false
		t.s.emit(store.EventHardwareThreshold, store.SeverityWarn, map[string]interface{}{
			"metric":    metric,
			"value":     value,
			"threshold": threshold,
		}, "hardware")
		return
	}
	if !*armed && value <= threshold-t.s.cfg.HysteresisPct {
		*armed = true
	}
}

// hostHardwareSampler reads live CPU and memory load from the host.
func hostHardwareSampler() func(ctx context.Context) (HardwareSample, error) {
	return func(ctx context.Context) (HardwareSample, error) {
		pcts, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return HardwareSample{}, err
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return HardwareSample{}, err
		}
		var cpuPct float64
		if len(pcts) > 0 {
			cpuPct = pcts[0]
		}
		return HardwareSample{CPUPct: cpuPct, MemPct: vm.UsedPercent}, nil
	}
}

// fileHardwareSampler reads a probe snapshot file instead of the live
// host, for rigs where an external agent owns the sensors.
func fileHardwareSampler(path string) func(ctx context.Context) (HardwareSample, error) {
	return func(ctx context.Context) (HardwareSample, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return HardwareSample{}, err
		}
		var sample HardwareSample
		if err := json.Unmarshal(data, &sample); err != nil {
			return HardwareSample{}, err
		}
		return sample, nil
	}
}
