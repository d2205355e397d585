package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostProbe samples resource usage of the machine the data center runs on.
type HostProbe interface {
	MemoryPercent(ctx context.Context) (float64, error)
	CPUPercent(ctx context.Context) (float64, error)
}

type gopsutilProbe struct{}

// NewHostProbe returns a probe backed by gopsutil.
func NewHostProbe() HostProbe {
	return gopsutilProbe{}
}

func (gopsutilProbe) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// CPUPercent does not block: with a zero interval gopsutil compares against
// the previous call.
func (gopsutilProbe) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return percents[0], nil
}

// FormatUptime renders a duration as "2d 3h 4m", "3h 4m" or "4m".
func FormatUptime(d time.Duration) string {
	minutes := int64(d / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	days := minutes / (24 * 60)
	hours := (minutes % (24 * 60)) / 60
	mins := minutes % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
