// Package capabilities builds the opaque capability map a worker reports
// at registration, using gopsutil for cross-platform hardware
// introspection instead of shelling out to sysctl/system_profiler.
package capabilities

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Detect gathers the host's capability map. Fields that cannot be read
// (a gopsutil call failing on an unsupported platform) are simply
// omitted rather than causing registration to fail.
func Detect(ctx context.Context) map[string]any {
	caps := map[string]any{
		"architecture": runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		caps["platform"] = info.Platform
		caps["platform_version"] = info.PlatformVersion
		caps["hostname"] = info.Hostname
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps["cpu_count_logical"] = counts
	}
	if counts, err := cpu.CountsWithContext(ctx, false); err == nil {
		caps["cpu_count"] = counts
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		caps["cpu_freq_mhz"] = infos[0].Mhz
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps["memory_gb"] = bytesToGB(vm.Total)
		caps["memory_available_gb"] = bytesToGB(vm.Available)
	}

	if runtime.GOOS == "darwin" {
		addAppleSiliconCapabilities(caps)
	} else {
		caps["gpu_available"] = false
	}

	return caps
}

func bytesToGB(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

// addAppleSiliconCapabilities sets the macOS-specific fields the spec
// names (apple_silicon, unified_memory, gpu_available, metal_support). On
// Apple silicon, physical and logical CPU counts diverge from an Intel
// layout in a way ARM64+darwin alone can approximate without invoking
// system_profiler; this is a best-effort flag, not exact hardware detail.
func addAppleSiliconCapabilities(caps map[string]any) {
	isAppleSilicon := runtime.GOARCH == "arm64"
	caps["apple_silicon"] = isAppleSilicon
	caps["unified_memory"] = isAppleSilicon
	caps["metal_support"] = isAppleSilicon
	caps["gpu_available"] = isAppleSilicon
}
