// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// probeTimeout bounds a full probe when the caller sets no deadline.
const probeTimeout = 10 * time.Second

// cacheTTL is how long a probe result is reused.
const cacheTTL = 5 * time.Minute

// =============================================================================
// GPU TYPE DEFINITIONS
// =============================================================================

// GpuType represents the type of GPU detected on the system.
type GpuType int

const (
	// GpuTypeCPU indicates no usable GPU; inference would run on the CPU.
	GpuTypeCPU GpuType = iota
	// GpuTypeNvidia indicates an NVIDIA GPU (CUDA-capable).
	GpuTypeNvidia
	// GpuTypeAmd indicates an AMD GPU (ROCm-capable).
	GpuTypeAmd
	// GpuTypeAppleSilicon indicates Apple Silicon (Metal-capable).
	GpuTypeAppleSilicon
	// GpuTypeIntel indicates an Intel Arc discrete GPU.
	GpuTypeIntel
)

// String returns the string representation of the GPU type.
func (t GpuType) String() string {
	switch t {
	case GpuTypeNvidia:
		return "NVIDIA"
	case GpuTypeAmd:
		return "AMD"
	case GpuTypeAppleSilicon:
		return "Apple Silicon"
	case GpuTypeIntel:
		return "Intel Arc"
	case GpuTypeCPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// =============================================================================
// GPU INFO
// =============================================================================

// GpuInfo contains information about a detected GPU.
type GpuInfo struct {
	Name   string
	VramGB uint32
	Driver string
	Type   GpuType
}

// Accelerated reports whether the info describes a real GPU.
func (g *GpuInfo) Accelerated() bool {
	return g != nil && g.Type != GpuTypeCPU
}

// String returns a formatted string representation of the GPU info.
func (g *GpuInfo) String() string {
	s := fmt.Sprintf("%s (%dGB VRAM)", g.Name, g.VramGB)
	if g.Driver != "" {
		s += fmt.Sprintf(" [Driver: %s]", g.Driver)
	}
	return s
}

// =============================================================================
// DETECTOR
// =============================================================================

// ErrForcedCPU is returned by Probe when GPU use is disabled by configuration.
var ErrForcedCPU = errors.New("gpu disabled by configuration")

// Runner executes a probe command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector probes for GPUs and caches the answer.
type Detector struct {
	// ForceCPU makes Probe fail with ErrForcedCPU without running anything.
	ForceCPU bool

	run  Runner
	goos string

	mu       sync.Mutex
	cached   *GpuInfo
	cachedAt time.Time
}

// New returns a detector that runs the real vendor tools.
func New() *Detector {
	return &Detector{run: execRunner, goos: runtime.GOOS}
}

// NewWithRunner returns a detector that runs probe commands through run as if
// on goos. Used by tests and by doctor's dry runs.
func NewWithRunner(run Runner, goos string) *Detector {
	return &Detector{run: run, goos: goos}
}

// Probe returns the best GPU found, a CPU GpuInfo when there is none, or an
// error when probing was cancelled or disabled.
func (d *Detector) Probe(ctx context.Context) (*GpuInfo, error) {
	if d.ForceCPU {
		return nil, ErrForcedCPU
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil && time.Since(d.cachedAt) < cacheTTL {
		return d.cached, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	info := d.detect(ctx)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("gpu probe: %w", err)
	}

	d.cached = info
	d.cachedAt = time.Now()
	return info, nil
}

// Reset drops the cached probe result.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = nil
}

func (d *Detector) detect(ctx context.Context) *GpuInfo {
	probes := []func(context.Context) *GpuInfo{
		d.detectNvidia,
		d.detectAmd,
		d.detectAppleSilicon,
		d.detectIntelArc,
	}
	for _, probe := range probes {
		if info := probe(ctx); info != nil {
			return info
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return d.cpuInfo(ctx)
}

// =============================================================================
// VENDOR PROBES
// =============================================================================

func (d *Detector) detectNvidia(ctx context.Context) *GpuInfo {
	paths := []string{"nvidia-smi"}
	if d.goos == "windows" {
		paths = append(paths,
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`)
	}

	var output []byte
	var err error
	for _, path := range paths {
		output, err = d.run(ctx, path,
			"--query-gpu=name,memory.total,driver_version",
			"--format=csv,noheader,nounits")
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil || len(output) == 0 {
		return nil
	}

	// One line per GPU; the first is the default CUDA device.
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(string(output)), "\n")[0])
	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return nil
	}

	vramMB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}

	return &GpuInfo{
		Name:   "NVIDIA " + strings.TrimSpace(parts[0]),
		VramGB: uint32(vramMB/1024.0 + 0.5),
		Driver: strings.TrimSpace(parts[2]),
		Type:   GpuTypeNvidia,
	}
}

func (d *Detector) detectAmd(ctx context.Context) *GpuInfo {
	if d.goos != "linux" {
		return nil
	}
	output, err := d.run(ctx, "rocm-smi", "--showproductname", "--showmeminfo", "vram")
	if err != nil {
		return nil
	}

	name := "AMD GPU"
	var vramGB uint32
	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.Contains(line, "Card series") || strings.Contains(line, "Card SKU"):
			if i := strings.LastIndex(line, ":"); i >= 0 {
				if v := strings.TrimSpace(line[i+1:]); v != "" {
					name = "AMD " + v
				}
			}
		case strings.Contains(line, "VRAM Total Memory"):
			if i := strings.LastIndex(line, ":"); i >= 0 {
				if b, err := strconv.ParseUint(strings.TrimSpace(line[i+1:]), 10, 64); err == nil {
					vramGB = uint32(b / 1_073_741_824)
				}
			}
		}
	}

	return &GpuInfo{Name: name, VramGB: vramGB, Type: GpuTypeAmd}
}

var appleChips = []string{
	"M4 Ultra", "M4 Max", "M4 Pro", "M4",
	"M3 Ultra", "M3 Max", "M3 Pro", "M3",
	"M2 Ultra", "M2 Max", "M2 Pro", "M2",
	"M1 Ultra", "M1 Max", "M1 Pro", "M1",
}

func (d *Detector) detectAppleSilicon(ctx context.Context) *GpuInfo {
	if d.goos != "darwin" {
		return nil
	}
	output, err := d.run(ctx, "system_profiler", "SPDisplaysDataType", "-json")
	if err != nil || !strings.Contains(string(output), "Apple") {
		return nil
	}

	name := "Apple Silicon"
	for _, chip := range appleChips {
		if strings.Contains(string(output), chip) {
			name = "Apple " + chip
			break
		}
	}

	// Unified memory is shared with the GPU; report all of it.
	vramGB := uint32(8)
	if out, err := d.run(ctx, "sysctl", "-n", "hw.memsize"); err == nil {
		if b, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
			vramGB = uint32(b / 1_073_741_824)
		}
	}

	return &GpuInfo{Name: name, VramGB: vramGB, Type: GpuTypeAppleSilicon}
}

var intelArcVram = []struct {
	model string
	name  string
	vram  uint32
}{
	{"a770", "Intel Arc A770", 16},
	{"a750", "Intel Arc A750", 8},
	{"a580", "Intel Arc A580", 8},
	{"a380", "Intel Arc A380", 6},
	{"a310", "Intel Arc A310", 4},
}

func (d *Detector) detectIntelArc(ctx context.Context) *GpuInfo {
	output, err := d.run(ctx, "intel_gpu_top", "-L")
	if err != nil {
		return nil
	}
	stdout := strings.ToLower(string(output))
	if !strings.Contains(stdout, "arc") {
		return nil
	}

	info := &GpuInfo{Name: "Intel Arc", VramGB: 8, Type: GpuTypeIntel}
	for _, m := range intelArcVram {
		if strings.Contains(stdout, m.model) {
			info.Name, info.VramGB = m.name, m.vram
			break
		}
	}
	return info
}

// cpuInfo reports half of system RAM as the budget for CPU inference.
func (d *Detector) cpuInfo(ctx context.Context) *GpuInfo {
	var ramGB uint32

	switch d.goos {
	case "darwin":
		if out, err := d.run(ctx, "sysctl", "-n", "hw.memsize"); err == nil {
			if b, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
				ramGB = uint32(b / 1_073_741_824 / 2)
			}
		}
	case "linux":
		if data, err := os.ReadFile("/proc/meminfo"); err == nil {
			ramGB = parseMemTotalGB(string(data)) / 2
		}
	}

	if ramGB == 0 {
		ramGB = 4
	}
	return &GpuInfo{Name: "CPU Only", VramGB: ramGB, Type: GpuTypeCPU}
}

// parseMemTotalGB extracts MemTotal from /proc/meminfo content.
func parseMemTotalGB(meminfo string) uint32 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return uint32(kb / 1024 / 1024)
	}
	return 0
}
