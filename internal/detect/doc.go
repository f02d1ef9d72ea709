// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the host for a GPU the accelerated runtime can use.
//
// # Key Types
//
//   - Detector: runs the vendor probes with a timeout and caches the result
//   - GpuInfo: name, VRAM, driver and GpuType of what was found
//   - GpuType: CPU, NVIDIA, AMD, Apple Silicon or Intel Arc
//
// # Probe Order
//
//  1. NVIDIA (nvidia-smi)
//  2. AMD (rocm-smi, Linux only)
//  3. Apple Silicon (system_profiler, macOS only)
//  4. Intel Arc (intel_gpu_top)
//
// When nothing is found the result is a CPU GpuInfo, not an error. Probe
// errors are reserved for cancelled or timed-out probes.
package detect
