// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// GPUInfo describes the detected accelerator.
type GPUInfo struct {
	Available  bool   `json:"available"`
	Type       string `json:"type"`
	DeviceName string `json:"device_name,omitempty"`
	DriverVer  string `json:"driver_version,omitempty"`
}

var (
	gpuInfo     GPUInfo
	gpuInfoOnce sync.Once
)

// DetectGPU checks if CUDA acceleration is available.
// Results are cached after the first call.
func DetectGPU() GPUInfo {
	gpuInfoOnce.Do(func() {
		switch runtime.GOOS {
		case "linux", "windows":
			gpuInfo = detectCUDA()
		default:
			gpuInfo = GPUInfo{Type: "none"}
		}
	})
	return gpuInfo
}

func detectCUDA() GPUInfo {
	if info := tryNvidiaSMI(); info.Available {
		return info
	}
	if cudaLibsExist() {
		return GPUInfo{Available: true, Type: "cuda", DeviceName: "CUDA (libraries detected)"}
	}
	return GPUInfo{Type: "none"}
}

func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}
	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath
	output, err := cmd.Output()
	if err != nil {
		return info
	}

	// "GPU Name, Driver Version"
	parts := strings.Split(strings.TrimSpace(string(output)), ", ")
	info.Available = true
	info.Type = "cuda"
	if len(parts) >= 1 {
		info.DeviceName = strings.TrimSpace(parts[0])
	}
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}
	return info
}

func cudaLibsExist() bool {
	dirs := []string{"/usr/local/cuda/lib64", "/usr/lib/x86_64-linux-gnu", "/usr/lib64"}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		dirs = append(filepath.SplitList(ldPath), dirs...)
	}
	for _, dir := range dirs {
		if matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*")); len(matches) > 0 {
			return true
		}
	}
	return false
}

// ShouldUseGPU determines if GPU should be used based on mode and availability.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeOff:
		return false
	case GPUModeCuda:
		return true
	default:
		return DetectGPU().Available
	}
}
