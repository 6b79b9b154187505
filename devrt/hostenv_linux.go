//go:build linux

package devrt

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	// MPSPipeDirectoryEnv is the environment variable NVidia's MPS uses to configure its pipe directory.
	MPSPipeDirectoryEnv = "CUDA_MPS_PIPE_DIRECTORY"

	// defaultMPSPipeDirectory is where the MPS control daemon creates its pipes by default.
	defaultMPSPipeDirectory = "/tmp/nvidia-mps"
)

// probeMPSDaemon checks whether the NVidia MPS control daemon is running: first by looking for its control pipe,
// and then by asking NVML for MPS compute processes (only if built with cgo).
func probeMPSDaemon() (bool, error) {
	pipeDir := os.Getenv(MPSPipeDirectoryEnv)
	if pipeDir == "" {
		pipeDir = defaultMPSPipeDirectory
	}
	if fi, err := os.Stat(filepath.Join(pipeDir, "control")); err == nil && !fi.IsDir() {
		return true, nil
	}
	return nvmlMPSActive()
}

var (
	hasNvidiaGPUOnce  sync.Once
	hasNvidiaGPUCache bool
)

// hasNvidiaGPU tries to guess if there is an actual Nvidia GPU installed (as opposed to only the drivers installed,
// but no actual hardware).
// It does that by checking for the presence of the device files in /dev/nvidia*, and then with nvidia-smi.
func hasNvidiaGPU() bool {
	hasNvidiaGPUOnce.Do(func() {
		matches, err := filepath.Glob("/dev/nvidia[0-9]*")
		if err != nil {
			klog.Errorf("Failed to figure out if there is an Nvidia GPU installed while searching for files matching \"/dev/nvidia*\": %v", err)
		}
		if len(matches) > 0 {
			hasNvidiaGPUCache = true
			return
		}
		klog.V(1).Infof("No NVidia devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")

		if _, lookErr := exec.LookPath("nvidia-smi"); lookErr == nil {
			output, cmdErr := exec.Command("nvidia-smi", "-L").CombinedOutput()
			if cmdErr == nil && strings.Contains(string(output), "GPU") {
				hasNvidiaGPUCache = true
				return
			}
		}
		klog.V(1).Infof("nvidia-smi command did not succeed, assuming there are no GPU cards installed in the system.")
	})
	return hasNvidiaGPUCache
}
