//go:build windows

package engine

import (
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"k8s.io/klog/v2"
)

func newGPUSession(opts Options) (Learner, bool, error) {
	if !webgpu.IsAvailable() {
		klog.Warning("No WebGPU adapter found, falling back to cpu")
		return nil, false, nil
	}
	gpu, err := webgpu.New()
	if err != nil {
		klog.Warningf("Opening WebGPU backend failed, falling back to cpu: %v", err)
		return nil, false, nil
	}
	s, err := NewSession(autodiff.New(gpu), opts)
	if err != nil {
		gpu.Release()
		return nil, false, err
	}
	s.release = gpu.Release
	return s, true, nil
}
