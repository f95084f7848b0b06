//go:build !windows

package engine

import "k8s.io/klog/v2"

func newGPUSession(Options) (Learner, bool, error) {
	klog.Warning("GPU backend is not available on this platform, falling back to cpu")
	return nil, false, nil
}
