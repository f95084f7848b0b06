package engine

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"k8s.io/klog/v2"
)

// DeviceKind is the class of hardware a session runs on.
type DeviceKind int

const (
	CPU DeviceKind = iota
	GPU
)

func (k DeviceKind) String() string {
	if k == GPU {
		return "gpu"
	}
	return "cpu"
}

// ParseDevice maps a device flag to a DeviceKind. cuda is accepted as a GPU
// alias and may carry an index suffix such as cuda:0.
func ParseDevice(name string) (DeviceKind, error) {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(name)), ":")
	switch base {
	case "cpu":
		return CPU, nil
	case "cuda", "gpu", "webgpu":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("engine: unknown device %q", name)
	}
}

func newCPUSession(opts Options) (Learner, error) {
	if opts.UseAMP {
		klog.InfoS("Mixed precision needs a GPU device, training in float32", "device", "cpu")
		opts.UseAMP = false
	}
	return NewSession(autodiff.New(cpu.New()), opts)
}

var _ Learner = (*Session[*cpu.Backend])(nil)
