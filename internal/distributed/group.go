// Package distributed provides the process group used to reduce metrics and
// gradients across data-parallel training processes.
package distributed

import (
	"context"
	"fmt"
	"net"
	"time"

	"k8s.io/klog/v2"

	"convzoo/internal/config"
)

// Group is a fixed set of cooperating processes.
type Group interface {
	Rank() int
	WorldSize() int
	// AllReduce replaces vals with the elementwise sum over every rank.
	// All ranks must call it with slices of the same length.
	AllReduce(ctx context.Context, vals []float64) error
	Close() error
}

// Local is the single-process group.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }

func (Local) AllReduce(context.Context, []float64) error { return nil }

func (Local) Close() error { return nil }

// IsMain reports whether g's process is the one that owns logging and
// artifacts.
func IsMain(g Group) bool {
	return g == nil || g.Rank() == 0
}

// ReduceValue sums v over the group, dividing by the world size when average
// is set. It is the identity for a single process.
func ReduceValue(ctx context.Context, g Group, v float64, average bool) (float64, error) {
	if g == nil || g.WorldSize() < 2 {
		return v, nil
	}
	buf := []float64{v}
	if err := g.AllReduce(ctx, buf); err != nil {
		return 0, fmt.Errorf("reduce value: %w", err)
	}
	if average {
		return buf[0] / float64(g.WorldSize()), nil
	}
	return buf[0], nil
}

// Open returns the group described by d. Rank 0 listens on the master
// address; the other ranks dial it, retrying until ctx expires.
func Open(ctx context.Context, d config.Distributed) (Group, error) {
	if !d.Enabled() {
		return Local{}, nil
	}
	addr := d.Address()
	if d.Rank == 0 {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		defer ln.Close()
		klog.InfoS("waiting for peers", "addr", addr, "world_size", d.WorldSize)
		return Serve(ctx, ln, d.WorldSize)
	}

	backoff := 100 * time.Millisecond
	for {
		g, err := Dial(ctx, addr, d.Rank, d.WorldSize)
		if err == nil {
			return g, nil
		}
		klog.V(1).InfoS("master not reachable yet", "addr", addr, "err", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 2*time.Second)
	}
}
