// Package descriptor allocates descriptor-table regions from fixed-capacity
// heaps, one heap per category.
package descriptor

import (
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Allocator owns one heap per descriptor category. The CBV/SRV/UAV and
// sampler heaps are shader visible.
type Allocator struct {
	heaps [gpu.DescriptorHeapTypeCount]*Heap
}

func NewAllocator(dev gpu.Device, cfg config.DescriptorConfig, locks *core.LockPool) (*Allocator, error) {
	capacities := [gpu.DescriptorHeapTypeCount]uint32{
		gpu.DescriptorHeapCbvSrvUav: cfg.CbvSrvUav,
		gpu.DescriptorHeapSampler:   cfg.Sampler,
		gpu.DescriptorHeapRtv:       cfg.Rtv,
		gpu.DescriptorHeapDsv:       cfg.Dsv,
	}
	a := &Allocator{}
	for t := gpu.DescriptorHeapType(0); t < gpu.DescriptorHeapTypeCount; t++ {
		if capacities[t] == 0 {
			// RTV/DSV heaps are optional for headless use.
			continue
		}
		h, err := NewHeap(dev, t, capacities[t], t.CanBeShaderVisible(), locks)
		if err != nil {
			a.Destroy()
			return nil, err
		}
		a.heaps[t] = h
	}
	return a, nil
}

// Heap returns the heap of the given category, or nil if it was
// configured with zero capacity.
func (a *Allocator) Heap(t gpu.DescriptorHeapType) *Heap {
	return a.heaps[t]
}

func (a *Allocator) Allocate(t gpu.DescriptorHeapType, count uint32) (Allocation, error) {
	h := a.heaps[t]
	if h == nil {
		return Allocation{}, core.Fatalf(core.ErrHeapExhausted, "no %s heap configured", t)
	}
	return h.Allocate(count)
}

func (a *Allocator) Destroy() {
	for i, h := range a.heaps {
		if h != nil {
			h.Destroy()
			a.heaps[i] = nil
		}
	}
}
