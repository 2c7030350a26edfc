// Package soft implements gpu.Device in memory.
//
// Work submitted to queues is executed by the CPU, either at submission or,
// in deferred mode, only when a fence wait or Flush drives it. That makes the
// asynchronous timeline observable: until something waits, fences stay
// behind and command allocators stay in flight. Acceleration-structure
// builds are validated against the prebuild sizes they were given and keep
// the decoded inputs in the destination buffer, so callers can inspect what
// the "GPU" consumed.
package soft

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

const (
	asAlignment       = 256
	cbPlacement       = 256
	resourceAlignment = 64 << 10
	addressBase       = 1 << 32
)

var incrementSizes = [gpu.DescriptorHeapTypeCount]uint32{
	gpu.DescriptorHeapCbvSrvUav: 32,
	gpu.DescriptorHeapSampler:   32,
	gpu.DescriptorHeapRtv:       32,
	gpu.DescriptorHeapDsv:       8,
}

// Options configure a Device.
type Options struct {
	// Deferred holds submitted work until a fence wait or Flush
	// drives it.
	Deferred bool
}

// View is the content of one descriptor slot.
type View struct {
	Buffer      gpu.Buffer
	BufferDesc  gpu.BufferViewDesc
	Texture     gpu.Texture
	TextureDesc gpu.TextureViewDesc
	// Null is set for texture views written without a texture.
	Null bool
}

// Device is the in-memory gpu.Device.
type Device struct {
	mu       sync.Mutex
	deferred bool
	logger   *log.Logger

	ids         *core.IdentifierPool
	nextAddress uint64
	buffers     map[uint32]*Buffer
	textures    int
	heaps       []*DescriptorHeap
	views       map[gpu.CPUDescriptorHandle]View
	queues      []*Queue
	allocators  int
	failures    map[string]int

	// removed is set when executed work was invalid. The device
	// accepts no further work.
	removed error
}

var _ gpu.Device = (*Device)(nil)

func New(opts Options) *Device {
	d := &Device{
		deferred:    opts.Deferred,
		logger:      core.Logger("soft"),
		ids:         core.NewIdentifierPool(64),
		nextAddress: addressBase,
		buffers:     make(map[uint32]*Buffer),
		views:       make(map[gpu.CPUDescriptorHandle]View),
		failures:    make(map[string]int),
	}
	d.logger.Debug("device created", "deferred", opts.Deferred)
	return d
}

func (d *Device) Limits() gpu.Limits {
	return gpu.Limits{
		AccelerationStructureAlignment:   asAlignment,
		ConstantBufferPlacementAlignment: cbPlacement,
		InstanceDescSize:                 gpu.InstanceDescSize,
	}
}

// FailNext makes the next call of the named Create* method fail.
func (d *Device) FailNext(call string) {
	d.mu.Lock()
	d.failures[call]++
	d.mu.Unlock()
}

func (d *Device) injected(call string) error {
	if d.failures[call] == 0 {
		return nil
	}
	d.failures[call]--
	return errors.Newf("%s: out of memory", call)
}

// Err returns the reason the device was removed, if it was.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Flush executes every submitted operation that can make progress.
func (d *Device) Flush() {
	d.mu.Lock()
	d.flushLocked()
	d.mu.Unlock()
}

// LiveBuffers returns the number of buffers not yet released.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// AllocatorsCreated returns how many command allocators were created.
func (d *Device) AllocatorsCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocators
}

// View returns the view last written at h.
func (d *Device) View(h gpu.CPUDescriptorHandle) (View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.views[h]
	return v, ok
}

func (d *Device) CreateCommandQueue(t gpu.QueueType) (gpu.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateCommandQueue"); err != nil {
		return nil, err
	}
	q := &Queue{dev: d, typ: t}
	d.queues = append(d.queues, q)
	return q, nil
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateFence"); err != nil {
		return nil, err
	}
	return &Fence{dev: d, value: initial, changed: make(chan struct{})}, nil
}

func (d *Device) CreateCommandAllocator(t gpu.QueueType) (gpu.CommandAllocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateCommandAllocator"); err != nil {
		return nil, err
	}
	d.allocators++
	return &CommandAllocator{dev: d, typ: t, id: d.allocators}, nil
}

func (d *Device) CreateCommandList(t gpu.QueueType, a gpu.CommandAllocator) (gpu.CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateCommandList"); err != nil {
		return nil, err
	}
	alloc, ok := a.(*CommandAllocator)
	if !ok || alloc.typ != t {
		return nil, errors.Newf("CreateCommandList: allocator does not match %s queue", t)
	}
	return &CommandList{dev: d, typ: t, alloc: alloc, open: true}, nil
}

func (d *Device) CreateBuffer(desc *gpu.BufferDesc) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateBuffer"); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, errors.New("CreateBuffer: zero size")
	}
	if desc.AccelerationStructure {
		if desc.Heap != gpu.HeapDefault || !desc.Usage.Contains(gputypes.BufferUsageStorage) {
			return nil, errors.New("CreateBuffer: acceleration structures need a default-heap storage buffer")
		}
	}
	b := &Buffer{
		dev:  d,
		desc: *desc,
		addr: gpu.GPUAddress(d.nextAddress),
		data: make([]byte, desc.Size),
	}
	if b.desc.Label == "" {
		b.desc.Label = "buffer-" + uuid.NewString()
	}
	b.id = d.ids.Acquire(b)
	d.buffers[b.id] = b
	d.nextAddress += math.AlignUp(desc.Size, resourceAlignment)
	return b, nil
}

func (d *Device) CreateTexture(desc *gpu.TextureDesc) (gpu.Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateTexture"); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Format == gputypes.TextureFormatUndefined {
		return nil, errors.Newf("CreateTexture: invalid description %+v", *desc)
	}
	t := &Texture{dev: d, desc: *desc}
	if t.desc.Label == "" {
		t.desc.Label = "texture-" + uuid.NewString()
	}
	if t.desc.MipLevels == 0 {
		t.desc.MipLevels = 1
	}
	d.textures++
	return t, nil
}

func (d *Device) CreateDescriptorHeap(desc *gpu.DescriptorHeapDesc) (gpu.DescriptorHeap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("CreateDescriptorHeap"); err != nil {
		return nil, err
	}
	if desc.Type < 0 || desc.Type >= gpu.DescriptorHeapTypeCount {
		return nil, errors.Newf("CreateDescriptorHeap: unknown type %v", desc.Type)
	}
	if desc.ShaderVisible && !desc.Type.CanBeShaderVisible() {
		return nil, errors.Newf("CreateDescriptorHeap: %s heaps cannot be shader visible", desc.Type)
	}
	if desc.Capacity == 0 {
		return nil, errors.New("CreateDescriptorHeap: zero capacity")
	}
	n := uint64(len(d.heaps) + 1)
	h := &DescriptorHeap{
		dev:  d,
		desc: *desc,
		cpu:  gpu.CPUDescriptorHandle(n << 32),
		inc:  incrementSizes[desc.Type],
	}
	if desc.ShaderVisible {
		h.gpu = gpu.GPUDescriptorHandle(n << 40)
	}
	d.heaps = append(d.heaps, h)
	return h, nil
}

func (d *Device) DescriptorHandleIncrementSize(t gpu.DescriptorHeapType) uint32 {
	return incrementSizes[t]
}

func (d *Device) CreateBufferView(b gpu.Buffer, desc *gpu.BufferViewDesc, dst gpu.CPUDescriptorHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validSlot(dst, gpu.DescriptorHeapCbvSrvUav) {
		d.remove(errors.Newf("CreateBufferView: handle %#x is not a CBV/SRV/UAV slot", dst))
		return
	}
	d.views[dst] = View{Buffer: b, BufferDesc: *desc}
}

func (d *Device) CreateTextureView(t gpu.Texture, desc *gpu.TextureViewDesc, dst gpu.CPUDescriptorHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validSlot(dst, gpu.DescriptorHeapCbvSrvUav) {
		d.remove(errors.Newf("CreateTextureView: handle %#x is not a CBV/SRV/UAV slot", dst))
		return
	}
	d.views[dst] = View{Texture: t, TextureDesc: *desc, Null: t == nil}
}

func (d *Device) validSlot(h gpu.CPUDescriptorHandle, t gpu.DescriptorHeapType) bool {
	for _, heap := range d.heaps {
		if heap.released || heap.desc.Type != t || h < heap.cpu {
			continue
		}
		off := uint64(h - heap.cpu)
		if off%uint64(heap.inc) == 0 && off/uint64(heap.inc) < uint64(heap.desc.Capacity) {
			return true
		}
	}
	return false
}

// RaytracingPrebuildInfo reports deliberately unaligned sizes that grow
// with the primitive or instance count.
func (d *Device) RaytracingPrebuildInfo(inputs *gpu.BuildInputs) gpu.PrebuildInfo {
	if inputs.Type == gpu.TopLevel {
		n := uint64(inputs.NumDescs)
		return gpu.PrebuildInfo{
			ResultBytes:        128 + 96*n + 5,
			ScratchBytes:       64 + 48*n + 9,
			UpdateScratchBytes: 32 + 16*n + 1,
		}
	}
	var prims uint64
	for i := range inputs.Geometries {
		prims += uint64(inputs.Geometries[i].Triangles.PrimitiveCount())
	}
	descs := uint64(len(inputs.Geometries))
	info := gpu.PrebuildInfo{
		ResultBytes:  128 + 72*prims + 40*descs + 3,
		ScratchBytes: 64 + 36*prims + 17,
	}
	if inputs.Flags.Has(gpu.BuildFlagAllowUpdate) {
		info.UpdateScratchBytes = 32 + 12*prims + 5
	}
	return info
}

func (d *Device) remove(err error) {
	if d.removed == nil {
		d.removed = errors.Wrap(err, "device removed")
		d.logger.Error("device removed", "err", err)
	}
}

// resolve finds the live buffer containing addr.
func (d *Device) resolve(addr gpu.GPUAddress) (*Buffer, uint64, error) {
	for _, b := range d.buffers {
		if addr >= b.addr && uint64(addr-b.addr) < b.desc.Size {
			return b, uint64(addr - b.addr), nil
		}
	}
	return nil, 0, errors.Newf("address %#x does not belong to a live buffer", uint64(addr))
}

func (d *Device) flushLocked() {
	for d.removed == nil {
		progress := false
		for _, q := range d.queues {
			if q.step() {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("soft.Device(deferred=%t, buffers=%d)", d.deferred, len(d.buffers))
}

// LiveTextures returns the number of textures not yet released.
func (d *Device) LiveTextures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textures
}
