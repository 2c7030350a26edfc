package soft

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

func newList(t *testing.T, d *Device, typ gpu.QueueType) (*CommandList, *CommandAllocator) {
	t.Helper()
	a, err := d.CreateCommandAllocator(typ)
	if err != nil {
		t.Fatalf("CreateCommandAllocator: unexpected error: %v", err)
	}
	l, err := d.CreateCommandList(typ, a)
	if err != nil {
		t.Fatalf("CreateCommandList: unexpected error: %v", err)
	}
	return l.(*CommandList), a.(*CommandAllocator)
}

func newBuffer(t *testing.T, d *Device, desc gpu.BufferDesc) *Buffer {
	t.Helper()
	b, err := d.CreateBuffer(&desc)
	if err != nil {
		t.Fatalf("CreateBuffer: unexpected error: %v", err)
	}
	return b.(*Buffer)
}

func TestDeferredCopy(t *testing.T) {
	d := New(Options{Deferred: true})
	q, _ := d.CreateCommandQueue(gpu.QueueCopy)
	f, _ := d.CreateFence(0)

	src := newBuffer(t, d, gpu.BufferDesc{Size: 8, Heap: gpu.HeapUpload, Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc})
	dst := newBuffer(t, d, gpu.BufferDesc{Size: 8, Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage})
	p, err := src.Map()
	if err != nil {
		t.Fatalf("Buffer.Map: unexpected error: %v", err)
	}
	copy(p, "abcdefgh")
	src.Unmap()
	if _, err := dst.Map(); err == nil {
		t.Fatal("Buffer.Map: expected error for default heap")
	}

	l, a := newList(t, d, gpu.QueueCopy)
	l.CopyBuffer(dst, 2, src, 0, 4)
	if err := l.Close(); err != nil {
		t.Fatalf("CommandList.Close: unexpected error: %v", err)
	}
	if err := q.ExecuteCommandLists(l); err != nil {
		t.Fatalf("Queue.ExecuteCommandLists: unexpected error: %v", err)
	}
	if err := q.Signal(f, 1); err != nil {
		t.Fatalf("Queue.Signal: unexpected error: %v", err)
	}

	if v := f.CompletedValue(); v != 0 {
		t.Fatalf("Fence.CompletedValue before wait:\nhave %d\nwant 0", v)
	}
	if err := a.Reset(); err == nil {
		t.Fatal("CommandAllocator.Reset: expected error while in flight")
	}
	if err := f.WaitForValue(context.Background(), 1); err != nil {
		t.Fatalf("Fence.WaitForValue: unexpected error: %v", err)
	}
	if have, want := string(dst.Bytes()), "\x00\x00abcd\x00\x00"; have != want {
		t.Fatalf("copied bytes:\nhave %q\nwant %q", have, want)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("CommandAllocator.Reset: unexpected error: %v", err)
	}
	if n := q.(*Queue).Executed(); n != 1 {
		t.Fatalf("Queue.Executed:\nhave %d\nwant 1", n)
	}
}

func TestImmediateExecution(t *testing.T) {
	d := New(Options{})
	q, _ := d.CreateCommandQueue(gpu.QueueGraphics)
	f, _ := d.CreateFence(0)
	l, _ := newList(t, d, gpu.QueueGraphics)
	l.Close()
	q.ExecuteCommandLists(l)
	q.Signal(f, 7)
	if v := f.CompletedValue(); v != 7 {
		t.Fatalf("Fence.CompletedValue:\nhave %d\nwant 7", v)
	}
}

func TestCrossQueueWait(t *testing.T) {
	d := New(Options{Deferred: true})
	gfx, _ := d.CreateCommandQueue(gpu.QueueGraphics)
	cpy, _ := d.CreateCommandQueue(gpu.QueueCopy)
	copyFence, _ := d.CreateFence(0)
	gfxFence, _ := d.CreateFence(0)

	gfx.Wait(copyFence, 1)
	gfx.Signal(gfxFence, 1)
	d.Flush()
	if v := gfxFence.CompletedValue(); v != 0 {
		t.Fatalf("graphics fence passed an unsatisfied wait: have %d", v)
	}

	cpy.Signal(copyFence, 1)
	if err := gfxFence.WaitForValue(context.Background(), 1); err != nil {
		t.Fatalf("Fence.WaitForValue: unexpected error: %v", err)
	}
}

func TestWaitCPUSignal(t *testing.T) {
	d := New(Options{Deferred: true})
	f, _ := d.CreateFence(0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.(*Fence).Signal(3)
	}()
	if err := f.WaitForValue(context.Background(), 3); err != nil {
		t.Fatalf("Fence.WaitForValue: unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.WaitForValue(ctx, 4); err == nil {
		t.Fatal("Fence.WaitForValue: expected deadline error")
	}
}

func TestPrebuildInfo(t *testing.T) {
	d := New(Options{})
	tri := gpu.GeometryDesc{Triangles: gpu.TrianglesDesc{IndexFormat: gputypes.IndexFormatUint32, IndexCount: 30}}
	blas := gpu.BuildInputs{Type: gpu.BottomLevel, NumDescs: 2, Geometries: []gpu.GeometryDesc{tri, tri}}
	info := d.RaytracingPrebuildInfo(&blas)
	if want := (gpu.PrebuildInfo{ResultBytes: 128 + 72*20 + 80 + 3, ScratchBytes: 64 + 36*20 + 17}); info != want {
		t.Fatalf("RaytracingPrebuildInfo(BLAS):\nhave %+v\nwant %+v", info, want)
	}
	tlas := gpu.BuildInputs{Type: gpu.TopLevel, NumDescs: 3, Flags: gpu.BuildFlagAllowUpdate}
	info = d.RaytracingPrebuildInfo(&tlas)
	if want := (gpu.PrebuildInfo{ResultBytes: 128 + 288 + 5, ScratchBytes: 64 + 144 + 9, UpdateScratchBytes: 32 + 48 + 1}); info != want {
		t.Fatalf("RaytracingPrebuildInfo(TLAS):\nhave %+v\nwant %+v", info, want)
	}
}

func TestBuildValidation(t *testing.T) {
	d := New(Options{})
	q, _ := d.CreateCommandQueue(gpu.QueueGraphics)
	vb := newBuffer(t, d, gpu.BufferDesc{Size: 36, Heap: gpu.HeapUpload})
	inputs := gpu.BuildInputs{
		Type:     gpu.BottomLevel,
		NumDescs: 1,
		Geometries: []gpu.GeometryDesc{{Triangles: gpu.TrianglesDesc{
			VertexFormat: gputypes.VertexFormatFloat32x3,
			VertexCount:  3,
			VertexBuffer: vb.GPUAddress(),
			VertexStride: 12,
		}}},
	}
	info := d.RaytracingPrebuildInfo(&inputs)
	result := newBuffer(t, d, gpu.BufferDesc{Size: 4096, Usage: gputypes.BufferUsageStorage, AccelerationStructure: true})
	// One byte short of the scratch requirement.
	scratch := newBuffer(t, d, gpu.BufferDesc{Size: info.ScratchBytes - 1, Usage: gputypes.BufferUsageStorage})

	l, _ := newList(t, d, gpu.QueueGraphics)
	l.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{Dest: result.GPUAddress(), Inputs: inputs, Scratch: scratch.GPUAddress()})
	l.Close()
	q.ExecuteCommandLists(l)

	err := d.Err()
	if err == nil || !strings.Contains(err.Error(), "scratch needs") {
		t.Fatalf("Device.Err:\nhave %v\nwant scratch size error", err)
	}
	if err := q.ExecuteCommandLists(l); err == nil {
		t.Fatal("ExecuteCommandLists: expected error on removed device")
	}
}

func TestDescriptorViews(t *testing.T) {
	d := New(Options{})
	h, err := d.CreateDescriptorHeap(&gpu.DescriptorHeapDesc{Type: gpu.DescriptorHeapCbvSrvUav, Capacity: 4, ShaderVisible: true})
	if err != nil {
		t.Fatalf("CreateDescriptorHeap: unexpected error: %v", err)
	}
	if h.GPUStart() == 0 {
		t.Fatal("DescriptorHeap.GPUStart: have 0 for shader-visible heap")
	}
	if _, err := d.CreateDescriptorHeap(&gpu.DescriptorHeapDesc{Type: gpu.DescriptorHeapRtv, Capacity: 4, ShaderVisible: true}); err == nil {
		t.Fatal("CreateDescriptorHeap: expected error for shader-visible RTV heap")
	}

	inc := gpu.CPUDescriptorHandle(d.DescriptorHandleIncrementSize(gpu.DescriptorHeapCbvSrvUav))
	d.CreateTextureView(nil, &gpu.TextureViewDesc{Format: gputypes.TextureFormatRGBA8Unorm}, h.CPUStart()+inc)
	v, ok := d.View(h.CPUStart() + inc)
	if !ok || !v.Null {
		t.Fatalf("Device.View: have %+v, %t\nwant null view", v, ok)
	}
	if d.Err() != nil {
		t.Fatalf("Device.Err: unexpected error: %v", d.Err())
	}
	d.CreateTextureView(nil, &gpu.TextureViewDesc{}, h.CPUStart()+4*inc)
	if d.Err() == nil {
		t.Fatal("Device.Err: expected error for out-of-heap view")
	}
}

func TestFailNext(t *testing.T) {
	d := New(Options{})
	d.FailNext("CreateCommandAllocator")
	if _, err := d.CreateCommandAllocator(gpu.QueueCopy); err == nil {
		t.Fatal("CreateCommandAllocator: expected injected error")
	}
	if _, err := d.CreateCommandAllocator(gpu.QueueCopy); err != nil {
		t.Fatalf("CreateCommandAllocator: unexpected error: %v", err)
	}
	if n := d.AllocatorsCreated(); n != 1 {
		t.Fatalf("Device.AllocatorsCreated:\nhave %d\nwant 1", n)
	}
}

func TestBufferRelease(t *testing.T) {
	d := New(Options{})
	a := newBuffer(t, d, gpu.BufferDesc{Size: 10, Heap: gpu.HeapUpload})
	b := newBuffer(t, d, gpu.BufferDesc{Size: 10, Heap: gpu.HeapUpload})
	if a.GPUAddress() == b.GPUAddress() {
		t.Fatal("buffers share a GPU address")
	}
	if a.GPUAddress()%asAlignment != 0 || b.GPUAddress()%asAlignment != 0 {
		t.Fatal("buffer address not aligned")
	}
	if n := d.LiveBuffers(); n != 2 {
		t.Fatalf("Device.LiveBuffers:\nhave %d\nwant 2", n)
	}
	a.Release()
	a.Release()
	if n := d.LiveBuffers(); n != 1 {
		t.Fatalf("Device.LiveBuffers:\nhave %d\nwant 1", n)
	}
	if !a.Released() {
		t.Fatal("Buffer.Released: have false")
	}
	if _, err := a.Map(); err == nil {
		t.Fatal("Buffer.Map: expected error after release")
	}
}
