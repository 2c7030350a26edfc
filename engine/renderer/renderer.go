// Package renderer bundles the device-level state every GPU component
// shares: queues, descriptor heaps, command pools, the frame synchronizer
// and the scene-level builders.
package renderer

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/command"
	"github.com/spaghettifunk/anima-rt/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gi"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
)

// Context owns the shared renderer state. It is created once per device
// and passed to whoever records GPU work.
type Context struct {
	Config      *config.Config
	Device      gpu.Device
	Locks       *core.LockPool
	Descriptors *descriptor.Allocator
	Pools       *command.Pools
	Frames      *frame.Synchronizer
	Builder     *raytracing.Builder
	GI          *gi.Processor

	queues [gpu.QueueTypeCount]gpu.Queue
	logger *log.Logger
}

func NewContext(cfg *config.Config, dev gpu.Device) (*Context, error) {
	c := &Context{
		Config: cfg,
		Device: dev,
		Locks:  core.NewLockPool(),
		logger: core.Logger("renderer"),
	}

	for q := gpu.QueueType(0); q < gpu.QueueTypeCount; q++ {
		queue, err := dev.CreateCommandQueue(q)
		if err != nil {
			return nil, core.DeviceError(err, "CreateCommandQueue("+q.String()+")")
		}
		c.queues[q] = queue
	}

	var err error
	if c.Descriptors, err = descriptor.NewAllocator(dev, cfg.Descriptors, c.Locks); err != nil {
		return nil, errors.Wrap(err, "creating descriptor heaps")
	}
	c.Pools = command.NewPools(dev, c.Locks)

	c.Frames, err = frame.New(dev, c.queues, c.Pools, c.Locks, frame.Options{
		FramesInFlight: int(cfg.Frame.FramesInFlight),
	})
	if err != nil {
		c.destroy()
		return nil, errors.Wrap(err, "creating frame synchronizer")
	}
	c.Builder = raytracing.NewBuilder(dev, raytracing.Options{
		AllowTlasUpdate: cfg.Raytracing.AllowTlasUpdate,
		Retirer:         c.Frames,
	})
	if c.GI, err = gi.NewProcessor(dev, c.Descriptors, c.Pools, c.queues[gpu.QueueCopy], c.Locks); err != nil {
		c.destroy()
		return nil, errors.Wrap(err, "creating GI processor")
	}

	c.logger.Info("renderer context created",
		"framesInFlight", cfg.Frame.FramesInFlight,
		"cbvSrvUav", cfg.Descriptors.CbvSrvUav,
		"tlasUpdate", cfg.Raytracing.AllowTlasUpdate)
	return c, nil
}

// Queue returns the queue of type t.
func (c *Context) Queue(t gpu.QueueType) gpu.Queue {
	return c.queues[t]
}

// Destroy waits for the GPU to go idle and releases everything the
// context created.
func (c *Context) Destroy(ctx context.Context) error {
	var err error
	if c.Frames != nil {
		err = c.Frames.WaitIdle(ctx)
	}
	c.destroy()
	c.logger.Info("renderer context destroyed")
	return err
}

func (c *Context) destroy() {
	if c.GI != nil {
		c.GI.Destroy()
		c.GI = nil
	}
	if c.Frames != nil {
		c.Frames.Destroy()
		c.Frames = nil
	}
	if c.Pools != nil {
		c.Pools.Destroy()
		c.Pools = nil
	}
	if c.Descriptors != nil {
		c.Descriptors.Destroy()
		c.Descriptors = nil
	}
}
