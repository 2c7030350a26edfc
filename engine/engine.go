package engine

import (
	"context"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gi"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    atomic.Bool

	cfg      *config.Config
	renderer *renderer.Context
	events   *core.EventBus
	watcher  *config.Watcher

	instances []*metadata.MeshInstance
	scene     *gi.Scene
	accel     *raytracing.SceneAccel
	tlas      *raytracing.TlasBuffers

	clock      *core.Clock
	lastTime   float64
	frameCount uint64

	logger *log.Logger
}

// New boots the engine: it loads the configuration, applies the log level
// and creates the renderer context.
func New(g *Game) (*Engine, error) {
	e := &Engine{
		currentStage: EngineStageBooting,
		gameInstance: g,
		events:       core.NewEventBus(),
		clock:        core.NewClock(),
		logger:       core.Logger("engine"),
	}

	cfg := config.DefaultConfig()
	if path := g.ApplicationConfig.ConfigPath; path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, errors.Wrap(err, "applying log level")
	}
	e.cfg = cfg

	dev, err := renderer.NewDevice(g.ApplicationConfig.Backend, cfg.Device)
	if err != nil {
		return nil, err
	}
	if e.renderer, err = renderer.NewContext(cfg, dev); err != nil {
		return nil, err
	}

	e.currentStage = EngineStageBootComplete
	e.logger.Info("engine booted", "app", g.ApplicationConfig.Name, "backend", g.ApplicationConfig.Backend)
	return e, nil
}

// Initialize registers the engine's event handlers, starts the config
// watcher, runs the game's initializer and loads its scene.
func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_CONFIG_RELOADED, e, e.onConfigReloaded)

	if path := e.gameInstance.ApplicationConfig.ConfigPath; path != "" {
		w, err := config.NewWatcher(path)
		if err != nil {
			return err
		}
		e.watcher = w
		go e.forwardConfigs(w)
	}

	if fn := e.gameInstance.FnInitialize; fn != nil {
		if err := fn(e.renderer); err != nil {
			return errors.Wrap(err, "game initialize")
		}
	}
	if fn := e.gameInstance.FnLoadScene; fn != nil {
		instances, err := fn(e.renderer)
		if err != nil {
			return errors.Wrap(err, "game load scene")
		}
		if err := e.LoadScene(context.Background(), instances); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

// LoadScene uploads the GI records of instances and builds their
// acceleration structures, waiting for both. A previously loaded scene is
// released first.
func (e *Engine) LoadScene(ctx context.Context, instances []*metadata.MeshInstance) error {
	if err := e.unloadScene(ctx); err != nil {
		return err
	}

	scene, err := e.renderer.GI.InitScene(ctx, instances, true)
	if err != nil {
		return errors.Wrap(err, "initializing GI scene")
	}
	e.scene = scene
	e.instances = instances
	e.accel = raytracing.NewSceneAccel(e.renderer.Builder)

	frames := e.renderer.Frames
	rec := frames.BeginFrame()
	cl, err := rec.List(gpu.QueueGraphics)
	if err != nil {
		return err
	}
	if up := scene.UploadCompletion(); up.Fence != nil {
		err := e.renderer.Locks.SafeQueueCall(int(gpu.QueueGraphics), func() error {
			return e.renderer.Queue(gpu.QueueGraphics).Wait(up.Fence, up.Value)
		})
		if err != nil {
			return core.DeviceError(err, "Queue.Wait(gi upload)")
		}
	}
	if e.tlas, err = e.accel.Build(cl, scene.Instances()); err != nil {
		return errors.Wrap(err, "building scene acceleration structures")
	}
	done, err := frames.Submit(rec)
	if err != nil {
		return err
	}
	if err := frames.Wait(ctx, done); err != nil {
		return err
	}

	var payload core.EventContext
	payload.Data.U32[0] = uint32(len(scene.Geometries))
	payload.Data.U32[1] = uint32(len(instances))
	payload.Data.S = scene.ID.String()
	e.events.Fire(core.EVENT_CODE_SCENE_LOADED, e, payload)

	e.logger.Info("scene loaded", "id", scene.ID, "instances", len(instances),
		"blas", e.accel.BlasCount(), "tlasBytes", e.tlas.Info.AccelerationStructureBytes)
	return nil
}

func (e *Engine) unloadScene(ctx context.Context) error {
	if e.scene == nil {
		return nil
	}
	if err := e.renderer.Frames.WaitIdle(ctx); err != nil {
		return err
	}
	e.accel.Release()
	if err := e.scene.Release(); err != nil {
		return err
	}
	e.scene, e.accel, e.tlas, e.instances = nil, nil, nil, nil
	return nil
}

// RunFrame advances one frame: wait for the slot, let the game update,
// refit the TLAS to the instances' current transforms and submit.
func (e *Engine) RunFrame(ctx context.Context, delta float64) error {
	frames := e.renderer.Frames
	if _, err := frames.NextFrame(ctx); err != nil {
		return err
	}
	if fn := e.gameInstance.FnUpdate; fn != nil {
		if err := fn(delta); err != nil {
			return errors.Wrap(err, "game update")
		}
	}

	if e.scene != nil {
		rec := frames.BeginFrame()
		cl, err := rec.List(gpu.QueueGraphics)
		if err != nil {
			return err
		}
		if e.tlas, err = e.accel.Build(cl, e.scene.Instances()); err != nil {
			return errors.Wrap(err, "refitting TLAS")
		}
		if _, err := frames.Submit(rec); err != nil {
			return err
		}
	}
	if err := frames.EndFrame(); err != nil {
		return err
	}

	e.frameCount++
	if e.frameCount%120 == 0 {
		fps, ms := frames.Metrics().Frame()
		e.logger.Debug("frame stats", "frame", e.frameCount, "fps", fps, "ms", ms,
			"blockingWaits", frames.BlockingWaits())
	}
	return nil
}

// Run drives frames until the game quits, ctx is done or the configured
// frame count is reached.
func (e *Engine) Run(ctx context.Context) error {
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	maxFrames := e.gameInstance.ApplicationConfig.MaxFrames
	for e.isRunning.Load() {
		if ctx.Err() != nil || (maxFrames != 0 && e.frameCount >= maxFrames) {
			break
		}
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime

		if err := e.RunFrame(ctx, delta); err != nil {
			return errors.Wrapf(err, "frame %d", e.frameCount)
		}
		e.lastTime = currentTime
	}
	e.isRunning.Store(false)
	return nil
}

// Quit asks Run to stop after the current frame.
func (e *Engine) Quit() {
	e.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
}

// Shutdown waits for the GPU and releases the scene. The game's shutdown
// hook runs before the renderer is destroyed so it can free its resources.
func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			e.logger.Warn("closing config watcher", "err", err)
		}
	}
	ctx := context.Background()
	if err := e.unloadScene(ctx); err != nil {
		return err
	}
	if fn := e.gameInstance.FnShutdown; fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	if err := e.renderer.Destroy(ctx); err != nil {
		return err
	}
	e.logger.Info("engine shut down", "frames", e.frameCount)
	return nil
}

func (e *Engine) Stage() Stage { return e.currentStage }

func (e *Engine) Events() *core.EventBus { return e.events }

func (e *Engine) Renderer() *renderer.Context { return e.renderer }

func (e *Engine) Scene() *gi.Scene { return e.scene }

// Tlas returns the current top-level structure, nil without a scene.
func (e *Engine) Tlas() *raytracing.TlasBuffers { return e.tlas }

func (e *Engine) FrameCount() uint64 { return e.frameCount }

func (e *Engine) forwardConfigs(w *config.Watcher) {
	for cfg := range w.Configs() {
		var payload core.EventContext
		payload.Payload = cfg
		e.events.Fire(core.EVENT_CODE_CONFIG_RELOADED, w, payload)
	}
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		e.logger.Info("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.isRunning.Store(false)
		return true
	}
	return false
}

// onConfigReloaded applies what can change at runtime: the log level.
// Heap sizes and frames in flight need a restart.
func (e *Engine) onConfigReloaded(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	cfg, ok := data.Payload.(*config.Config)
	if !ok {
		e.logger.Error("wrong payload for the event type", "code", code)
		return false
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		e.logger.Error("applying reloaded log level", "err", err)
		return false
	}
	if cfg.Descriptors != e.cfg.Descriptors || cfg.Frame != e.cfg.Frame {
		e.logger.Warn("descriptor and frame settings take effect after a restart")
	}
	e.logger.Info("config reloaded", "level", cfg.Log.Level)
	return true
}
