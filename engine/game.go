package engine

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// Game is the application driven by the Engine. Nil callbacks are skipped.
type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnLoadScene       LoadScene
	FnUpdate          Update
	FnShutdown        Shutdown
}

type Initialize func(ctx *renderer.Context) error

// LoadScene creates the scene's mesh instances. The engine keeps the
// returned slice; moving an instance's Transform in Update moves it in
// the TLAS on the next frame.
type LoadScene func(ctx *renderer.Context) ([]*metadata.MeshInstance, error)
type Update func(deltaTime float64) error
type Shutdown func() error
