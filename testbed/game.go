package testbed

import (
	"math/rand/v2"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	seed     uint64
	cubes    int
	meshes   []*metadata.Mesh
	textures []gpu.Texture

	instances []*metadata.MeshInstance
	// yaw and spin are in radians and radians per second.
	yaw  []float32
	spin []float32
}

// NewTestGame builds a scene of spinning cubes over a ground plane. The
// cube layout is derived from seed.
func NewTestGame(configPath string, maxFrames uint64, seed uint64, cubes int) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:       "Anima RT Testbed",
				ConfigPath: configPath,
				MaxFrames:  maxFrames,
				Backend:    renderer.BackendSoft,
			},
			State: &gameState{seed: seed, cubes: cubes},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnLoadScene = tg.LoadScene
	tg.FnUpdate = tg.Update
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(ctx *renderer.Context) error {
	core.LogInfo("initializing testbed with %d cubes", g.state().cubes)
	return nil
}

func (g *TestGame) LoadScene(ctx *renderer.Context) ([]*metadata.MeshInstance, error) {
	state := g.state()
	dev := ctx.Device

	albedo, err := dev.CreateTexture(&gpu.TextureDesc{
		Label:  "checker-albedo",
		Width:  64,
		Height: 64,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		return nil, err
	}
	state.textures = append(state.textures, albedo)

	ground := metadata.NewDefaultMaterial()
	ground.Name = "ground"
	ground.AlbedoTexture = albedo

	foliage := metadata.NewDefaultMaterial()
	foliage.Name = "cutout"
	foliage.AlphaMode = metadata.AlphaModeMask
	foliage.AlphaCutoff = 0.3
	foliage.AlbedoFactor = math.NewVec4(0.35, 0.7, 0.2, 1)
	foliage.RoughnessMetalnessFactor = math.NewVec2(0.4, 0.8)

	vertices, indices := planeGeometry(40)
	plane, err := uploadSubmesh(dev, "ground", vertices, indices, ground)
	if err != nil {
		return nil, err
	}
	planeMesh := &metadata.Mesh{UniqueID: 1, Name: "ground", Submeshes: []*metadata.Submesh{plane}}
	state.meshes = append(state.meshes, planeMesh)

	vertices, indices = cubeGeometry(1)
	body, err := uploadSubmesh(dev, "cube", vertices, indices, nil)
	if err != nil {
		return nil, err
	}
	vertices, indices = cubeGeometry(0.5)
	for i := range vertices {
		vertices[i].Position.Y += 0.75
	}
	top, err := uploadSubmesh(dev, "cube-cap", vertices, indices, foliage)
	if err != nil {
		return nil, err
	}
	cubeMesh := &metadata.Mesh{UniqueID: 2, Name: "cube", Submeshes: []*metadata.Submesh{body, top}}
	state.meshes = append(state.meshes, cubeMesh)

	state.instances = []*metadata.MeshInstance{{
		Mesh:      planeMesh,
		Transform: math.TransformCreate(),
	}}
	state.yaw, state.spin = []float32{0}, []float32{0}

	rng := rand.New(rand.NewPCG(state.seed, state.seed^0x9e3779b97f4a7c15))
	for i := 0; i < state.cubes; i++ {
		scale := 0.5 + rng.Float32()
		yaw := rng.Float32() * 2 * math.K_PI
		t := math.TransformFromPosition(math.NewVec3(rng.Float32()*30-15, 0, rng.Float32()*30-15))
		t.SetScale(math.NewVec3(scale, scale, scale))
		// Rest the unit cube on the ground.
		t.Translate(math.NewVec3(0, 0.5*scale, 0))
		t.SetRotation(math.NewQuatFromAxisAngle(math.NewVec3Up(), yaw, true))
		state.instances = append(state.instances, &metadata.MeshInstance{
			Mesh:      cubeMesh,
			Transform: t,
			Mask:      uint8(1 << rng.IntN(8)),
		})
		state.yaw = append(state.yaw, yaw)
		state.spin = append(state.spin, math.DegToRad(float32(15+rng.IntN(75))))
	}
	return state.instances, nil
}

// Update advances the yaw of every cube around its vertical axis.
func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	for i, inst := range state.instances {
		if state.spin[i] == 0 {
			continue
		}
		state.yaw[i] += state.spin[i] * float32(deltaTime)
		if state.yaw[i] >= 2*math.K_PI {
			state.yaw[i] -= 2 * math.K_PI
		}
		inst.Transform.SetRotation(math.NewQuatFromAxisAngle(math.NewVec3Up(), state.yaw[i], true))
	}
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	for _, m := range state.meshes {
		releaseMesh(m)
	}
	for _, t := range state.textures {
		t.Release()
	}
	state.meshes, state.textures, state.instances = nil, nil, nil
	core.LogInfo("testbed shut down")
	return nil
}
