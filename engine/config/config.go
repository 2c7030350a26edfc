package config

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

type LogConfig struct {
	Level string `toml:"level"`
}

type FrameConfig struct {
	// Number of frame slots the synchronizer cycles through.
	FramesInFlight uint32 `toml:"frames_in_flight"`
}

// DescriptorConfig holds the fixed heap capacities, in descriptors.
type DescriptorConfig struct {
	CbvSrvUav uint32 `toml:"cbv_srv_uav"`
	Sampler   uint32 `toml:"sampler"`
	Rtv       uint32 `toml:"rtv"`
	Dsv       uint32 `toml:"dsv"`
}

type RaytracingConfig struct {
	// When false every TLAS is rebuilt from scratch instead of refitted.
	AllowTlasUpdate bool `toml:"allow_tlas_update"`
}

type DeviceConfig struct {
	// GPU work on the soft device runs only when a fence wait drives it.
	DeferredExecution bool `toml:"deferred_execution"`
}

type Config struct {
	Log         LogConfig        `toml:"log"`
	Frame       FrameConfig      `toml:"frame"`
	Descriptors DescriptorConfig `toml:"descriptors"`
	Raytracing  RaytracingConfig `toml:"raytracing"`
	Device      DeviceConfig     `toml:"device"`
}

const maxFramesInFlight = 8

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Frame: FrameConfig{
			FramesInFlight: 3,
		},
		Descriptors: DescriptorConfig{
			CbvSrvUav: 4096,
			Sampler:   64,
			Rtv:       64,
			Dsv:       16,
		},
		Raytracing: RaytracingConfig{AllowTlasUpdate: true},
		Device:     DeviceConfig{DeferredExecution: true},
	}
}

// Load reads the TOML file at path on top of the defaults. Keys the Config
// does not know are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// Parse decodes data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, errors.Newf("unknown keys:\n%s", strict.String())
		}
		return nil, errors.Wrap(err, "decoding toml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return errors.Newf("log.level: unknown level %q", c.Log.Level)
	}
	if c.Frame.FramesInFlight == 0 || c.Frame.FramesInFlight > maxFramesInFlight {
		return errors.Newf("frame.frames_in_flight: %d not in [1, %d]", c.Frame.FramesInFlight, maxFramesInFlight)
	}
	if c.Descriptors.CbvSrvUav == 0 {
		return errors.New("descriptors.cbv_srv_uav: must be positive")
	}
	if c.Descriptors.Sampler == 0 {
		return errors.New("descriptors.sampler: must be positive")
	}
	return nil
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
