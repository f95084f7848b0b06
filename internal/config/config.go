package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	NumClasses  int     `yaml:"num_classes"`
	Epochs      int     `yaml:"epochs"`
	BatchSize   int     `yaml:"batch_size"`
	LR          float64 `yaml:"lr"`
	LRF         float64 `yaml:"lrf"`
	Seed        bool    `yaml:"seed"`
	SeedValue   int64   `yaml:"seed_value"`
	Tensorboard bool    `yaml:"tensorboard"`
	UseAMP      bool    `yaml:"use_amp"`
	DataPath    string  `yaml:"data_path"`
	Model       string  `yaml:"model"`
	Device      string  `yaml:"device"`
	ResultsDir  string  `yaml:"results_dir"`
	NumWorkers  int     `yaml:"num_workers"`
	ImageSize   int     `yaml:"image_size"`
	LogEvery    int     `yaml:"log_every"`
	Warmup      bool    `yaml:"warmup"`

	Distributed Distributed `yaml:"distributed"`
}

// Distributed describes the process group a run belongs to.
type Distributed struct {
	Rank       int    `yaml:"rank"`
	WorldSize  int    `yaml:"world_size"`
	MasterAddr string `yaml:"master_addr"`
	MasterPort int    `yaml:"master_port"`
}

// Enabled reports whether more than one process takes part in the run.
func (d Distributed) Enabled() bool {
	return d.WorldSize > 1
}

// Address returns the host:port of the rank 0 process.
func (d Distributed) Address() string {
	return fmt.Sprintf("%s:%d", d.MasterAddr, d.MasterPort)
}

// Overrides captures CLI supplied values. Only fields explicitly set on the
// command line are applied; Set records which ones those are.
type Overrides struct {
	NumClasses  int
	Epochs      int
	BatchSize   int
	LR          float64
	LRF         float64
	Seed        bool
	Tensorboard bool
	UseAMP      bool
	DataPath    string
	Model       string
	Device      string
	ResultsDir  string
	NumWorkers  int
	ImageSize   int
	LogEvery    int

	Set map[string]bool
}

// Default returns the configuration used when neither a file nor flags say otherwise.
func Default() *Config {
	return &Config{
		NumClasses: 5,
		Epochs:     50,
		BatchSize:  64,
		LR:         0.0002,
		LRF:        0.0001,
		SeedValue:  7,
		DataPath:   "./flower",
		Model:      "vgg",
		Device:     "cuda",
		ResultsDir: "./results",
		ImageSize:  224,
		LogEvery:   50,
		Warmup:     true,
		Distributed: Distributed{
			WorldSize:  1,
			MasterAddr: "127.0.0.1",
			MasterPort: 29500,
		},
	}
}

// Load reads a Config from YAML on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and leaves the defaults in place.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg with every flag the user set explicitly.
func (c *Config) ApplyOverrides(o Overrides) {
	set := func(name string) bool { return o.Set[name] }
	if set("num_classes") {
		c.NumClasses = o.NumClasses
	}
	if set("epochs") {
		c.Epochs = o.Epochs
	}
	if set("batch_size") {
		c.BatchSize = o.BatchSize
	}
	if set("lr") {
		c.LR = o.LR
	}
	if set("lrf") {
		c.LRF = o.LRF
	}
	if set("seed") {
		c.Seed = o.Seed
	}
	if set("tensorboard") {
		c.Tensorboard = o.Tensorboard
	}
	if set("use_amp") {
		c.UseAMP = o.UseAMP
	}
	if set("data_path") {
		c.DataPath = o.DataPath
	}
	if set("model") {
		c.Model = o.Model
	}
	if set("device") {
		c.Device = o.Device
	}
	if set("results_dir") {
		c.ResultsDir = o.ResultsDir
	}
	if set("num_workers") {
		c.NumWorkers = o.NumWorkers
	}
	if set("image_size") {
		c.ImageSize = o.ImageSize
	}
	if set("log_every") {
		c.LogEvery = o.LogEvery
	}
}

// ApplyEnv reads the torchrun-style variables RANK, WORLD_SIZE, MASTER_ADDR
// and MASTER_PORT through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("RANK"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RANK: %w", err)
		}
		c.Distributed.Rank = n
	}
	if v, ok := lookup("WORLD_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORLD_SIZE: %w", err)
		}
		c.Distributed.WorldSize = n
	}
	if v, ok := lookup("MASTER_ADDR"); ok && v != "" {
		c.Distributed.MasterAddr = v
	}
	if v, ok := lookup("MASTER_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MASTER_PORT: %w", err)
		}
		c.Distributed.MasterPort = n
	}
	return nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.LRF < 0 || c.LRF > 1 {
		return fmt.Errorf("lrf must be within [0, 1] (got %g)", c.LRF)
	}
	if c.DataPath == "" {
		return errors.New("data_path must be set")
	}
	if c.Model == "" {
		return errors.New("model must be set")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.ResultsDir == "" {
		c.ResultsDir = "./results"
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	d := c.Distributed
	if d.WorldSize <= 0 {
		return fmt.Errorf("world_size must be > 0 (got %d)", d.WorldSize)
	}
	if d.Rank < 0 || d.Rank >= d.WorldSize {
		return fmt.Errorf("rank %d outside world of size %d", d.Rank, d.WorldSize)
	}
	if d.Enabled() && (d.MasterAddr == "" || d.MasterPort <= 0) {
		return errors.New("distributed runs need master_addr and master_port")
	}
	return nil
}

// Workers returns the dataloader worker count, computing the default of
// min(numCPU, batch_size if > 1 else 0, 8) when none was configured.
func (c *Config) Workers(numCPU int) int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	bs := 0
	if c.BatchSize > 1 {
		bs = c.BatchSize
	}
	return min(numCPU, bs, 8)
}
