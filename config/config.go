// Package config holds the run configuration of a training job: defaults, YAML loading and
// validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/BenmansourYahia/SignLanguage-Project/layers"
	"github.com/BenmansourYahia/SignLanguage-Project/optimizer"
	"github.com/BenmansourYahia/SignLanguage-Project/training"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/augment"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataloader"
)

// DataConfig locates the corpus and tunes the loader
type DataConfig struct {
	Root            string   `yaml:"root" json:"root" validate:"required"`
	ImageSize       int      `yaml:"image_size" json:"image_size" validate:"gte=8,lte=1024"`
	BatchSize       int      `yaml:"batch_size" json:"batch_size" validate:"gte=1"`
	ValidationSplit float64  `yaml:"validation_split" json:"validation_split" validate:"gt=0,lt=1"`
	ExpectedClasses []string `yaml:"expected_classes,omitempty" json:"expected_classes" validate:"omitempty,unique,dive,required"`
	Extensions      []string `yaml:"extensions,omitempty" json:"extensions" validate:"omitempty,dive,startswith=."`
	VerifyImages    bool     `yaml:"verify_images" json:"verify_images"`
	Workers         int      `yaml:"workers" json:"workers" validate:"gte=0"`
	PrefetchDepth   int      `yaml:"prefetch_depth" json:"prefetch_depth" validate:"gte=0"`
	MaxCacheSize    int      `yaml:"max_cache_size" json:"max_cache_size" validate:"gte=0"`
}

// OutputConfig names what a run writes besides the checkpoint and artifact
type OutputConfig struct {
	Dir      string `yaml:"dir" json:"dir" validate:"required"`
	Metrics  bool   `yaml:"metrics" json:"metrics"`
	History  bool   `yaml:"history" json:"history"`
	Plots    bool   `yaml:"plots" json:"plots"`
	Progress bool   `yaml:"progress" json:"progress"` // per-epoch bar on stderr
}

// Config is the full configuration of a training run
type Config struct {
	Data         DataConfig                `yaml:"data" json:"data"`
	Augmentation augment.Config            `yaml:"augmentation" json:"augmentation"`
	Architecture layers.ArchitectureConfig `yaml:"architecture" json:"architecture"`
	Optimizer    optimizer.Config          `yaml:"optimizer" json:"optimizer"`
	Training     training.TrainerConfig    `yaml:"training" json:"training"`
	Output       OutputConfig              `yaml:"output" json:"output"`
}

// Default returns the configuration of the reference hand-sign run
func Default() Config {
	return Config{
		Data: DataConfig{
			Root:            "dataset",
			ImageSize:       64,
			BatchSize:       32,
			ValidationSplit: 0.2,
			VerifyImages:    true,
			Workers:         4,
			PrefetchDepth:   3,
		},
		Augmentation: augment.DefaultConfig(),
		Architecture: layers.DefaultArchitecture(),
		Optimizer:    optimizer.DefaultConfig(),
		Training:     training.DefaultTrainerConfig(),
		Output: OutputConfig{
			Dir:      "output",
			Metrics:  true,
			History:  true,
			Plots:    true,
			Progress: true,
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate runs the struct tag rules and the checks that span fields
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Augmentation.Validate(); err != nil {
		return fmt.Errorf("invalid augmentation: %w", err)
	}
	if err := c.Architecture.Validate(); err != nil {
		return fmt.Errorf("invalid architecture: %w", err)
	}
	if err := c.Training.LRDecay.Validate(); err != nil {
		return fmt.Errorf("invalid lr decay: %w", err)
	}
	if lr := float64(c.Optimizer.LearningRate); lr < c.Training.LRDecay.MinLR {
		return fmt.Errorf("invalid config: learning rate %g is below the lr decay floor %g", lr, c.Training.LRDecay.MinLR)
	}
	if _, err := layers.BuildClassifierSpec(c.Data.ImageSize, 2, c.Architecture); err != nil {
		return fmt.Errorf("invalid config: image size %d does not fit the architecture: %w", c.Data.ImageSize, err)
	}
	return nil
}

// Loader returns the loader settings derived from this configuration
func (c Config) Loader() dataloader.Config {
	return dataloader.Config{
		BatchSize:     c.Data.BatchSize,
		ImageSize:     c.Data.ImageSize,
		Workers:       c.Data.Workers,
		PrefetchDepth: c.Data.PrefetchDepth,
		MaxCacheSize:  c.Data.MaxCacheSize,
		Augment:       c.Augmentation,
	}
}

// Write stores the configuration as YAML
func (c Config) Write(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return encoder.Close()
}
