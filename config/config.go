// Package config loads and validates the mapping service configuration.
package config

import (
	"math"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.viam.com/utils"

	"github.com/pkg/errors"
)

// Defaults applied by Ensure for fields left at their zero value.
const (
	DefaultPort          = 8000
	DefaultSubmapSize    = 16
	DefaultConfThreshold = 25.0
	DefaultPreviewWidth  = 800
	DefaultPreviewHeight = 800
	DefaultPreviewZoom   = 1.0
	DefaultAdmitStride   = 1
)

// PreviewAttrs configures the top-down map render.
type PreviewAttrs struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Zoom   float64 `json:"zoom"`
}

// AttrConfig describes how to configure the mapping service. Config files
// are JSON5 so they may carry comments.
type AttrConfig struct {
	Port          int           `json:"port"`
	SubmapSize    int           `json:"submap_size"`
	ConfThreshold float64       `json:"conf_threshold"`
	ExportDir     string        `json:"export_dir"`
	DepthEnabled  bool          `json:"depth_enabled"`
	DepthRigPath  string        `json:"depth_rig_path"`
	GlobalScale   float64       `json:"global_scale"`
	AdmitStride   int           `json:"admit_stride"`
	Preview       *PreviewAttrs `json:"preview"`
}

// AttributeMap is the raw decoded form of a config file.
type AttributeMap map[string]interface{}

// FromAttributes converts a raw attribute map into an AttrConfig.
func FromAttributes(attributes AttributeMap) (*AttrConfig, error) {
	var conf AttrConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &conf})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Read loads, defaults and validates a config file.
func Read(path string) (*AttrConfig, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var attributes AttributeMap
	if err := json5.NewDecoder(f).Decode(&attributes); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	conf, err := FromAttributes(attributes)
	if err != nil {
		return nil, errors.Wrapf(err, "converting %q", path)
	}
	conf.Ensure()
	if err := conf.Validate(path); err != nil {
		return nil, err
	}
	return conf, nil
}

// Ensure fills zero-valued fields with their defaults.
func (config *AttrConfig) Ensure() {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.SubmapSize == 0 {
		config.SubmapSize = DefaultSubmapSize
	}
	if config.ConfThreshold == 0 {
		config.ConfThreshold = DefaultConfThreshold
	}
	if config.AdmitStride == 0 {
		config.AdmitStride = DefaultAdmitStride
	}
	if config.Preview == nil {
		config.Preview = &PreviewAttrs{}
	}
	if config.Preview.Width == 0 {
		config.Preview.Width = DefaultPreviewWidth
	}
	if config.Preview.Height == 0 {
		config.Preview.Height = DefaultPreviewHeight
	}
	if config.Preview.Zoom == 0 {
		config.Preview.Zoom = DefaultPreviewZoom
	}
}

// Validate checks field ranges. Call Ensure first; a zero value that has a
// default is never an error here.
func (config *AttrConfig) Validate(path string) error {
	if config.Port < 1 || config.Port > 65535 {
		return utils.NewConfigValidationError(path, errors.Errorf("port %d outside [1,65535]", config.Port))
	}
	if config.SubmapSize < 2 {
		return utils.NewConfigValidationError(path, errors.New("submap_size cannot be lower than 2"))
	}
	if config.ConfThreshold < 0 || config.ConfThreshold > 100 {
		return utils.NewConfigValidationError(path, errors.New("conf_threshold must be a percentile in [0,100]"))
	}
	if math.IsNaN(config.GlobalScale) || math.IsInf(config.GlobalScale, 0) || config.GlobalScale < 0 {
		return utils.NewConfigValidationError(path, errors.New("global_scale must be finite and non-negative"))
	}
	if config.AdmitStride < 1 {
		return utils.NewConfigValidationError(path, errors.New("admit_stride cannot be lower than 1"))
	}
	if config.DepthRigPath != "" && !config.DepthEnabled {
		return utils.NewConfigValidationError(path, errors.New("depth_rig_path requires depth_enabled"))
	}
	if config.Preview != nil {
		if config.Preview.Width < 1 || config.Preview.Height < 1 {
			return utils.NewConfigValidationError(path, errors.New("preview dimensions must be positive"))
		}
		if config.Preview.Zoom <= 0 {
			return utils.NewConfigValidationError(path, errors.New("preview zoom must be positive"))
		}
	}
	return nil
}
