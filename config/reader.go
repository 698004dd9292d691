package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.viam.com/urbridge/logging"
)

// Read reads a config from the given file. Environment variables in the file are expanded
// first. Files ending in .yaml or .yml are read as YAML, everything else as JSON.
func Read(ctx context.Context, filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	raw := map[string]interface{}{}
	if isYAML(originalPath) {
		if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "failed to decode Config from yaml")
		}
	} else if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}

	cfg := &Config{ConfigFilePath: originalPath}
	if err := decode(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process Config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.CDebugw(ctx, "read config", "path", originalPath, "robots", len(cfg.Robots))
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// decode maps the generic document onto cfg using the json tags, so JSON and YAML files share
// one schema. Durations are written as strings such as "40ms".
func decode(raw map[string]interface{}, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		Result:      cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
