// Package config holds claudish-proxy's process configuration: the merged
// view of CLI flags, environment variables, and an optional on-disk config
// file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
)

// DirName is the name of the per-user workspace directory under the home
// directory, holding certs, the bridge token and debug logs.
const DirName = ".claudish-proxy"

// AuthDirName is the name of the per-user directory holding OAuth and
// device-id state, kept separate to mirror the on-disk layout in spec.md §6.
const AuthDirName = ".claudish"

// Config is the merged process configuration, validated before use.
type Config struct {
	// Workspace is the directory under which certs, the bridge token and
	// debug logs are written. Defaults to $HOME/.claudish-proxy.
	Workspace string `json:"workspace" validate:"required"`
	// AuthDir is the directory under which OAuth credentials and the device
	// id are written. Defaults to $HOME/.claudish.
	AuthDir string `json:"authDir" validate:"required"`
	// DispatcherPort is the fixed listen port for the CONNECT dispatcher, or
	// 0 to pick a random free port.
	DispatcherPort int `json:"dispatcherPort" validate:"gte=0,lte=65535"`
	// ControlPort is the fixed listen port for the control API, or 0 to pick
	// a random free port.
	ControlPort int `json:"controlPort" validate:"gte=0,lte=65535"`
	// Debug opens a rotating debug.log file in Workspace at startup.
	// Requests and responses are not written to it.
	Debug bool `json:"debug"`
	// LogLevel is the slog level name used for process logs.
	LogLevel string `json:"logLevel" validate:"required"`
	// LogFormat selects text or json process log output.
	LogFormat string `json:"logFormat" validate:"required,oneof=text json"`
	// RoutingModelMap is the initial source_model -> target_model mapping.
	RoutingModelMap map[string]string `json:"routingModelMap"`
	// RoutingEnabled starts the proxy with routing already enabled.
	RoutingEnabled bool `json:"routingEnabled"`
	// ProviderAPIKeys holds static API keys per provider name, overriding
	// the provider's default environment variable.
	ProviderAPIKeys map[string]string `json:"providerAPIKeys"`
}

// Default returns a Config with every field set to its default value,
// rooted at the user's home directory.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolving home directory: %w", err)
	}
	return Config{
		Workspace:       filepath.Join(home, DirName),
		AuthDir:         filepath.Join(home, AuthDirName),
		DispatcherPort:  0,
		ControlPort:     0,
		Debug:           false,
		LogLevel:        "info",
		LogFormat:       "text",
		RoutingModelMap: map[string]string{},
		RoutingEnabled:  false,
		ProviderAPIKeys: map[string]string{},
	}, nil
}

var validate = validator.New()

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// LoadFile merges a JSON config file at path into base, when the file
// exists. A missing file is not an error.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var onDisk Config
	// Unknowns in the JSON file are tolerated; only fields present override base.
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	merged := base
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	mergeInto(&merged, onDisk, raw)
	return merged, nil
}

// mergeInto overlays the fields present in raw from onDisk onto dst.
func mergeInto(dst *Config, onDisk Config, raw map[string]json.RawMessage) {
	if _, ok := raw["workspace"]; ok {
		dst.Workspace = onDisk.Workspace
	}
	if _, ok := raw["authDir"]; ok {
		dst.AuthDir = onDisk.AuthDir
	}
	if _, ok := raw["dispatcherPort"]; ok {
		dst.DispatcherPort = onDisk.DispatcherPort
	}
	if _, ok := raw["controlPort"]; ok {
		dst.ControlPort = onDisk.ControlPort
	}
	if _, ok := raw["debug"]; ok {
		dst.Debug = onDisk.Debug
	}
	if _, ok := raw["logLevel"]; ok {
		dst.LogLevel = onDisk.LogLevel
	}
	if _, ok := raw["logFormat"]; ok {
		dst.LogFormat = onDisk.LogFormat
	}
	if _, ok := raw["routingModelMap"]; ok {
		dst.RoutingModelMap = onDisk.RoutingModelMap
	}
	if _, ok := raw["routingEnabled"]; ok {
		dst.RoutingEnabled = onDisk.RoutingEnabled
	}
	if _, ok := raw["providerAPIKeys"]; ok {
		dst.ProviderAPIKeys = onDisk.ProviderAPIKeys
	}
}

// SortedModelKeys returns the RoutingModelMap's source models in
// deterministic (sorted) order.
func (c Config) SortedModelKeys() []string {
	keys := make([]string, 0, len(c.RoutingModelMap))
	for k := range c.RoutingModelMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
