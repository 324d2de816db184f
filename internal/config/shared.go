// ABOUTME: Loader for the JSON config file shared with the web frontend
// ABOUTME: Accepts comments and trailing commas and exposes ENGINE_PORT

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/tidwall/jsonc"
)

// SharedConfig is the subset of the shared config.json the control plane reads.
type SharedConfig struct {
	EnginePort int `json:"ENGINE_PORT"`
}

// DefaultEnginePort is used when the shared config does not set ENGINE_PORT.
const DefaultEnginePort = 9500

// LoadShared reads the shared config file. A missing file is not an error and
// yields a zero SharedConfig.
func LoadShared(path string) (*SharedConfig, error) {
	if path == "" {
		return &SharedConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &SharedConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading shared config: %w", err)
	}

	var sc SharedConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &sc); err != nil {
		return nil, fmt.Errorf("parsing shared config %s: %w", path, err)
	}
	if sc.EnginePort < 0 || sc.EnginePort > 65535 {
		return nil, fmt.Errorf("shared config ENGINE_PORT %d out of range", sc.EnginePort)
	}
	return &sc, nil
}

// ApplyShared overrides the admin API port with ENGINE_PORT when it is set.
func (c *Config) ApplyShared(sc *SharedConfig) error {
	if sc == nil || sc.EnginePort == 0 {
		return nil
	}
	return c.SetHTTPPort(sc.EnginePort)
}

// SetHTTPPort replaces the port of server.http_addr, keeping its host.
func (c *Config) SetHTTPPort(port int) error {
	host, _, err := net.SplitHostPort(c.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("parsing server.http_addr %q: %w", c.Server.HTTPAddr, err)
	}
	c.Server.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
	return nil
}
