package grafanamcp

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultServerPort = 8000

// Settings is the startup configuration loaded from a YAML file.
// Environment variables override file values, so containerized
// deployments can run without a config file at all.
type Settings struct {
	Grafana struct {
		Host      string `yaml:"host"`
		APIKey    string `yaml:"api_key"`
		SSLVerify bool   `yaml:"ssl_verify"`
	} `yaml:"grafana"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// LoadSettings reads the YAML config at path and applies environment
// overrides. A missing file is not an error; missing required values
// after overrides are.
func LoadSettings(path string) (Settings, error) {
	settings := Settings{}
	settings.Grafana.SSLVerify = true
	settings.Server.Port = defaultServerPort

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &settings); err != nil {
				return Settings{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Fall through to environment variables.
		default:
			return Settings{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	host, key := urlAndAPIKeyFromEnv()
	if host != "" {
		settings.Grafana.Host = host
	}
	if key != "" {
		settings.Grafana.APIKey = key
	}
	if verify, set := sslVerifyFromEnv(); set {
		settings.Grafana.SSLVerify = verify
	}
	if port := os.Getenv("MCP_SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid MCP_SERVER_PORT %q: %w", port, err)
		}
		settings.Server.Port = p
	}

	settings.Grafana.Host = strings.TrimRight(settings.Grafana.Host, "/")
	if settings.Grafana.Host == "" {
		settings.Grafana.Host = defaultGrafanaURL
	}
	return settings, nil
}

// GrafanaConfig converts the settings into the per-request Grafana
// configuration used by the context funcs.
func (s Settings) GrafanaConfig() GrafanaConfig {
	cfg := GrafanaConfig{
		URL:         s.Grafana.Host,
		APIKey:      s.Grafana.APIKey,
		ToolTimeout: DefaultToolTimeout,
	}
	if !s.Grafana.SSLVerify {
		cfg.TLSConfig = &TLSConfig{SkipVerify: true}
	}
	return cfg
}
