package main

import (
	"net/url"
	"os"
	"time"

	"gopkg.in/errgo.v1"
	"gopkg.in/yaml.v2"
)

// config holds the configuration of bakeryget, read from a YAML file.
type config struct {
	// ServiceName holds the name under which macaroons are stored.
	// It defaults to the host of the requested URL.
	ServiceName string `yaml:"service-name"`

	// CookieFile holds the file in which cookies and persisted
	// macaroons are kept between runs.
	CookieFile string `yaml:"cookie-file"`

	// SetCookiePath, if set, holds the path to send discharged
	// macaroons to, relative to the requested URL.
	SetCookiePath string `yaml:"set-cookie-path"`

	NonInteractive bool                   `yaml:"non-interactive"`
	Login          map[string]interface{} `yaml:"login"`
	LoginMethod    string                 `yaml:"login-method"`

	// Logging holds a loggo configuration string.
	Logging string `yaml:"logging"`

	WaitRetryDelay time.Duration `yaml:"wait-retry-delay"`
}

// readConfig reads the configuration from the given file.
// An empty path returns the default configuration.
func readConfig(path string) (*config, error) {
	var cfg config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errgo.Notef(err, "cannot read configuration")
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, errgo.Notef(err, "cannot parse %q", path)
		}
	}
	if cfg.Logging == "" {
		cfg.Logging = "<root>=WARNING"
	}
	if cfg.WaitRetryDelay < 0 {
		return nil, errgo.Newf("negative wait retry delay %v", cfg.WaitRetryDelay)
	}
	if cfg.NonInteractive && cfg.Login == nil {
		return nil, errgo.New("non-interactive login requires login credentials")
	}
	return &cfg, nil
}

// serviceName returns the service name to use for the given URL.
func (cfg *config) serviceName(u *url.URL) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	return u.Host
}
