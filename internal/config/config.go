package config

import (
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Duration accepts Go duration strings such as "30s" in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Config struct {
	Interface       string   `json:"interface"`
	APIAddress      string   `json:"apiAddress"`
	Debug           bool     `json:"debug"`
	InstallToKernel bool     `json:"installToKernel"`
	ProbeInterval   Duration `json:"probeInterval"`
	ProbeAfter      Duration `json:"probeAfter"`
	ExpireAfter     Duration `json:"expireAfter"`
}

func Default() *Config {
	return &Config{
		APIAddress:    "127.0.0.1:54321",
		ProbeInterval: Duration{10 * time.Second},
		ProbeAfter:    Duration{30 * time.Second},
		ExpireAfter:   Duration{5 * time.Minute},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIAddress != "" {
		if _, _, err := net.SplitHostPort(c.APIAddress); err != nil {
			return errors.Wrapf(err, "invalid api address %q", c.APIAddress)
		}
	}
	if c.ProbeInterval.Duration <= 0 {
		return errors.New("probeInterval must be positive")
	}
	if c.ExpireAfter.Duration < c.ProbeAfter.Duration {
		return errors.New("expireAfter must not be shorter than probeAfter")
	}
	return nil
}
