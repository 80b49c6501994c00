// SPDX-License-Identifier: AGPL-3.0-only

package daemon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/callqueue/pkg/callqueue"
	"github.com/grafana/callqueue/pkg/cdr"
	"github.com/grafana/callqueue/pkg/endpoint"
	"github.com/grafana/callqueue/pkg/telephony/fake"
	"github.com/grafana/callqueue/pkg/traffic"
)

// Config is the root configuration of the call queue daemon.
type Config struct {
	Server    server.Config         `yaml:"server"`
	CallQueue callqueue.Config      `yaml:"call_queue"`
	Endpoints endpoint.Config       `yaml:"endpoints"`
	CDR       cdr.Config            `yaml:"cdr"`
	Simulator fake.SimulationConfig `yaml:"simulator"`
	Traffic   traffic.Config        `yaml:"traffic"`
}

// Server flags whose defaults differ from the server package's own.
var serverFlagDefaults = map[string]string{
	"server.http-listen-port":   "8080",
	"server.metrics-namespace": "callqueue",
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.RegisterFlags(f)
	for name, value := range serverFlagDefaults {
		if fl := f.Lookup(name); fl != nil {
			fl.DefValue = value
			_ = fl.Value.Set(value)
		}
	}

	c.CallQueue.RegisterFlags(f)
	c.Endpoints.RegisterFlags(f)
	c.CDR.RegisterFlags(f)
	c.Simulator.RegisterFlags(f)
	c.Traffic.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if f := c.Server.LogFormat; f != dslog.LogfmtFormat && f != dslog.JSONFormat {
		return fmt.Errorf("invalid server config: unsupported log format %q", f)
	}
	if err := c.CallQueue.Validate(); err != nil {
		return errors.Wrap(err, "invalid call queue config")
	}
	if err := c.Endpoints.Validate(); err != nil {
		return errors.Wrap(err, "invalid endpoints config")
	}
	if err := c.CDR.Validate(); err != nil {
		return errors.Wrap(err, "invalid cdr config")
	}
	if err := c.Simulator.Validate(); err != nil {
		return errors.Wrap(err, "invalid simulator config")
	}
	if err := c.Traffic.Validate(); err != nil {
		return errors.Wrap(err, "invalid traffic config")
	}
	return nil
}

// LoadConfigFile decodes the YAML file at path over the values already in cfg. Fields the
// config does not know are an error. With expandEnv, ${VAR} and ${VAR:default} references
// are replaced from the environment before decoding. The returned digest is the hex sha256
// of the file as read from disk.
func LoadConfigFile(path string, expandEnv bool, cfg *Config) (digest string, _ error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read call queue config")
	}
	sum := sha256.Sum256(buf)

	if expandEnv {
		buf = []byte(os.Expand(string(buf), envLookup))
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return "", errors.Wrapf(err, "parse call queue config %s", path)
	}
	return hex.EncodeToString(sum[:]), nil
}

// envLookup resolves one ${NAME} or ${NAME:default} reference. A variable that is unset or
// empty takes the default. Values are kept on one line so they cannot break the YAML layout.
func envLookup(ref string) string {
	name, def, hasDefault := strings.Cut(ref, ":")
	v := os.Getenv(name)
	if v == "" && hasDefault {
		v = def
	}
	return strings.ReplaceAll(v, "\n", "")
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	return out, errors.Wrap(err, "render call queue config")
}
