package am

import (
	"bytes"

	"github.com/BurntSushi/toml"

	"github.com/teranos/fhirlake/errors"
)

// Redacted returns a copy of the config with secrets masked
func (c *Config) Redacted() Config {
	out := *c
	if out.Source.BearerToken != "" {
		out.Source.BearerToken = "********"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "********"
	}
	return out
}

// EncodeTOML renders the effective configuration as TOML, secrets redacted
func (c *Config) EncodeTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return nil, errors.Wrap(err, "failed to encode config as TOML")
	}
	return buf.Bytes(), nil
}
