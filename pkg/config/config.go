package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration at path into conf.
//
// If expandEnv is true, environment variable references in the file are
// expanded before parsing, where '${VAR:default}' uses 'default' if VAR is
// unset.
func Load(path string, conf interface{}, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %s: %w", path, err)
	}

	if expandEnv {
		buf = []byte(os.Expand(string(buf), expandVar))
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(conf); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}

	return nil
}

func expandVar(s string) string {
	name, def, hasDefault := strings.Cut(s, ":")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasDefault {
		return def
	}
	return ""
}
