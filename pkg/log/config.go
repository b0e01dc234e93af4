package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

type Config struct {
	// Level is the minimum record level to log. Either 'debug', 'info', 'warn'
	// or 'error'.
	Level string `json:"level" yaml:"level"`

	// Subsystems enables debug logging on log records whose 'subsystem'
	// matches one of the given values (overrides `Level`).
	Subsystems []string `json:"subsystems" yaml:"subsystems"`

	// Libp2pLevel is the log level of the libp2p networking stack, which
	// logs separately to the node.
	Libp2pLevel string `json:"libp2p_level" yaml:"libp2p_level"`
}

func (c *Config) Validate() error {
	if c.Level == "" {
		return fmt.Errorf("missing level")
	}
	if _, err := zapLevelFromString(c.Level); err != nil {
		return err
	}
	if c.Libp2pLevel != "" {
		if _, err := zapLevelFromString(c.Libp2pLevel); err != nil {
			return fmt.Errorf("libp2p level: %w", err)
		}
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Level,
		"log.level",
		c.Level,
		`
Minimum log level to output.

The available levels are 'debug', 'info', 'warn' and 'error'.`,
	)
	fs.StringSliceVar(
		&c.Subsystems,
		"log.subsystems",
		c.Subsystems,
		`
Each log has a 'subsystem' field where the log occured.

'--log.subsystems' enables all log levels for those given subsystems. This
can be useful to debug a particular subsystem without having to enable all
debug logs.

Such as you can enable 'overlay' logs with '--log.subsystems overlay'.`,
	)
	fs.StringVar(
		&c.Libp2pLevel,
		"log.libp2p-level",
		c.Libp2pLevel,
		`
Minimum log level of the libp2p networking stack.

libp2p logs are written separately from the node logs. Leave empty to keep
the libp2p default.`,
	)
}
