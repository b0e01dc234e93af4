package overlay

import (
	"fmt"

	golog "github.com/ipfs/go-log/v2"
)

// SetLibp2pLogLevel sets the minimum log level of the libp2p networking
// stack, which logs separately to the node.
func SetLibp2pLogLevel(level string) error {
	lvl, err := golog.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("libp2p log level: %w", err)
	}
	golog.SetAllLoggers(lvl)
	return nil
}
