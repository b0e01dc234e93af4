// Package topic contains the identifiers of the overlay channels a node
// joins.
package topic

import (
	"encoding/hex"
	"fmt"
)

// Size is the length of a topic ID in bytes.
const Size = 32

// ID is a fixed 32 byte identifier naming an overlay channel.
type ID [Size]byte

var (
	// App is the well-known topic every node joins to exchange application
	// messages.
	App = filled(1)

	// Network identifies the deployment. Nodes only discover and sync with
	// nodes using the same network ID.
	Network = filled(0)
)

// Parse decodes a hex encoded topic ID.
func Parse(s string) (ID, error) {
	var id ID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return ID{}, err
	}
	return id, nil
}

// FromBytes copies b into an ID. b must be exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("invalid topic size: %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a shortened form of the ID for logging.
func (id ID) Short() string {
	return id.String()[:8]
}

// Name returns the gossip topic name the ID is published under.
func (id ID) Name() string {
	return "samplemesh/" + id.String()
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != Size {
		return fmt.Errorf("invalid topic size: %d", hex.DecodedLen(len(b)))
	}
	if _, err := hex.Decode(id[:], b); err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}
	return nil
}

func filled(b byte) ID {
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}
