// Package event contains the events a node delivers to its consumer, and the
// inbound events the overlay hands to the node.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/message"
	"github.com/andydunstall/samplemesh/node/topic"
)

// Kind is the kind of overlay status notification.
type Kind string

const (
	KindOverlayJoined  Kind = "overlay-joined"
	KindOverlayLeft    Kind = "overlay-left"
	KindNeighborUp     Kind = "neighbor-up"
	KindNeighborDown   Kind = "neighbor-down"
	KindPeerDiscovered Kind = "peer-discovered"
	KindSyncStarted    Kind = "sync-started"
	KindSyncCompleted  Kind = "sync-completed"
	KindSyncFailed     Kind = "sync-failed"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOverlayJoined,
		KindOverlayLeft,
		KindNeighborUp,
		KindNeighborDown,
		KindPeerDiscovered,
		KindSyncStarted,
		KindSyncCompleted,
		KindSyncFailed:
		return true
	default:
		return false
	}
}

// SystemEvent is an overlay status notification. System events are only
// constructed by the overlay, the node relays them unmodified.
type SystemEvent struct {
	Kind Kind `json:"type"`

	// Topic is the topic the event relates to, if any. Sync started events
	// on the accepting side don't yet know the topic.
	Topic *topic.ID `json:"topic,omitempty"`

	// Peer is the ID of the peer the event relates to, if any.
	Peer string `json:"peer,omitempty"`

	// Peers contains the topic neighbors when the overlay joined a topic.
	Peers []string `json:"peers,omitempty"`
}

const (
	typeApplicationMessage = "ApplicationMessage"
	typeSystemEvent        = "SystemEvent"
)

// Event is a delivered event. Exactly one of Message and System is set.
type Event struct {
	Message *message.Message
	System  *SystemEvent
}

func NewMessage(m *message.Message) Event {
	return Event{Message: m}
}

func NewSystem(e *SystemEvent) Event {
	return Event{System: e}
}

// Type returns the event type label, either 'ApplicationMessage' or
// 'SystemEvent'.
func (e Event) Type() string {
	if e.Message != nil {
		return typeApplicationMessage
	}
	return typeSystemEvent
}

type jsonEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch {
	case e.Message != nil && e.System == nil:
		data = e.Message
	case e.System != nil && e.Message == nil:
		data = e.System
	default:
		return nil, fmt.Errorf("event must contain exactly one of message or system event")
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEvent{
		Type: e.Type(),
		Data: b,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var j jsonEvent
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}

	switch j.Type {
	case typeApplicationMessage:
		var m message.Message
		if err := json.Unmarshal(j.Data, &m); err != nil {
			return fmt.Errorf("application message: %w", err)
		}
		*e = NewMessage(&m)
	case typeSystemEvent:
		var s SystemEvent
		if err := json.Unmarshal(j.Data, &s); err != nil {
			return fmt.Errorf("system event: %w", err)
		}
		if !s.Kind.Valid() {
			return fmt.Errorf("system event: unknown kind: %s", s.Kind)
		}
		*e = NewSystem(&s)
	default:
		return fmt.Errorf("unknown event type: %s", j.Type)
	}
	return nil
}

// TopicEventKind is the path an inbound topic event arrived by.
type TopicEventKind int

const (
	// TopicEventGossip is a payload received by gossip broadcast.
	TopicEventGossip TopicEventKind = iota + 1
	// TopicEventSync is a payload received during a sync session.
	TopicEventSync
)

func (k TopicEventKind) String() string {
	switch k {
	case TopicEventGossip:
		return "gossip"
	case TopicEventSync:
		return "sync"
	default:
		return "unknown"
	}
}

// TopicEvent is an inbound payload received on a topic the node subscribed
// to.
type TopicEvent struct {
	Kind  TopicEventKind
	Topic topic.ID

	// Origin is the public key of the node that published the payload.
	Origin identity.PublicKey

	// Peer is the ID of the peer that delivered the payload, which may
	// differ from the origin.
	Peer string

	Data []byte
}
