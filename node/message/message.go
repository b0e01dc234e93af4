// Package message contains the application message and the codec used to
// carry it over the overlay.
//
// The payload is encoded as a CBOR array of [timestamp, sample_index]. The
// encoding carries no version so nodes running the same protocol decode
// each others payloads without negotiation.
package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/andydunstall/samplemesh/node/identity"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor enc mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cbor dec mode: " + err.Error())
	}
}

// Payload is the part of an application message that goes over the wire.
type Payload struct {
	Timestamp   uint64 `json:"timestamp"`
	SampleIndex uint16 `json:"sample_index"`
}

// Message is an application message attributed to the node that published
// it.
type Message struct {
	PublicKey   identity.PublicKey `json:"public_key"`
	Timestamp   uint64             `json:"timestamp"`
	SampleIndex uint16             `json:"sample_index"`
}

func New(publicKey identity.PublicKey, p Payload) *Message {
	return &Message{
		PublicKey:   publicKey,
		Timestamp:   p.Timestamp,
		SampleIndex: p.SampleIndex,
	}
}

func (m *Message) Payload() Payload {
	return Payload{
		Timestamp:   m.Timestamp,
		SampleIndex: m.SampleIndex,
	}
}

// DecodeError indicates a received payload was malformed or truncated.
type DecodeError struct {
	err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %s", e.err)
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

type wirePayload struct {
	_           struct{} `cbor:",toarray"`
	Timestamp   uint64
	SampleIndex uint16
}

// Encode encodes the payload to its wire representation.
func Encode(p Payload) ([]byte, error) {
	b, err := encMode.Marshal(&wirePayload{
		Timestamp:   p.Timestamp,
		SampleIndex: p.SampleIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// Decode decodes a payload from its wire representation. Returns a
// *DecodeError if b is malformed, truncated or has trailing bytes.
func Decode(b []byte) (Payload, error) {
	if len(b) == 0 {
		return Payload{}, &DecodeError{err: fmt.Errorf("empty payload")}
	}

	// Null and undefined decode to a nil pointer rather than an error.
	var w *wirePayload
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Payload{}, &DecodeError{err: err}
	}
	if w == nil {
		return Payload{}, &DecodeError{err: fmt.Errorf("payload not an array")}
	}
	return Payload{
		Timestamp:   w.Timestamp,
		SampleIndex: w.SampleIndex,
	}, nil
}
