// Package proto defines the peer-to-peer wire envelope. Every message is a
// tagged variant; Decode rejects envelopes whose kind and payload disagree.
package proto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"duet/peer/internal/input"
)

// Version tracks the wire-protocol revision spoken between peers.
const Version = 1

// Kind tags the payload carried by an Envelope.
type Kind uint8

const (
	KindInputBundle Kind = iota + 1
	KindHashReport
	KindPing
	KindPong
	KindBye
)

func (k Kind) String() string {
	switch k {
	case KindInputBundle:
		return "input_bundle"
	case KindHashReport:
		return "hash_report"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindBye:
		return "bye"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrUnknownKind is returned for envelopes with an unrecognised tag.
	ErrUnknownKind = errors.New("proto: unknown message kind")
	// ErrPayloadMismatch is returned when the payload does not match the tag.
	ErrPayloadMismatch = errors.New("proto: payload does not match kind")
	// ErrVersion is returned for envelopes from an incompatible peer.
	ErrVersion = errors.New("proto: unsupported protocol version")
)

// InputBundle carries the input for Frame plus the preceding redundant
// inputs of the sending player. Ack is the newest frame through which the
// sender holds every input of the receiving player.
type InputBundle struct {
	Player input.PlayerID      `cbor:"p"`
	Frame  input.Frame         `cbor:"f"`
	Inputs []input.FrameAction `cbor:"i"`
	Ack    input.Frame         `cbor:"a"`
}

// FrameHash is a state digest for one frame.
type FrameHash struct {
	Frame input.Frame `json:"frame" cbor:"f"`
	Hash  string      `json:"hash" cbor:"h"`
}

// HashReport carries the sender's most recent state digests. Done is set
// once the sender has flushed its episode and the report includes its
// final frame.
type HashReport struct {
	Hashes []FrameHash `cbor:"h"`
	Done   bool        `cbor:"d,omitempty"`
}

// Ping is a heartbeat probe. SentAt is in Unix nanoseconds.
type Ping struct {
	SentAt int64 `cbor:"t"`
}

// Pong answers a Ping by echoing its timestamp.
type Pong struct {
	SentAt     int64 `cbor:"t"`
	ReceivedAt int64 `cbor:"r"`
}

// Bye announces an explicit shutdown.
type Bye struct {
	Reason string `cbor:"r,omitempty"`
}

// Envelope is the single wire message type.
type Envelope struct {
	Version int          `cbor:"v"`
	Kind    Kind         `cbor:"k"`
	Session string       `cbor:"s,omitempty"`
	Bundle  *InputBundle `cbor:"b,omitempty"`
	Hashes  *HashReport  `cbor:"h,omitempty"`
	Ping    *Ping        `cbor:"pi,omitempty"`
	Pong    *Pong        `cbor:"po,omitempty"`
	Bye     *Bye         `cbor:"by,omitempty"`
}

// NewInputBundle wraps an input bundle.
func NewInputBundle(bundle InputBundle) Envelope {
	return Envelope{Version: Version, Kind: KindInputBundle, Bundle: &bundle}
}

// NewHashReport wraps a hash report.
func NewHashReport(report HashReport) Envelope {
	return Envelope{Version: Version, Kind: KindHashReport, Hashes: &report}
}

// NewPing wraps a heartbeat probe.
func NewPing(sentAt int64) Envelope {
	return Envelope{Version: Version, Kind: KindPing, Ping: &Ping{SentAt: sentAt}}
}

// NewPong wraps a heartbeat reply.
func NewPong(sentAt, receivedAt int64) Envelope {
	return Envelope{Version: Version, Kind: KindPong, Pong: &Pong{SentAt: sentAt, ReceivedAt: receivedAt}}
}

// NewBye wraps a shutdown notice.
func NewBye(reason string) Envelope {
	return Envelope{Version: Version, Kind: KindBye, Bye: &Bye{Reason: reason}}
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor encoder options: %v", err))
	}
	return mode
}

// Encode renders the envelope as a CBOR binary frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = Version
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// Decode parses a CBOR binary frame into a validated envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("proto: decode: %w", err)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that exactly the payload named by Kind is present.
func (e Envelope) Validate() error {
	present := 0
	for _, set := range []bool{e.Bundle != nil, e.Hashes != nil, e.Ping != nil, e.Pong != nil, e.Bye != nil} {
		if set {
			present++
		}
	}
	var ok bool
	switch e.Kind {
	case KindInputBundle:
		ok = e.Bundle != nil
	case KindHashReport:
		ok = e.Hashes != nil
	case KindPing:
		ok = e.Ping != nil
	case KindPong:
		ok = e.Pong != nil
	case KindBye:
		ok = e.Bye != nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if !ok || present != 1 {
		return fmt.Errorf("%w: %s", ErrPayloadMismatch, e.Kind)
	}
	return nil
}
