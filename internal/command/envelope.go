// Package command defines the room-signaling command envelope: a tagged union
// whose signal selects exactly one payload variant, plus the catalog and
// validation rules every envelope must satisfy.
package command

import "encoding/json"

// Fields holds wire fields the schema does not name, keyed by JSON key. Values are
// compacted raw JSON and are re-emitted verbatim on encode.
type Fields map[string]json.RawMessage

// Header carries the opaque routing identifiers common to every envelope.
// A nil pointer means the field was absent on the wire.
type Header struct {
	AppID  *string
	RoomID *string
	UserID *string
}

// Envelope is one signaling message unit. It is an immutable value once decoded
// or constructed; handlers must not mutate it.
type Envelope struct {
	Signal Signal
	Header
	// Payload is nil only for pass-through envelopes whose signal is not cataloged.
	Payload Payload
	// Unknown preserves unrecognized top-level fields. For pass-through envelopes it
	// also holds any payload keys, untouched.
	Unknown Fields
}

// Payload is implemented by the four payload variants only.
type Payload interface {
	Variant() Variant
	isPayload()
}

// RoomMessage is a free-form application payload forwarded between room participants.
type RoomMessage struct {
	Cmd     string
	Message *string
	Unknown Fields
}

// Speaker is a diarization hint pre-seeding speaker identity for recording and ASR.
// Both fields are optional on the wire.
type Speaker struct {
	ID      *int64
	Name    *string
	Unknown Fields
}

// RecordCommand controls a server-side recording of a mix group. Cmd is an open
// string enum.
type RecordCommand struct {
	Cmd         *string
	EndFileName *string
	MixID       *string
	ExtraData   *string
	// NeedAfterASR defaults to false when absent; false is never written on encode.
	NeedAfterASR bool
	HospitalID   *string
	// Speakers is nil when spk_list is absent and non-nil (possibly empty) when present.
	Speakers []Speaker
	Unknown  Fields
}

// ProcessCommand is a single post-processing instruction.
type ProcessCommand struct {
	Type       *string
	Cmd        *string
	HospitalID *string
	Speakers   []Speaker
	Unknown    Fields
}

// ProcessCommandList is an ordered sequence of process commands; order is
// application order.
type ProcessCommandList []ProcessCommand

// CallCommand is a peer invitation or call-control instruction. Cmd is an open
// string enum.
type CallCommand struct {
	Cmd     *string
	UserID  *string
	RoomID  *string
	Unknown Fields
}

func (RoomMessage) Variant() Variant        { return VariantRoomMessage }
func (RecordCommand) Variant() Variant      { return VariantRecordCommand }
func (ProcessCommandList) Variant() Variant { return VariantProcessCommandList }
func (CallCommand) Variant() Variant        { return VariantCallCommand }

func (RoomMessage) isPayload()        {}
func (RecordCommand) isPayload()      {}
func (ProcessCommandList) isPayload() {}
func (CallCommand) isPayload()        {}

// New builds an envelope for sig carrying payload. The result is not validated;
// use Catalog.Validate or Catalog.Build for a checked envelope.
func New(sig Signal, hdr Header, payload Payload) Envelope {
	return Envelope{Signal: sig, Header: hdr, Payload: payload}
}

// RoomMessage returns the room message payload if the envelope carries one.
func (e Envelope) RoomMessage() (RoomMessage, bool) {
	p, ok := e.Payload.(RoomMessage)
	return p, ok
}

// RecordCommand returns the record command payload if the envelope carries one.
func (e Envelope) RecordCommand() (RecordCommand, bool) {
	p, ok := e.Payload.(RecordCommand)
	return p, ok
}

// ProcessCommands returns the process command list if the envelope carries one.
func (e Envelope) ProcessCommands() (ProcessCommandList, bool) {
	p, ok := e.Payload.(ProcessCommandList)
	return p, ok
}

// CallCommand returns the call command payload if the envelope carries one.
func (e Envelope) CallCommand() (CallCommand, bool) {
	p, ok := e.Payload.(CallCommand)
	return p, ok
}

// PassThrough reports whether the envelope carries an uncataloged signal.
func (e Envelope) PassThrough() bool {
	return e.Payload == nil
}

// Ptr returns a pointer to v. It keeps optional-field literals short.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns *p, or the zero value when p is nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
