// Package codec maps command envelopes to and from their JSON wire form.
//
// Decoding preserves field presence and unrecognized fields, so that Encode is the
// left inverse of Decode for every valid envelope.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// UnknownSignalPolicy selects how Decode treats a signal missing from the catalog.
type UnknownSignalPolicy int

const (
	// RejectUnknown fails decoding with command.ErrUnknownSignal.
	RejectUnknown UnknownSignalPolicy = iota
	// PassThroughUnknown yields an envelope with a nil Payload whose non-header
	// fields are all kept opaque in Unknown.
	PassThroughUnknown
)

// ParsePolicy maps "reject" or "pass" to an UnknownSignalPolicy.
func ParsePolicy(s string) (UnknownSignalPolicy, error) {
	switch s {
	case "reject":
		return RejectUnknown, nil
	case "pass":
		return PassThroughUnknown, nil
	}
	return RejectUnknown, fmt.Errorf("unknown signal policy %q: want reject or pass", s)
}

func (p UnknownSignalPolicy) String() string {
	if p == PassThroughUnknown {
		return "pass"
	}
	return "reject"
}

// Codec decodes and encodes envelopes against a signal catalog.
// A Codec is stateless after construction and safe for concurrent use.
type Codec struct {
	catalog *command.Catalog
	policy  UnknownSignalPolicy
}

// New creates a Codec.
//
// Precondition: catalog must be non-nil.
func New(catalog *command.Catalog, policy UnknownSignalPolicy) *Codec {
	return &Codec{catalog: catalog, policy: policy}
}

// Catalog returns the signal catalog used for validation.
func (c *Codec) Catalog() *command.Catalog {
	return c.catalog
}

// Policy returns the unknown-signal policy.
func (c *Codec) Policy() UnknownSignalPolicy {
	return c.policy
}

// Check validates e against the catalog, accepting an uncataloged pass-through
// envelope when the policy is PassThroughUnknown.
func (c *Codec) Check(e command.Envelope) error {
	err := c.catalog.Validate(e)
	if err != nil && c.policy == PassThroughUnknown && e.Signal != "" && e.Payload == nil &&
		errors.Is(err, command.ErrUnknownSignal) {
		return nil
	}
	return err
}

// Decode parses one envelope.
//
// Postcondition: Returns a validated Envelope, or an error wrapping one of
// command.ErrMalformedEnvelope, ErrUnknownSignal, ErrSchemaViolation, ErrNumericOverflow.
func (c *Codec) Decode(data []byte) (command.Envelope, error) {
	if !json.Valid(data) {
		return command.Envelope{}, command.Violation(command.ErrMalformedEnvelope, "", "input is not valid JSON")
	}
	if firstByte(data) != '{' {
		return command.Envelope{}, command.Violation(command.ErrMalformedEnvelope, "", "envelope must be a JSON object")
	}
	r, err := readObject(data, "")
	if err != nil {
		return command.Envelope{}, command.Violation(command.ErrMalformedEnvelope, "", "%v", err)
	}

	sig, err := r.str(command.KeySignal)
	if err != nil {
		return command.Envelope{}, err
	}
	if sig == nil || *sig == "" {
		return command.Envelope{}, command.Violation(command.ErrUnknownSignal, command.KeySignal, "signal is absent")
	}

	env := command.Envelope{Signal: command.Signal(*sig)}
	if env.AppID, err = r.str(command.KeyAppID); err != nil {
		return command.Envelope{}, err
	}
	if env.RoomID, err = r.str(command.KeyRoomID); err != nil {
		return command.Envelope{}, err
	}
	if env.UserID, err = r.str(command.KeyUserID); err != nil {
		return command.Envelope{}, err
	}

	variant, known := c.catalog.Lookup(env.Signal)
	if !known {
		if c.policy == RejectUnknown {
			return command.Envelope{}, command.Violation(command.ErrUnknownSignal, command.KeySignal,
				"signal %q is not cataloged", env.Signal)
		}
		env.Unknown = r.rest()
		return env, nil
	}

	for _, other := range command.PayloadVariants() {
		if other != variant && r.present(other.WireKey()) {
			return command.Envelope{}, command.Violation(command.ErrSchemaViolation, other.WireKey(),
				"signal %q must not carry a %s payload", env.Signal, other)
		}
		if other != variant {
			r.take(other.WireKey())
		}
	}

	raw, ok := r.take(variant.WireKey())
	if !ok {
		return command.Envelope{}, command.Violation(command.ErrSchemaViolation, variant.WireKey(),
			"signal %q requires a %s payload", env.Signal, variant)
	}
	if env.Payload, err = decodePayload(variant, raw); err != nil {
		return command.Envelope{}, err
	}
	env.Unknown = r.rest()

	if err := c.catalog.Validate(env); err != nil {
		return command.Envelope{}, err
	}
	return env, nil
}

func decodePayload(v command.Variant, raw json.RawMessage) (command.Payload, error) {
	switch v {
	case command.VariantRoomMessage:
		return decodeRoomMessage(raw)
	case command.VariantRecordCommand:
		return decodeRecordCommand(raw)
	case command.VariantProcessCommandList:
		return decodeProcessList(raw)
	case command.VariantCallCommand:
		return decodeCallCommand(raw)
	}
	return nil, command.Violation(command.ErrSchemaViolation, "", "variant %s has no payload", v)
}

func decodeRoomMessage(raw json.RawMessage) (command.RoomMessage, error) {
	r, err := readObject(raw, "room_msg")
	if err != nil {
		return command.RoomMessage{}, err
	}
	var m command.RoomMessage
	cmd, err := r.str("cmd")
	if err != nil {
		return command.RoomMessage{}, err
	}
	if cmd == nil {
		return command.RoomMessage{}, command.Violation(command.ErrSchemaViolation, "room_msg.cmd", "cmd is required")
	}
	m.Cmd = *cmd
	if m.Message, err = r.str("message"); err != nil {
		return command.RoomMessage{}, err
	}
	m.Unknown = r.rest()
	return m, nil
}

func decodeRecordCommand(raw json.RawMessage) (command.RecordCommand, error) {
	r, err := readObject(raw, "record_cmd")
	if err != nil {
		return command.RecordCommand{}, err
	}
	var rc command.RecordCommand
	for _, f := range []struct {
		key string
		dst **string
	}{
		{"cmd", &rc.Cmd},
		{"end_file_name", &rc.EndFileName},
		{"mix_id", &rc.MixID},
		{"extra_data", &rc.ExtraData},
		{"hospital_id", &rc.HospitalID},
	} {
		if *f.dst, err = r.str(f.key); err != nil {
			return command.RecordCommand{}, err
		}
	}
	if rc.NeedAfterASR, err = r.boolean("need_after_asr"); err != nil {
		return command.RecordCommand{}, err
	}
	if rc.Speakers, err = decodeSpeakers(r, "record_cmd.spk_list"); err != nil {
		return command.RecordCommand{}, err
	}
	rc.Unknown = r.rest()
	return rc, nil
}

func decodeProcessList(raw json.RawMessage) (command.ProcessCommandList, error) {
	if firstByte(raw) != '[' {
		return nil, command.Violation(command.ErrSchemaViolation, "process_cmd_list", "must be an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, command.Violation(command.ErrSchemaViolation, "process_cmd_list", "invalid array: %v", err)
	}
	list := make(command.ProcessCommandList, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("process_cmd_list[%d]", i)
		r, err := readObject(item, path)
		if err != nil {
			return nil, err
		}
		var pc command.ProcessCommand
		if pc.Type, err = r.str("type"); err != nil {
			return nil, err
		}
		if pc.Cmd, err = r.str("cmd"); err != nil {
			return nil, err
		}
		if pc.HospitalID, err = r.str("hospital_id"); err != nil {
			return nil, err
		}
		if pc.Speakers, err = decodeSpeakers(r, path+".spk_list"); err != nil {
			return nil, err
		}
		pc.Unknown = r.rest()
		list = append(list, pc)
	}
	return list, nil
}

func decodeCallCommand(raw json.RawMessage) (command.CallCommand, error) {
	r, err := readObject(raw, "call_cmd")
	if err != nil {
		return command.CallCommand{}, err
	}
	var cc command.CallCommand
	if cc.Cmd, err = r.str("cmd"); err != nil {
		return command.CallCommand{}, err
	}
	if cc.UserID, err = r.str("user_id"); err != nil {
		return command.CallCommand{}, err
	}
	if cc.RoomID, err = r.str("room_id"); err != nil {
		return command.CallCommand{}, err
	}
	cc.Unknown = r.rest()
	return cc, nil
}

func decodeSpeakers(r *objectReader, path string) ([]command.Speaker, error) {
	items, ok, err := r.array("spk_list")
	if err != nil || !ok {
		return nil, err
	}
	speakers := make([]command.Speaker, 0, len(items))
	for i, item := range items {
		sr, err := readObject(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		id, err := sr.int64Field("spk_id")
		if err != nil {
			return nil, err
		}
		name, err := sr.str("spk_name")
		if err != nil {
			return nil, err
		}
		speakers = append(speakers, command.Speaker{ID: id, Name: name, Unknown: sr.rest()})
	}
	return speakers, nil
}

// Encode renders an envelope as a JSON object. Absent optional fields are omitted,
// need_after_asr is written only when true, and preserved unknown fields follow the
// schema fields in key order.
//
// Postcondition: For every valid Envelope e, Decode(Encode(e)) equals e. An error is
// returned only when a preserved field holds invalid JSON.
func (c *Codec) Encode(e command.Envelope) ([]byte, error) {
	w := newObjectWriter()
	sig := string(e.Signal)
	w.str(command.KeySignal, &sig)
	w.str(command.KeyAppID, e.AppID)
	w.str(command.KeyRoomID, e.RoomID)
	w.str(command.KeyUserID, e.UserID)

	if e.Payload != nil {
		body, err := encodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		w.raw(e.Payload.Variant().WireKey(), body)
	}
	w.fields(e.Unknown)
	return w.bytes()
}

func encodePayload(p command.Payload) ([]byte, error) {
	switch p := p.(type) {
	case command.RoomMessage:
		w := newObjectWriter()
		w.str("cmd", &p.Cmd)
		w.str("message", p.Message)
		w.fields(p.Unknown)
		return w.bytes()
	case command.RecordCommand:
		w := newObjectWriter()
		w.str("cmd", p.Cmd)
		w.str("end_file_name", p.EndFileName)
		w.str("mix_id", p.MixID)
		w.str("extra_data", p.ExtraData)
		w.trueOnly("need_after_asr", p.NeedAfterASR)
		w.str("hospital_id", p.HospitalID)
		if err := writeSpeakers(w, p.Speakers); err != nil {
			return nil, err
		}
		w.fields(p.Unknown)
		return w.bytes()
	case command.ProcessCommandList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, pc := range p {
			if i > 0 {
				buf.WriteByte(',')
			}
			w := newObjectWriter()
			w.str("type", pc.Type)
			w.str("cmd", pc.Cmd)
			w.str("hospital_id", pc.HospitalID)
			if err := writeSpeakers(w, pc.Speakers); err != nil {
				return nil, err
			}
			w.fields(pc.Unknown)
			item, err := w.bytes()
			if err != nil {
				return nil, err
			}
			buf.Write(item)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case command.CallCommand:
		w := newObjectWriter()
		w.str("cmd", p.Cmd)
		w.str("user_id", p.UserID)
		w.str("room_id", p.RoomID)
		w.fields(p.Unknown)
		return w.bytes()
	}
	return nil, errors.New("encoding payload: unsupported payload type")
}

func writeSpeakers(w *objectWriter, speakers []command.Speaker) error {
	if speakers == nil {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, s := range speakers {
		if i > 0 {
			buf.WriteByte(',')
		}
		sw := newObjectWriter()
		sw.int64("spk_id", s.ID)
		sw.str("spk_name", s.Name)
		sw.fields(s.Unknown)
		item, err := sw.bytes()
		if err != nil {
			return err
		}
		buf.Write(item)
	}
	buf.WriteByte(']')
	w.raw("spk_list", buf.Bytes())
	return nil
}
