package command

import "fmt"

// Wire keys of the schema-named top-level fields.
const (
	KeySignal = "signal"
	KeyAppID  = "app_id"
	KeyRoomID = "room_id"
	KeyUserID = "user_id"
)

// TopLevelKeys lists every schema-named top-level key.
func TopLevelKeys() []string {
	keys := []string{KeySignal, KeyAppID, KeyRoomID, KeyUserID}
	for _, v := range PayloadVariants() {
		keys = append(keys, v.WireKey())
	}
	return keys
}

// Build constructs and validates an envelope in one step.
//
// Postcondition: Returns a valid Envelope, or an error wrapping a taxonomy sentinel.
func (c *Catalog) Build(sig Signal, hdr Header, payload Payload) (Envelope, error) {
	e := New(sig, hdr, payload)
	if err := c.Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the payload-per-signal and duplicate-speaker invariants.
//
// Postcondition: Returns nil for a valid cataloged envelope. An uncataloged signal
// with no payload yields ErrUnknownSignal; callers that allow pass-through treat that
// as acceptable. Every other failure wraps ErrSchemaViolation.
func (c *Catalog) Validate(e Envelope) error {
	if e.Signal == "" {
		return Violation(ErrUnknownSignal, KeySignal, "signal is absent")
	}
	// Pass-through envelopes keep payload keys in Unknown; only header keys may not repeat.
	shadowed := []string{KeySignal, KeyAppID, KeyRoomID, KeyUserID}
	if e.Payload != nil {
		shadowed = TopLevelKeys()
	}
	if err := checkShadowing(e.Unknown, shadowed, ""); err != nil {
		return err
	}

	want, known := c.Lookup(e.Signal)
	if !known {
		if e.Payload != nil {
			return Violation(ErrSchemaViolation, e.Payload.Variant().WireKey(),
				"signal %q is not cataloged and cannot carry a typed payload", e.Signal)
		}
		return Violation(ErrUnknownSignal, KeySignal, "signal %q is not cataloged", e.Signal)
	}
	if e.Payload == nil {
		return Violation(ErrSchemaViolation, want.WireKey(), "signal %q requires a %s payload", e.Signal, want)
	}
	if got := e.Payload.Variant(); got != want {
		return Violation(ErrSchemaViolation, got.WireKey(), "signal %q carries %s, want %s", e.Signal, got, want)
	}
	return validatePayload(e.Payload)
}

func validatePayload(p Payload) error {
	switch p := p.(type) {
	case RoomMessage:
		if p.Cmd == "" {
			return Violation(ErrSchemaViolation, "room_msg.cmd", "cmd is required")
		}
		return checkShadowing(p.Unknown, []string{"cmd", "message"}, "room_msg")
	case RecordCommand:
		if err := checkShadowing(p.Unknown, recordKeys, "record_cmd"); err != nil {
			return err
		}
		return checkSpeakers(p.Speakers, "record_cmd.spk_list")
	case ProcessCommandList:
		if len(p) == 0 {
			return Violation(ErrSchemaViolation, "process_cmd_list", "list must not be empty")
		}
		for i, pc := range p {
			path := fmt.Sprintf("process_cmd_list[%d]", i)
			if err := checkShadowing(pc.Unknown, processKeys, path); err != nil {
				return err
			}
			if err := checkSpeakers(pc.Speakers, path+".spk_list"); err != nil {
				return err
			}
		}
		return nil
	case CallCommand:
		return checkShadowing(p.Unknown, []string{"cmd", "user_id", "room_id"}, "call_cmd")
	}
	return Violation(ErrSchemaViolation, "", "unsupported payload type %T", p)
}

var (
	recordKeys  = []string{"cmd", "end_file_name", "mix_id", "extra_data", "need_after_asr", "hospital_id", "spk_list"}
	processKeys = []string{"type", "cmd", "hospital_id", "spk_list"}
	speakerKeys = []string{"spk_id", "spk_name"}
)

// checkSpeakers enforces unique speaker IDs within one list. Speakers without an
// ID never collide.
func checkSpeakers(speakers []Speaker, path string) error {
	seen := make(map[int64]int, len(speakers))
	for i, s := range speakers {
		if s.ID != nil {
			if first, dup := seen[*s.ID]; dup {
				return Violation(ErrSchemaViolation, fmt.Sprintf("%s[%d].spk_id", path, i),
					"duplicate speaker id %d (first at index %d)", *s.ID, first)
			}
			seen[*s.ID] = i
		}
		if err := checkShadowing(s.Unknown, speakerKeys, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// checkShadowing rejects preserved unknown fields that reuse a schema key, which
// would otherwise be emitted twice on encode.
func checkShadowing(unknown Fields, named []string, path string) error {
	for _, k := range named {
		if _, ok := unknown[k]; ok {
			p := k
			if path != "" {
				p = path + "." + k
			}
			return Violation(ErrSchemaViolation, p, "unknown field shadows schema field %q", k)
		}
	}
	return nil
}
