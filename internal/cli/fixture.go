package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
)

// Fixture is a YAML file describing envelopes to send:
//
//	identity: {app_id: demo, user_id: alice, room_id: "123456"}
//	envelopes:
//	  - signal: room_msg
//	    room_msg: {cmd: hello}
type Fixture struct {
	Identity struct {
		AppID  string `yaml:"app_id"`
		UserID string `yaml:"user_id"`
		RoomID string `yaml:"room_id"`
	} `yaml:"identity"`
	Envelopes []map[string]any `yaml:"envelopes"`
}

// LoadFixture reads and parses a fixture file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("reading fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture parses fixture YAML.
//
// Postcondition: Returns an error when the document lists no envelopes.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parsing fixture: %w", err)
	}
	if len(f.Envelopes) == 0 {
		return Fixture{}, fmt.Errorf("fixture lists no envelopes")
	}
	return f, nil
}

// Header returns the fixture identity with empty fields left absent.
func (f Fixture) Header() command.Header {
	var h command.Header
	if f.Identity.AppID != "" {
		h.AppID = command.Ptr(f.Identity.AppID)
	}
	if f.Identity.UserID != "" {
		h.UserID = command.Ptr(f.Identity.UserID)
	}
	if f.Identity.RoomID != "" {
		h.RoomID = command.Ptr(f.Identity.RoomID)
	}
	return h
}

// Decode converts every fixture entry to an envelope through c, so fixtures are
// held to the same rules as wire input.
func (f Fixture) Decode(c *codec.Codec) ([]command.Envelope, error) {
	out := make([]command.Envelope, 0, len(f.Envelopes))
	for i, raw := range f.Envelopes {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i, err)
		}
		env, err := c.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i, err)
		}
		out = append(out, env)
	}
	return out, nil
}
