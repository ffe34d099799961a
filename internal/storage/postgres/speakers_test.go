package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

func TestMarshalSpeakers_NilStaysNull(t *testing.T) {
	data, err := marshalSpeakers(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	got, err := unmarshalSpeakers(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarshalSpeakers_EmptyStaysEmpty(t *testing.T) {
	data, err := marshalSpeakers([]command.Speaker{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	got, err := unmarshalSpeakers(data)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMarshalSpeakers_WireNames(t *testing.T) {
	data, err := marshalSpeakers([]command.Speaker{{ID: command.Ptr(int64(3)), Name: command.Ptr("Nurse")}, {ID: command.Ptr(int64(4))}, {Name: command.Ptr("Guest")}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"spk_id":3,"spk_name":"Nurse"},{"spk_id":4},{"spk_name":"Guest"}]`, string(data))

	got, err := unmarshalSpeakers(data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Nil(t, got[2].ID)
	assert.Equal(t, int64(4), *got[1].ID)
}

func TestUnmarshalSpeakers_Invalid(t *testing.T) {
	_, err := unmarshalSpeakers([]byte(`{"spk_id":1}`))
	assert.Error(t, err)
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.False(t, isDuplicateKeyError(assert.AnError))
	assert.True(t, isDuplicateKeyError(sqlStateErr("23505")))
	assert.False(t, isDuplicateKeyError(sqlStateErr("23503")))
}

type sqlStateErr string

func (e sqlStateErr) Error() string    { return "sqlstate " + string(e) }
func (e sqlStateErr) SQLState() string { return string(e) }

// Property: speaker IDs and names survive the JSONB column shape.
func TestPropertySpeakersPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		in := make([]command.Speaker, n)
		for i := range in {
			if rapid.Bool().Draw(t, "has_id") {
				in[i].ID = command.Ptr(rapid.Int64().Draw(t, "id"))
			}
			if rapid.Bool().Draw(t, "named") {
				in[i].Name = command.Ptr(rapid.String().Draw(t, "name"))
			}
		}
		data, err := marshalSpeakers(in)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out, err := unmarshalSpeakers(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(out) != len(in) {
			t.Fatalf("len %d, want %d", len(out), len(in))
		}
		for i := range in {
			if (out[i].ID == nil) != (in[i].ID == nil) || command.Deref(out[i].ID) != command.Deref(in[i].ID) || command.Deref(out[i].Name) != command.Deref(in[i].Name) || (out[i].Name == nil) != (in[i].Name == nil) {
				t.Fatalf("speaker %d: got %+v, want %+v", i, out[i], in[i])
			}
		}
	})
}
