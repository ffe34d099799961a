package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	calls    []string
	failOn   string
	snapshot string
}

func (c *fakeClient) record(name string) error {
	c.calls = append(c.calls, name)
	if name == c.failOn {
		return errors.New(name + " failed")
	}
	return nil
}

func (c *fakeClient) Login(_ context.Context, appID, userID string) error {
	return c.record("login:" + appID + "/" + userID)
}

func (c *fakeClient) EnterRoom(_ context.Context, roomID string) error {
	return c.record("enter:" + roomID)
}

func (c *fakeClient) ExitRoom(context.Context) error { return c.record("exit") }

func (c *fakeClient) StartLocalVideo(_ context.Context, view string) error {
	return c.record("local:" + view)
}

func (c *fakeClient) StartRemoteVideo(_ context.Context, userID, view string) error {
	return c.record("remote:" + userID + "@" + view)
}

func (c *fakeClient) Snapshot(_ context.Context, userID string) (string, error) {
	return c.snapshot, c.record("snapshot:" + userID)
}

var _ RoomSessionClient = (*fakeClient)(nil)

func TestJoin_SequencesCalls(t *testing.T) {
	c := &fakeClient{}
	leave, err := Join(context.Background(), c, JoinParams{AppID: "app", UserID: "u1", RoomID: "123456", LocalView: "main"})
	require.NoError(t, err)
	assert.Equal(t, []string{"login:app/u1", "enter:123456", "local:main"}, c.calls)

	require.NoError(t, leave(context.Background()))
	require.NoError(t, leave(context.Background()))
	assert.Equal(t, "exit", c.calls[len(c.calls)-1])
	assert.Len(t, c.calls, 4)
}

func TestJoin_WithoutLocalView(t *testing.T) {
	c := &fakeClient{}
	_, err := Join(context.Background(), c, JoinParams{AppID: "app", UserID: "u1", RoomID: "r"})
	require.NoError(t, err)
	assert.Equal(t, []string{"login:app/u1", "enter:r"}, c.calls)
}

func TestJoin_LoginFailureStops(t *testing.T) {
	c := &fakeClient{failOn: "login:app/u1"}
	_, err := Join(context.Background(), c, JoinParams{AppID: "app", UserID: "u1", RoomID: "r"})
	assert.ErrorContains(t, err, "login")
	assert.Equal(t, []string{"login:app/u1"}, c.calls)
}

func TestJoin_LocalVideoFailureExitsRoom(t *testing.T) {
	c := &fakeClient{failOn: "local:main"}
	leave, err := Join(context.Background(), c, JoinParams{AppID: "app", UserID: "u1", RoomID: "r", LocalView: "main"})
	assert.Nil(t, leave)
	assert.ErrorContains(t, err, "local video")
	assert.Equal(t, []string{"login:app/u1", "enter:r", "local:main", "exit"}, c.calls)
}

func TestJoinParams_ValidateReportsAll(t *testing.T) {
	err := JoinParams{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app id")
	assert.Contains(t, err.Error(), "user id")
	assert.Contains(t, err.Error(), "room id")
}
