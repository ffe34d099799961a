package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	recv    func([]byte)
	sendErr error
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) OnReceive(fn func([]byte)) { f.recv = fn }

func (f *fakeTransport) deliver(data string) { f.recv([]byte(data)) }

func newSession(t *testing.T, policy codec.UnknownSignalPolicy, opts ...Option) (*Session, *dispatch.Dispatcher, *fakeTransport) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	d := dispatch.New(logger, dispatch.WithUnhandledPolicy(dispatch.ErrorUnhandled))
	s := New(codec.New(command.DefaultCatalog(), policy), d, logger, opts...)
	tr := &fakeTransport{}
	s.Attach(context.Background(), tr)
	return s, d, tr
}

func TestSendCommand_EncodesAndTransmits(t *testing.T) {
	s, _, tr := newSession(t, codec.RejectUnknown)
	env := command.New(command.SignalRoomMsg,
		command.Header{RoomID: command.Ptr("123456"), UserID: command.Ptr("u1")},
		command.RoomMessage{Cmd: "note", Message: command.Ptr("hello")})

	require.NoError(t, s.SendCommand(context.Background(), env))
	require.Len(t, tr.sent, 1)
	assert.JSONEq(t,
		`{"signal":"room_msg","room_id":"123456","user_id":"u1","room_msg":{"cmd":"note","message":"hello"}}`,
		string(tr.sent[0]))
}

func TestSendCommand_StampsIdentityWithoutOverwriting(t *testing.T) {
	s, _, tr := newSession(t, codec.RejectUnknown, WithIdentity(command.Header{
		AppID: command.Ptr("app"), RoomID: command.Ptr("r1"), UserID: command.Ptr("me"),
	}))
	env := command.New(command.SignalRoomMsg, command.Header{RoomID: command.Ptr("r2")},
		command.RoomMessage{Cmd: "note"})

	require.NoError(t, s.SendCommand(context.Background(), env))
	assert.JSONEq(t,
		`{"signal":"room_msg","app_id":"app","room_id":"r2","user_id":"me","room_msg":{"cmd":"note"}}`,
		string(tr.sent[0]))
}

func TestSendCommand_RejectsInvalidEnvelope(t *testing.T) {
	s, _, tr := newSession(t, codec.RejectUnknown)
	env := command.New(command.SignalRecordCmd, command.Header{}, command.RecordCommand{
		Speakers: []command.Speaker{{ID: command.Ptr(int64(7))}, {ID: command.Ptr(int64(7))}},
	})
	err := s.SendCommand(context.Background(), env)
	assert.ErrorIs(t, err, command.ErrSchemaViolation)
	assert.Empty(t, tr.sent)
}

func TestSendCommand_PassThroughFollowsPolicy(t *testing.T) {
	env := command.Envelope{Signal: "heartbeat", Unknown: command.Fields{"seq": []byte(`1`)}}

	s, _, tr := newSession(t, codec.RejectUnknown)
	assert.ErrorIs(t, s.SendCommand(context.Background(), env), command.ErrUnknownSignal)
	assert.Empty(t, tr.sent)

	s, _, tr = newSession(t, codec.PassThroughUnknown)
	require.NoError(t, s.SendCommand(context.Background(), env))
	assert.JSONEq(t, `{"signal":"heartbeat","seq":1}`, string(tr.sent[0]))
}

func TestSendCommand_TransportFailure(t *testing.T) {
	s, _, tr := newSession(t, codec.RejectUnknown)
	tr.sendErr = errors.New("link down")
	err := s.SendCommand(context.Background(), command.New(command.SignalRoomMsg, command.Header{},
		command.RoomMessage{Cmd: "note"}))
	assert.ErrorContains(t, err, "link down")
}

func TestSendCommand_NotAttached(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := New(codec.New(command.DefaultCatalog(), codec.RejectUnknown), dispatch.New(logger), logger)
	assert.ErrorIs(t, s.SendRoomMessage(context.Background(), "note", "x"), ErrNotAttached)
}

func TestSendHelpers(t *testing.T) {
	s, _, tr := newSession(t, codec.RejectUnknown, WithIdentity(command.Header{UserID: command.Ptr("me")}))
	require.NoError(t, s.SendRoomMessage(context.Background(), "note", "hi"))
	require.NoError(t, s.SendCallCommand(context.Background(), "invite", "you", "r9"))
	require.Len(t, tr.sent, 2)
	assert.JSONEq(t, `{"signal":"room_msg","user_id":"me","room_msg":{"cmd":"note","message":"hi"}}`, string(tr.sent[0]))
	assert.JSONEq(t, `{"signal":"call_cmd","user_id":"me","call_cmd":{"cmd":"invite","user_id":"you","room_id":"r9"}}`, string(tr.sent[1]))
}

func TestOnCommandReceived_DispatchesRoomMessage(t *testing.T) {
	_, d, tr := newSession(t, codec.RejectUnknown)
	var got command.RoomMessage
	d.RegisterFunc(command.SignalRoomMsg, func(_ context.Context, req dispatch.Request) error {
		got, _ = req.Envelope.RoomMessage()
		return nil
	})

	tr.deliver(`{"signal":"room_msg","room_id":"123456","user_id":"u1","room_msg":{"cmd":"note","message":"hello"}}`)
	assert.Equal(t, "note", got.Cmd)
	assert.Equal(t, "hello", command.Deref(got.Message))
}

func TestOnCommandReceived_DecodeErrorNeverDispatches(t *testing.T) {
	var decodeErrs []error
	s, d, _ := newSession(t, codec.RejectUnknown, WithDecodeErrorHandler(func(_ []byte, err error) {
		decodeErrs = append(decodeErrs, err)
	}))
	called := false
	d.SetDefault(dispatch.HandlerFunc(func(context.Context, dispatch.Request) error {
		called = true
		return nil
	}))

	_, err := s.OnCommandReceived(context.Background(), []byte(`{"signal":`))
	assert.ErrorIs(t, err, command.ErrMalformedEnvelope)
	_, err = s.OnCommandReceived(context.Background(), []byte(`{"signal":"teleport"}`))
	assert.ErrorIs(t, err, command.ErrUnknownSignal)

	assert.False(t, called)
	assert.Len(t, decodeErrs, 2)
}

func TestOnCommandReceived_UnhandledPassThrough(t *testing.T) {
	s, _, _ := newSession(t, codec.PassThroughUnknown)
	out, err := s.OnCommandReceived(context.Background(), []byte(`{"signal":"teleport"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, dispatch.ErrUnhandledSignal)
}

func TestLoopback_SendThenReceive(t *testing.T) {
	s, d, tr := newSession(t, codec.RejectUnknown)
	var order []string
	d.RegisterFunc(command.SignalProcessCmdList, func(_ context.Context, req dispatch.Request) error {
		order = append(order, command.Deref(req.Process.Cmd))
		return nil
	})
	env := command.New(command.SignalProcessCmdList, command.Header{}, command.ProcessCommandList{
		{Cmd: command.Ptr("A")}, {Cmd: command.Ptr("B")}, {Cmd: command.Ptr("C")},
	})
	require.NoError(t, s.SendCommand(context.Background(), env))

	out, err := s.OnCommandReceived(context.Background(), tr.sent[0])
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestAttach_ConcurrentWithSend(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := New(codec.New(command.DefaultCatalog(), codec.RejectUnknown), dispatch.New(logger), logger,
		WithIdentity(command.Header{RoomID: command.Ptr("r"), UserID: command.Ptr("u")}))
	tr := &fakeTransport{}

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.SendRoomMessage(context.Background(), "note", "x")
		}()
	}
	s.Attach(context.Background(), tr)
	wg.Wait()
	close(results)

	sent := 0
	for err := range results {
		if err == nil {
			sent++
			continue
		}
		assert.ErrorIs(t, err, ErrNotAttached)
	}
	require.NoError(t, s.SendRoomMessage(context.Background(), "note", "after"))
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Len(t, tr.sent, sent+1)
}
