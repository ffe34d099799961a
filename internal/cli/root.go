// Package cli implements sigctl, a command-line client that validates, sends,
// and watches room-signaling envelopes.
package cli

import (
	"context"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
	"github.com/cory-johannsen/roomsignal/internal/session"
)

// Connection is a live command channel to the daemon.
type Connection interface {
	session.Transport
	Close() error
}

// Dialer opens a Connection to url.
type Dialer func(ctx context.Context, url string) (Connection, error)

// Dependencies are the collaborators shared by every subcommand.
type Dependencies struct {
	Out    io.Writer
	Logger *zap.Logger
	Dial   Dialer
}

type globalFlags struct {
	url           string
	appID         string
	userID        string
	roomID        string
	unknownSignal string
}

// NewRootCmd builds the sigctl command tree.
//
// Precondition: deps.Out and deps.Logger must be non-nil; deps.Dial is required by
// send and listen only.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "sigctl",
		Short:         "Validate, send, and watch room-signaling envelopes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.url, "url", "ws://localhost:8080/ws", "signaling daemon websocket URL")
	pf.StringVar(&flags.appID, "app", "", "app_id stamped on envelopes that omit it")
	pf.StringVar(&flags.userID, "user", "", "user_id stamped on envelopes that omit it")
	pf.StringVar(&flags.roomID, "room", "", "room_id stamped on envelopes that omit it")
	pf.StringVar(&flags.unknownSignal, "unknown-signal", "pass", "unknown signal policy: reject or pass")

	rootCmd.AddCommand(newValidateCmd(deps, flags))
	rootCmd.AddCommand(newSendCmd(deps, flags))
	rootCmd.AddCommand(newListenCmd(deps, flags))
	rootCmd.AddCommand(newCallCmd(deps, flags))
	return rootCmd
}

func (f *globalFlags) codec() (*codec.Codec, error) {
	policy, err := codec.ParsePolicy(f.unknownSignal)
	if err != nil {
		return nil, err
	}
	return codec.New(command.DefaultCatalog(), policy), nil
}

// identity merges the flag identity over the fixture's; flags win when set.
func (f *globalFlags) identity(base command.Header) command.Header {
	if f.appID != "" {
		base.AppID = command.Ptr(f.appID)
	}
	if f.userID != "" {
		base.UserID = command.Ptr(f.userID)
	}
	if f.roomID != "" {
		base.RoomID = command.Ptr(f.roomID)
	}
	return base
}

// printer writes every inbound envelope to out as one canonical JSON line.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	codec *codec.Codec
	count int
}

func (p *printer) Serve(_ context.Context, req dispatch.Request) error {
	data, err := p.codec.Encode(req.Envelope)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	_, err = p.out.Write(append(data, '\n'))
	return err
}

func (p *printer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// connect dials the daemon and returns a session whose inbound envelopes are
// printed.
func connect(ctx context.Context, deps *Dependencies, c *codec.Codec, url string, identity command.Header) (*session.Session, Connection, *printer, error) {
	conn, err := deps.Dial(ctx, url)
	if err != nil {
		return nil, nil, nil, err
	}
	p := &printer{out: deps.Out, codec: c}
	d := dispatch.New(deps.Logger, dispatch.WithDefault(p))
	s := session.New(c, d, deps.Logger,
		session.WithIdentity(identity),
		session.WithDecodeErrorHandler(func(data []byte, err error) {
			deps.Logger.Warn("undecodable message from daemon", zap.ByteString("data", data), zap.Error(err))
		}),
	)
	s.Attach(ctx, conn)
	return s, conn, p, nil
}
