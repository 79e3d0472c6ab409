// Package authclient is the front end's side of the auth IPC: it numbers
// outgoing commands, writes them framed on the shared socket, and parks
// each caller on a completion channel until the reader goroutine matches
// the response by command_id.
//
// Responses arrive in whatever order the sub-daemon finishes them; the
// pending map is the only ordering mechanism there is.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notekeep-io/notekeep/internal/ipc"
	"github.com/notekeep-io/notekeep/internal/ipc/authipc"
)

var (
	// ErrInvalidCredentials is the wire's credential failure, surfaced
	// verbatim: wrong password, unknown user, or a stale refresh token.
	ErrInvalidCredentials = errors.New("authclient: invalid credentials")

	// ErrInternal is the wire's detail-free internal failure; the cause
	// is in the sub-daemon's log.
	ErrInternal = errors.New("authclient: internal auth error")

	// ErrClosed is returned when the IPC connection has shut down.
	ErrClosed = errors.New("authclient: connection closed")

	// ErrBadResponse is returned when the sub-daemon answers with the
	// wrong response variant.
	ErrBadResponse = errors.New("authclient: unexpected response payload")
)

// Conn is the duplex IPC stream; Close must unblock a concurrent Read.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Client multiplexes requests over the single auth socket. Safe for
// concurrent use.
type Client struct {
	logger *zap.Logger
	conn   Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *authipc.Response

	readerDone chan struct{}
}

// New wraps the connection and starts the response reader.
func New(conn Conn, logger *zap.Logger) *Client {
	c := &Client{
		logger:     logger.Named("authclient"),
		conn:       conn,
		pending:    make(map[uint64]chan *authipc.Response),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the connection; the reader goroutine exits and every
// waiting caller gets ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Login asks the sub-daemon to open a session.
func (c *Client) Login(ctx context.Context, user, password string) (*authipc.SuccessfulLogin, error) {
	resp, err := c.execute(ctx, &authipc.Command{
		Login: &authipc.LoginRequest{Username: user, Password: password},
	})
	if err != nil {
		return nil, err
	}
	if resp.Login == nil {
		return nil, ErrBadResponse
	}
	return mapLoginOutcome(resp.Login.OK, resp.Login.Err)
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, user string, refreshToken []byte) (*authipc.SuccessfulLogin, error) {
	resp, err := c.execute(ctx, &authipc.Command{
		RefreshToken: &authipc.RefreshTokenRequest{Username: user, RefreshToken: refreshToken},
	})
	if err != nil {
		return nil, err
	}
	if resp.RefreshToken == nil {
		return nil, ErrBadResponse
	}
	return mapLoginOutcome(resp.RefreshToken.OK, resp.RefreshToken.Err)
}

// Logout deletes a session. Succeeds whether or not the session existed.
func (c *Client) Logout(ctx context.Context, sessionID uuid.UUID) error {
	resp, err := c.execute(ctx, &authipc.Command{
		Logout: &authipc.LogoutRequest{SessionID: sessionID[:]},
	})
	if err != nil {
		return err
	}
	if resp.Logout == nil {
		return ErrBadResponse
	}
	if resp.Logout.Error != nil {
		return ErrInternal
	}
	return nil
}

// execute assigns the command id, registers the completion channel, writes
// the frame, and waits.
func (c *Client) execute(ctx context.Context, cmd *authipc.Command) (*authipc.Response, error) {
	id := c.nextID.Add(1)
	cmd.CommandID = id

	payload := cmd.Marshal()
	if len(payload) > ipc.MaxMessageSize {
		return nil, ipc.ErrMessageTooBig
	}

	done := make(chan *authipc.Response, 1)
	c.mu.Lock()
	if _, collided := c.pending[id]; collided {
		c.mu.Unlock()
		// The id space is 64-bit; a collision means the liveness invariant
		// broke, and no further correlation can be trusted.
		c.logger.Fatal("request id already in flight", zap.Uint64("command_id", id))
	}
	c.pending[id] = done
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ipc.WriteMessage(c.conn, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("authclient: writing command %d: %w", id, err)
	}

	select {
	case resp := <-done:
		return resp, nil
	case <-c.readerDone:
		return nil, ErrClosed
	case <-ctx.Done():
		// Deliberately stays registered: the sub-daemon will still answer,
		// and the reader must find the id or it would treat the response
		// as unknown. The late response lands in the buffered channel and
		// is dropped with it.
		return nil, ctx.Err()
	}
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop fulfills pending requests as responses arrive. A response that
// matches no pending request means correlation state is corrupt; that is
// not recoverable.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		payload, err := ipc.ReadMessage(c.conn)
		if err != nil {
			// EOF and our own Close are normal teardown, not failures.
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
				c.logger.Error("auth socket read failed", zap.Error(err))
			}
			return
		}
		resp, err := authipc.UnmarshalResponse(payload)
		if err != nil {
			c.logger.Error("undecodable auth response", zap.Error(err))
			return
		}

		c.mu.Lock()
		done, ok := c.pending[resp.CommandID]
		delete(c.pending, resp.CommandID)
		c.mu.Unlock()
		if !ok {
			c.logger.Fatal("response to unknown request id",
				zap.Uint64("command_id", resp.CommandID))
		}
		done <- resp
	}
}

func mapLoginOutcome(ok *authipc.SuccessfulLogin, errVal *authipc.LoginError) (*authipc.SuccessfulLogin, error) {
	switch {
	case ok != nil:
		return ok, nil
	case errVal != nil && *errVal == authipc.LoginErrorInvalidCredentials:
		return nil, ErrInvalidCredentials
	case errVal != nil:
		return nil, ErrInternal
	default:
		return nil, ErrBadResponse
	}
}
