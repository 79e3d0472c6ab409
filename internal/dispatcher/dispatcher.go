// Package dispatcher runs the auth sub-daemon's command loop: it reads
// framed Commands off the IPC socket, fans each one out to its own
// goroutine, and serializes the Responses back under a write mutex.
//
// Responses carry the originating command_id and may be written in any
// order; the front end correlates them. The write mutex exists because two
// interleaved frames would corrupt the stream, not to order anything.
package dispatcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notekeep-io/notekeep/internal/auth"
	"github.com/notekeep-io/notekeep/internal/ipc"
	"github.com/notekeep-io/notekeep/internal/ipc/authipc"
	"github.com/notekeep-io/notekeep/internal/metrics"
	"github.com/notekeep-io/notekeep/internal/username"
)

// Conn is the duplex IPC stream. Close must unblock a concurrent Read;
// net.Conn and net.Pipe ends both qualify.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Dispatcher decodes and executes commands against the auth service.
type Dispatcher struct {
	svc     *auth.Service
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Dispatcher.
func New(svc *auth.Service, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		svc:     svc,
		logger:  logger.Named("dispatcher"),
		metrics: m,
	}
}

// Run serves the connection until the peer closes it (clean EOF, returns
// nil) or the stream breaks (framing error, write failure — the connection
// is torn down and the error returned). Handlers still in flight at EOF
// are allowed to finish.
func (d *Dispatcher) Run(conn Conn) error {
	d.logger.Info("listening for commands")

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex

		inflightMu sync.Mutex
		inflight   = make(map[uint64]struct{})

		fatalOnce sync.Once
		fatalErr  error
	)

	// fail tears the connection down on an unrecoverable error. Closing the
	// socket unblocks the read loop below and any handler blocked writing.
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			conn.Close() //nolint:errcheck
		})
	}

	reader := bufio.NewReader(conn)
	var loopErr error
	for {
		payload, err := ipc.ReadMessage(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			loopErr = err
			break
		}
		cmd, err := authipc.UnmarshalCommand(payload)
		if err != nil {
			// The outer frame decoded but the Command did not; the stream
			// itself cannot be trusted any further.
			loopErr = err
			break
		}

		id := cmd.CommandID
		inflightMu.Lock()
		if _, dup := inflight[id]; dup {
			inflightMu.Unlock()
			d.logger.Error("duplicate command id, dropping", zap.Uint64("command_id", id))
			d.metrics.DuplicateCommands.Inc()
			continue
		}
		inflight[id] = struct{}{}
		inflightMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				inflightMu.Lock()
				delete(inflight, id)
				inflightMu.Unlock()
			}()
			d.handle(cmd, conn, &writeMu, fail)
		}()
	}

	if loopErr != nil {
		fail(fmt.Errorf("dispatcher: command stream broken: %w", loopErr))
	}

	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	d.logger.Info("command connection closed")
	return nil
}

// handle decodes the command variant, runs the matching handler, and
// writes the response. A payload that fails semantic decoding gets a log
// line and no response — the front end's timeout policy owns that case.
func (d *Dispatcher) handle(cmd *authipc.Command, w io.Writer, writeMu *sync.Mutex, fail func(error)) {
	resp := &authipc.Response{CommandID: cmd.CommandID}

	switch {
	case cmd.Login != nil:
		d.metrics.CommandsReceived.WithLabelValues("login").Inc()
		req, err := mapLogin(cmd.Login)
		if err != nil {
			d.badRequest(cmd.CommandID, err)
			return
		}
		resp.Login = d.svc.Login(req)

	case cmd.RefreshToken != nil:
		d.metrics.CommandsReceived.WithLabelValues("refresh_token").Inc()
		req, err := mapRefresh(cmd.RefreshToken)
		if err != nil {
			d.badRequest(cmd.CommandID, err)
			return
		}
		resp.RefreshToken = d.svc.Refresh(req)

	case cmd.Logout != nil:
		d.metrics.CommandsReceived.WithLabelValues("logout").Inc()
		req, err := mapLogout(cmd.Logout)
		if err != nil {
			d.badRequest(cmd.CommandID, err)
			return
		}
		resp.Logout = d.svc.Logout(req)

	default:
		d.metrics.CommandsReceived.WithLabelValues("empty").Inc()
		d.badRequest(cmd.CommandID, errors.New("empty command"))
		return
	}

	writeMu.Lock()
	err := ipc.WriteMessage(w, resp.Marshal())
	writeMu.Unlock()
	if err != nil {
		d.logger.Error("failed writing response, tearing down connection",
			zap.Uint64("command_id", cmd.CommandID), zap.Error(err))
		fail(err)
		return
	}
	d.metrics.ResponsesWritten.Inc()
	d.logger.Debug("command executed", zap.Uint64("command_id", cmd.CommandID))
}

func (d *Dispatcher) badRequest(id uint64, err error) {
	d.logger.Error("failed parsing command", zap.Uint64("command_id", id), zap.Error(err))
	d.metrics.BadRequests.Inc()
}

func mapLogin(req *authipc.LoginRequest) (auth.LoginRequest, error) {
	user, err := username.Parse(req.Username)
	if err != nil {
		return auth.LoginRequest{}, err
	}
	return auth.LoginRequest{Username: user, Password: req.Password}, nil
}

func mapRefresh(req *authipc.RefreshTokenRequest) (auth.RefreshRequest, error) {
	user, err := username.Parse(req.Username)
	if err != nil {
		return auth.RefreshRequest{}, err
	}
	if len(req.RefreshToken) == 0 {
		return auth.RefreshRequest{}, errors.New("missing refresh token")
	}
	return auth.RefreshRequest{Username: user, RefreshToken: req.RefreshToken}, nil
}

func mapLogout(req *authipc.LogoutRequest) (auth.LogoutRequest, error) {
	id, err := uuid.FromBytes(req.SessionID)
	if err != nil {
		return auth.LogoutRequest{}, fmt.Errorf("invalid session id: %w", err)
	}
	return auth.LogoutRequest{SessionID: id}, nil
}
