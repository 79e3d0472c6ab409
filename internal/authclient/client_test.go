package authclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notekeep-io/notekeep/internal/authclient"
	"github.com/notekeep-io/notekeep/internal/ipc"
	"github.com/notekeep-io/notekeep/internal/ipc/authipc"
)

// batchServer reads n commands off conn and then answers them via respond,
// which may reorder freely.
func batchServer(t *testing.T, conn net.Conn, n int, respond func([]*authipc.Command) []*authipc.Response) {
	t.Helper()
	go func() {
		var cmds []*authipc.Command
		for i := 0; i < n; i++ {
			payload, err := ipc.ReadMessage(conn)
			if err != nil {
				return
			}
			cmd, err := authipc.UnmarshalCommand(payload)
			if err != nil {
				return
			}
			cmds = append(cmds, cmd)
		}
		for _, resp := range respond(cmds) {
			if err := ipc.WriteMessage(conn, resp.Marshal()); err != nil {
				return
			}
		}
	}()
}

// echoServer answers every command as it arrives.
func echoServer(t *testing.T, conn net.Conn, handle func(*authipc.Command) *authipc.Response) {
	t.Helper()
	go func() {
		for {
			payload, err := ipc.ReadMessage(conn)
			if err != nil {
				return
			}
			cmd, err := authipc.UnmarshalCommand(payload)
			if err != nil {
				return
			}
			if err := ipc.WriteMessage(conn, handle(cmd).Marshal()); err != nil {
				return
			}
		}
	}()
}

func TestOutOfOrderResponsesCorrelate(t *testing.T) {
	front, back := net.Pipe()
	defer back.Close()

	// Answer the two pending logins in reverse order, tagging each
	// access token with the username of its own request.
	batchServer(t, back, 2, func(cmds []*authipc.Command) []*authipc.Response {
		require.Len(t, cmds, 2)
		resps := make([]*authipc.Response, 0, 2)
		for i := len(cmds) - 1; i >= 0; i-- {
			resps = append(resps, &authipc.Response{
				CommandID: cmds[i].CommandID,
				Login: &authipc.LoginResponse{OK: &authipc.SuccessfulLogin{
					AccessToken:  cmds[i].Login.Username,
					RefreshToken: []byte{byte(cmds[i].CommandID)},
				}},
			})
		}
		return resps
	})

	client := authclient.New(front, zaptest.NewLogger(t))
	defer client.Close()
	ctx := context.Background()

	type result struct {
		user  string
		login *authipc.SuccessfulLogin
		err   error
	}
	results := make(chan result, 2)
	for _, user := range []string{"alice", "bob"} {
		go func(user string) {
			login, err := client.Login(ctx, user, "pw")
			results <- result{user: user, login: login, err: err}
		}(user)
	}

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		// Each caller got the response meant for its own request.
		assert.Equal(t, r.user, r.login.AccessToken)
	}
}

func TestErrorMapping(t *testing.T) {
	front, back := net.Pipe()
	defer back.Close()

	invalid := authipc.LoginErrorInvalidCredentials
	internalLogout := authipc.LogoutErrorInternal
	echoServer(t, back, func(cmd *authipc.Command) *authipc.Response {
		resp := &authipc.Response{CommandID: cmd.CommandID}
		switch {
		case cmd.Login != nil:
			resp.Login = &authipc.LoginResponse{Err: &invalid}
		case cmd.Logout != nil:
			resp.Logout = &authipc.LogoutResponse{Error: &internalLogout}
		}
		return resp
	})

	client := authclient.New(front, zaptest.NewLogger(t))
	defer client.Close()
	ctx := context.Background()

	_, err := client.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, authclient.ErrInvalidCredentials)

	err = client.Logout(ctx, [16]byte{1})
	assert.ErrorIs(t, err, authclient.ErrInternal)
}

func TestClosedConnectionFailsPendingCalls(t *testing.T) {
	front, back := net.Pipe()

	client := authclient.New(front, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := client.Login(context.Background(), "alice", "pw")
		done <- err
	}()

	// Swallow the command, then drop the connection without answering.
	_, err := ipc.ReadMessage(back)
	require.NoError(t, err)
	require.NoError(t, back.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, authclient.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail")
	}
}

func TestContextCancellation(t *testing.T) {
	front, back := net.Pipe()
	defer back.Close()
	client := authclient.New(front, zaptest.NewLogger(t))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Login(ctx, "alice", "pw")
		done <- err
	}()

	// Consume the command so the write is complete, then abandon the call.
	_, err := ipc.ReadMessage(back)
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not return")
	}
}
