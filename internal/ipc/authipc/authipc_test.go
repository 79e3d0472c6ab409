package authipc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/notekeep-io/notekeep/internal/ipc/authipc"
)

func loginErr(e authipc.LoginError) *authipc.LoginError { return &e }

func TestCommandRoundTrip(t *testing.T) {
	cases := map[string]*authipc.Command{
		"login": {
			CommandID: 7,
			Login:     &authipc.LoginRequest{Username: "alice", Password: "hunter2"},
		},
		"refresh": {
			CommandID:    1 << 40,
			RefreshToken: &authipc.RefreshTokenRequest{Username: "bob", RefreshToken: []byte{1, 2, 3, 4}},
		},
		"logout": {
			CommandID: 0,
			Logout:    &authipc.LogoutRequest{SessionID: make([]byte, 16)},
		},
	}
	for label, cmd := range cases {
		t.Run(label, func(t *testing.T) {
			decoded, err := authipc.UnmarshalCommand(cmd.Marshal())
			require.NoError(t, err)
			assert.Equal(t, cmd, decoded)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	internal := authipc.LogoutErrorInternal
	cases := map[string]*authipc.Response{
		"login ok": {
			CommandID: 9,
			Login: &authipc.LoginResponse{OK: &authipc.SuccessfulLogin{
				AccessToken:  "eyJ.header.sig",
				RefreshToken: []byte{9, 8, 7},
			}},
		},
		"login invalid credentials": {
			CommandID: 10,
			Login:     &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInvalidCredentials)},
		},
		"login internal error": {
			CommandID: 11,
			Login:     &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInternal)},
		},
		"refresh ok": {
			CommandID: 12,
			RefreshToken: &authipc.RefreshTokenResponse{OK: &authipc.SuccessfulLogin{
				AccessToken:  "tok",
				RefreshToken: []byte{1},
			}},
		},
		"logout ok": {
			CommandID: 13,
			Logout:    &authipc.LogoutResponse{},
		},
		"logout internal error": {
			CommandID: 14,
			Logout:    &authipc.LogoutResponse{Error: &internal},
		},
	}
	for label, resp := range cases {
		t.Run(label, func(t *testing.T) {
			decoded, err := authipc.UnmarshalResponse(resp.Marshal())
			require.NoError(t, err)
			assert.Equal(t, resp, decoded)
		})
	}
}

func TestLoginErrorZeroValueSurvivesRoundTrip(t *testing.T) {
	// LOGIN_ERROR_INVALID_CREDENTIALS is enum value 0; as a set oneof arm it
	// is still written on the wire, and decoding must produce that arm.
	resp := &authipc.Response{
		CommandID: 2,
		Login:     &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInvalidCredentials)},
	}
	decoded, err := authipc.UnmarshalResponse(resp.Marshal())
	require.NoError(t, err)
	require.NotNil(t, decoded.Login)
	require.NotNil(t, decoded.Login.Err)
	assert.Equal(t, authipc.LoginErrorInvalidCredentials, *decoded.Login.Err)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	cmd := &authipc.Command{CommandID: 3, Login: &authipc.LoginRequest{Username: "alice", Password: "pw"}}
	raw := cmd.Marshal()

	// Append a field this schema has never heard of.
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendString(raw, "future extension")

	decoded, err := authipc.UnmarshalCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, cmd, decoded)
}

func TestUnknownEnumValueIsRejected(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 2, protowire.VarintType)
	body = protowire.AppendVarint(body, 42)

	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 5)
	raw = protowire.AppendTag(raw, 2, protowire.BytesType)
	raw = protowire.AppendBytes(raw, body)

	_, err := authipc.UnmarshalResponse(raw)
	assert.ErrorIs(t, err, authipc.ErrUnknownEnum)
}

func TestMalformedBufferIsRejected(t *testing.T) {
	_, err := authipc.UnmarshalCommand([]byte{0xff})
	assert.ErrorIs(t, err, authipc.ErrMalformed)
}

func TestEmptyCommandDecodes(t *testing.T) {
	decoded, err := authipc.UnmarshalCommand(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded.Login)
	assert.Nil(t, decoded.RefreshToken)
	assert.Nil(t, decoded.Logout)
}
