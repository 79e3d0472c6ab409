// Package authipc defines the messages exchanged between the front end
// and the auth sub-daemon, encoded in the protobuf wire format.
//
// The schema lives in proto/authipc.proto. The codec here is maintained by
// hand on top of protowire instead of generated code: the protocol is nine
// small messages on an internal socket, and hand-rolled marshalers keep
// the build free of a protoc step while staying wire-compatible with any
// other implementation of the schema.
package authipc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed is returned when a buffer is not a valid encoding of
	// the expected message.
	ErrMalformed = errors.New("authipc: malformed message")

	// ErrUnknownEnum is returned when an enum field carries a value
	// outside the schema.
	ErrUnknownEnum = errors.New("authipc: unknown enum value")
)

// LoginError distinguishes a credential failure, reported to the client
// verbatim, from an internal one, reported without detail.
type LoginError int32

const (
	LoginErrorInvalidCredentials LoginError = 0
	LoginErrorInternal           LoginError = 1
)

// LogoutError has a single variant: logout never fails for a missing
// session, only for a store error.
type LogoutError int32

const LogoutErrorInternal LogoutError = 0

// LoginRequest asks the sub-daemon to verify a password and open a session.
type LoginRequest struct {
	Username string
	Password string
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	Username     string
	RefreshToken []byte
}

// LogoutRequest deletes a session. SessionID is the 16 raw UUID bytes.
type LogoutRequest struct {
	SessionID []byte
}

// Command is the front→auth frame. Exactly one of the request fields is
// set; CommandID correlates the eventual Response.
type Command struct {
	CommandID    uint64
	Login        *LoginRequest
	RefreshToken *RefreshTokenRequest
	Logout       *LogoutRequest
}

// SuccessfulLogin carries the new token pair.
type SuccessfulLogin struct {
	AccessToken  string
	RefreshToken []byte
}

// LoginResponse is the outcome of a LoginRequest: OK or Err, never both.
type LoginResponse struct {
	OK  *SuccessfulLogin
	Err *LoginError
}

// RefreshTokenResponse is the outcome of a RefreshTokenRequest.
type RefreshTokenResponse struct {
	OK  *SuccessfulLogin
	Err *LoginError
}

// LogoutResponse reports logout failure; Error is nil on success.
type LogoutResponse struct {
	Error *LogoutError
}

// Response is the auth→front frame, echoing the request's CommandID.
type Response struct {
	CommandID    uint64
	Login        *LoginResponse
	RefreshToken *RefreshTokenResponse
	Logout       *LogoutResponse
}

// ─── Marshaling ───────────────────────────────────────────────────────────────

func appendSubmessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// Marshal encodes the command.
func (c *Command) Marshal() []byte {
	var b []byte
	if c.CommandID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, c.CommandID)
	}
	switch {
	case c.Login != nil:
		b = appendSubmessage(b, 2, c.Login.marshal())
	case c.RefreshToken != nil:
		b = appendSubmessage(b, 3, c.RefreshToken.marshal())
	case c.Logout != nil:
		b = appendSubmessage(b, 4, c.Logout.marshal())
	}
	return b
}

func (r *LoginRequest) marshal() []byte {
	var b []byte
	if r.Username != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Username)
	}
	if r.Password != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.Password)
	}
	return b
}

func (r *RefreshTokenRequest) marshal() []byte {
	var b []byte
	if r.Username != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Username)
	}
	if len(r.RefreshToken) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.RefreshToken)
	}
	return b
}

func (r *LogoutRequest) marshal() []byte {
	var b []byte
	if len(r.SessionID) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.SessionID)
	}
	return b
}

// Marshal encodes the response.
func (r *Response) Marshal() []byte {
	var b []byte
	if r.CommandID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, r.CommandID)
	}
	switch {
	case r.Login != nil:
		b = appendSubmessage(b, 2, r.Login.marshal())
	case r.RefreshToken != nil:
		b = appendSubmessage(b, 3, marshalLoginOutcome(r.RefreshToken.OK, r.RefreshToken.Err))
	case r.Logout != nil:
		b = appendSubmessage(b, 4, r.Logout.marshal())
	}
	return b
}

func (r *LoginResponse) marshal() []byte {
	return marshalLoginOutcome(r.OK, r.Err)
}

// marshalLoginOutcome covers LoginResponse and RefreshTokenResponse, which
// share their wire shape: oneof { SuccessfulLogin ok = 1; LoginError err = 2; }.
func marshalLoginOutcome(ok *SuccessfulLogin, errVal *LoginError) []byte {
	var b []byte
	switch {
	case ok != nil:
		b = appendSubmessage(b, 1, ok.marshal())
	case errVal != nil:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*errVal))
	}
	return b
}

func (l *SuccessfulLogin) marshal() []byte {
	var b []byte
	if l.AccessToken != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, l.AccessToken)
	}
	if len(l.RefreshToken) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, l.RefreshToken)
	}
	return b
}

func (r *LogoutResponse) marshal() []byte {
	var b []byte
	if r.Error != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.Error))
	}
	return b
}

// ─── Unmarshaling ─────────────────────────────────────────────────────────────

// walkFields iterates the fields of one message level, skipping unknown
// fields the way any protobuf decoder must.
func walkFields(b []byte, handle func(num protowire.Number, typ protowire.Type, value []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformed)
		}
		b = b[n:]

		consumed, err := handle(num, typ, b)
		if err != nil {
			return err
		}
		if consumed < 0 {
			// Not handled: skip per wire type.
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return fmt.Errorf("%w: bad field %d", ErrMalformed, num)
			}
		}
		b = b[consumed:]
	}
	return nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: bad varint", ErrMalformed)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: bad length-delimited field", ErrMalformed)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

// UnmarshalCommand decodes a Command frame.
func UnmarshalCommand(b []byte) (*Command, error) {
	c := &Command{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(value)
			if err != nil {
				return 0, err
			}
			c.CommandID = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			req, err := unmarshalLoginRequest(body)
			if err != nil {
				return 0, err
			}
			c.Login, c.RefreshToken, c.Logout = req, nil, nil
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			req, err := unmarshalRefreshTokenRequest(body)
			if err != nil {
				return 0, err
			}
			c.Login, c.RefreshToken, c.Logout = nil, req, nil
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			req, err := unmarshalLogoutRequest(body)
			if err != nil {
				return 0, err
			}
			c.Login, c.RefreshToken, c.Logout = nil, nil, req
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalLoginRequest(b []byte) (*LoginRequest, error) {
	r := &LoginRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		switch num {
		case 1:
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			r.Username = string(v)
			return n, nil
		case 2:
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			r.Password = string(v)
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalRefreshTokenRequest(b []byte) (*RefreshTokenRequest, error) {
	r := &RefreshTokenRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		switch num {
		case 1:
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			r.Username = string(v)
			return n, nil
		case 2:
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			r.RefreshToken = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalLogoutRequest(b []byte) (*LogoutRequest, error) {
	r := &LogoutRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			r.SessionID = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UnmarshalResponse decodes a Response frame.
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(value)
			if err != nil {
				return 0, err
			}
			r.CommandID = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			ok, errVal, err := unmarshalLoginOutcome(body)
			if err != nil {
				return 0, err
			}
			r.Login = &LoginResponse{OK: ok, Err: errVal}
			r.RefreshToken, r.Logout = nil, nil
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			ok, errVal, err := unmarshalLoginOutcome(body)
			if err != nil {
				return 0, err
			}
			r.RefreshToken = &RefreshTokenResponse{OK: ok, Err: errVal}
			r.Login, r.Logout = nil, nil
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			resp, err := unmarshalLogoutResponse(body)
			if err != nil {
				return 0, err
			}
			r.Logout = resp
			r.Login, r.RefreshToken = nil, nil
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalLoginOutcome(b []byte) (*SuccessfulLogin, *LoginError, error) {
	var ok *SuccessfulLogin
	var errVal *LoginError
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			body, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			login, err := unmarshalSuccessfulLogin(body)
			if err != nil {
				return 0, err
			}
			ok, errVal = login, nil
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(value)
			if err != nil {
				return 0, err
			}
			if v > uint64(LoginErrorInternal) {
				return 0, fmt.Errorf("%w: LoginError %d", ErrUnknownEnum, v)
			}
			e := LoginError(v)
			ok, errVal = nil, &e
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ok, errVal, nil
}

func unmarshalSuccessfulLogin(b []byte) (*SuccessfulLogin, error) {
	l := &SuccessfulLogin{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		switch num {
		case 1:
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			l.AccessToken = string(v)
			return n, nil
		case 2:
			v, n, err := consumeBytes(value)
			if err != nil {
				return 0, err
			}
			l.RefreshToken = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func unmarshalLogoutResponse(b []byte) (*LogoutResponse, error) {
	r := &LogoutResponse{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(value)
			if err != nil {
				return 0, err
			}
			if v > uint64(LogoutErrorInternal) {
				return 0, fmt.Errorf("%w: LogoutError %d", ErrUnknownEnum, v)
			}
			e := LogoutError(v)
			r.Error = &e
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
