package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	t.Run("NewRequest assigns a unique uuid", func(t *testing.T) {
		a, err := NewRequest("hello", []interface{}{"mo"}, nil)
		require.NoError(t, err)
		b, err := NewRequest("hello", []interface{}{"mo"}, nil)
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
		_, err = uuid.Parse(a.ID)
		assert.NoError(t, err)
		assert.Equal(t, Version, a.JSONRPC)
		assert.Equal(t, KindRequest, a.Kind())
	})

	t.Run("NewRequest rejects an empty method", func(t *testing.T) {
		_, err := NewRequest("", nil, nil)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("NewRequest copies headers", func(t *testing.T) {
		headers := map[string]interface{}{"source_node": "client"}
		req, err := NewRequest("hello", nil, headers)
		require.NoError(t, err)

		headers["source_node"] = "changed"
		assert.Equal(t, "client", req.Headers["source_node"])
	})

	t.Run("Arg decodes positional params", func(t *testing.T) {
		req, err := NewRequest("add", []interface{}{1, "two", map[string]int{"three": 3}}, nil)
		require.NoError(t, err)

		var n int
		var s string
		var m map[string]int
		require.NoError(t, req.Arg(0, &n))
		require.NoError(t, req.Arg(1, &s))
		require.NoError(t, req.Arg(2, &m))
		assert.Equal(t, 1, n)
		assert.Equal(t, "two", s)
		assert.Equal(t, 3, m["three"])

		assert.ErrorIs(t, req.Arg(3, &n), ErrArgumentIndex)
	})
}

func TestParse(t *testing.T) {
	t.Run("Request survives the wire", func(t *testing.T) {
		req, err := NewRequest("hello", []interface{}{"mo"}, map[string]interface{}{"k": "v"})
		require.NoError(t, err)
		payload, err := req.Marshal()
		require.NoError(t, err)

		msg, err := Parse(payload)
		require.NoError(t, err)
		parsed, ok := msg.(*Request)
		require.True(t, ok, "expected *Request, got %T", msg)
		assert.Equal(t, req.ID, parsed.ID)
		assert.Equal(t, "hello", parsed.Method)
		assert.Equal(t, "v", parsed.Headers["k"])

		var name string
		require.NoError(t, parsed.Arg(0, &name))
		assert.Equal(t, "mo", name)
	})

	t.Run("Notification has no id", func(t *testing.T) {
		n, err := NewNotification("log", []interface{}{"line"}, nil)
		require.NoError(t, err)
		payload, err := n.Marshal()
		require.NoError(t, err)
		assert.NotContains(t, string(payload), `"id"`)

		msg, err := Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, KindNotification, msg.Kind())
		assert.True(t, msg.(*Notification).AsRequest().IsNotification())
	})

	t.Run("Response with result", func(t *testing.T) {
		resp, err := NewResponse("abc", "Hello mo!", nil, nil)
		require.NoError(t, err)
		payload, err := resp.Marshal()
		require.NoError(t, err)

		msg, err := Parse(payload)
		require.NoError(t, err)
		result := msg.(*Response).AsResult()
		assert.Equal(t, "abc", result.ID)
		assert.Equal(t, 2, result.Len())

		var value string
		require.NoError(t, result.Decode(&value))
		assert.Equal(t, "Hello mo!", value)
	})

	t.Run("Response with null result is still a response", func(t *testing.T) {
		msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":"x","result":null}`))
		require.NoError(t, err)
		assert.Equal(t, KindResponse, msg.Kind())
	})

	t.Run("Response with error", func(t *testing.T) {
		resp, err := NewResponse("abc", nil, errors.New("bad args"), nil)
		require.NoError(t, err)
		payload, err := resp.Marshal()
		require.NoError(t, err)

		msg, err := Parse(payload)
		require.NoError(t, err)
		result := msg.(*Response).AsResult()
		assert.Equal(t, 3, result.Len())
		require.NotNil(t, result.Err)
		assert.Equal(t, CodeServerError, result.Err.Code)
		assert.Contains(t, result.Err.Error(), "bad args")
		assert.Error(t, result.Decode(new(string)))
	})

	t.Run("numeric ids keep their textual form", func(t *testing.T) {
		msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping","params":[]}`))
		require.NoError(t, err)
		assert.Equal(t, "42", msg.(*Request).ID)
	})

	t.Run("by-name params become the single argument", func(t *testing.T) {
		msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":"1","method":"greet","params":{"name":"mo"}}`))
		require.NoError(t, err)

		var arg struct {
			Name string `json:"name"`
		}
		require.NoError(t, msg.(*Request).Arg(0, &arg))
		assert.Equal(t, "mo", arg.Name)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		for _, payload := range []string{
			`not json`,
			`{"jsonrpc":"2.0"}`,
			`{"jsonrpc":"2.0","id":{},"method":"x"}`,
			`{"jsonrpc":"2.0","id":"1","method":"x","params":"nope"}`,
		} {
			_, err := Parse([]byte(payload))
			assert.ErrorIs(t, err, ErrInvalidMessage, payload)
		}
	})
}

type validationError struct{ field string }

func (e *validationError) Error() string { return "invalid " + e.field }

func TestErrorFrom(t *testing.T) {
	t.Run("plain errors become server errors", func(t *testing.T) {
		remote := ErrorFrom(errors.New("bad args"))
		assert.Equal(t, CodeServerError, remote.Code)
		assert.Equal(t, "bad args", remote.Message)
		assert.Equal(t, "errorString", remote.Class)
	})

	t.Run("class names the concrete type", func(t *testing.T) {
		remote := ErrorFrom(&validationError{field: "name"})
		assert.Equal(t, "validationError", remote.Class)
		assert.Equal(t, "invalid name", remote.Message)
	})

	t.Run("remote errors pass through", func(t *testing.T) {
		orig := NewRemoteError(CodeMethodNotFound, "method not found: nope")
		assert.Same(t, orig, ErrorFrom(fmt.Errorf("dispatch: %w", orig)))
	})

	t.Run("argument errors map to invalid params", func(t *testing.T) {
		req, err := NewRequest("x", nil, nil)
		require.NoError(t, err)
		remote := ErrorFrom(req.Arg(0, new(string)))
		assert.Equal(t, CodeInvalidParams, remote.Code)
	})

	t.Run("Is matches by code", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", NewRemoteError(CodeMethodNotFound, "method not found: x"))
		assert.ErrorIs(t, err, ErrMethodNotFound)
		assert.NotErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("error content survives json", func(t *testing.T) {
		raw, err := json.Marshal(&RemoteError{Code: 1, Message: "m", Class: "C"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"code":1,"message":"m","class":"C"}`, string(raw))
	})

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, ErrorFrom(nil))
	})
}
