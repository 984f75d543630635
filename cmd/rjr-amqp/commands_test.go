package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"mo", `"quoted"`, "42", `{"a":1}`, "[1,2]", "true"})
	assert.Equal(t, []interface{}{
		"mo",
		"quoted",
		float64(42),
		map[string]interface{}{"a": float64(1)},
		[]interface{}{float64(1), float64(2)},
		true,
	}, args)
}

func TestRootCommand(t *testing.T) {
	t.Run("invalid configuration is reported", func(t *testing.T) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"invoke", "server", "ping"})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "node_id is required")
	})

	t.Run("invoke needs a node and a method", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"invoke", "server"})
		assert.Error(t, cmd.Execute())
	})
}
