package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/archetype/internal/ingress/protocol"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"chat"},
		{"wallet", "show"},
		{"wallet", "topup"},
		{"run", "show"},
		{"run", "cancel"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRender(t *testing.T) {
	var out bytes.Buffer
	c := &Client{out: &out}

	c.render(frame{BaseMessage: protocol.BaseMessage{Type: "turn_delta"}, Data: json.RawMessage(`{"text":"Hel"}`)})
	c.render(frame{BaseMessage: protocol.BaseMessage{Type: "turn_delta"}, Data: json.RawMessage(`{"text":"lo"}`)})
	c.render(frame{BaseMessage: protocol.BaseMessage{Type: "done", RunID: "run_1"}, Data: json.RawMessage(`{"paused":true}`)})
	c.render(frame{BaseMessage: protocol.BaseMessage{Type: "error"}, Code: "insufficient_credits", Message: "no credits"})

	text := out.String()
	assert.Contains(t, text, "Hello")
	assert.Contains(t, text, "run run_1 paused")
	assert.Contains(t, text, "[error insufficient_credits] no credits")
}
