package session

import (
	"testing"

	"github.com/opd-ai/obexd/obex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsDisconnected(t *testing.T) {
	s := New(RoleServer, "00:11:22:33:44:55", 0xFFFE)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 255, s.RemoteMaxPacketLength)
	assert.NotNil(t, s.Reassembler)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		legal    bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateDisconnected, StateTransferring, false},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateTransferring, true},
		{StateTransferring, StateConnected, true},
		{StateTransferring, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},
		{StateDisconnecting, StateConnected, false},
		{StateConnected, StateConnected, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsIllegal(t *testing.T) {
	s := New(RoleClient, "addr", 0)
	err := s.Transition(StateTransferring)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, s.Transition(StateConnecting))
	require.NoError(t, s.Transition(StateConnected))
	require.NoError(t, s.Transition(StateTransferring))
	assert.True(t, s.Is(StateTransferring))
}

func TestTokenInvalidation(t *testing.T) {
	s := New(RoleServer, "addr", 0)
	tok := s.Token()
	assert.True(t, tok.Valid())
	assert.Same(t, s, tok.Session())

	s.ResetTransfer()
	assert.False(t, tok.Valid(), "reset must invalidate earlier tokens")

	tok = s.Token()
	s.Close()
	assert.False(t, tok.Valid())
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.Transition(StateConnecting), ErrIllegalTransition)
}

func TestResetTransferClearsFields(t *testing.T) {
	s := New(RoleServer, "addr", 0)
	s.File = FileInfo{Name: "a.txt", ContentType: "text/plain", Length: 10}
	s.SentLength = 5
	s.ReceivedLength = 7
	s.AbortRequested = true
	_, err := s.Reassembler.Feed([]byte{byte(obex.OpPut), 0x00})
	require.NoError(t, err)

	s.ResetTransfer()
	assert.Equal(t, FileInfo{}, s.File)
	assert.Zero(t, s.SentLength)
	assert.Zero(t, s.ReceivedLength)
	assert.False(t, s.AbortRequested)
	assert.False(t, s.Reassembler.InProgress())
}

func TestZeroTokenInvalid(t *testing.T) {
	var tok Token
	assert.False(t, tok.Valid())
}
