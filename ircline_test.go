package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIRCLineWithPrefixAndTrailing(t *testing.T) {
	l, err := ParseIRCLine(":bot1!~bot1@host.example PRIVMSG #chan :xdcc send 5\r\n")
	require.NoError(t, err)
	assert.Equal(t, "bot1!~bot1@host.example", l.Prefix)
	assert.Equal(t, "bot1", l.PrefixNick())
	assert.Equal(t, "PRIVMSG", l.Command)
	assert.Equal(t, []string{"#chan"}, l.Params)
	assert.Equal(t, "xdcc send 5", l.Trailing)
	assert.True(t, l.HasTrail)
}

func TestParseIRCLineNoPrefixNoTrailing(t *testing.T) {
	l, err := ParseIRCLine("PING :token123")
	require.NoError(t, err)
	assert.Equal(t, "", l.Prefix)
	assert.Equal(t, "PING", l.Command)
	assert.Equal(t, "token123", l.Trailing)
}

func TestParseIRCLineNumeric(t *testing.T) {
	l, err := ParseIRCLine(":irc.example.org 001 dccbot :Welcome to the network")
	require.NoError(t, err)
	assert.Equal(t, "001", l.Command)
	assert.Equal(t, []string{"dccbot"}, l.Params)
	assert.Equal(t, "Welcome to the network", l.Trailing)
}

func TestParseIRCLineRejectsEmpty(t *testing.T) {
	_, err := ParseIRCLine("\r\n")
	require.Error(t, err)
}

func TestFormatLineTruncatesAt510Bytes(t *testing.T) {
	huge := make([]byte, 1000)
	for i := range huge {
		huge[i] = 'a'
	}
	out := FormatLine("PRIVMSG", []string{"#chan"}, string(huge))
	assert.LessOrEqual(t, len(out), maxIRCLine)
}

func TestFormatLineOmitsEmptyTrailing(t *testing.T) {
	out := FormatLine("JOIN", []string{"#chan"}, "")
	assert.Equal(t, "JOIN #chan", out)
}
