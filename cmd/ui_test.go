package main

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptSharesBufferedInput(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("alice\nsecret1\n"))

	username, err := promptFrom(in, "Username", "")
	require.NoError(t, err)
	password, err := promptFrom(in, "Password", "")
	require.NoError(t, err)

	assert.Equal(t, "alice", username)
	assert.Equal(t, "secret1", password)
}

func TestPromptKeepsGivenValue(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("ignored\n"))

	v, err := promptFrom(in, "Username", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)

	v, err = promptFrom(in, "Question", "")
	require.NoError(t, err)
	assert.Equal(t, "ignored", v)
}

func TestPromptLastLineWithoutNewline(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("alice\nsecret1"))

	_, err := promptFrom(in, "Username", "")
	require.NoError(t, err)
	password, err := promptFrom(in, "Password", "")
	require.NoError(t, err)
	assert.Equal(t, "secret1", password)

	_, err = promptFrom(in, "Question", "")
	assert.Error(t, err)
}
