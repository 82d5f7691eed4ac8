package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	sealed, err := Seal("postgres://sync:hunter2@db/fees", "machine-a")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "hunter2")

	got, err := Open(sealed, "machine-a")
	require.NoError(t, err)
	assert.Equal(t, "postgres://sync:hunter2@db/fees", got)

	again, err := Seal("postgres://sync:hunter2@db/fees", "machine-a")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh nonce per seal")
}

func TestOpen_otherMachineFails(t *testing.T) {
	sealed, err := Seal("api-key", "machine-a")
	require.NoError(t, err)

	_, err = Open(sealed, "machine-b")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestOpen_malformed(t *testing.T) {
	tests := []string{
		"plain",
		SealedPrefix + "!!!not base64",
		SealedPrefix + "c2hvcnQ",
	}
	for _, v := range tests {
		_, err := Open(v, "machine-a")
		assert.ErrorIs(t, err, ErrInvalidCiphertext, v)
	}
}

func TestSeal_errors(t *testing.T) {
	_, err := Seal("", "machine-a")
	assert.Error(t, err)

	_, err = Seal("secret", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestReveal(t *testing.T) {
	got, err := Reveal("plain-key", "machine-a")
	require.NoError(t, err)
	assert.Equal(t, "plain-key", got)

	sealed, err := Seal("sealed-key", "machine-a")
	require.NoError(t, err)
	got, err = Reveal(sealed, "machine-a")
	require.NoError(t, err)
	assert.Equal(t, "sealed-key", got)
}

func TestMachineID(t *testing.T) {
	id := MachineID()
	assert.True(t, strings.HasPrefix(id, "machine:") || strings.HasPrefix(id, "host:"), id)
	assert.Equal(t, id, MachineID())
}
