package harness

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialIdentities(t *testing.T) {
	ids, err := SequentialIdentities("user", "pw")(3, "Example.ORG")
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i, id := range ids {
		assert.Equal(t, i, id.Index)
		assert.Equal(t, "pw", id.Secret)
		assert.Equal(t, id.Principal, id.Address)
	}
	assert.Equal(t, "user00@example.org", ids[0].Principal)
	assert.Equal(t, "user02@example.org", ids[2].Principal)
}

func TestRandomIdentities(t *testing.T) {
	ids, err := RandomIdentities()(50, "[127.0.0.1]")
	require.NoError(t, err)
	require.Len(t, ids, 50)

	seen := make(map[string]bool)
	for i, id := range ids {
		assert.Equal(t, i, id.Index)
		user, domain, ok := strings.Cut(id.Principal, "@")
		require.True(t, ok)
		assert.Len(t, user, userLength)
		assert.Equal(t, "[127.0.0.1]", domain)
		assert.Len(t, id.Secret, secretLength)
		assert.False(t, seen[id.Principal], "duplicate principal %s", id.Principal)
		seen[id.Principal] = true
	}
}

func TestGenerateIdentities_Deterministic(t *testing.T) {
	src := bytes.Repeat([]byte{0, 1, 2, 35, 36}, 24)
	ids, err := generateIdentities(bytes.NewReader(src), 1, "example.org")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	// 36 wraps to 'a'.
	assert.Equal(t, "abc9aabc@example.org", ids[0].Principal)
	assert.Equal(t, "9aabc9aabc9aabc9", ids[0].Secret)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateIdentities_ReaderError(t *testing.T) {
	_, err := generateIdentities(failingReader{}, 2, "example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate identity 0")
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Example.ORG", "example.org"},
		{"  mail.test ", "mail.test"},
		{"[127.0.0.1]", "[127.0.0.1]"},
		// e + combining acute composes to é.
		{"cafe\u0301.example", "caf\u00e9.example"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDomain(tt.in), tt.in)
	}
}
