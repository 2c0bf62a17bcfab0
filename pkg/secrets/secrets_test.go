package secrets

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("test-key-material")

	stored, err := c.Encrypt("hunter2")
	require.NoError(t, err)

	// Stored value is a versioned envelope, not plaintext.
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(stored), &env))
	assert.EqualValues(t, 1, env["v"])

	assert.Equal(t, "hunter2", c.Decrypt(stored))
}

func TestEncryptWithoutKey(t *testing.T) {
	c := NewCipher("")
	_, err := c.Encrypt("value")
	assert.ErrorIs(t, err, ErrKeyMissing)
	assert.False(t, c.HasKey())
}

func TestDecryptLegacyPlaintext(t *testing.T) {
	c := NewCipher("key")
	assert.Equal(t, "plain-old-token", c.Decrypt("plain-old-token"))
	// A plain JSON string is also not an envelope.
	assert.Equal(t, `"quoted"`, c.Decrypt(`"quoted"`))
}

func TestDecryptWrongKey(t *testing.T) {
	stored, err := NewCipher("key-a").Encrypt("value")
	require.NoError(t, err)

	assert.Empty(t, NewCipher("key-b").Decrypt(stored))
}

func TestDecryptCorruptedEnvelope(t *testing.T) {
	c := NewCipher("key")
	stored, err := c.Encrypt("value")
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(stored), &env))
	env.Data = "AAAA" + env.Data[4:]
	corrupted, err := json.Marshal(env)
	require.NoError(t, err)

	assert.Empty(t, c.Decrypt(string(corrupted)))
}

func TestDecryptBadShape(t *testing.T) {
	c := NewCipher("key")
	assert.Empty(t, c.Decrypt(`{"v":1,"salt":"!!","nonce":"","data":""}`))
	assert.Empty(t, c.Decrypt(`{"v":1,"salt":"c2hvcnQ=","nonce":"","data":""}`))
}

func TestHashVerifyPassword(t *testing.T) {
	stored, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("correct horse", stored))
	assert.False(t, VerifyPassword("wrong", stored))
}

func TestVerifyPasswordRejectsOtherSchemes(t *testing.T) {
	assert.False(t, VerifyPassword("x", `{"scheme":"bcrypt","salt":"","hash":""}`))
	assert.False(t, VerifyPassword("x", "not-json"))
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	a, err := HashPassword("pw")
	require.NoError(t, err)
	b, err := HashPassword("pw")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, VerifyPassword("pw", a))
	assert.True(t, VerifyPassword("pw", b))
}
