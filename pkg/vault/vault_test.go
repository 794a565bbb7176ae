package vault

import (
	"testing"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/stretchr/testify/require"
)

type onlyKey struct{ id string }

func (p onlyKey) CanDecrypt(keyID string) bool { return keyID == p.id }

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := NewLocalKeyring()
	keyID, err := v.GenerateKey()
	require.NoError(t, err)

	env, err := v.Encrypt(keyID, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, keyID, env.KeyID)

	plaintext, err := v.Decrypt(env, AllowAll{})
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), plaintext)
}

func TestDecryptUnauthorized(t *testing.T) {
	v := NewLocalKeyring()
	keyID, err := v.GenerateKey()
	require.NoError(t, err)

	env, err := v.Encrypt(keyID, []byte("secret"))
	require.NoError(t, err)

	_, err = v.Decrypt(env, onlyKey{id: "some-other-key"})
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindUnauthorized, kind)
}

func TestResolveKeyPriority(t *testing.T) {
	header := "header-key"
	collection := "collection-key"
	database := "database-key"

	require.Equal(t, "header-key", Resolve(&header, &collection, &database))
	require.Equal(t, "collection-key", Resolve(nil, &collection, &database))
	require.Equal(t, "database-key", Resolve(nil, nil, &database))
	require.Equal(t, "", Resolve(nil, nil, nil))

	empty := ""
	require.Equal(t, "database-key", Resolve(&empty, &empty, &database))
}

func TestEncryptDecryptSerializedRoundTrip(t *testing.T) {
	type payload struct {
		Name  string
		Count int
	}

	v := NewLocalKeyring()
	keyID, err := v.GenerateKey()
	require.NoError(t, err)

	want := payload{Name: "widget", Count: 3}
	data, err := EncryptSerialized(v, keyID, want)
	require.NoError(t, err)

	got, err := DecryptSerialized[payload](v, AllowAll{}, data)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEncryptDecryptSerializedPlaintext(t *testing.T) {
	type payload struct{ Value string }

	v := NewLocalKeyring()
	want := payload{Value: "unencrypted"}

	data, err := EncryptSerialized(v, "", want)
	require.NoError(t, err)

	got, err := DecryptSerialized[payload](v, AllowAll{}, data)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecryptSerializedUnauthorized(t *testing.T) {
	type payload struct{ Value string }

	v := NewLocalKeyring()
	keyID, err := v.GenerateKey()
	require.NoError(t, err)

	data, err := EncryptSerialized(v, keyID, payload{Value: "x"})
	require.NoError(t, err)

	_, err = DecryptSerialized[payload](v, onlyKey{id: "nope"}, data)
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindUnauthorized, kind)
}
