package document

import (
	"testing"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializePlaintextRoundTrip(t *testing.T) {
	v := vault.NewLocalKeyring()
	doc := Document{
		Header:   Header{ID: 1, Revision: NewRevision([]byte("hello"))},
		Contents: []byte("hello"),
	}

	data, err := Serialize(v, "", doc)
	require.NoError(t, err)

	got, err := Deserialize(v, vault.AllowAll{}, data)
	require.NoError(t, err)
	require.Equal(t, doc.Header.ID, got.Header.ID)
	require.Equal(t, doc.Contents, got.Contents)
	require.Nil(t, got.Header.EncryptionKeyID)
}

func TestSerializeDeserializeEncryptedRoundTrip(t *testing.T) {
	v := vault.NewLocalKeyring()
	keyID, err := v.GenerateKey()
	require.NoError(t, err)

	doc := Document{
		Header:   Header{ID: 2, Revision: NewRevision([]byte("secret"))},
		Contents: []byte("secret"),
	}

	data, err := Serialize(v, keyID, doc)
	require.NoError(t, err)

	got, err := Deserialize(v, vault.AllowAll{}, data)
	require.NoError(t, err)
	require.Equal(t, doc.Contents, got.Contents)
	require.NotNil(t, got.Header.EncryptionKeyID)
	require.Equal(t, keyID, *got.Header.EncryptionKeyID)
}

func TestDeserializeEncryptedUnauthorized(t *testing.T) {
	v := vault.NewLocalKeyring()
	keyID, err := v.GenerateKey()
	require.NoError(t, err)

	doc := Document{Header: Header{ID: 3}, Contents: []byte("secret")}
	data, err := Serialize(v, keyID, doc)
	require.NoError(t, err)

	_, err = Deserialize(v, denyAllPerms{}, data)
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindUnauthorized, kind)
}

type denyAllPerms struct{}

func (denyAllPerms) CanDecrypt(string) bool { return false }

func TestNextRevisionUnchangedContentsKeepsGeneration(t *testing.T) {
	rev := NewRevision([]byte("v1"))
	next, changed := NextRevision(rev, []byte("v1"))
	require.False(t, changed)
	require.Equal(t, rev, next)
}

func TestNextRevisionChangedContentsAdvancesGeneration(t *testing.T) {
	rev := NewRevision([]byte("v1"))
	next, changed := NextRevision(rev, []byte("v2"))
	require.True(t, changed)
	require.Equal(t, rev.Generation+1, next.Generation)
	require.NotEqual(t, rev.SHA256, next.SHA256)
}

func TestIDKeyRoundTrip(t *testing.T) {
	key := IDKey(0x1122334455667788)
	got, err := DecodeIDKey(key)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1122334455667788), got)
}

func TestIDKeyOrderingIsBigEndian(t *testing.T) {
	require.True(t, string(IDKey(1)) < string(IDKey(2)))
	require.True(t, string(IDKey(255)) < string(IDKey(256)))
}
