package vault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/models"
)

func TestSealRevealRoundTrip(t *testing.T) {
	v, err := New("unit-test-master-key")
	require.NoError(t, err)

	rec := &models.CredentialRecord{ID: "acct-1", APIKey: "pub"}
	require.NoError(t, v.Seal(rec, "super-secret-api-secret"))

	// Only ciphertexts end up on the record.
	assert.NotEmpty(t, rec.SecretCiphertext)
	assert.NotEmpty(t, rec.EncryptedDEK)
	assert.NotContains(t, string(rec.SecretCiphertext), "super-secret")

	secret, err := v.Reveal(rec)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-secret", secret)
}

func TestSealUsesFreshDataKeys(t *testing.T) {
	v, err := New("unit-test-master-key")
	require.NoError(t, err)

	a := &models.CredentialRecord{ID: "a"}
	b := &models.CredentialRecord{ID: "b"}
	require.NoError(t, v.Seal(a, "same-secret"))
	require.NoError(t, v.Seal(b, "same-secret"))

	assert.NotEqual(t, a.EncryptedDEK, b.EncryptedDEK)
	assert.NotEqual(t, a.SecretCiphertext, b.SecretCiphertext)
}

func TestRevealCorruptDataKey(t *testing.T) {
	v, err := New("unit-test-master-key")
	require.NoError(t, err)

	rec := &models.CredentialRecord{ID: "acct-1"}
	require.NoError(t, v.Seal(rec, "secret"))

	rec.EncryptedDEK[len(rec.EncryptedDEK)/2] ^= 0xFF

	_, err = v.Reveal(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, enginerr.ErrDecryption))
}

func TestRevealWrongMasterKey(t *testing.T) {
	sealer, err := New("key-one")
	require.NoError(t, err)
	opener, err := New("key-two")
	require.NoError(t, err)

	rec := &models.CredentialRecord{ID: "acct-1"}
	require.NoError(t, sealer.Seal(rec, "secret"))

	_, err = opener.Reveal(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, enginerr.ErrDecryption))
}

func TestNewEmptyMasterKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
