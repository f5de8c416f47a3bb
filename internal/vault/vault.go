// Package vault implements envelope encryption for exchange credentials.
// Each secret is sealed under its own data key; data keys are sealed under
// the process master key. Plaintext secrets exist only transiently in the
// caller, never in logs or storage.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/models"
)

// Vault seals and reveals credential secrets.
type Vault struct {
	masterKey []byte
}

// New derives the vault key from the master key material. An empty master
// key is a startup error, not a per-call one.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is empty")
	}
	sum := sha256.Sum256([]byte(masterKey))
	return &Vault{masterKey: sum[:]}, nil
}

// Seal encrypts secret under a fresh data key and fills the ciphertext
// fields of the record. The data key is discarded before returning.
func (v *Vault) Seal(rec *models.CredentialRecord, secret string) error {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return err
	}

	sealedSecret, err := gcmSeal(dek, []byte(secret))
	if err != nil {
		return err
	}
	sealedDEK, err := gcmSeal(v.masterKey, dek)
	if err != nil {
		return err
	}

	rec.SecretCiphertext = sealedSecret
	rec.EncryptedDEK = sealedDEK
	return nil
}

// Reveal decrypts the record's secret. Any failure, including a rotated or
// wrong master key, maps to ErrDecryption and is not retryable.
func (v *Vault) Reveal(rec *models.CredentialRecord) (string, error) {
	dek, err := gcmOpen(v.masterKey, rec.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: credential %s: data key", enginerr.ErrDecryption, rec.ID)
	}
	secret, err := gcmOpen(dek, rec.SecretCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: credential %s: secret", enginerr.ErrDecryption, rec.ID)
	}
	return string(secret), nil
}

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
