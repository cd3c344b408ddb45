// Package clientcrypto holds the client-side key hierarchy. The server only
// ever sees its outputs.
//
//	password --Argon2id--> KEK --wraps--> DEK --wraps--> database key
//	database key --HKDF(item id)--> item key --seals--> records and files
//
// Database keys are shared by sealing them to the recipient's X25519 key.
package clientcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Params
const (
	KeyLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// Purposes bound into the AAD so a ciphertext cannot be replayed in another slot.
const (
	purposeKey      = "key"
	purposeRecord   = "record"
	purposeFileName = "file-name"
	purposeFile     = "file"
)

var errShort = errors.New("ciphertext too short")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewKey returns a random 256-bit key.
func NewKey() ([]byte, error) { return Rand(KeyLen) }

// DeriveKEK derives a KEK from password and kekSalt using Argon2id.
func DeriveKEK(password, kekSalt []byte) []byte {
	return argon2.IDKey(password, kekSalt, argonTime, argonMemory, argonThreads, KeyLen)
}

// NameHash hides a database name from the server. The same name under the
// same DEK always yields the same hash.
func NameHash(dek []byte, name string) string {
	m := hmac.New(sha256.New, dek)
	m.Write([]byte(name))
	return hex.EncodeToString(m.Sum(nil))
}

func aad(purpose string, parts ...string) []byte {
	out := []byte(purpose)
	for _, p := range parts {
		out = append(out, 0)
		out = append(out, p...)
	}
	return out
}

// seal encrypts with XChaCha20-Poly1305 and a random nonce prefix.
func seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ad), nil
}

func open(key, ciphertext, ad []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, errShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], ad)
}

// WrapKey encrypts key under wrapping (KEK over DEK, DEK over database keys).
func WrapKey(wrapping, key []byte) ([]byte, error) {
	return seal(wrapping, key, aad(purposeKey))
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(wrapping, wrapped []byte) ([]byte, error) {
	return open(wrapping, wrapped, aad(purposeKey))
}

// GenerateKeyPair returns an X25519 key pair for receiving shared database keys.
func GenerateKeyPair() (public, private *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// SealKeyFor encrypts a database key so only the owner of recipient can open it.
func SealKeyFor(recipient *[32]byte, key []byte) ([]byte, error) {
	return box.SealAnonymous(nil, key, recipient, rand.Reader)
}

// OpenSealedKey reverses SealKeyFor.
func OpenSealedKey(public, private *[32]byte, sealed []byte) ([]byte, error) {
	key, ok := box.OpenAnonymous(nil, sealed, public, private)
	if !ok {
		return nil, errors.New("sealed key: authentication failed")
	}
	return key, nil
}

// ItemKey derives a per-item key via HKDF-SHA256 using itemID as info.
func ItemKey(dbKey []byte, itemID string) ([]byte, error) {
	r := hkdf.New(sha256.New, dbKey, nil, []byte(itemID))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealRecord encrypts an item record bound to its database and item id.
func SealRecord(dbKey []byte, databaseID, itemID string, plaintext []byte) ([]byte, error) {
	key, err := ItemKey(dbKey, itemID)
	if err != nil {
		return nil, err
	}
	return seal(key, plaintext, aad(purposeRecord, databaseID, itemID))
}

// OpenRecord reverses SealRecord.
func OpenRecord(dbKey []byte, databaseID, itemID string, ciphertext []byte) ([]byte, error) {
	key, err := ItemKey(dbKey, itemID)
	if err != nil {
		return nil, err
	}
	return open(key, ciphertext, aad(purposeRecord, databaseID, itemID))
}

// SealFile encrypts a file body and its name for one item.
func SealFile(dbKey []byte, databaseID, itemID, name string, body []byte) (sealedName, sealedBody []byte, err error) {
	key, err := ItemKey(dbKey, itemID)
	if err != nil {
		return nil, nil, err
	}
	if sealedName, err = seal(key, []byte(name), aad(purposeFileName, databaseID, itemID)); err != nil {
		return nil, nil, err
	}
	if sealedBody, err = seal(key, body, aad(purposeFile, databaseID, itemID)); err != nil {
		return nil, nil, err
	}
	return sealedName, sealedBody, nil
}

// OpenFileName decrypts a sealed file name.
func OpenFileName(dbKey []byte, databaseID, itemID string, sealedName []byte) (string, error) {
	key, err := ItemKey(dbKey, itemID)
	if err != nil {
		return "", err
	}
	name, err := open(key, sealedName, aad(purposeFileName, databaseID, itemID))
	return string(name), err
}

// OpenFile decrypts a sealed file body.
func OpenFile(dbKey []byte, databaseID, itemID string, sealedBody []byte) ([]byte, error) {
	key, err := ItemKey(dbKey, itemID)
	if err != nil {
		return nil, err
	}
	return open(key, sealedBody, aad(purposeFile, databaseID, itemID))
}
