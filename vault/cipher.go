// Package vault encrypts a single secret under a passphrase-derived key.
//
// Keys are derived with Argon2id and the secret is sealed with an AEAD
// cipher. Each EncryptedSecret names the algorithm that produced it, so
// secrets written under an older algorithm stay decodable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	playgroundstore "github.com/wolfeidau/playground-store"
)

// Algorithm identifiers.
const (
	AlgorithmXChaCha20Poly1305 = "argon2id-xchacha20poly1305-v1"
	AlgorithmAES256GCM         = "argon2id-aes256gcm-v1"

	// DefaultAlgorithm is used for newly encrypted secrets.
	DefaultAlgorithm = AlgorithmXChaCha20Poly1305
)

// ErrUnknownAlgorithm is returned for secrets written by an algorithm this
// build does not know.
var ErrUnknownAlgorithm = errors.New("unknown vault algorithm")

// EncryptedSecret is the persisted form of a secret. Ciphertext carries the
// nonce as a prefix.
type EncryptedSecret struct {
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	AlgorithmID string `json:"algorithm_id"`
}

// KDFParams controls the Argon2id cost factors.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

type algorithm struct {
	kdf  KDFParams
	aead func(key []byte) (cipher.AEAD, error)
}

var defaultKDF = KDFParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

var algorithms = map[string]algorithm{
	AlgorithmXChaCha20Poly1305: {kdf: defaultKDF, aead: chacha20poly1305.NewX},
	AlgorithmAES256GCM: {kdf: defaultKDF, aead: func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}},
}

// Encrypt seals secret under passphrase with DefaultAlgorithm.
func Encrypt(secret, passphrase []byte) (*EncryptedSecret, error) {
	return EncryptWith(DefaultAlgorithm, secret, passphrase)
}

// EncryptWith seals secret under passphrase with the named algorithm, using
// a fresh salt and nonce.
func EncryptWith(algorithmID string, secret, passphrase []byte) (*EncryptedSecret, error) {
	alg, ok := algorithms[algorithmID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithmID)
	}
	if len(passphrase) == 0 {
		return nil, errors.New("vault: passphrase is required")
	}

	salt := make([]byte, alg.kdf.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}

	aead, err := alg.open(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}

	return &EncryptedSecret{
		Ciphertext:  aead.Seal(nonce, nonce, secret, []byte(algorithmID)),
		Salt:        salt,
		AlgorithmID: algorithmID,
	}, nil
}

// Decrypt opens enc with passphrase. Any authentication failure is reported
// as ErrWrongPassphrase.
func Decrypt(enc *EncryptedSecret, passphrase []byte) ([]byte, error) {
	alg, ok := algorithms[enc.AlgorithmID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, enc.AlgorithmID)
	}
	if len(enc.Salt) != alg.kdf.SaltLen {
		return nil, &playgroundstore.CorruptedError{Key: "vault", Message: fmt.Sprintf("salt is %d bytes, want %d", len(enc.Salt), alg.kdf.SaltLen)}
	}

	aead, err := alg.open(passphrase, enc.Salt)
	if err != nil {
		return nil, err
	}
	if len(enc.Ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, &playgroundstore.CorruptedError{Key: "vault", Message: "ciphertext too short"}
	}

	nonce, sealed := enc.Ciphertext[:aead.NonceSize()], enc.Ciphertext[aead.NonceSize():]
	secret, err := aead.Open(nil, nonce, sealed, []byte(enc.AlgorithmID))
	if err != nil {
		return nil, playgroundstore.ErrWrongPassphrase
	}
	return secret, nil
}

// open derives the key for passphrase and salt and returns the AEAD built
// from it. The derived key is zeroed before returning.
func (a algorithm) open(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, a.kdf.Time, a.kdf.Memory, a.kdf.Threads, a.kdf.KeyLen)
	defer clear(key)

	aead, err := a.aead(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return aead, nil
}
