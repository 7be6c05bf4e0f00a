package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// FieldCipher cifra as colunas confidenciais.
// O repositório cifra na escrita e decifra na leitura.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	// Fingerprint é um hash determinístico com chave, usado em buscas por igualdade
	Fingerprint(plaintext string) string
}

// XChaChaFieldCipher cifra com XChaCha20-Poly1305 e gera fingerprints com BLAKE2b com chave
type XChaChaFieldCipher struct {
	key []byte
}

// NewFieldCipher cria o cipher a partir de uma chave de 32 bytes
func NewFieldCipher(key []byte) (*XChaChaFieldCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("field cipher key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &XChaChaFieldCipher{key: k}, nil
}

// NewFieldCipherFromBase64 decodifica a chave em base64, como a do APP_KEY
func NewFieldCipherFromBase64(encoded string) (*XChaChaFieldCipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode field cipher key: %w", err)
	}
	return NewFieldCipher(key)
}

// Encrypt devolve nonce||ciphertext em base64; cada chamada usa um nonce novo
func (c *XChaChaFieldCipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt abre um valor gerado por Encrypt, falhando se ele foi adulterado
func (c *XChaChaFieldCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt field: %w", err)
	}
	return string(plain), nil
}

// Fingerprint devolve o BLAKE2b-256 do texto em hexadecimal
func (c *XChaChaFieldCipher) Fingerprint(plaintext string) string {
	h, err := blake2b.New256(c.key)
	if err != nil {
		// o tamanho da chave já foi validado em NewFieldCipher
		panic(err)
	}
	h.Write([]byte(plaintext))
	return hex.EncodeToString(h.Sum(nil))
}
