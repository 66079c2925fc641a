package drive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// KeyHeader is the decrypted content key of a file: the AES key that
// protects the payload and the IV it was used with. It exists only in
// memory while a request is being served; at rest it is always wrapped
// inside an EncryptedKeyHeader.
type KeyHeader struct {
	IV     []byte
	AESKey []byte
}

// NewKeyHeader generates a fresh random content key.
func NewKeyHeader() (KeyHeader, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return KeyHeader{}, err
	}
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return KeyHeader{}, err
	}
	return KeyHeader{IV: iv, AESKey: key}, nil
}

// Encrypt wraps the key header under a transport shared secret using
// AES-CBC. A new random wrapping IV is generated for each call; the
// plaintext is the concatenation of the content IV and AES key.
//
// The sharedSecret must be a valid AES key length (16, 24, or 32 bytes).
func (k KeyHeader) Encrypt(sharedSecret []byte) (EncryptedKeyHeader, error) {
	if len(k.IV) != aes.BlockSize || len(k.AESKey) != 16 {
		return EncryptedKeyHeader{}, fmt.Errorf("key header is incomplete")
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return EncryptedKeyHeader{}, err
	}

	wrapIV := make([]byte, aes.BlockSize)
	if _, err := rand.Read(wrapIV); err != nil {
		return EncryptedKeyHeader{}, err
	}

	plaintext := pkcs7Pad(append(append([]byte{}, k.IV...), k.AESKey...), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, wrapIV).CryptBlocks(ciphertext, plaintext)

	return EncryptedKeyHeader{
		EncryptionVersion: EncryptionVersionAesCbc,
		Type:              EncryptionVersionAesCbc,
		IV:                wrapIV,
		EncryptedAESKey:   ciphertext,
	}, nil
}

// Decrypt unwraps the key header using the transport shared secret that
// encrypted it.
func (h *EncryptedKeyHeader) Decrypt(sharedSecret []byte) (KeyHeader, error) {
	if !h.IsValid() {
		return KeyHeader{}, NewInvalidArgument("encrypted key header is incomplete")
	}
	if h.EncryptionVersion != EncryptionVersionAesCbc {
		return KeyHeader{}, NewInvalidArgument(fmt.Sprintf("unsupported key header encryption version %d", h.EncryptionVersion))
	}
	if len(h.IV) != aes.BlockSize || len(h.EncryptedAESKey)%aes.BlockSize != 0 || len(h.EncryptedAESKey) == 0 {
		return KeyHeader{}, NewInvalidArgument("encrypted key header is malformed")
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return KeyHeader{}, err
	}

	plaintext := make([]byte, len(h.EncryptedAESKey))
	cipher.NewCBCDecrypter(block, h.IV).CryptBlocks(plaintext, h.EncryptedAESKey)

	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return KeyHeader{}, NewInvalidArgument("encrypted key header does not decrypt")
	}
	if len(plaintext) != aes.BlockSize+16 {
		return KeyHeader{}, NewInvalidArgument("encrypted key header does not decrypt")
	}

	return KeyHeader{
		IV:     plaintext[:aes.BlockSize],
		AESKey: plaintext[aes.BlockSize:],
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
