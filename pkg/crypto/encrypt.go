package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// Encrypter 是 AT_ENCR_DATA 使用的分组加密接口
type Encrypter interface {
	Encrypt(plaintext, key, iv []byte) ([]byte, error)
	Decrypt(ciphertext, key, iv []byte) ([]byte, error)
	IVSize() int
	BlockSize() int
	KeySize() int
}

var (
	ErrNotBlockAligned = errors.New("数据未按块对齐")
	ErrBadKeyOrIV      = errors.New("密钥或 IV 长度错误")
)

// AES-128-CBC (RFC 4186 §10.12 AT_ENCR_DATA)
type aesCBC struct{}

// NewAESCBC 返回 AES-128-CBC 加密器
func NewAESCBC() Encrypter { return aesCBC{} }

func (aesCBC) IVSize() int    { return aes.BlockSize }
func (aesCBC) BlockSize() int { return aes.BlockSize }
func (aesCBC) KeySize() int   { return KEncrLen }

func (e aesCBC) check(data, key, iv []byte) (cipher.Block, error) {
	if len(key) != e.KeySize() || len(iv) != e.IVSize() {
		return nil, ErrBadKeyOrIV
	}
	// 填充由调用者用 AT_PADDING 完成
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	return aes.NewCipher(key)
}

func (e aesCBC) Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := e.check(plaintext, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func (e aesCBC) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := e.check(ciphertext, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// RandomBytes 从系统随机源读取 n 字节
func RandomBytes(n int) ([]byte, error) {
	return ReadRandom(rand.Reader, n)
}

// ReadRandom 从 r 读取 n 字节，r 为 nil 时使用系统随机源
func ReadRandom(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
