package eap

import (
	"errors"
	"io"

	"github.com/iniwex5/simaka-go/pkg/crypto"
)

var ErrEncrData = errors.New("eap: AT_ENCR_DATA malformed")

// EncryptAttributes 加密嵌套属性，返回 AT_IV 与 AT_ENCR_DATA (RFC 4186 §10.12)
// 明文不足 16 字节对齐时追加 AT_PADDING。rnd 为 nil 时使用系统随机源。
func EncryptAttributes(inner AttributeList, kEncr []byte, rnd io.Reader) (iv, encr Attribute, err error) {
	plain, err := inner.Encode(0)
	if err != nil {
		return Attribute{}, Attribute{}, err
	}
	if rem := len(plain) % 16; rem != 0 {
		pad := 16 - rem
		plain = NewPadding(pad).Encode(plain)
	}

	enc := crypto.NewAESCBC()
	ivBytes, err := crypto.ReadRandom(rnd, enc.IVSize())
	if err != nil {
		return Attribute{}, Attribute{}, err
	}
	ct, err := enc.Encrypt(plain, kEncr, ivBytes)
	if err != nil {
		return Attribute{}, Attribute{}, err
	}
	return NewFixed16(AT_IV, ivBytes), NewEncrData(ct), nil
}

// DecryptAttributes 解密 AT_ENCR_DATA 并解析其中的属性
func DecryptAttributes(attrs AttributeList, kEncr []byte) (AttributeList, error) {
	ivAttr, okIV := attrs.Lookup(AT_IV)
	encAttr, okEnc := attrs.Lookup(AT_ENCR_DATA)
	if !okIV || !okEnc {
		return nil, ErrEncrData
	}
	ct := encAttr.Data()
	if len(ct) == 0 || len(ct)%16 != 0 {
		return nil, &ParseError{Type: AT_ENCR_DATA, Offset: encAttr.off, Reason: "ciphertext not block aligned"}
	}

	plain, err := crypto.NewAESCBC().Decrypt(ct, kEncr, ivAttr.Fixed16())
	if err != nil {
		return nil, err
	}
	return DecodeAttributes(plain)
}
