package radius

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"errors"

	radiuslib "layeh.com/radius"
)

// RFC 3579 §3.1, §3.2
const (
	typeEAPMessage           = radiuslib.Type(79)
	typeMessageAuthenticator = radiuslib.Type(80)

	maxAttrValue = 253
)

var (
	ErrNoEAPMessage            = errors.New("radius: missing EAP-Message attribute")
	ErrBadMessageAuthenticator = errors.New("radius: invalid Message-Authenticator")
)

// setEAPMessage 将 EAP 报文按 253 字节切分为多个 EAP-Message 属性
func setEAPMessage(packet *radiuslib.Packet, raw []byte) {
	packet.Attributes.Del(typeEAPMessage)
	for len(raw) > 0 {
		n := len(raw)
		if n > maxAttrValue {
			n = maxAttrValue
		}
		packet.Attributes.Add(typeEAPMessage, append([]byte(nil), raw[:n]...))
		raw = raw[n:]
	}
}

// eapMessage 按顺序拼接所有 EAP-Message 属性
func eapMessage(packet *radiuslib.Packet) ([]byte, error) {
	var buf bytes.Buffer
	for _, avp := range packet.Attributes {
		if avp.Type == typeEAPMessage {
			buf.Write(avp.Attribute)
		}
	}
	if buf.Len() == 0 {
		return nil, ErrNoEAPMessage
	}
	return buf.Bytes(), nil
}

// messageAuthenticator 计算 HMAC-MD5(secret, 报文)，计算时属性值为零。
// 对 Access-Challenge/Accept/Reject，头部 Authenticator 以请求的 Authenticator 代替 (RFC 3579 §3.2)。
func messageAuthenticator(packet *radiuslib.Packet, secret, reqAuth []byte) ([]byte, error) {
	raw, err := packet.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if reqAuth != nil {
		copy(raw[4:20], reqAuth)
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(raw)
	return mac.Sum(nil), nil
}

// setMessageAuthenticator 填入 Message-Authenticator。reqAuth 为 nil 表示 Access-Request。
func setMessageAuthenticator(packet *radiuslib.Packet, secret, reqAuth []byte) error {
	if len(secret) == 0 {
		return errors.New("radius: secret required for Message-Authenticator")
	}
	packet.Attributes.Set(typeMessageAuthenticator, make([]byte, md5.Size))
	sum, err := messageAuthenticator(packet, secret, reqAuth)
	if err != nil {
		return err
	}
	packet.Attributes.Set(typeMessageAuthenticator, sum)
	return nil
}

func verifyMessageAuthenticator(packet *radiuslib.Packet, secret, reqAuth []byte) error {
	attr, ok := packet.Attributes.Lookup(typeMessageAuthenticator)
	if !ok || len(attr) != md5.Size {
		return ErrBadMessageAuthenticator
	}
	original := append([]byte(nil), attr...)

	packet.Attributes.Set(typeMessageAuthenticator, make([]byte, md5.Size))
	sum, err := messageAuthenticator(packet, secret, reqAuth)
	packet.Attributes.Set(typeMessageAuthenticator, original)
	if err != nil {
		return err
	}
	if !hmac.Equal(sum, original) {
		return ErrBadMessageAuthenticator
	}
	return nil
}
