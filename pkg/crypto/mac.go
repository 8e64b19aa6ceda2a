package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"errors"
)

// MACLen 是 AT_MAC 中的 HMAC-SHA1-128 长度
const MACLen = 16

var ErrMACMismatch = errors.New("AT_MAC 校验失败")

// ComputeMAC 计算 SIM/AKA 的 AT_MAC (RFC 4186 §10.14, RFC 4187 §10.15)
// packet 为完整 EAP 报文，macOff 为 16 字节 MAC 值的偏移，计算时该区域按零处理。
// extra 追加在报文之后 (NONCE_MT, SRES 或 NONCE_S)。
func ComputeMAC(kAut, packet []byte, macOff int, extra []byte) ([]byte, error) {
	if len(kAut) != KAutLen || macOff < 0 || macOff+MACLen > len(packet) {
		return nil, ErrKeyInput
	}
	buf := make([]byte, len(packet), len(packet)+len(extra))
	copy(buf, packet)
	for i := macOff; i < macOff+MACLen; i++ {
		buf[i] = 0
	}
	buf = append(buf, extra...)

	h := hmac.New(sha1.New, kAut)
	h.Write(buf)
	return h.Sum(nil)[:MACLen], nil
}

// VerifyMAC 以常量时间比较报文中的 MAC
func VerifyMAC(kAut, packet []byte, macOff int, extra []byte) error {
	want, err := ComputeMAC(kAut, packet, macOff, extra)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, packet[macOff:macOff+MACLen]) {
		return ErrMACMismatch
	}
	return nil
}
