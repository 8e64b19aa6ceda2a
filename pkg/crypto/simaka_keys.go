package crypto

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
)

// SIM/AKA 密钥长度 (RFC 4186 §7, RFC 4187 §7)
const (
	MKLen    = 20
	KEncrLen = 16
	KAutLen  = 16
	MSKLen   = 64
	EMSKLen  = 64

	keyStreamLen = KEncrLen + KAutLen + MSKLen + EMSKLen
)

var ErrKeyInput = errors.New("密钥派生输入无效")

// KeyMaterial 是一次完整认证或重认证得到的密钥
type KeyMaterial struct {
	MK    []byte
	KEncr []byte
	KAut  []byte
	MSK   []byte
	EMSK  []byte
}

// Zero 清除密钥材料
func (k *KeyMaterial) Zero() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.MK, k.KEncr, k.KAut, k.MSK, k.EMSK} {
		for i := range b {
			b[i] = 0
		}
	}
	*k = KeyMaterial{}
}

// DeriveSIMMasterKey 计算 EAP-SIM 主密钥
// MK = SHA1(Identity | n*Kc | NONCE_MT | Version List | Selected Version)
func DeriveSIMMasterKey(identity []byte, kcs [][]byte, nonceMT []byte, versionList []byte, selected uint16) ([]byte, error) {
	if len(kcs) < 2 || len(kcs) > 3 || len(nonceMT) != 16 {
		return nil, ErrKeyInput
	}
	h := sha1.New()
	h.Write(identity)
	for _, kc := range kcs {
		if len(kc) != 8 {
			return nil, ErrKeyInput
		}
		h.Write(kc)
	}
	h.Write(nonceMT)
	h.Write(versionList)
	var sv [2]byte
	binary.BigEndian.PutUint16(sv[:], selected)
	h.Write(sv[:])
	return h.Sum(nil), nil
}

// DeriveAKAMasterKey 计算 EAP-AKA 主密钥
// MK = SHA1(Identity | IK | CK)
func DeriveAKAMasterKey(identity, ik, ck []byte) ([]byte, error) {
	if len(ik) != 16 || len(ck) != 16 {
		return nil, ErrKeyInput
	}
	h := sha1.New()
	h.Write(identity)
	h.Write(ik)
	h.Write(ck)
	return h.Sum(nil), nil
}

// ExpandMasterKey 用 FIPS 186-2 PRF 展开 MK
// 输出顺序: K_encr(16) | K_aut(16) | MSK(64) | EMSK(64)
func ExpandMasterKey(mk []byte) (*KeyMaterial, error) {
	if len(mk) != MKLen {
		return nil, ErrKeyInput
	}
	stream := FIPS1862PRFBytes(mk, keyStreamLen)
	km := &KeyMaterial{MK: append([]byte(nil), mk...)}
	km.KEncr, stream = stream[:KEncrLen], stream[KEncrLen:]
	km.KAut, stream = stream[:KAutLen], stream[KAutLen:]
	km.MSK, stream = stream[:MSKLen], stream[MSKLen:]
	km.EMSK = stream[:EMSKLen]
	return km, nil
}

// DeriveReauthKeys 计算快速重认证密钥 (RFC 4186 §7, RFC 4187 §7)
// XKEY' = SHA1(Identity | counter | NONCE_S | MK)，PRF 输出 MSK | EMSK。
// K_encr/K_aut 沿用完整认证时由 MK 派生的值。
func DeriveReauthKeys(identity []byte, counter uint16, nonceS, mk []byte) (*KeyMaterial, error) {
	if len(nonceS) != 16 || len(mk) != MKLen {
		return nil, ErrKeyInput
	}
	full, err := ExpandMasterKey(mk)
	if err != nil {
		return nil, err
	}

	h := sha1.New()
	h.Write(identity)
	var c [2]byte
	binary.BigEndian.PutUint16(c[:], counter)
	h.Write(c[:])
	h.Write(nonceS)
	h.Write(mk)
	xkey := h.Sum(nil)

	stream := FIPS1862PRFBytes(xkey, MSKLen+EMSKLen)
	full.MSK = stream[:MSKLen]
	full.EMSK = stream[MSKLen:]
	return full, nil
}
