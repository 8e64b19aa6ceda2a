package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// Milenage 实现 3GPP TS 35.206 的 f1-f5*，供软件 SIM 与测试用 AuC 使用。
// EAP-AKA 直接使用 f2-f5，EAP-SIM 经 c2/c3 转换得到三元组。
type Milenage struct {
	OPc [16]byte

	block cipher.Block
}

var errRANDLen = errors.New("RAND 必须是 16 字节")

// NewMilenage 创建 Milenage 实例。useOPc 为 false 时 op 为 OP，按 OPc = AES_K(OP) ⊕ OP 派生。
func NewMilenage(k, op []byte, useOPc bool) (*Milenage, error) {
	if len(k) != 16 || len(op) != 16 {
		return nil, errors.New("K 和 OP/OPc 必须是 16 字节")
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	m := &Milenage{block: block}
	if useOPc {
		copy(m.OPc[:], op)
		return m, nil
	}
	block.Encrypt(m.OPc[:], op)
	xor16(&m.OPc, op)
	return m, nil
}

// temp 计算 TEMP = E_K(RAND ⊕ OPc)
func (m *Milenage) temp(rand []byte) ([16]byte, error) {
	var t [16]byte
	if len(rand) != 16 {
		return t, errRANDLen
	}
	copy(t[:], rand)
	xor16(&t, m.OPc[:])
	m.block.Encrypt(t[:], t[:])
	return t, nil
}

// out 计算 OUTi = E_K(rot(x ⊕ OPc, r) ⊕ ci) ⊕ OPc，ci 只有最后一个字节非零
func (m *Milenage) out(x [16]byte, r int, c byte) [16]byte {
	xor16(&x, m.OPc[:])
	x = rotate(x, r)
	x[15] ^= c
	m.block.Encrypt(x[:], x[:])
	xor16(&x, m.OPc[:])
	return x
}

// outN 依次计算 TEMP 与 OUTn (n = 2..5)
func (m *Milenage) outN(rand []byte, r int, c byte) ([16]byte, error) {
	t, err := m.temp(rand)
	if err != nil {
		return t, err
	}
	return m.out(t, r, c), nil
}

// F1 计算 MAC-A 与 MAC-S (r1 = 64, c1 = 0)
func (m *Milenage) F1(rand, sqn, amf []byte) (macA, macS []byte, err error) {
	if len(sqn) != 6 || len(amf) != 2 {
		return nil, nil, errors.New("F1: SQN/AMF 长度错误")
	}
	t, err := m.temp(rand)
	if err != nil {
		return nil, nil, err
	}

	// IN1 = SQN || AMF || SQN || AMF，OUT1 = E_K(TEMP ⊕ rot(IN1 ⊕ OPc, r1) ⊕ c1) ⊕ OPc
	var in1 [16]byte
	copy(in1[0:6], sqn)
	copy(in1[6:8], amf)
	copy(in1[8:14], sqn)
	copy(in1[14:16], amf)
	xor16(&in1, m.OPc[:])
	in1 = rotate(in1, 64)
	xor16(&in1, t[:])
	m.block.Encrypt(in1[:], in1[:])
	xor16(&in1, m.OPc[:])

	return append([]byte(nil), in1[0:8]...), append([]byte(nil), in1[8:16]...), nil
}

// F2F5 计算 RES (OUT2[8:16]) 与 AK (OUT2[0:6])
func (m *Milenage) F2F5(rand []byte) (res, ak []byte, err error) {
	o, err := m.outN(rand, 0, 1)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), o[8:16]...), append([]byte(nil), o[0:6]...), nil
}

// F3 计算 CK
func (m *Milenage) F3(rand []byte) (ck []byte, err error) {
	o, err := m.outN(rand, 32, 2)
	if err != nil {
		return nil, err
	}
	return o[:], nil
}

// F4 计算 IK
func (m *Milenage) F4(rand []byte) (ik []byte, err error) {
	o, err := m.outN(rand, 64, 4)
	if err != nil {
		return nil, err
	}
	return o[:], nil
}

// F5Star 计算重同步使用的 AK*
func (m *Milenage) F5Star(rand []byte) (akStar []byte, err error) {
	o, err := m.outN(rand, 96, 8)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), o[0:6]...), nil
}

// GenerateAUTN 生成 AUTN = (SQN ⊕ AK) || AMF || MAC-A
func (m *Milenage) GenerateAUTN(rand, sqn, amf []byte) (autn []byte, err error) {
	_, ak, err := m.F2F5(rand)
	if err != nil {
		return nil, err
	}
	macA, _, err := m.F1(rand, sqn, amf)
	if err != nil {
		return nil, err
	}

	autn = make([]byte, 16)
	for i := 0; i < 6; i++ {
		autn[i] = sqn[i] ^ ak[i]
	}
	copy(autn[6:8], amf)
	copy(autn[8:16], macA)
	return autn, nil
}

var (
	// ErrAUTNMACFailure 表示网络认证失败 (MAC-A 不匹配)，应回复 Authentication-Reject
	ErrAUTNMACFailure = errors.New("AUTN MAC 验证失败")
	// ErrSQNOutOfRange 表示 SQN 不在可接受范围，应回复 Synchronization-Failure
	ErrSQNOutOfRange = errors.New("SQN 不同步")
)

// AKAResult 是一次 AKA 计算的输出
type AKAResult struct {
	RES  []byte
	CK   []byte
	IK   []byte
	AUTS []byte // 仅当 ErrSQNOutOfRange 时有效
	SQN  uint64 // 从 AUTN 中恢复的 SQN
}

// VerifyAUTN 验证 AUTN 并计算 RES/CK/IK。
// 收到的 SQN 小于等于 sqnMS (已接受的最大 SQN) 时返回 AUTS 与 ErrSQNOutOfRange。
func (m *Milenage) VerifyAUTN(rand, autn []byte, sqnMS uint64) (*AKAResult, error) {
	if len(autn) != 16 {
		return nil, errors.New("VerifyAUTN: AUTN 必须是 16 字节")
	}
	res, ak, err := m.F2F5(rand)
	if err != nil {
		return nil, err
	}

	sqn := make([]byte, 6)
	for i := range sqn {
		sqn[i] = autn[i] ^ ak[i]
	}
	macA, _, err := m.F1(rand, sqn, autn[6:8])
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(macA, autn[8:16]) != 1 {
		return nil, ErrAUTNMACFailure
	}

	received := decodeSQN(sqn)
	if received <= sqnMS {
		// 重同步时携带 UE 当前的 SQN_MS
		auts, err := m.GenerateAUTS(rand, EncodeSQN(sqnMS))
		if err != nil {
			return nil, err
		}
		return &AKAResult{AUTS: auts, SQN: received}, ErrSQNOutOfRange
	}

	ck, _ := m.F3(rand)
	ik, _ := m.F4(rand)
	return &AKAResult{RES: res, CK: ck, IK: ik, SQN: received}, nil
}

// GSMTriplet 用 Milenage 计算 GSM 安全上下文 (3GPP TS 33.102 §6.8.1.2 c2/c3)
// SRES = XRES[0:4] ⊕ XRES[4:8], Kc = CK1 ⊕ CK2 ⊕ IK1 ⊕ IK2
func (m *Milenage) GSMTriplet(rand []byte) (sres, kc []byte, err error) {
	res, _, err := m.F2F5(rand)
	if err != nil {
		return nil, nil, err
	}
	ck, _ := m.F3(rand)
	ik, _ := m.F4(rand)

	sres = make([]byte, 4)
	for i := range sres {
		sres[i] = res[i] ^ res[i+4]
	}
	kc = make([]byte, 8)
	for i := range kc {
		kc[i] = ck[i] ^ ck[i+8] ^ ik[i] ^ ik[i+8]
	}
	return sres, kc, nil
}

// GenerateAUTS 生成 AUTS = (SQN_MS ⊕ AK*) || MAC-S，重同步时 AMF 固定为 0 (TS 33.102 §6.3.3)
func (m *Milenage) GenerateAUTS(rand, sqn []byte) ([]byte, error) {
	akStar, err := m.F5Star(rand)
	if err != nil {
		return nil, err
	}
	_, macS, err := m.F1(rand, sqn, []byte{0x00, 0x00})
	if err != nil {
		return nil, err
	}

	auts := make([]byte, 14)
	for i := 0; i < 6; i++ {
		auts[i] = sqn[i] ^ akStar[i]
	}
	copy(auts[6:14], macS)
	return auts, nil
}

func xor16(dst *[16]byte, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// rotate 循环左移 bits 位 (r 均为 8 的倍数)
func rotate(data [16]byte, bits int) [16]byte {
	var result [16]byte
	shift := bits / 8
	for i := range result {
		result[i] = data[(i+shift)%16]
	}
	return result
}

func decodeSQN(data []byte) uint64 {
	if len(data) < 6 {
		return 0
	}
	var buf [8]byte
	copy(buf[2:], data[:6])
	return binary.BigEndian.Uint64(buf[:])
}

// EncodeSQN 将 SQN 编码为 6 字节
func EncodeSQN(sqn uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sqn)
	return append([]byte(nil), buf[2:]...)
}
