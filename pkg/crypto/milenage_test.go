package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/wmnsk/milenage"
)

// 测试向量来自 3GPP TS 35.208 测试集 1
var (
	set1K    = "465b5ce8b199b49faa5f0a2ee238a6bc"
	set1OP   = "cdc202d5123e20f62b6d676ac72cb318"
	set1RAND = "23553cbe9637a89d218ae64dae47bf35"
	set1SQN  = "ff9bb4d0b607"
	set1AMF  = "b9b9"
)

func newSet1(t *testing.T) *Milenage {
	t.Helper()
	m, err := NewMilenage(mustHex(t, set1K), mustHex(t, set1OP), false)
	if err != nil {
		t.Fatalf("NewMilenage 失败: %v", err)
	}
	return m
}

func TestMilenageOPc(t *testing.T) {
	m := newSet1(t)
	if got := hex.EncodeToString(m.OPc[:]); got != "cd63cb71954a9f4e48a5994e37a02baf" {
		t.Fatalf("OPc 不匹配: %s", got)
	}
}

func TestMilenageF1(t *testing.T) {
	m := newSet1(t)
	macA, macS, err := m.F1(mustHex(t, set1RAND), mustHex(t, set1SQN), mustHex(t, set1AMF))
	if err != nil {
		t.Fatalf("F1 失败: %v", err)
	}
	if got := hex.EncodeToString(macA); got != "4a9ffac354dfafb3" {
		t.Errorf("MAC-A 不匹配: %s", got)
	}
	if got := hex.EncodeToString(macS); got != "01cfaf9ec4e871e9" {
		t.Errorf("MAC-S 不匹配: %s", got)
	}
}

func TestMilenageF2F5(t *testing.T) {
	m := newSet1(t)
	res, ak, err := m.F2F5(mustHex(t, set1RAND))
	if err != nil {
		t.Fatalf("F2F5 失败: %v", err)
	}
	if got := hex.EncodeToString(res); got != "a54211d5e3ba50bf" {
		t.Errorf("RES 不匹配: %s", got)
	}
	if got := hex.EncodeToString(ak); got != "aa689c648370" {
		t.Errorf("AK 不匹配: %s", got)
	}
}

func TestMilenageF3F4F5Star(t *testing.T) {
	m := newSet1(t)
	rand := mustHex(t, set1RAND)

	ck, err := m.F3(rand)
	if err != nil {
		t.Fatalf("F3 失败: %v", err)
	}
	ik, err := m.F4(rand)
	if err != nil {
		t.Fatalf("F4 失败: %v", err)
	}
	akStar, err := m.F5Star(rand)
	if err != nil {
		t.Fatalf("F5Star 失败: %v", err)
	}
	if got := hex.EncodeToString(ck); got != "b40ba9a3c58b2a05bbf0d987b21bf8cb" {
		t.Errorf("CK 不匹配: %s", got)
	}
	if got := hex.EncodeToString(ik); got != "f769bcd751044604127672711c6d3441" {
		t.Errorf("IK 不匹配: %s", got)
	}
	if got := hex.EncodeToString(akStar); got != "451e8beca43b" {
		t.Errorf("AK* 不匹配: %s", got)
	}
}

func TestMilenageVerifyAUTN(t *testing.T) {
	m := newSet1(t)
	rand := mustHex(t, set1RAND)
	sqn := mustHex(t, set1SQN)

	autn, err := m.GenerateAUTN(rand, sqn, mustHex(t, set1AMF))
	if err != nil {
		t.Fatalf("GenerateAUTN 失败: %v", err)
	}

	r, err := m.VerifyAUTN(rand, autn, 0)
	if err != nil {
		t.Fatalf("VerifyAUTN 失败: %v", err)
	}
	if !bytes.Equal(r.RES, mustHex(t, "a54211d5e3ba50bf")) || len(r.CK) != 16 || len(r.IK) != 16 {
		t.Fatalf("VerifyAUTN 输出错误: %+v", r)
	}

	// SQN 回退触发重同步
	r, err = m.VerifyAUTN(rand, autn, decodeSQN(sqn))
	if !errors.Is(err, ErrSQNOutOfRange) {
		t.Fatalf("期望 ErrSQNOutOfRange, got %v", err)
	}
	if len(r.AUTS) != 14 {
		t.Fatalf("AUTS 长度错误: %d", len(r.AUTS))
	}

	// MAC 被篡改
	autn[15] ^= 1
	if _, err := m.VerifyAUTN(rand, autn, 0); !errors.Is(err, ErrAUTNMACFailure) {
		t.Fatalf("期望 ErrAUTNMACFailure, got %v", err)
	}
}

func TestMilenageGSMTriplet(t *testing.T) {
	m := newSet1(t)
	rand := mustHex(t, set1RAND)

	sres, kc, err := m.GSMTriplet(rand)
	if err != nil {
		t.Fatalf("GSMTriplet 失败: %v", err)
	}
	res, _, _ := m.F2F5(rand)
	ck, _ := m.F3(rand)
	ik, _ := m.F4(rand)

	for i := 0; i < 4; i++ {
		if sres[i] != res[i]^res[i+4] {
			t.Fatalf("SRES[%d] 不符合 c2", i)
		}
	}
	for i := 0; i < 8; i++ {
		if kc[i] != ck[i]^ck[i+8]^ik[i]^ik[i+8] {
			t.Fatalf("Kc[%d] 不符合 c3", i)
		}
	}
}

// 与 wmnsk/milenage 交叉验证 f1-f5*
func TestMilenageMatchesWmnsk(t *testing.T) {
	m := newSet1(t)
	k := mustHex(t, set1K)
	amf := mustHex(t, set1AMF)

	for i := 0; i < 4; i++ {
		r := bytes.Repeat([]byte{byte(0x31*i + 7)}, 16)
		sqn := uint64(0x1000 + 32*i)
		ref := milenage.NewWithOPc(k, m.OPc[:], r, sqn, binary.BigEndian.Uint16(amf))
		res, ck, ik, ak, err := ref.F2345()
		if err != nil {
			t.Fatalf("参考 F2345 失败: %v", err)
		}
		macA, err := ref.F1()
		if err != nil {
			t.Fatalf("参考 F1 失败: %v", err)
		}
		akStar, err := ref.F5Star()
		if err != nil {
			t.Fatalf("参考 F5Star 失败: %v", err)
		}
		macS, err := ref.F1Star(EncodeSQN(sqn), []byte{0, 0})
		if err != nil {
			t.Fatalf("参考 F1Star 失败: %v", err)
		}

		gotRES, gotAK, _ := m.F2F5(r)
		gotCK, _ := m.F3(r)
		gotIK, _ := m.F4(r)
		gotAKStar, _ := m.F5Star(r)
		if !bytes.Equal(gotRES, res) || !bytes.Equal(gotAK, ak) || !bytes.Equal(gotCK, ck) ||
			!bytes.Equal(gotIK, ik) || !bytes.Equal(gotAKStar, akStar) {
			t.Fatalf("RAND %x: f2-f5* 与参考实现不一致", r)
		}

		autn, err := m.GenerateAUTN(r, EncodeSQN(sqn), amf)
		if err != nil {
			t.Fatalf("GenerateAUTN 失败: %v", err)
		}
		if !bytes.Equal(autn[8:], macA) {
			t.Fatalf("RAND %x: MAC-A got %x want %x", r, autn[8:], macA)
		}
		auts, err := m.GenerateAUTS(r, EncodeSQN(sqn))
		if err != nil {
			t.Fatalf("GenerateAUTS 失败: %v", err)
		}
		if !bytes.Equal(auts[6:], macS) {
			t.Fatalf("RAND %x: MAC-S got %x want %x", r, auts[6:], macS)
		}
	}
}
