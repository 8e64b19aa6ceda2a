package radius

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"go.uber.org/goleak"
	radiuslib "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/iniwex5/simaka-go/internal/aaatest"
	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/peer"
	"github.com/iniwex5/simaka-go/pkg/sim"
	"github.com/iniwex5/simaka-go/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSecret = []byte("sharedsecret")

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex 解码失败: %v", err)
	}
	return b
}

// fakeAAA 是一个 EAP-AKA RADIUS 服务器：Identity -> AKA-Identity -> AKA-Challenge -> Accept，
// 存在重认证上下文时 Identity -> Reauthentication -> Accept
type fakeAAA struct {
	t      *testing.T
	srv    *aaatest.Server
	hss    *crypto.Milenage
	sqn    uint64
	state  []byte
	reauth bool
	reject bool

	requests []*radiuslib.Packet
}

func (f *fakeAAA) exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error) {
	f.t.Helper()
	f.requests = append(f.requests, packet)
	if err := verifyMessageAuthenticator(packet, testSecret, nil); err != nil {
		f.t.Fatalf("请求 Message-Authenticator 无效: %v", err)
	}
	if len(f.requests) > 1 {
		if st, ok := packet.Attributes.Lookup(rfc2865.State_Type); !ok || !bytes.Equal(st, f.state) {
			f.t.Fatalf("State 未回显")
		}
	}
	raw, err := eapMessage(packet)
	if err != nil {
		f.t.Fatalf("缺少 EAP-Message: %v", err)
	}
	p, err := eap.Parse(raw)
	if err != nil {
		f.t.Fatalf("EAP 解析失败: %v", err)
	}

	var next []byte
	switch {
	case p.Type == eap.TypeIdentity:
		f.srv.SetIdentity(p.Data)
		f.srv.ResetExchange()
		if f.reauth {
			next, err = f.srv.Reauth(f.srv.Counter() + 1)
		} else {
			next, err = f.srv.AKAIdentity(eap.AT_PERMANENT_ID_REQ)
		}
	case p.Subtype == eap.SubtypeIdentity:
		if err := f.srv.HandleAKAIdentity(raw); err != nil {
			f.t.Fatalf("HandleAKAIdentity 失败: %v", err)
		}
		f.sqn++
		q, qerr := aaatest.NewQuintet(f.hss, bytes.Repeat([]byte{0x5a}, 16), f.sqn, []byte{0x80, 0x00})
		if qerr != nil {
			f.t.Fatalf("NewQuintet 失败: %v", qerr)
		}
		next, err = f.srv.AKAChallenge(q, true)
	case p.Subtype == eap.SubtypeChallenge:
		if err := f.srv.HandleAKAChallenge(raw); err != nil {
			f.t.Fatalf("HandleAKAChallenge 失败: %v", err)
		}
		return f.final(packet), nil
	case p.Subtype == eap.SubtypeReauthentication:
		if tooSmall, err := f.srv.HandleReauth(raw); err != nil || tooSmall {
			f.t.Fatalf("HandleReauth 失败: tooSmall=%v err=%v", tooSmall, err)
		}
		return f.final(packet), nil
	default:
		f.t.Fatalf("意外的 EAP 响应: type %d subtype %d", p.Type, p.Subtype)
	}
	if err != nil {
		f.t.Fatalf("构造 EAP 请求失败: %v", err)
	}
	return f.reply(packet, radiuslib.CodeAccessChallenge, next), nil
}

func (f *fakeAAA) final(req *radiuslib.Packet) *radiuslib.Packet {
	if f.reject {
		return f.reply(req, radiuslib.CodeAccessReject, f.srv.Failure())
	}
	return f.reply(req, radiuslib.CodeAccessAccept, f.srv.Success())
}

func (f *fakeAAA) reply(req *radiuslib.Packet, code radiuslib.Code, eapPkt []byte) *radiuslib.Packet {
	pkt := req.Response(code)
	f.state = []byte{byte(len(f.requests)), 0xee}
	if err := rfc2865.State_Set(pkt, f.state); err != nil {
		f.t.Fatalf("设置 State 失败: %v", err)
	}
	setEAPMessage(pkt, eapPkt)
	if err := setMessageAuthenticator(pkt, testSecret, req.Authenticator[:]); err != nil {
		f.t.Fatalf("设置 Message-Authenticator 失败: %v", err)
	}
	return pkt
}

func newFakeAAA(t *testing.T) (*fakeAAA, *sim.SoftSIM) {
	t.Helper()
	k := unhex(t, "465b5ce8b199b49faa5f0a2ee238a6bc")
	opc := unhex(t, "cd63cb71954a9f4e48a5994e37a02baf")
	card, err := sim.NewSoftSIM("001010000000001", k, opc, true)
	if err != nil {
		t.Fatalf("NewSoftSIM 失败: %v", err)
	}
	hss, err := crypto.NewMilenage(k, opc, true)
	if err != nil {
		t.Fatalf("NewMilenage 失败: %v", err)
	}
	srv := aaatest.New(eap.TypeAKA)
	srv.NextPseudonym = "pseudo-r"
	srv.NextReauthID = "fast-r"
	return &fakeAAA{t: t, srv: srv, hss: hss, sqn: 0x40}, card
}

func TestAuthenticateFullThenReauth(t *testing.T) {
	aaa, card := newFakeAAA(t)
	st := store.NewMemoryStore()
	client, err := NewClient("127.0.0.1:1812", string(testSecret),
		WithPacketExchanger(aaa), WithNASIdentifier("simaka-test"))
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}

	m, err := peer.NewAKA(peer.Config{Store: st}, card)
	if err != nil {
		t.Fatalf("NewAKA 失败: %v", err)
	}
	res, err := client.Authenticate(context.Background(), m)
	if err != nil {
		t.Fatalf("完整认证失败: %v", err)
	}
	if res.Reauthenticated || res.Rounds != 3 {
		t.Fatalf("结果错误: %+v", res)
	}
	if !bytes.Equal(res.MSK, aaa.srv.MSK()) || !bytes.Equal(res.EMSK, aaa.srv.EMSK()) {
		t.Fatalf("MSK/EMSK 与服务器不一致")
	}
	if id, _ := aaa.requests[0].Attributes.Lookup(rfc2865.NASIdentifier_Type); string(id) != "simaka-test" {
		t.Fatalf("NAS-Identifier 错误: %q", id)
	}
	name, _ := aaa.requests[0].Attributes.Lookup(rfc2865.UserName_Type)
	if string(name) != "0001010000000001@nai.epc.mnc001.mcc001.3gppnetwork.org" {
		t.Fatalf("User-Name 错误: %q", name)
	}

	aaa.reauth = true
	aaa.requests = nil
	m2, err := peer.NewAKA(peer.Config{Store: st}, card)
	if err != nil {
		t.Fatalf("NewAKA 失败: %v", err)
	}
	res, err = client.Authenticate(context.Background(), m2)
	if err != nil {
		t.Fatalf("重认证失败: %v", err)
	}
	if !res.Reauthenticated || string(res.Identity) != "fast-r" || res.Rounds != 2 {
		t.Fatalf("重认证结果错误: %+v", res)
	}
	if !bytes.Equal(res.MSK, aaa.srv.MSK()) {
		t.Fatalf("重认证 MSK 与服务器不一致")
	}
}

func TestAuthenticateReject(t *testing.T) {
	aaa, card := newFakeAAA(t)
	aaa.reject = true
	client, err := NewClient("127.0.0.1:1812", string(testSecret), WithPacketExchanger(aaa))
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}
	m, _ := peer.NewAKA(peer.Config{}, card)
	if _, err := client.Authenticate(context.Background(), m); !errors.Is(err, ErrRejected) {
		t.Fatalf("期望 ErrRejected: %v", err)
	}
	if m.State() != peer.StateFailure {
		t.Fatalf("EAP-Failure 后状态错误: %s", m.State())
	}
}

// staticExchanger 对每个请求回复同一个 EAP 请求
type staticExchanger struct {
	eapPkt []byte
	secret []byte
	calls  int
}

func (s *staticExchanger) exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error) {
	s.calls++
	resp := packet.Response(radiuslib.CodeAccessChallenge)
	setEAPMessage(resp, s.eapPkt)
	if err := setMessageAuthenticator(resp, s.secret, packet.Authenticator[:]); err != nil {
		return nil, err
	}
	return resp, nil
}

var identityRequest = []byte{eap.CodeRequest, 1, 0, 5, eap.TypeIdentity}

func TestAuthenticateBadMessageAuthenticator(t *testing.T) {
	_, card := newFakeAAA(t)
	ex := &staticExchanger{eapPkt: identityRequest, secret: []byte("othersecret")}
	client, _ := NewClient("127.0.0.1:1812", string(testSecret), WithPacketExchanger(ex))
	m, _ := peer.NewAKA(peer.Config{}, card)
	if _, err := client.Authenticate(context.Background(), m); !errors.Is(err, ErrBadMessageAuthenticator) {
		t.Fatalf("期望 ErrBadMessageAuthenticator: %v", err)
	}
}

func TestAuthenticateTooManyRounds(t *testing.T) {
	_, card := newFakeAAA(t)
	ex := &staticExchanger{eapPkt: identityRequest, secret: testSecret}
	client, _ := NewClient("127.0.0.1:1812", string(testSecret), WithPacketExchanger(ex), WithMaxRounds(3))
	m, _ := peer.NewAKA(peer.Config{}, card)
	if _, err := client.Authenticate(context.Background(), m); !errors.Is(err, ErrTooManyRounds) {
		t.Fatalf("期望 ErrTooManyRounds: %v", err)
	}
	if ex.calls != 3 {
		t.Fatalf("往返次数错误: %d", ex.calls)
	}
}

func TestAuthenticateHonorsContext(t *testing.T) {
	_, card := newFakeAAA(t)
	ex := &staticExchanger{eapPkt: identityRequest, secret: testSecret}
	client, _ := NewClient("127.0.0.1:1812", string(testSecret), WithPacketExchanger(ex))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, _ := peer.NewAKA(peer.Config{}, card)
	if _, err := client.Authenticate(ctx, m); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled: %v", err)
	}
	if ex.calls != 0 {
		t.Fatalf("取消后不应发送请求")
	}
}

func TestMessageAuthenticatorUsesRequestAuthenticator(t *testing.T) {
	req := radiuslib.New(radiuslib.CodeAccessRequest, testSecret)
	setEAPMessage(req, identityRequest)
	if err := setMessageAuthenticator(req, testSecret, nil); err != nil {
		t.Fatalf("设置 Message-Authenticator 失败: %v", err)
	}
	if err := verifyMessageAuthenticator(req, testSecret, nil); err != nil {
		t.Fatalf("请求校验失败: %v", err)
	}

	resp := req.Response(radiuslib.CodeAccessChallenge)
	setEAPMessage(resp, identityRequest)
	if err := setMessageAuthenticator(resp, testSecret, req.Authenticator[:]); err != nil {
		t.Fatalf("设置 Message-Authenticator 失败: %v", err)
	}
	// 模拟线路上收到的响应：头部已是响应 Authenticator
	resp.Authenticator[0] ^= 0xff
	if err := verifyMessageAuthenticator(resp, testSecret, req.Authenticator[:]); err != nil {
		t.Fatalf("响应校验应使用请求 Authenticator: %v", err)
	}

	other := req.Authenticator
	other[0] ^= 0xff
	if err := verifyMessageAuthenticator(resp, testSecret, other[:]); !errors.Is(err, ErrBadMessageAuthenticator) {
		t.Fatalf("错误的请求 Authenticator 应校验失败: %v", err)
	}

	resp.Attributes.Add(rfc2865.ReplyMessage_Type, []byte("tampered"))
	if err := verifyMessageAuthenticator(resp, testSecret, req.Authenticator[:]); !errors.Is(err, ErrBadMessageAuthenticator) {
		t.Fatalf("篡改后应校验失败: %v", err)
	}
}

func TestNewClientValidatesInputs(t *testing.T) {
	if _, err := NewClient("", "secret"); err == nil {
		t.Fatalf("空地址应报错")
	}
	if _, err := NewClient("127.0.0.1:1812", ""); err == nil {
		t.Fatalf("空密钥应报错")
	}
	c, err := NewClient("127.0.0.1:1812", "secret", WithRetry(0), WithMaxRounds(-1))
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}
	if _, ok := c.client.(layehExchanger); !ok || c.cfg.maxRounds != defaultMaxRounds {
		t.Fatalf("默认配置错误")
	}
}

func TestEAPMessageChunking(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, 600)
	pkt := radiuslib.New(radiuslib.CodeAccessRequest, testSecret)
	setEAPMessage(pkt, raw)

	n := 0
	for _, avp := range pkt.Attributes {
		if avp.Type == typeEAPMessage {
			if len(avp.Attribute) > maxAttrValue {
				t.Fatalf("属性超过 253 字节")
			}
			n++
		}
	}
	if n != 3 {
		t.Fatalf("分片数错误: %d", n)
	}
	got, err := eapMessage(pkt)
	if err != nil || !bytes.Equal(got, raw) {
		t.Fatalf("重组失败: %v", err)
	}

	if _, err := eapMessage(radiuslib.New(radiuslib.CodeAccessRequest, testSecret)); !errors.Is(err, ErrNoEAPMessage) {
		t.Fatalf("期望 ErrNoEAPMessage: %v", err)
	}
}
