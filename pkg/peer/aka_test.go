package peer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/iniwex5/simaka-go/internal/aaatest"
	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/sim"
	"github.com/iniwex5/simaka-go/pkg/store"
)

var testAMF = []byte{0x80, 0x00}

func newTestAKA(t *testing.T, st store.Store, card sim.AKAModule, obs Observer) *AKA {
	t.Helper()
	a, err := NewAKA(Config{Store: st, Observer: obs, ResultInd: true}, card)
	if err != nil {
		t.Fatalf("NewAKA 失败: %v", err)
	}
	if err := a.Init(); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}
	return a
}

func quintet(t *testing.T, hss *crypto.Milenage, sqn uint64) aaatest.Quintet {
	t.Helper()
	q, err := aaatest.NewQuintet(hss, bytes.Repeat([]byte{byte(sqn)}, 16), sqn, testAMF)
	if err != nil {
		t.Fatalf("生成五元组失败: %v", err)
	}
	return q
}

func TestAKAFullAuthenticationWithIdentityRound(t *testing.T) {
	card, hss := newTestCard(t)
	st := store.NewMemoryStore()
	obs := &recordingObserver{}
	a := newTestAKA(t, st, card, obs)

	permanent := "0" + testIMSI + "@nai.epc.mnc001.mcc001.3gppnetwork.org"
	srv := aaatest.New(eap.TypeAKA)
	srv.NextPseudonym = "aka-pseudo"
	srv.NextReauthID = "aka-fast"
	srv.ResultInd = true
	srv.SetIdentity([]byte("anonymous@realm"))

	resp := mustProcess(t, a, mustReq(t)(srv.AKAIdentity(eap.AT_PERMANENT_ID_REQ)))
	if err := srv.HandleAKAIdentity(resp); err != nil {
		t.Fatalf("HandleAKAIdentity 失败: %v", err)
	}
	if string(srv.Identity()) != permanent {
		t.Fatalf("服务器收到的身份错误: %s", srv.Identity())
	}

	resp = mustProcess(t, a, mustReq(t)(srv.AKAChallenge(quintet(t, hss, 0x21), true)))
	if err := srv.HandleAKAChallenge(resp); err != nil {
		t.Fatalf("HandleAKAChallenge 失败: %v", err)
	}
	_, attrs, _ := srv.ParseResponse(resp)
	cc, ok := attrs.Lookup(eap.AT_CHECKCODE)
	if !ok || !bytes.Equal(cc.Data(), srv.Checkcode()) {
		t.Fatalf("响应中的 AT_CHECKCODE 错误")
	}
	if !attrs.Has(eap.AT_RESULT_IND) {
		t.Fatalf("应回显 AT_RESULT_IND")
	}

	if _, err := a.Process(srv.Success()); err != nil {
		t.Fatalf("EAP-Success 处理失败: %v", err)
	}
	if !a.IsSuccess() || !bytes.Equal(a.SessionKey(), srv.MSK()) || !bytes.Equal(a.EMSK(), srv.EMSK()) {
		t.Fatalf("密钥与服务器不一致")
	}
	saved, err := st.Load(store.MethodAKA, permanent)
	if err != nil || saved.Pseudonym != "aka-pseudo" || saved.ReauthID != "aka-fast" {
		t.Fatalf("持久状态错误: %+v %v", saved, err)
	}

	// 第二个会话：快速重认证
	a2 := newTestAKA(t, st, card, obs)
	if string(a2.CurrentIdentity()) != "aka-fast" {
		t.Fatalf("应使用重认证 ID: %s", a2.CurrentIdentity())
	}
	srv.NextReauthID = ""
	resp = mustProcess(t, a2, mustReq(t)(srv.Reauth(1)))
	if tooSmall, err := srv.HandleReauth(resp); err != nil || tooSmall {
		t.Fatalf("重认证失败: %v", err)
	}
	if !a2.Reauthenticated() || !bytes.Equal(a2.SessionKey(), srv.MSK()) {
		t.Fatalf("重认证密钥与服务器不一致")
	}
	saved, _ = st.Load(store.MethodAKA, permanent)
	if saved.ReauthID != "" || saved.Counter != 1 {
		t.Fatalf("未下发新的重认证 ID 时应清除: %+v", saved)
	}
	if obs.results[0] != "full/success" || obs.results[1] != "reauth/success" {
		t.Fatalf("观察者记录错误: %v", obs.results)
	}
}

func TestAKAChallengeWithoutIdentityRound(t *testing.T) {
	card, hss := newTestCard(t)
	a := newTestAKA(t, nil, card, nil)
	srv := aaatest.New(eap.TypeAKA)
	srv.SetIdentity(a.CurrentIdentity())

	// 服务器发送空 AT_CHECKCODE 表示没有 Identity 轮次
	resp := mustProcess(t, a, mustReq(t)(srv.AKAChallenge(quintet(t, hss, 0x21), true)))
	if err := srv.HandleAKAChallenge(resp); err != nil {
		t.Fatalf("HandleAKAChallenge 失败: %v", err)
	}
	_, attrs, _ := srv.ParseResponse(resp)
	if cc, ok := attrs.Lookup(eap.AT_CHECKCODE); !ok || len(cc.Data()) != 0 {
		t.Fatalf("应回复空的 AT_CHECKCODE")
	}
	if attrs.Has(eap.AT_RESULT_IND) {
		t.Fatalf("服务器未提供时不应回复 AT_RESULT_IND")
	}
}

func TestAKACheckcodeMismatch(t *testing.T) {
	card, hss := newTestCard(t)
	a := newTestAKA(t, nil, card, nil)
	srv := aaatest.New(eap.TypeAKA)
	srv.SetIdentity(a.CurrentIdentity())

	// 服务器端不记录响应，摘要必然不同
	mustProcess(t, a, mustReq(t)(srv.AKAIdentity(0)))
	resp, err := a.Process(mustReq(t)(srv.AKAChallenge(quintet(t, hss, 0x21), true)))
	if !errors.Is(err, ErrCheckcodeMismatch) {
		t.Fatalf("期望 ErrCheckcodeMismatch: %v", err)
	}
	if code := clientErrorOf(t, resp); code != eap.ClientErrorUnableToProcess {
		t.Fatalf("Client-Error 代码错误: %d", code)
	}
}

func TestAKASynchronizationFailure(t *testing.T) {
	card, hss := newTestCard(t)
	card.SetSQN(0x100)
	obs := &recordingObserver{}
	a := newTestAKA(t, nil, card, obs)
	srv := aaatest.New(eap.TypeAKA)
	srv.SetIdentity(a.CurrentIdentity())

	q := quintet(t, hss, 0x21)
	resp, err := a.Process(mustReq(t)(srv.AKAChallenge(q, false)))
	if err != nil {
		t.Fatalf("同步失败不应返回错误: %v", err)
	}
	p, attrs, err := srv.ParseResponse(resp)
	if err != nil || p.Subtype != eap.SubtypeSyncFailure {
		t.Fatalf("期望 Synchronization-Failure: %v", err)
	}
	auts, ok := attrs.Lookup(eap.AT_AUTS)
	if !ok || len(auts.AUTS()) != 14 {
		t.Fatalf("缺少 AT_AUTS")
	}
	if a.State() != StateChallenge {
		t.Fatalf("状态错误: %s", a.State())
	}

	// 网络重新同步后使用更大的 SQN
	resp = mustProcess(t, a, mustReq(t)(srv.AKAChallenge(quintet(t, hss, 0x101), false)))
	if err := srv.HandleAKAChallenge(resp); err != nil {
		t.Fatalf("HandleAKAChallenge 失败: %v", err)
	}
	if len(obs.results) != 2 || obs.results[0] != "full/sync_failure" || obs.results[1] != "full/success" {
		t.Fatalf("观察者记录错误: %v", obs.results)
	}
}

func TestAKAAuthenticationReject(t *testing.T) {
	card, hss := newTestCard(t)
	a := newTestAKA(t, nil, card, nil)
	srv := aaatest.New(eap.TypeAKA)
	srv.SetIdentity(a.CurrentIdentity())

	q := quintet(t, hss, 0x21)
	q.AUTN = append([]byte(nil), q.AUTN...)
	q.AUTN[15] ^= 0xff

	resp, err := a.Process(mustReq(t)(srv.AKAChallenge(q, false)))
	if !errors.Is(err, ErrNetworkAuthFailed) {
		t.Fatalf("期望 ErrNetworkAuthFailed: %v", err)
	}
	p, err := eap.Parse(resp)
	if err != nil || p.Subtype != eap.SubtypeAuthReject {
		t.Fatalf("期望 Authentication-Reject")
	}
	if a.State() != StateFailure {
		t.Fatalf("状态错误: %s", a.State())
	}
}

func TestAKAChallengeMissingAUTN(t *testing.T) {
	card, _ := newTestCard(t)
	a := newTestAKA(t, nil, card, nil)
	srv := aaatest.New(eap.TypeAKA)
	resp, err := a.Process(mustReq(t)(srv.Request(eap.SubtypeChallenge,
		eap.NewRAND(testRANDs(1)...), eap.NewFixed16(eap.AT_MAC, nil))))
	if !errors.Is(err, ErrMissingAttribute) {
		t.Fatalf("期望 ErrMissingAttribute: %v", err)
	}
	clientErrorOf(t, resp)

	// 错误的 EAP 类型不产生响应
	a = newTestAKA(t, nil, card, nil)
	sims := aaatest.New(eap.TypeSIM)
	resp, err = a.Process(mustReq(t)(sims.Start(0)))
	if resp != nil || !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("错误类型应被拒绝: %v", err)
	}
}

type failingModule struct {
	*sim.SoftSIM
}

func (failingModule) CalculateAKA(rand, autn []byte) (res, ck, ik, auts []byte, err error) {
	return nil, nil, nil, nil, sim.ErrSIMNotPresent
}

func TestAKAModuleFailureIsInternal(t *testing.T) {
	card, hss := newTestCard(t)
	a := newTestAKA(t, nil, failingModule{card}, nil)
	srv := aaatest.New(eap.TypeAKA)
	srv.SetIdentity(a.CurrentIdentity())

	resp, err := a.Process(mustReq(t)(srv.AKAChallenge(quintet(t, hss, 0x21), false)))
	var ie *InternalError
	if !errors.As(err, &ie) || !errors.Is(err, sim.ErrSIMNotPresent) {
		t.Fatalf("期望 InternalError: %v", err)
	}
	if code := clientErrorOf(t, resp); code != eap.ClientErrorUnableToProcess {
		t.Fatalf("Client-Error 代码错误: %d", code)
	}
}
