package peer

import (
	"errors"
	"fmt"
	"hash"

	"go.uber.org/zap"

	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/logger"
	"github.com/iniwex5/simaka-go/pkg/sim"
	"github.com/iniwex5/simaka-go/pkg/store"
)

// 身份请求的具体程度 (RFC 4186 §4.2.5)
const (
	levelNone = iota
	levelAny
	levelFullAuth
	levelPermanent
)

var idRequests = []struct {
	attr  uint8
	level int
}{
	{eap.AT_ANY_ID_REQ, levelAny},
	{eap.AT_FULLAUTH_ID_REQ, levelFullAuth},
	{eap.AT_PERMANENT_ID_REQ, levelPermanent},
}

type requestHandler func(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error)

// base 是 SIM 与 AKA 共用的会话状态：身份轮次、快速重认证、通知、重传与错误处理
type base struct {
	typ    uint8
	name   string
	method store.Method
	prefix string

	cfg      Config
	provider sim.SIMProvider
	store    store.Store
	log      *zap.Logger
	obs      Observer
	handle   requestHandler
	// resetMethod 清除方法自身的交换状态，Init 时调用
	resetMethod func()

	inited    bool
	state     State
	permanent string
	idState   *store.IdentityState
	identity  []byte // 最近一次发送的身份，用于密钥派生

	rounds    int
	lastLevel int
	useReauth bool
	usePseudo bool
	// idHash 累积 AKA-Identity 报文，用于 AT_CHECKCODE (RFC 4187 §10.13)
	idHash hash.Hash

	keys          *crypto.KeyMaterial
	reauthed      bool
	reauthCounter uint16

	hasLast  bool
	lastID   uint8
	lastResp []byte
}

func (b *base) setup(cfg Config, typ uint8, name string, method store.Method, prefix string, provider sim.SIMProvider) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	b.typ = typ
	b.name = name
	b.method = method
	b.prefix = prefix
	b.cfg = cfg
	b.provider = provider

	b.store = cfg.Store
	if b.store == nil {
		b.store = store.NewMemoryStore()
	}
	b.log = cfg.Logger
	if b.log == nil {
		b.log = logger.Named("peer")
	}
	b.log = b.log.With(logger.String("method", name))
	b.obs = cfg.Observer
	if b.obs == nil {
		b.obs = nopObserver{}
	}
	return nil
}

func (b *base) Type() uint8  { return b.typ }
func (b *base) Name() string { return b.name }

// Init 确定永久身份并读取持久状态。Process 首次调用时会自动执行。
func (b *base) Init() error {
	perm := b.cfg.Identity
	if perm == "" {
		imsi, err := b.provider.GetIMSI()
		if err != nil {
			return internalErr("read IMSI", err)
		}
		perm, err = buildNAI(b.prefix, imsi, &b.cfg)
		if err != nil {
			return err
		}
	}

	st, err := b.store.Load(b.method, perm)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &store.IdentityState{Method: b.method, Permanent: perm}
	case err != nil:
		return internalErr("load identity state", err)
	}

	b.permanent = perm
	b.idState = st
	b.state = StateIdle
	b.resetSession()
	b.inited = true

	b.log.Debug("会话初始化",
		logger.String("identity", string(b.identity)),
		logger.Bool("pseudonym", st.Pseudonym != ""),
		logger.Bool("reauth", st.CanReauth()))
	return nil
}

// resetSession 丢弃上一次交换留下的密钥、重认证结果与重传缓存
func (b *base) resetSession() {
	b.dropKeys()
	b.reauthed = false
	b.reauthCounter = 0
	b.hasLast = false
	b.lastID = 0
	b.lastResp = nil
	if b.resetMethod != nil {
		b.resetMethod()
	}
	b.resetExchange()
}

// resetExchange 开始新的身份交换
func (b *base) resetExchange() {
	b.rounds = 0
	b.lastLevel = levelNone
	b.useReauth = true
	b.usePseudo = true
	b.idHash = nil
	b.identity = []byte(b.pickIdentity())
}

// pickIdentity 按 重认证 ID > 假名 > 永久身份 的顺序选择，受当前请求级别限制
func (b *base) pickIdentity() string {
	if b.useReauth && b.idState.CanReauth() {
		return b.idState.ReauthID
	}
	if b.usePseudo && b.idState.Pseudonym != "" {
		return b.idState.Pseudonym
	}
	return b.permanent
}

func (b *base) Process(raw []byte) ([]byte, error) {
	if !b.inited {
		if err := b.Init(); err != nil {
			return nil, err
		}
	}

	p, err := eap.Parse(raw)
	if err != nil {
		if len(raw) >= 2 && raw[0] == eap.CodeRequest {
			return b.rejectMalformed(raw[1], err)
		}
		// 读不到 Identifier 或不是请求，无法回复 Client-Error
		b.log.Debug("丢弃无法解析的 EAP 报文", logger.Err(err))
		return nil, fmt.Errorf("parse EAP header: %w", err)
	}

	switch p.Code {
	case eap.CodeSuccess:
		return nil, b.onSuccess()
	case eap.CodeFailure:
		b.onFailure()
		return nil, nil
	case eap.CodeRequest:
	default:
		return nil, protoErr(ErrUnexpectedMessage, noClientError, fmt.Sprintf("EAP code %d", p.Code))
	}
	if p.Type != b.typ {
		return nil, protoErr(ErrUnexpectedMessage, noClientError, fmt.Sprintf("EAP type %d", p.Type))
	}

	if b.hasLast && p.Identifier == b.lastID {
		b.log.Debug("重传的请求，返回上一次的响应", logger.Uint8("id", p.Identifier))
		return append([]byte(nil), b.lastResp...), nil
	}
	if b.state == StateFailure {
		return nil, protoErr(ErrUnexpectedMessage, noClientError, "session already failed")
	}

	prev := b.state
	resp, err := b.dispatch(p, raw[:p.Len()])
	if err != nil {
		resp = b.fail(p.Identifier, prev, resp, err)
	}
	if resp != nil {
		b.hasLast = true
		b.lastID = p.Identifier
		b.lastResp = append(b.lastResp[:0], resp...)
	}
	return resp, err
}

// rejectMalformed 对头部损坏但 Identifier 可读的请求回复 Client-Error (RFC 4186 §6.3.1)
func (b *base) rejectMalformed(id uint8, cause error) ([]byte, error) {
	err := protoErr(ErrMalformedPacket, eap.ClientErrorUnableToProcess, cause.Error())
	if b.state == StateFailure {
		return nil, err
	}
	resp := b.fail(id, b.state, nil, err)
	if resp != nil {
		b.hasLast = true
		b.lastID = id
		b.lastResp = append(b.lastResp[:0], resp...)
	}
	return resp, err
}

func (b *base) dispatch(p *eap.EAPPacket, pkt []byte) ([]byte, error) {
	attrs, err := eap.DecodeAttributes(p.Data)
	if err != nil {
		return nil, err
	}

	if b.state == StateSuccess && p.Subtype != eap.SubtypeNotification {
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess,
			fmt.Sprintf("subtype %d after success", p.Subtype))
	}

	switch p.Subtype {
	case eap.SubtypeNotification:
		return b.handleNotification(p, pkt, attrs)
	case eap.SubtypeReauthentication:
		return b.handleReauth(p, pkt, attrs)
	case eap.SubtypeClientError:
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, "Client-Error request")
	}
	return b.handle(p, pkt, attrs)
}

// fail 将会话置为 Failure，需要时构造 Client-Error
func (b *base) fail(id uint8, prev State, resp []byte, err error) []byte {
	b.state = StateFailure
	b.dropKeys()

	if code := clientErrorCode(err); code >= 0 {
		out, cerr := eap.NewClientError(id, b.typ, uint16(code))
		if cerr != nil {
			b.log.Error("构造 Client-Error 失败", logger.Err(cerr))
		} else {
			resp = out
			b.obs.OnClientError(b.name, uint16(code))
		}
	}

	kind := KindFull
	if prev == StateReauth {
		kind = KindReauth
	}
	b.obs.OnAuthResult(b.name, kind, ResultFailure)
	b.log.Warn("认证失败", logger.String("state", prev.String()), logger.Err(err))
	return resp
}

func (b *base) onSuccess() error {
	if b.state == StateSuccess {
		b.log.Info("收到 EAP Success", logger.Bool("reauth", b.reauthed))
		return nil
	}
	prev := b.state
	b.state = StateFailure
	b.dropKeys()
	return protoErr(ErrUnexpectedSuccess, noClientError, prev.String())
}

func (b *base) onFailure() {
	b.log.Info("收到 EAP Failure", logger.String("state", b.state.String()))
	b.state = StateFailure
	b.dropKeys()
}

// identityRound 处理一轮 SIM/Start 或 AKA-Identity 请求。
// 返回需要放入 AT_IDENTITY 的身份，服务器未请求身份时为 nil。
func (b *base) identityRound(attrs eap.AttributeList) ([]byte, error) {
	if b.state != StateIdle && b.state != StateIdentity {
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess,
			"identity request in state "+b.state.String())
	}
	b.rounds++
	if b.rounds > maxIdentityRounds {
		return nil, protoErr(ErrTooManyIdentityRounds, eap.ClientErrorUnableToProcess,
			fmt.Sprintf("round %d", b.rounds))
	}

	level := levelNone
	n := 0
	for _, r := range idRequests {
		if attrs.Has(r.attr) {
			level = r.level
			n++
		}
	}
	if n > 1 {
		return nil, protoErr(ErrMultipleIdentityReqs, eap.ClientErrorUnableToProcess, "")
	}
	b.state = StateIdentity
	if level == levelNone {
		return nil, nil
	}
	if level <= b.lastLevel {
		return nil, protoErr(ErrIdentityRequestOrder, eap.ClientErrorUnableToProcess,
			fmt.Sprintf("level %d after %d", level, b.lastLevel))
	}
	b.lastLevel = level

	switch level {
	case levelFullAuth:
		b.useReauth = false
	case levelPermanent:
		b.useReauth = false
		b.usePseudo = false
	}
	b.identity = []byte(b.pickIdentity())
	b.log.Debug("响应身份请求", logger.Int("round", b.rounds), logger.Int("level", level))
	return append([]byte(nil), b.identity...), nil
}

// presentedReauthID 报告本轮发送的身份是否为快速重认证 ID
func (b *base) presentedReauthID(id []byte) bool {
	return id != nil && b.idState.CanReauth() && string(id) == b.idState.ReauthID
}

// finish 编码响应，kAut 非空时计算 AT_MAC
func (b *base) finish(bld *eap.Builder, kAut, extra []byte) ([]byte, error) {
	bld.SetLimit(b.cfg.MaxResponseLen)
	out, err := bld.Finish(func(pkt []byte, off int) ([]byte, error) {
		return crypto.ComputeMAC(kAut, pkt, off, extra)
	})
	if err != nil {
		return nil, internalErr("encode response", err)
	}
	return out, nil
}

func (b *base) verifyMAC(pkt []byte, attrs eap.AttributeList, kAut, extra []byte) error {
	mac, ok := attrs.Lookup(eap.AT_MAC)
	if !ok {
		return missing(eap.AT_MAC)
	}
	if err := crypto.VerifyMAC(kAut, pkt, eap.MACValueOffset(mac), extra); err != nil {
		return protoErr(ErrMACMismatch, eap.ClientErrorUnableToProcess, "")
	}
	return nil
}

// decrypt 解密 AT_ENCR_DATA，两个属性都必须存在
func (b *base) decrypt(attrs eap.AttributeList, kEncr []byte) (eap.AttributeList, error) {
	if !attrs.Has(eap.AT_ENCR_DATA) {
		return nil, missing(eap.AT_ENCR_DATA)
	}
	if !attrs.Has(eap.AT_IV) {
		return nil, missing(eap.AT_IV)
	}
	inner, err := eap.DecryptAttributes(attrs, kEncr)
	if err != nil {
		var pe *eap.ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, protoErr(ErrEncryptedData, eap.ClientErrorUnableToProcess, err.Error())
	}
	return inner, nil
}

// decryptOptional 在 Challenge 中 AT_ENCR_DATA 可以不存在
func (b *base) decryptOptional(attrs eap.AttributeList, kEncr []byte) (eap.AttributeList, error) {
	if !attrs.Has(eap.AT_ENCR_DATA) {
		return nil, nil
	}
	return b.decrypt(attrs, kEncr)
}

func (b *base) encrypt(inner eap.AttributeList, kEncr []byte) (eap.Attribute, eap.Attribute, error) {
	iv, encr, err := eap.EncryptAttributes(inner, kEncr, b.cfg.Rand)
	if err != nil {
		return eap.Attribute{}, eap.Attribute{}, internalErr("encrypt attributes", err)
	}
	return iv, encr, nil
}

func (b *base) wantResultInd(attrs eap.AttributeList) bool {
	return b.cfg.ResultInd && attrs.Has(eap.AT_RESULT_IND)
}

// completeFull 保存完整认证的结果：新 MK、counter 归零、下次使用的假名与重认证 ID
func (b *base) completeFull(km *crypto.KeyMaterial, inner eap.AttributeList) error {
	st := b.idState.Clone()
	if a, ok := inner.Lookup(eap.AT_NEXT_PSEUDONYM); ok && len(a.Prefixed()) > 0 {
		st.Pseudonym = string(a.Prefixed())
	}
	st.ReauthID = ""
	if a, ok := inner.Lookup(eap.AT_NEXT_REAUTH_ID); ok && len(a.Prefixed()) > 0 {
		st.ReauthID = string(a.Prefixed())
	}
	st.MK = append([]byte(nil), km.MK...)
	st.Counter = 0
	if err := b.store.Save(st); err != nil {
		km.Zero()
		return internalErr("save identity state", err)
	}

	b.idState = st
	b.dropKeys()
	b.keys = km
	b.reauthed = false
	b.state = StateSuccess
	b.obs.OnAuthResult(b.name, KindFull, ResultSuccess)
	b.log.Info("完整认证成功",
		logger.Bool("nextPseudonym", inner.Has(eap.AT_NEXT_PSEUDONYM)),
		logger.Bool("nextReauthID", st.ReauthID != ""))
	return nil
}

// handleReauth 处理快速重认证请求 (RFC 4186 §5, RFC 4187 §5)
func (b *base) handleReauth(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	if b.state != StateIdle && b.state != StateIdentity {
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess,
			"reauthentication in state "+b.state.String())
	}
	if !b.useReauth || !b.idState.CanReauth() {
		return nil, protoErr(ErrNoReauthContext, eap.ClientErrorUnableToProcess, "")
	}
	b.state = StateReauth

	km, err := crypto.ExpandMasterKey(b.idState.MK)
	if err != nil {
		return nil, internalErr("expand stored MK", err)
	}
	defer km.Zero()

	// 先验证 MAC 再解密
	if err := b.verifyMAC(pkt, attrs, km.KAut, nil); err != nil {
		return nil, err
	}
	inner, err := b.decrypt(attrs, km.KEncr)
	if err != nil {
		return nil, err
	}
	ca, ok := inner.Lookup(eap.AT_COUNTER)
	if !ok {
		return nil, missing(eap.AT_COUNTER)
	}
	na, ok := inner.Lookup(eap.AT_NONCE_S)
	if !ok {
		return nil, missing(eap.AT_NONCE_S)
	}
	counter := ca.Uint16()
	nonceS := na.Fixed16()

	if counter <= b.idState.Counter {
		return b.counterTooSmall(p.Identifier, km, counter, nonceS)
	}

	reauthID := b.idState.ReauthID
	rk, err := crypto.DeriveReauthKeys([]byte(reauthID), counter, nonceS, b.idState.MK)
	if err != nil {
		return nil, internalErr("derive reauth keys", err)
	}

	resp, err := b.reauthResponse(p.Identifier, km, counter, nonceS, false, b.wantResultInd(attrs))
	if err != nil {
		rk.Zero()
		return nil, err
	}

	st := b.idState.Clone()
	st.Counter = counter
	st.ReauthID = ""
	if a, ok := inner.Lookup(eap.AT_NEXT_REAUTH_ID); ok && len(a.Prefixed()) > 0 {
		st.ReauthID = string(a.Prefixed())
	}
	if err := b.store.Save(st); err != nil {
		rk.Zero()
		return nil, internalErr("save identity state", err)
	}

	b.idState = st
	b.identity = []byte(reauthID)
	b.dropKeys()
	b.keys = rk
	b.reauthed = true
	b.reauthCounter = counter
	b.state = StateSuccess
	b.obs.OnAuthResult(b.name, KindReauth, ResultSuccess)
	b.log.Info("快速重认证成功", logger.Uint16("counter", counter), logger.Bool("nextReauthID", st.ReauthID != ""))
	return resp, nil
}

// counterTooSmall 回复 AT_COUNTER_TOO_SMALL 并放弃重认证上下文 (RFC 4187 §5.4)
func (b *base) counterTooSmall(id uint8, km *crypto.KeyMaterial, counter uint16, nonceS []byte) ([]byte, error) {
	resp, err := b.reauthResponse(id, km, counter, nonceS, true, false)
	if err != nil {
		return nil, err
	}

	st := b.idState.Clone()
	st.ForgetReauth()
	if err := b.store.Save(st); err != nil {
		return nil, internalErr("save identity state", err)
	}
	stored := b.idState.Counter
	b.idState = st
	b.dropKeys()
	b.state = StateIdentity
	b.resetExchange()
	b.useReauth = false

	b.obs.OnAuthResult(b.name, KindReauth, ResultCounterTooSmall)
	b.log.Warn("重认证 counter 过小，等待完整认证",
		logger.Uint16("counter", counter), logger.Uint16("stored", stored))
	return resp, nil
}

func (b *base) reauthResponse(id uint8, km *crypto.KeyMaterial, counter uint16, nonceS []byte, tooSmall, resultInd bool) ([]byte, error) {
	inner := eap.AttributeList{eap.NewUint16(eap.AT_COUNTER, counter)}
	if tooSmall {
		inner = append(inner, eap.NewFlag(eap.AT_COUNTER_TOO_SMALL))
	}
	iv, encr, err := b.encrypt(inner, km.KEncr)
	if err != nil {
		return nil, err
	}
	bld := eap.NewBuilder(eap.CodeResponse, id, b.typ, eap.SubtypeReauthentication).Add(iv, encr)
	if resultInd {
		bld.Add(eap.NewFlag(eap.AT_RESULT_IND))
	}
	bld.AddMAC()
	return b.finish(bld, km.KAut, nonceS)
}

// handleNotification 处理 SIM/AKA-Notification (RFC 4186 §6, RFC 4187 §6)
func (b *base) handleNotification(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	na, ok := attrs.Lookup(eap.AT_NOTIFICATION)
	if !ok {
		return nil, missing(eap.AT_NOTIFICATION)
	}
	code := na.Uint16()
	bld := eap.NewBuilder(eap.CodeResponse, p.Identifier, b.typ, eap.SubtypeNotification)

	var resp []byte
	var err error
	if eap.NotificationBeforeAuth(code) {
		switch {
		case attrs.Has(eap.AT_MAC):
			return nil, protoErr(ErrUnexpectedAttribute, eap.ClientErrorUnableToProcess, "AT_MAC in pre-authentication notification")
		case eap.NotificationIsSuccess(code):
			return nil, protoErr(ErrSuccessBeforeAuth, eap.ClientErrorUnableToProcess, "")
		case b.state == StateSuccess:
			return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, "pre-authentication notification after success")
		}
		resp, err = b.finish(bld, nil, nil)
	} else {
		resp, err = b.protectedNotification(bld, pkt, attrs)
	}
	if err != nil {
		return nil, err
	}

	outcome := OutcomeForCode(code)
	b.obs.OnNotification(b.name, outcome)
	if eap.NotificationIsSuccess(code) {
		b.log.Info("收到通知", logger.Uint16("code", code), logger.String("outcome", outcome.String()))
		b.state = StateSuccess
	} else {
		b.log.Warn("收到失败通知", logger.Uint16("code", code), logger.String("text", eap.NotificationText(code)))
		b.state = StateFailure
		b.dropKeys()
	}
	return resp, nil
}

// protectedNotification 处理 P=0 的通知：必须带 AT_MAC；重认证后还需加密的 AT_COUNTER
func (b *base) protectedNotification(bld *eap.Builder, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	if b.keys == nil {
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, "post-authentication notification before authentication")
	}
	if err := b.verifyMAC(pkt, attrs, b.keys.KAut, nil); err != nil {
		return nil, err
	}
	if b.reauthed {
		inner, err := b.decrypt(attrs, b.keys.KEncr)
		if err != nil {
			return nil, err
		}
		ca, ok := inner.Lookup(eap.AT_COUNTER)
		if !ok {
			return nil, missing(eap.AT_COUNTER)
		}
		if ca.Uint16() != b.reauthCounter {
			return nil, protoErr(ErrEncryptedData, eap.ClientErrorUnableToProcess,
				fmt.Sprintf("notification counter %d, want %d", ca.Uint16(), b.reauthCounter))
		}
		iv, encr, err := b.encrypt(eap.AttributeList{eap.NewUint16(eap.AT_COUNTER, b.reauthCounter)}, b.keys.KEncr)
		if err != nil {
			return nil, err
		}
		bld.Add(iv, encr)
	}
	bld.AddMAC()
	return b.finish(bld, b.keys.KAut, nil)
}

func (b *base) dropKeys() {
	if b.keys != nil {
		b.keys.Zero()
		b.keys = nil
	}
}

func (b *base) SessionKey() []byte {
	if b.state != StateSuccess || b.keys == nil {
		return nil
	}
	return append([]byte(nil), b.keys.MSK...)
}

func (b *base) EMSK() []byte {
	if b.state != StateSuccess || b.keys == nil {
		return nil
	}
	return append([]byte(nil), b.keys.EMSK...)
}

func (b *base) CurrentIdentity() []byte {
	return append([]byte(nil), b.identity...)
}

func (b *base) IsSuccess() bool       { return b.state == StateSuccess }
func (b *base) Reauthenticated() bool { return b.state == StateSuccess && b.reauthed }
func (b *base) State() State          { return b.state }

func (b *base) Free() {
	b.dropKeys()
	b.lastResp = nil
	b.hasLast = false
}
