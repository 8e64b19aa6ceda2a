// Package aaatest 提供一个脚本化的 EAP-SIM/AKA 服务器端，用于测试客户端状态机与传输层。
package aaatest

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
)

// Triplet 是 GSM 认证三元组
type Triplet struct {
	RAND, SRES, Kc []byte
}

// Quintet 是 UMTS 认证五元组
type Quintet struct {
	RAND, AUTN, XRES, CK, IK []byte
}

// Triplets 用 Milenage (c2/c3) 为每个 RAND 生成三元组
func Triplets(m *crypto.Milenage, rands ...[]byte) ([]Triplet, error) {
	out := make([]Triplet, 0, len(rands))
	for _, r := range rands {
		sres, kc, err := m.GSMTriplet(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Triplet{RAND: r, SRES: sres, Kc: kc})
	}
	return out, nil
}

// NewQuintet 用 Milenage 生成五元组
func NewQuintet(m *crypto.Milenage, rand []byte, sqn uint64, amf []byte) (Quintet, error) {
	autn, err := m.GenerateAUTN(rand, crypto.EncodeSQN(sqn), amf)
	if err != nil {
		return Quintet{}, err
	}
	res, _, err := m.F2F5(rand)
	if err != nil {
		return Quintet{}, err
	}
	ck, err := m.F3(rand)
	if err != nil {
		return Quintet{}, err
	}
	ik, err := m.F4(rand)
	if err != nil {
		return Quintet{}, err
	}
	return Quintet{RAND: rand, AUTN: autn, XRES: res, CK: ck, IK: ik}, nil
}

var (
	ErrUnexpectedResponse = errors.New("aaatest: unexpected response")
	ErrBadMAC             = errors.New("aaatest: response AT_MAC invalid")
	ErrBadRES             = errors.New("aaatest: RES mismatch")
)

// Server 保存服务器端一次或多次交换的状态。字段在发出请求前设置。
type Server struct {
	Type uint8

	// 在 Challenge / Reauthentication 的加密属性中下发
	NextPseudonym string
	NextReauthID  string
	ResultInd     bool
	Rand          io.Reader

	id          uint8
	identity    []byte
	nonceMT     []byte
	versionList []byte
	sres        []byte
	xres        []byte
	idHash      hash.Hash

	mk       []byte
	keys     *crypto.KeyMaterial
	reauthID string
	reauthed bool
	counter  uint16
	pending  uint16
	nonceS   []byte
	pendID   string
}

func New(typ uint8) *Server {
	return &Server{Type: typ, versionList: []byte{0, eap.SIMVersion1}}
}

func (s *Server) nextID() uint8 {
	s.id++
	return s.id
}

// ID 返回最近一个请求的 Identifier
func (s *Server) ID() uint8 { return s.id }

// Identity 返回服务器端用于密钥派生的身份
func (s *Server) Identity() []byte { return s.identity }

func (s *Server) SetIdentity(identity []byte) { s.identity = append([]byte(nil), identity...) }

func (s *Server) MSK() []byte {
	if s.keys == nil {
		return nil
	}
	return s.keys.MSK
}

func (s *Server) EMSK() []byte {
	if s.keys == nil {
		return nil
	}
	return s.keys.EMSK
}

// ReauthID 返回当前有效的重认证 ID
func (s *Server) ReauthID() string { return s.reauthID }

// Counter 返回最近一次成功重认证的 counter
func (s *Server) Counter() uint16 { return s.counter }

func macFunc(kAut, extra []byte) eap.MACFunc {
	return func(pkt []byte, off int) ([]byte, error) {
		return crypto.ComputeMAC(kAut, pkt, off, extra)
	}
}

// IdentityRequest 构造 EAP-Request/Identity
func (s *Server) IdentityRequest() []byte {
	out, _ := (&eap.EAPPacket{Code: eap.CodeRequest, Identifier: s.nextID(), Type: eap.TypeIdentity}).Encode()
	return out
}

// HandleIdentityResponse 记录 EAP-Response/Identity 中的身份
func (s *Server) HandleIdentityResponse(resp []byte) error {
	p, err := eap.Parse(resp)
	if err != nil {
		return err
	}
	if p.Code != eap.CodeResponse || p.Type != eap.TypeIdentity || p.Identifier != s.id {
		return fmt.Errorf("%w: code %d type %d id %d", ErrUnexpectedResponse, p.Code, p.Type, p.Identifier)
	}
	s.SetIdentity(p.Data)
	return nil
}

// Request 用给定属性构造请求，用于构造异常报文
func (s *Server) Request(subtype uint8, attrs ...eap.Attribute) ([]byte, error) {
	return eap.NewBuilder(eap.CodeRequest, s.nextID(), s.Type, subtype).Add(attrs...).Finish(nil)
}

// ParseResponse 校验响应头并解码属性
func (s *Server) ParseResponse(resp []byte) (*eap.EAPPacket, eap.AttributeList, error) {
	p, err := eap.Parse(resp)
	if err != nil {
		return nil, nil, err
	}
	if p.Code != eap.CodeResponse || p.Type != s.Type || p.Identifier != s.id {
		return nil, nil, fmt.Errorf("%w: code %d type %d id %d (want id %d)", ErrUnexpectedResponse, p.Code, p.Type, p.Identifier, s.id)
	}
	attrs, err := eap.DecodeAttributes(p.Data)
	if err != nil {
		return nil, nil, err
	}
	return p, attrs, nil
}

func (s *Server) expect(resp []byte, subtype uint8) (*eap.EAPPacket, eap.AttributeList, error) {
	p, attrs, err := s.ParseResponse(resp)
	if err != nil {
		return nil, nil, err
	}
	if p.Subtype != subtype {
		if p.Subtype == eap.SubtypeClientError {
			c, _ := attrs.Lookup(eap.AT_CLIENT_ERROR_CODE)
			return nil, nil, fmt.Errorf("%w: client error %d", ErrUnexpectedResponse, c.Uint16())
		}
		return nil, nil, fmt.Errorf("%w: subtype %d, want %d", ErrUnexpectedResponse, p.Subtype, subtype)
	}
	return p, attrs, nil
}

func verifyMAC(resp []byte, p *eap.EAPPacket, attrs eap.AttributeList, kAut, extra []byte) error {
	mac, ok := attrs.Lookup(eap.AT_MAC)
	if !ok {
		return fmt.Errorf("%w: no AT_MAC", ErrBadMAC)
	}
	if err := crypto.VerifyMAC(kAut, resp[:p.Len()], eap.MACValueOffset(mac), extra); err != nil {
		return ErrBadMAC
	}
	return nil
}

// Start 构造 SIM/Start，idReq 为 0 时不请求身份
func (s *Server) Start(idReq uint8) ([]byte, error) {
	bld := eap.NewBuilder(eap.CodeRequest, s.nextID(), eap.TypeSIM, eap.SubtypeSIMStart).
		Add(eap.NewPrefixed(eap.AT_VERSION_LIST, s.versionList))
	if idReq != 0 {
		bld.Add(eap.NewFlag(idReq))
	}
	return bld.Finish(nil)
}

// HandleStart 记录 SIM/Start 响应中的身份与 NONCE_MT
func (s *Server) HandleStart(resp []byte) error {
	_, attrs, err := s.expect(resp, eap.SubtypeSIMStart)
	if err != nil {
		return err
	}
	if a, ok := attrs.Lookup(eap.AT_IDENTITY); ok {
		s.SetIdentity(a.Prefixed())
	}
	if a, ok := attrs.Lookup(eap.AT_NONCE_MT); ok {
		s.nonceMT = append([]byte(nil), a.Fixed16()...)
		v, ok := attrs.Lookup(eap.AT_SELECTED_VERSION)
		if !ok || v.Uint16() != eap.SIMVersion1 {
			return fmt.Errorf("%w: selected version", ErrUnexpectedResponse)
		}
	}
	return nil
}

// AKAIdentity 构造 AKA-Identity 并计入 checkcode
func (s *Server) AKAIdentity(idReq uint8) ([]byte, error) {
	bld := eap.NewBuilder(eap.CodeRequest, s.nextID(), eap.TypeAKA, eap.SubtypeIdentity)
	if idReq != 0 {
		bld.Add(eap.NewFlag(idReq))
	}
	out, err := bld.Finish(nil)
	if err != nil {
		return nil, err
	}
	if s.idHash == nil {
		s.idHash = sha1.New()
	}
	s.idHash.Write(out)
	return out, nil
}

func (s *Server) HandleAKAIdentity(resp []byte) error {
	_, attrs, err := s.expect(resp, eap.SubtypeIdentity)
	if err != nil {
		return err
	}
	if s.idHash == nil {
		s.idHash = sha1.New()
	}
	s.idHash.Write(resp)
	if a, ok := attrs.Lookup(eap.AT_IDENTITY); ok {
		s.SetIdentity(a.Prefixed())
	}
	return nil
}

// Checkcode 返回服务器端 AKA-Identity 报文的摘要
func (s *Server) Checkcode() []byte {
	if s.idHash == nil {
		return nil
	}
	return s.idHash.Sum(nil)
}

func (s *Server) setKeys(mk []byte) error {
	km, err := crypto.ExpandMasterKey(mk)
	if err != nil {
		return err
	}
	s.mk = append([]byte(nil), mk...)
	s.keys = km
	s.reauthed = false
	s.counter = 0
	return nil
}

// addNextIDs 在加密属性中下发下次使用的假名与重认证 ID
func (s *Server) addNextIDs(bld *eap.Builder, kEncr []byte, pseudonym bool) error {
	var inner eap.AttributeList
	if pseudonym && s.NextPseudonym != "" {
		inner = append(inner, eap.NewPrefixed(eap.AT_NEXT_PSEUDONYM, []byte(s.NextPseudonym)))
	}
	if s.NextReauthID != "" {
		inner = append(inner, eap.NewPrefixed(eap.AT_NEXT_REAUTH_ID, []byte(s.NextReauthID)))
	}
	if len(inner) == 0 {
		return nil
	}
	iv, encr, err := eap.EncryptAttributes(inner, kEncr, s.Rand)
	if err != nil {
		return err
	}
	bld.Add(iv, encr)
	return nil
}

// SIMChallenge 构造 SIM/Challenge，需要先处理过携带 NONCE_MT 的 Start 响应
func (s *Server) SIMChallenge(ts []Triplet) ([]byte, error) {
	var rands, kcs [][]byte
	s.sres = s.sres[:0]
	for _, t := range ts {
		rands = append(rands, t.RAND)
		kcs = append(kcs, t.Kc)
		s.sres = append(s.sres, t.SRES...)
	}
	mk, err := crypto.DeriveSIMMasterKey(s.identity, kcs, s.nonceMT, s.versionList, eap.SIMVersion1)
	if err != nil {
		return nil, err
	}
	if err := s.setKeys(mk); err != nil {
		return nil, err
	}

	bld := eap.NewBuilder(eap.CodeRequest, s.nextID(), eap.TypeSIM, eap.SubtypeSIMChallenge).
		Add(eap.NewRAND(rands...))
	if err := s.addNextIDs(bld, s.keys.KEncr, true); err != nil {
		return nil, err
	}
	if s.ResultInd {
		bld.Add(eap.NewFlag(eap.AT_RESULT_IND))
	}
	bld.AddMAC()
	s.reauthID = s.NextReauthID
	return bld.Finish(macFunc(s.keys.KAut, s.nonceMT))
}

// HandleSIMChallenge 校验 SIM/Challenge 响应的 AT_MAC (附加 n*SRES)
func (s *Server) HandleSIMChallenge(resp []byte) error {
	p, attrs, err := s.expect(resp, eap.SubtypeSIMChallenge)
	if err != nil {
		return err
	}
	return verifyMAC(resp, p, attrs, s.keys.KAut, s.sres)
}

// AKAChallenge 构造 AKA-Challenge；withCheckcode 时携带服务器端 AT_CHECKCODE
func (s *Server) AKAChallenge(q Quintet, withCheckcode bool) ([]byte, error) {
	mk, err := crypto.DeriveAKAMasterKey(s.identity, q.IK, q.CK)
	if err != nil {
		return nil, err
	}
	if err := s.setKeys(mk); err != nil {
		return nil, err
	}
	s.xres = q.XRES

	bld := eap.NewBuilder(eap.CodeRequest, s.nextID(), eap.TypeAKA, eap.SubtypeChallenge).
		Add(eap.NewRAND(q.RAND), eap.NewFixed16(eap.AT_AUTN, q.AUTN))
	if withCheckcode {
		bld.Add(eap.NewCheckcode(s.Checkcode()))
	}
	if err := s.addNextIDs(bld, s.keys.KEncr, true); err != nil {
		return nil, err
	}
	if s.ResultInd {
		bld.Add(eap.NewFlag(eap.AT_RESULT_IND))
	}
	bld.AddMAC()
	s.reauthID = s.NextReauthID
	return bld.Finish(macFunc(s.keys.KAut, nil))
}

// HandleAKAChallenge 校验 AKA-Challenge 响应的 AT_MAC 与 RES
func (s *Server) HandleAKAChallenge(resp []byte) error {
	p, attrs, err := s.expect(resp, eap.SubtypeChallenge)
	if err != nil {
		return err
	}
	if err := verifyMAC(resp, p, attrs, s.keys.KAut, nil); err != nil {
		return err
	}
	res, ok := attrs.Lookup(eap.AT_RES)
	if !ok || !bytes.Equal(res.RES(), s.xres) {
		return ErrBadRES
	}
	return nil
}

// Reauth 构造快速重认证请求，使用上一次完整认证的 MK 与已下发的重认证 ID
func (s *Server) Reauth(counter uint16) ([]byte, error) {
	if s.mk == nil || s.reauthID == "" {
		return nil, errors.New("aaatest: no reauthentication context")
	}
	nonceS, err := crypto.ReadRandom(s.Rand, 16)
	if err != nil {
		return nil, err
	}
	km, err := crypto.ExpandMasterKey(s.mk)
	if err != nil {
		return nil, err
	}

	inner := eap.AttributeList{
		eap.NewUint16(eap.AT_COUNTER, counter),
		eap.NewFixed16(eap.AT_NONCE_S, nonceS),
	}
	if s.NextReauthID != "" {
		inner = append(inner, eap.NewPrefixed(eap.AT_NEXT_REAUTH_ID, []byte(s.NextReauthID)))
	}
	iv, encr, err := eap.EncryptAttributes(inner, km.KEncr, s.Rand)
	if err != nil {
		return nil, err
	}
	bld := eap.NewBuilder(eap.CodeRequest, s.nextID(), s.Type, eap.SubtypeReauthentication).Add(iv, encr)
	if s.ResultInd {
		bld.Add(eap.NewFlag(eap.AT_RESULT_IND))
	}
	bld.AddMAC()

	s.nonceS = nonceS
	s.pending = counter
	s.pendID = s.reauthID
	return bld.Finish(macFunc(km.KAut, nil))
}

// HandleReauth 校验重认证响应。返回 true 表示客户端回复了 AT_COUNTER_TOO_SMALL。
func (s *Server) HandleReauth(resp []byte) (bool, error) {
	p, attrs, err := s.expect(resp, eap.SubtypeReauthentication)
	if err != nil {
		return false, err
	}
	km, err := crypto.ExpandMasterKey(s.mk)
	if err != nil {
		return false, err
	}
	if err := verifyMAC(resp, p, attrs, km.KAut, s.nonceS); err != nil {
		return false, err
	}
	inner, err := eap.DecryptAttributes(attrs, km.KEncr)
	if err != nil {
		return false, err
	}
	c, ok := inner.Lookup(eap.AT_COUNTER)
	if !ok || c.Uint16() != s.pending {
		return false, fmt.Errorf("%w: counter", ErrUnexpectedResponse)
	}
	if inner.Has(eap.AT_COUNTER_TOO_SMALL) {
		return true, nil
	}

	rk, err := crypto.DeriveReauthKeys([]byte(s.pendID), s.pending, s.nonceS, s.mk)
	if err != nil {
		return false, err
	}
	s.keys = rk
	s.reauthed = true
	s.counter = s.pending
	s.SetIdentity([]byte(s.pendID))
	s.reauthID = s.NextReauthID
	return false, nil
}

// Notification 构造通知请求。P=0 的通知带 AT_MAC，重认证之后还带加密的 AT_COUNTER。
func (s *Server) Notification(code uint16) ([]byte, error) {
	bld := eap.NewBuilder(eap.CodeRequest, s.nextID(), s.Type, eap.SubtypeNotification).
		Add(eap.NewUint16(eap.AT_NOTIFICATION, code))
	if eap.NotificationBeforeAuth(code) {
		return bld.Finish(nil)
	}
	if s.keys == nil {
		return nil, errors.New("aaatest: no keys for protected notification")
	}
	if s.reauthed {
		iv, encr, err := eap.EncryptAttributes(eap.AttributeList{eap.NewUint16(eap.AT_COUNTER, s.counter)}, s.keys.KEncr, s.Rand)
		if err != nil {
			return nil, err
		}
		bld.Add(iv, encr)
	}
	bld.AddMAC()
	return bld.Finish(macFunc(s.keys.KAut, nil))
}

// HandleNotification 校验通知响应，protected 表示请求为 P=0
func (s *Server) HandleNotification(resp []byte, protected bool) error {
	p, attrs, err := s.expect(resp, eap.SubtypeNotification)
	if err != nil {
		return err
	}
	if !protected {
		if len(attrs) != 0 {
			return fmt.Errorf("%w: attributes in pre-auth notification response", ErrUnexpectedResponse)
		}
		return nil
	}
	if err := verifyMAC(resp, p, attrs, s.keys.KAut, nil); err != nil {
		return err
	}
	if s.reauthed {
		inner, err := eap.DecryptAttributes(attrs, s.keys.KEncr)
		if err != nil {
			return err
		}
		if c, ok := inner.Lookup(eap.AT_COUNTER); !ok || c.Uint16() != s.counter {
			return fmt.Errorf("%w: notification counter", ErrUnexpectedResponse)
		}
	}
	return nil
}

// Success 构造 EAP-Success
func (s *Server) Success() []byte {
	out, _ := (&eap.EAPPacket{Code: eap.CodeSuccess, Identifier: s.id}).Encode()
	return out
}

// Failure 构造 EAP-Failure
func (s *Server) Failure() []byte {
	out, _ := (&eap.EAPPacket{Code: eap.CodeFailure, Identifier: s.id}).Encode()
	return out
}

// ResetExchange 开始新的身份交换 (保留 MK 与重认证 ID)
func (s *Server) ResetExchange() {
	s.idHash = nil
	s.nonceMT = nil
}
