package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/logger"
	"github.com/iniwex5/simaka-go/pkg/sim"
	"github.com/iniwex5/simaka-go/pkg/store"
)

const (
	ckLen     = 16
	ikLen     = 16
	autsLen   = 14
	resMinLen = 4
	resMaxLen = 16
)

// AKA 是 EAP-AKA (RFC 4187) 客户端会话
type AKA struct {
	base
	module sim.AKAModule
}

var _ Method = (*AKA)(nil)

func NewAKA(cfg Config, module sim.AKAModule) (*AKA, error) {
	if module == nil {
		return nil, errors.New("EAP-AKA 需要 AKA 模块")
	}
	a := &AKA{module: module}
	if err := a.setup(cfg, eap.TypeAKA, "EAP-AKA", store.MethodAKA, prefixAKA, module); err != nil {
		return nil, err
	}
	a.handle = a.handleRequest
	return a, nil
}

func (a *AKA) handleRequest(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	switch p.Subtype {
	case eap.SubtypeIdentity:
		return a.handleIdentity(p, pkt, attrs)
	case eap.SubtypeChallenge:
		return a.handleChallenge(p, pkt, attrs)
	}
	return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, fmt.Sprintf("EAP-AKA subtype %d", p.Subtype))
}

// handleIdentity 处理 AKA-Identity (RFC 4187 §4.1.6)，并把请求与响应计入 AT_CHECKCODE
func (a *AKA) handleIdentity(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	id, err := a.identityRound(attrs)
	if err != nil {
		return nil, err
	}
	bld := eap.NewBuilder(eap.CodeResponse, p.Identifier, eap.TypeAKA, eap.SubtypeIdentity)
	if id != nil {
		bld.Add(eap.NewIdentity(id))
	}
	resp, err := a.finish(bld, nil, nil)
	if err != nil {
		return nil, err
	}
	if a.idHash == nil {
		a.idHash = sha1.New()
	}
	a.idHash.Write(pkt)
	a.idHash.Write(resp)
	return resp, nil
}

// checkcode 返回 Identity 轮次的 SHA-1 摘要，没有 Identity 轮次时为空
func (a *AKA) checkcode() []byte {
	if a.idHash == nil {
		return nil
	}
	return a.idHash.Sum(nil)
}

// handleChallenge 处理 AKA-Challenge (RFC 4187 §9.3, §9.4)
func (a *AKA) handleChallenge(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	switch a.state {
	case StateIdle, StateIdentity, StateChallenge:
	default:
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, "challenge in state "+a.state.String())
	}
	a.state = StateChallenge

	ra, ok := attrs.Lookup(eap.AT_RAND)
	if !ok {
		return nil, missing(eap.AT_RAND)
	}
	autn, ok := attrs.Lookup(eap.AT_AUTN)
	if !ok {
		return nil, missing(eap.AT_AUTN)
	}
	if !attrs.Has(eap.AT_MAC) {
		return nil, missing(eap.AT_MAC)
	}
	rands := ra.RANDs()
	if len(rands) != 1 {
		return nil, protoErr(ErrUnexpectedAttribute, eap.ClientErrorUnableToProcess,
			fmt.Sprintf("AT_RAND carries %d values", len(rands)))
	}

	res, ck, ik, auts, err := a.module.CalculateAKA(rands[0], autn.Fixed16())
	switch {
	case errors.Is(err, sim.ErrSyncFailure):
		return a.syncFailure(p.Identifier, auts)
	case errors.Is(err, sim.ErrAuthFailed):
		resp, rerr := eap.NewAuthReject(p.Identifier)
		if rerr != nil {
			return nil, internalErr("encode authentication reject", rerr)
		}
		return resp, protoErr(ErrNetworkAuthFailed, noClientError, "")
	case err != nil:
		return nil, internalErr("AKA authentication", err)
	}
	if len(ck) != ckLen || len(ik) != ikLen || len(res) < resMinLen || len(res) > resMaxLen {
		return nil, internalErr("AKA authentication",
			fmt.Errorf("module returned RES %d, CK %d, IK %d bytes", len(res), len(ck), len(ik)))
	}

	mk, err := crypto.DeriveAKAMasterKey(a.identity, ik, ck)
	if err != nil {
		return nil, internalErr("derive MK", err)
	}
	km, err := crypto.ExpandMasterKey(mk)
	if err != nil {
		return nil, internalErr("expand MK", err)
	}
	if err := a.verifyMAC(pkt, attrs, km.KAut, nil); err != nil {
		km.Zero()
		return nil, err
	}

	// 服务器发送 AT_CHECKCODE 时必须与本端的 Identity 轮次一致
	cc, hasCC := attrs.Lookup(eap.AT_CHECKCODE)
	own := a.checkcode()
	if hasCC && !bytes.Equal(cc.Data(), own) {
		km.Zero()
		return nil, protoErr(ErrCheckcodeMismatch, eap.ClientErrorUnableToProcess, "")
	}

	inner, err := a.decryptOptional(attrs, km.KEncr)
	if err != nil {
		km.Zero()
		return nil, err
	}

	bld := eap.NewBuilder(eap.CodeResponse, p.Identifier, eap.TypeAKA, eap.SubtypeChallenge).
		Add(eap.NewRES(res))
	if hasCC {
		bld.Add(eap.NewCheckcode(own))
	}
	if a.wantResultInd(attrs) {
		bld.Add(eap.NewFlag(eap.AT_RESULT_IND))
	}
	bld.AddMAC()
	resp, err := a.finish(bld, km.KAut, nil)
	if err != nil {
		km.Zero()
		return nil, err
	}
	if err := a.completeFull(km, inner); err != nil {
		return nil, err
	}
	return resp, nil
}

// syncFailure 回复 AKA-Synchronization-Failure，会话留在 Challenge 等待新的挑战
func (a *AKA) syncFailure(id uint8, auts []byte) ([]byte, error) {
	if len(auts) != autsLen {
		return nil, internalErr("AKA authentication", fmt.Errorf("sync failure with %d byte AUTS", len(auts)))
	}
	resp, err := eap.NewSyncFailure(id, auts)
	if err != nil {
		return nil, internalErr("encode synchronization failure", err)
	}
	a.obs.OnAuthResult(a.name, KindFull, ResultSyncFailure)
	a.log.Warn("SQN 不同步，发送 AUTS", logger.Uint8("id", id))
	return resp, nil
}
