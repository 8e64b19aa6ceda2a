package peer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/logger"
	"github.com/iniwex5/simaka-go/pkg/sim"
	"github.com/iniwex5/simaka-go/pkg/store"
)

const (
	nonceMTLen = 16
	kcLen      = 8
	sresLen    = 4
)

// SIM 是 EAP-SIM (RFC 4186) 客户端会话
type SIM struct {
	base
	module sim.GSMModule

	// 同一次交换的多轮 Start 复用同一个 NONCE_MT
	nonceMT     []byte
	versionList []byte
	// startFull 表示最近一次 Start 响应携带了 NONCE_MT，可以进入 Challenge
	startFull bool
}

var _ Method = (*SIM)(nil)

func NewSIM(cfg Config, module sim.GSMModule) (*SIM, error) {
	if module == nil {
		return nil, errors.New("EAP-SIM 需要 GSM 模块")
	}
	s := &SIM{module: module}
	if err := s.setup(cfg, eap.TypeSIM, "EAP-SIM", store.MethodSIM, prefixSIM, module); err != nil {
		return nil, err
	}
	s.handle = s.handleRequest
	s.resetMethod = s.resetStart
	return s, nil
}

func (s *SIM) handleRequest(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	switch p.Subtype {
	case eap.SubtypeSIMStart:
		return s.handleStart(p, attrs)
	case eap.SubtypeSIMChallenge:
		return s.handleChallenge(p, pkt, attrs)
	}
	return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, fmt.Sprintf("EAP-SIM subtype %d", p.Subtype))
}

// handleStart 处理 SIM/Start (RFC 4186 §9.2, §9.3)
func (s *SIM) handleStart(p *eap.EAPPacket, attrs eap.AttributeList) ([]byte, error) {
	vl, ok := attrs.Lookup(eap.AT_VERSION_LIST)
	if !ok {
		return nil, missing(eap.AT_VERSION_LIST)
	}
	supported := false
	for _, v := range vl.Versions() {
		if v == eap.SIMVersion1 {
			supported = true
			break
		}
	}
	if !supported {
		return nil, protoErr(ErrUnsupportedVersion, eap.ClientErrorUnsupportedVersion,
			fmt.Sprintf("offered %v", vl.Versions()))
	}

	id, err := s.identityRound(attrs)
	if err != nil {
		return nil, err
	}
	s.versionList = append(s.versionList[:0], vl.Prefixed()...)

	bld := eap.NewBuilder(eap.CodeResponse, p.Identifier, eap.TypeSIM, eap.SubtypeSIMStart)
	if s.presentedReauthID(id) {
		// 使用重认证 ID 时不发送 NONCE_MT 与 SELECTED_VERSION (RFC 4186 §9.3)
		bld.Add(eap.NewIdentity(id))
		s.startFull = false
		return s.finish(bld, nil, nil)
	}

	if s.nonceMT == nil {
		s.nonceMT, err = crypto.ReadRandom(s.cfg.Rand, nonceMTLen)
		if err != nil {
			return nil, internalErr("generate NONCE_MT", err)
		}
	}
	bld.Add(
		eap.NewFixed16(eap.AT_NONCE_MT, s.nonceMT),
		eap.NewUint16(eap.AT_SELECTED_VERSION, eap.SIMVersion1),
	)
	if id != nil {
		bld.Add(eap.NewIdentity(id))
	}
	s.startFull = true
	return s.finish(bld, nil, nil)
}

// handleChallenge 处理 SIM/Challenge (RFC 4186 §9.3, §9.4)
func (s *SIM) handleChallenge(p *eap.EAPPacket, pkt []byte, attrs eap.AttributeList) ([]byte, error) {
	if s.state != StateIdentity || !s.startFull {
		return nil, protoErr(ErrUnexpectedMessage, eap.ClientErrorUnableToProcess, "challenge without full-auth start")
	}
	s.state = StateChallenge

	ra, ok := attrs.Lookup(eap.AT_RAND)
	if !ok {
		return nil, missing(eap.AT_RAND)
	}
	if !attrs.Has(eap.AT_MAC) {
		return nil, missing(eap.AT_MAC)
	}
	rands := ra.RANDs()
	if len(rands) > 3 {
		return nil, protoErr(ErrUnexpectedAttribute, eap.ClientErrorUnableToProcess,
			fmt.Sprintf("%d RANDs", len(rands)))
	}
	for i := range rands {
		for j := i + 1; j < len(rands); j++ {
			if bytes.Equal(rands[i], rands[j]) {
				return nil, protoErr(ErrRANDsNotFresh, eap.ClientErrorRANDsNotFresh, "")
			}
		}
	}
	if len(rands) < s.cfg.MinRANDs {
		return nil, protoErr(ErrInsufficientChallenges, eap.ClientErrorInsufficientChalls,
			fmt.Sprintf("%d < %d", len(rands), s.cfg.MinRANDs))
	}

	kcs, sres, err := s.module.CalculateGSM(rands)
	if err != nil {
		return nil, internalErr("GSM authentication", err)
	}
	if len(kcs) != len(rands) || len(sres) != len(rands) {
		return nil, internalErr("GSM authentication", fmt.Errorf("module returned %d Kc / %d SRES for %d RANDs", len(kcs), len(sres), len(rands)))
	}
	var sresAll []byte
	for i := range rands {
		if len(kcs[i]) != kcLen || len(sres[i]) != sresLen {
			return nil, internalErr("GSM authentication", fmt.Errorf("triplet %d: Kc %d bytes, SRES %d bytes", i, len(kcs[i]), len(sres[i])))
		}
		sresAll = append(sresAll, sres[i]...)
	}

	mk, err := crypto.DeriveSIMMasterKey(s.identity, kcs, s.nonceMT, s.versionList, eap.SIMVersion1)
	if err != nil {
		return nil, internalErr("derive MK", err)
	}
	km, err := crypto.ExpandMasterKey(mk)
	if err != nil {
		return nil, internalErr("expand MK", err)
	}
	if err := s.verifyMAC(pkt, attrs, km.KAut, s.nonceMT); err != nil {
		km.Zero()
		return nil, err
	}
	inner, err := s.decryptOptional(attrs, km.KEncr)
	if err != nil {
		km.Zero()
		return nil, err
	}

	bld := eap.NewBuilder(eap.CodeResponse, p.Identifier, eap.TypeSIM, eap.SubtypeSIMChallenge)
	if s.wantResultInd(attrs) {
		bld.Add(eap.NewFlag(eap.AT_RESULT_IND))
	}
	bld.AddMAC()
	resp, err := s.finish(bld, km.KAut, sresAll)
	if err != nil {
		km.Zero()
		return nil, err
	}
	if err := s.completeFull(km, inner); err != nil {
		return nil, err
	}
	s.log.Debug("SIM Challenge 完成", logger.Int("rands", len(rands)))
	return resp, nil
}

// resetStart 丢弃上一次交换的 NONCE_MT，新交换必须重新生成
func (s *SIM) resetStart() {
	for i := range s.nonceMT {
		s.nonceMT[i] = 0
	}
	s.nonceMT = nil
	s.versionList = nil
	s.startFull = false
}

func (s *SIM) Free() {
	s.base.Free()
	s.resetStart()
}
