package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/iniwex5/simaka-go/pkg/crypto"
)

// SoftSIM 软件 SIM 实现 (使用 Milenage 算法)
// 不需要物理 SIM 卡，用于测试或特殊场景。
// 同时实现 AKAModule 与 GSMModule，GSM 结果由 c2/c3 转换得到。
type SoftSIM struct {
	IMSI     string
	milenage *crypto.Milenage

	mu    sync.Mutex
	sqnMS uint64 // 已接受的最大 SQN
}

var (
	_ AKAModule = (*SoftSIM)(nil)
	_ GSMModule = (*SoftSIM)(nil)
)

// NewSoftSIM 创建软件 SIM
// k: 128 位用户密钥 (Ki)
// op: 128 位运营商密钥 (OP 或 OPc)
// useOPc: 如果为 true，使用 OPc；否则使用 OP
func NewSoftSIM(imsi string, k, op []byte, useOPc bool) (*SoftSIM, error) {
	m, err := crypto.NewMilenage(k, op, useOPc)
	if err != nil {
		return nil, err
	}
	return &SoftSIM{IMSI: imsi, milenage: m}, nil
}

// GetIMSI 返回 IMSI
func (s *SoftSIM) GetIMSI() (string, error) {
	if s.IMSI == "" {
		return "", ErrSIMNotPresent
	}
	return s.IMSI, nil
}

// CalculateAKA 执行 AKA 认证
// 返回: RES, CK, IK；SQN 不同步时返回 AUTS
func (s *SoftSIM) CalculateAKA(rand, autn []byte) (res, ck, ik, auts []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.milenage.VerifyAUTN(rand, autn, s.sqnMS)
	switch {
	case errors.Is(err, crypto.ErrSQNOutOfRange):
		return nil, nil, nil, r.AUTS, ErrSyncFailure
	case errors.Is(err, crypto.ErrAUTNMACFailure):
		return nil, nil, nil, nil, ErrAuthFailed
	case err != nil:
		return nil, nil, nil, nil, err
	}

	s.sqnMS = r.SQN
	return r.RES, r.CK, r.IK, nil, nil
}

// CalculateGSM 对每个 RAND 计算 Kc/SRES
func (s *SoftSIM) CalculateGSM(rands [][]byte) (kc, sres [][]byte, err error) {
	kc = make([][]byte, 0, len(rands))
	sres = make([][]byte, 0, len(rands))
	for i, r := range rands {
		sr, k, err := s.milenage.GSMTriplet(r)
		if err != nil {
			return nil, nil, fmt.Errorf("RAND[%d]: %w", i, err)
		}
		kc = append(kc, k)
		sres = append(sres, sr)
	}
	return kc, sres, nil
}

// Close 关闭 (无操作)
func (s *SoftSIM) Close() error {
	return nil
}

// SetSQN 设置已接受的最大 SQN
func (s *SoftSIM) SetSQN(sqn uint64) {
	s.mu.Lock()
	s.sqnMS = sqn
	s.mu.Unlock()
}

// GetSQN 获取已接受的最大 SQN
func (s *SoftSIM) GetSQN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sqnMS
}
