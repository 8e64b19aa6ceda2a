package sim

import "errors"

// SIMProvider 是 SIM/USIM 凭证来源的公共部分
type SIMProvider interface {
	// 获取 IMSI (International Mobile Subscriber Identity)
	GetIMSI() (string, error)

	// 关闭资源 (如串口)
	Close() error
}

// AKAModule 执行 USIM AUTHENTICATE (3G 安全上下文)
type AKAModule interface {
	SIMProvider

	// rand: 16 bytes 随机数
	// autn: 16 bytes 认证令牌
	// 返回: res, ck, ik；SQN 不同步时返回 auts 与 ErrSyncFailure，
	// AUTN 校验失败时返回 ErrAuthFailed
	CalculateAKA(rand []byte, autn []byte) (res, ck, ik, auts []byte, err error)
}

// GSMModule 执行 GSM 算法 (A3/A8)，每个 RAND 得到一组 Kc(8)/SRES(4)
type GSMModule interface {
	SIMProvider

	CalculateGSM(rands [][]byte) (kc, sres [][]byte, err error)
}

type IMEIProvider interface {
	GetIMEI() (string, error)
}

var (
	ErrSIMNotPresent = errors.New("SIM card not present")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrSyncFailure   = errors.New("synchronization failure")
)
