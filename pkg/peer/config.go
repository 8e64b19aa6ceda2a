package peer

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/iniwex5/simaka-go/pkg/store"
)

const (
	// DefaultMinRANDs 是 EAP-SIM Challenge 默认要求的不同 RAND 数 (RFC 4186 §9.3)
	DefaultMinRANDs = 2
	// maxIdentityRounds 是一次交换中 Start/Identity 轮数上限 (RFC 4186 §4.2.7)
	maxIdentityRounds = 3
)

type Config struct {
	// Identity 覆盖由 IMSI 生成的永久身份
	Identity string
	// 可选的 PLMN，未设置时从 IMSI 中取
	MCC string
	MNC string
	// Realm 覆盖 3GPP 默认域 (nai.epc.mnc<MNC>.mcc<MCC>.3gppnetwork.org)
	Realm string

	// Store 保存假名、重认证 ID 与 counter；nil 时使用仅存在于本会话的内存存储
	Store store.Store

	// MinRANDs 为 2 或 3，0 表示 DefaultMinRANDs
	MinRANDs int
	// ResultInd 允许在服务器提供 AT_RESULT_IND 时回显
	ResultInd bool
	// MaxResponseLen 限制响应报文长度，0 表示 EAP 上限 65535
	MaxResponseLen int

	// Rand 是 NONCE_MT 与 AT_IV 的随机源，nil 表示 crypto/rand
	Rand io.Reader

	Logger   *zap.Logger
	Observer Observer
}

func (c *Config) validate() error {
	switch c.MinRANDs {
	case 0:
		c.MinRANDs = DefaultMinRANDs
	case 2, 3:
	default:
		return fmt.Errorf("MinRANDs 必须是 2 或 3: %d", c.MinRANDs)
	}
	if c.MaxResponseLen < 0 {
		return fmt.Errorf("MaxResponseLen 无效: %d", c.MaxResponseLen)
	}
	return nil
}
