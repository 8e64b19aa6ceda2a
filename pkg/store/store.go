// Package store 保存跨会话的身份状态: 假名、快速重认证 ID、MK 与 counter。
// 这些数据决定了防重放 (counter 单调) 和快速重认证能否进行。
package store

import (
	"errors"
	"time"
)

// Method 区分 EAP-SIM 与 EAP-AKA 的状态，两者互不共享
type Method string

const (
	MethodSIM Method = "sim"
	MethodAKA Method = "aka"
)

var (
	ErrNotFound     = errors.New("identity state not found")
	ErrInvalidState = errors.New("invalid identity state")
)

// IdentityState 是一个永久身份的持久状态
type IdentityState struct {
	Method    Method    `yaml:"method"`
	Permanent string    `yaml:"permanent"`
	Pseudonym string    `yaml:"pseudonym,omitempty"`
	ReauthID  string    `yaml:"reauth_id,omitempty"`
	MK        []byte    `yaml:"mk,omitempty"`
	Counter   uint16    `yaml:"counter"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// CanReauth 报告是否具备快速重认证所需的 ID 与 MK
func (s *IdentityState) CanReauth() bool {
	return s != nil && s.ReauthID != "" && len(s.MK) == 20
}

// ForgetReauth 丢弃快速重认证上下文
func (s *IdentityState) ForgetReauth() {
	for i := range s.MK {
		s.MK[i] = 0
	}
	s.ReauthID = ""
	s.MK = nil
	s.Counter = 0
}

// Clone 返回深拷贝
func (s *IdentityState) Clone() *IdentityState {
	if s == nil {
		return nil
	}
	c := *s
	c.MK = append([]byte(nil), s.MK...)
	if len(c.MK) == 0 {
		c.MK = nil
	}
	return &c
}

func (s *IdentityState) validate() error {
	if s == nil || s.Permanent == "" || (s.Method != MethodSIM && s.Method != MethodAKA) {
		return ErrInvalidState
	}
	if len(s.MK) != 0 && len(s.MK) != 20 {
		return ErrInvalidState
	}
	return nil
}

// Store 是持久化的 load/save 契约。实现必须保证 Save 后 Load 返回相同内容。
type Store interface {
	Load(method Method, permanent string) (*IdentityState, error)
	Save(state *IdentityState) error
}
