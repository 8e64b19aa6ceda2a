// Package peer 实现 EAP-SIM (RFC 4186) 与 EAP-AKA (RFC 4187) 的客户端状态机。
//
// 每个会话是一个 Method 值 (*SIM 或 *AKA)，由调用方按顺序喂入 EAP 请求报文，
// Process 返回需要发送的响应。SIM 模块与持久化存储通过 Config 注入。
package peer

import "github.com/iniwex5/simaka-go/pkg/eap"

// Method 是一个 EAP 方法会话
type Method interface {
	// Type 返回 EAP 类型号 (18 或 23)
	Type() uint8
	Name() string
	// Init 读取永久身份与持久状态，选择 EAP-Response/Identity 中使用的身份
	Init() error
	// Process 处理一个 EAP 报文。可能同时返回响应 (例如 Client-Error) 与错误。
	Process(pkt []byte) ([]byte, error)
	// SessionKey 返回 MSK，仅在成功后有效
	SessionKey() []byte
	// EMSK 返回扩展主会话密钥，仅在成功后有效
	EMSK() []byte
	// CurrentIdentity 返回当前使用的身份
	CurrentIdentity() []byte
	IsSuccess() bool
	// Reauthenticated 报告本次成功是否来自快速重认证
	Reauthenticated() bool
	State() State
	// Free 清除会话中的密钥材料
	Free()
}

// State 是会话状态
type State int

const (
	StateIdle State = iota
	StateIdentity
	StateChallenge
	StateReauth
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIdentity:
		return "identity"
	case StateChallenge:
		return "challenge"
	case StateReauth:
		return "reauth"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	}
	return "unknown"
}

// NotificationOutcome 是 AT_NOTIFICATION 对调用方可见的结果
type NotificationOutcome int

const (
	NotificationGeneralFailureAfterAuth NotificationOutcome = iota + 1
	NotificationGeneralFailureBeforeAuth
	NotificationSuccess
	NotificationTemporarilyDenied
	NotificationNotSubscribed
	NotificationUnrecognized
)

func (o NotificationOutcome) String() string {
	switch o {
	case NotificationGeneralFailureAfterAuth:
		return "general_failure_after_auth"
	case NotificationGeneralFailureBeforeAuth:
		return "general_failure_before_auth"
	case NotificationSuccess:
		return "success"
	case NotificationTemporarilyDenied:
		return "temporarily_denied"
	case NotificationNotSubscribed:
		return "not_subscribed"
	case NotificationUnrecognized:
		return "unrecognized"
	}
	return "none"
}

// OutcomeForCode 将通知代码映射为结果
func OutcomeForCode(code uint16) NotificationOutcome {
	switch code {
	case eap.NotificationGeneralFailureAfterAuth:
		return NotificationGeneralFailureAfterAuth
	case eap.NotificationGeneralFailure:
		return NotificationGeneralFailureBeforeAuth
	case eap.NotificationSuccess:
		return NotificationSuccess
	case eap.NotificationTemporarilyDenied:
		return NotificationTemporarilyDenied
	case eap.NotificationNotSubscribed:
		return NotificationNotSubscribed
	}
	return NotificationUnrecognized
}

// 认证结果标签
const (
	KindFull   = "full"
	KindReauth = "reauth"

	ResultSuccess         = "success"
	ResultFailure         = "failure"
	ResultCounterTooSmall = "counter_too_small"
	ResultSyncFailure     = "sync_failure"
)

// Observer 接收会话事件，用于指标统计。方法必须是非阻塞的。
type Observer interface {
	OnAuthResult(method, kind, result string)
	OnClientError(method string, code uint16)
	OnNotification(method string, outcome NotificationOutcome)
}

type nopObserver struct{}

func (nopObserver) OnAuthResult(string, string, string)        {}
func (nopObserver) OnClientError(string, uint16)               {}
func (nopObserver) OnNotification(string, NotificationOutcome) {}
