package eap

import "fmt"

// AT_NOTIFICATION 代码 (RFC 4186 §10.18, RFC 4187 §10.19)
const (
	// S 位为 1 表示成功通知
	NotificationSBit = 0x8000
	// P 位为 1 表示发生在认证之前 (不带 AT_MAC)
	NotificationPBit = 0x4000

	NotificationGeneralFailureAfterAuth = 0
	NotificationGeneralFailure          = 16384
	NotificationSuccess                 = 32768
	NotificationTemporarilyDenied       = 1026
	NotificationNotSubscribed           = 1031
)

// NotificationBeforeAuth 报告 P 位是否为 1
func NotificationBeforeAuth(code uint16) bool { return code&NotificationPBit != 0 }

// NotificationIsSuccess 报告 S 位是否为 1
func NotificationIsSuccess(code uint16) bool { return code&NotificationSBit != 0 }

// NotificationText 返回通知代码的说明
func NotificationText(code uint16) string {
	switch code {
	case NotificationGeneralFailureAfterAuth:
		return "general failure after authentication"
	case NotificationGeneralFailure:
		return "general failure"
	case NotificationSuccess:
		return "success"
	case NotificationTemporarilyDenied:
		return "temporarily denied access"
	case NotificationNotSubscribed:
		return "user has not subscribed to the requested service"
	}
	return fmt.Sprintf("unrecognized notification %d", code)
}

// AT_CLIENT_ERROR_CODE 值 (RFC 4186 §10.19)
const (
	ClientErrorUnableToProcess    = 0
	ClientErrorUnsupportedVersion = 1
	ClientErrorInsufficientChalls = 2
	ClientErrorRANDsNotFresh      = 3
)

// SIM 版本号
const SIMVersion1 = 1

// NewClientError 构造 Client-Error 响应
func NewClientError(id, typ uint8, code uint16) ([]byte, error) {
	return NewBuilder(CodeResponse, id, typ, SubtypeClientError).
		Add(NewUint16(AT_CLIENT_ERROR_CODE, code)).
		Finish(nil)
}

// NewAuthReject 构造 AKA-Authentication-Reject 响应
func NewAuthReject(id uint8) ([]byte, error) {
	return NewBuilder(CodeResponse, id, TypeAKA, SubtypeAuthReject).Finish(nil)
}

// NewSyncFailure 构造 AKA-Synchronization-Failure 响应，携带 AT_AUTS (RFC 4187 §9.6)
func NewSyncFailure(id uint8, auts []byte) ([]byte, error) {
	return NewBuilder(CodeResponse, id, TypeAKA, SubtypeSyncFailure).
		Add(NewAUTS(auts)).
		Finish(nil)
}
