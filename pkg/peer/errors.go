package peer

import (
	"errors"
	"fmt"

	"github.com/iniwex5/simaka-go/pkg/eap"
)

// 协议错误原因。通过 errors.Is 与 *ProtocolError 匹配。
var (
	ErrTooManyIdentityRounds  = errors.New("too many identity rounds")
	ErrIdentityRequestOrder   = errors.New("identity request not more specific than previous round")
	ErrMultipleIdentityReqs   = errors.New("more than one identity request attribute")
	ErrUnsupportedVersion     = errors.New("no supported EAP-SIM version")
	ErrInsufficientChallenges = errors.New("insufficient number of challenges")
	ErrRANDsNotFresh          = errors.New("duplicate RAND values")
	ErrMACMismatch            = errors.New("AT_MAC verification failed")
	ErrMissingAttribute       = errors.New("mandatory attribute missing")
	ErrUnexpectedAttribute    = errors.New("attribute not allowed here")
	ErrUnexpectedMessage      = errors.New("message not allowed in current state")
	ErrNoReauthContext        = errors.New("no fast re-authentication context")
	ErrCheckcodeMismatch      = errors.New("AT_CHECKCODE mismatch")
	ErrSuccessBeforeAuth      = errors.New("success notification before authentication")
	ErrNetworkAuthFailed      = errors.New("network authentication (AUTN) failed")
	ErrUnexpectedSuccess      = errors.New("EAP-Success before method completed")
	ErrEncryptedData          = errors.New("invalid encrypted attributes")
	ErrMalformedPacket        = errors.New("malformed EAP header")
)

// noClientError 表示该错误不需要 Client-Error 响应
const noClientError = -1

// ProtocolError 是对端违反协议导致的错误，会话进入 Failure。
// Code >= 0 时同时返回携带该 AT_CLIENT_ERROR_CODE 的 Client-Error 响应。
type ProtocolError struct {
	Err    error
	Code   int
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("eap-sim/aka protocol error: %v (%s)", e.Err, e.Detail)
	}
	return fmt.Sprintf("eap-sim/aka protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(err error, code int, detail string) *ProtocolError {
	return &ProtocolError{Err: err, Code: code, Detail: detail}
}

func missing(attr uint8) *ProtocolError {
	return protoErr(ErrMissingAttribute, eap.ClientErrorUnableToProcess, eap.AttrName(attr))
}

// InternalError 是本端资源或外部 SIM 模块的失败，与 ProtocolError 分开，
// 调用方可以决定是否重试。
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("eap-sim/aka internal error: %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func internalErr(op string, err error) *InternalError {
	return &InternalError{Op: op, Err: err}
}

// clientErrorCode 将错误映射为 Client-Error 代码，不需要响应时返回 -1
func clientErrorCode(err error) int {
	var pe *eap.ParseError
	var pr *ProtocolError
	switch {
	case errors.As(err, &pe):
		return eap.ClientErrorUnableToProcess
	case errors.As(err, &pr):
		return pr.Code
	}
	return eap.ClientErrorUnableToProcess
}
