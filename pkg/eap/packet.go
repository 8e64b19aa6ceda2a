package eap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EAP 代码
const (
	CodeRequest  = 1
	CodeResponse = 2
	CodeSuccess  = 3
	CodeFailure  = 4
)

// EAP 类型
const (
	TypeIdentity     = 1
	TypeNotification = 2
	TypeNak          = 3
	TypeSIM          = 18 // EAP-SIM (RFC 4186, 2G)
	TypeAKA          = 23 // EAP-AKA (RFC 4187, 3G/4G)
)

// EAP-SIM 子类型 (RFC 4186 §11)
const (
	SubtypeSIMStart     = 10
	SubtypeSIMChallenge = 11
)

// EAP-AKA 子类型 (RFC 4187 §11)
const (
	SubtypeChallenge   = 1
	SubtypeAuthReject  = 2
	SubtypeSyncFailure = 4
	SubtypeIdentity    = 5
)

// SIM 与 AKA 共用的子类型
const (
	SubtypeNotification     = 12
	SubtypeReauthentication = 13 // Fast Re-authentication (RFC 4187 §5)
	SubtypeClientError      = 14
)

const (
	// HeaderLen 是 EAP 基本头 (Code, Identifier, Length)
	HeaderLen = 4
	// SimAkaHeaderLen 是 SIM/AKA 报文头: Code, ID, Len, Type, Subtype, Reserved(2)
	SimAkaHeaderLen = 8
	// MaxPacketLen 是 Length 字段能表达的最大长度
	MaxPacketLen = 0xffff
)

var (
	ErrShortPacket    = errors.New("EAP packet too short")
	ErrLengthMismatch = errors.New("EAP length exceeds data")
)

type EAPPacket struct {
	Code       uint8
	Identifier uint8
	Type       uint8  // 仅当 Code 为 Request/Response 时
	Subtype    uint8  // 仅当 Type 为 SIM/AKA 时
	Data       []byte // SIM/AKA 为属性区，其它类型为 Type-Data
}

// IsSimAka 判断类型是否使用 8 字节 SIM/AKA 头
func IsSimAka(t uint8) bool {
	return t == TypeSIM || t == TypeAKA
}

// Parse 解析 EAP 报文。Length 字段之后的多余字节被忽略 (RFC 3748 §4.1)。
func Parse(data []byte) (*EAPPacket, error) {
	if len(data) < HeaderLen {
		return nil, ErrShortPacket
	}

	p := &EAPPacket{
		Code:       data[0],
		Identifier: data[1],
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < HeaderLen {
		return nil, fmt.Errorf("EAP length field %d below header size", length)
	}
	if length > len(data) {
		return nil, ErrLengthMismatch
	}

	switch p.Code {
	case CodeRequest, CodeResponse:
		if length < HeaderLen+1 {
			return nil, errors.New("EAP request/response without type")
		}
		p.Type = data[4]
		if IsSimAka(p.Type) {
			// Code, ID, Len, Type, Subtype, Reserved(2), Attributes...
			if length < SimAkaHeaderLen {
				return nil, fmt.Errorf("EAP type %d header truncated", p.Type)
			}
			p.Subtype = data[5]
			p.Data = data[SimAkaHeaderLen:length]
		} else {
			p.Data = data[HeaderLen+1 : length]
		}
	case CodeSuccess, CodeFailure:
		// Success/Failure 没有 Type/Data
	default:
		return nil, fmt.Errorf("unsupported EAP code %d", p.Code)
	}

	return p, nil
}

// Len 返回编码后的长度
func (p *EAPPacket) Len() int {
	length := HeaderLen
	if p.Code == CodeRequest || p.Code == CodeResponse {
		length++ // Type
		if IsSimAka(p.Type) {
			length += 3 // 子类型 + 保留
		}
		length += len(p.Data)
	}
	return length
}

func (p *EAPPacket) Encode() ([]byte, error) {
	length := p.Len()
	if length > MaxPacketLen {
		return nil, ErrBufferExhausted
	}

	buf := make([]byte, length)
	buf[0] = p.Code
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	if p.Code == CodeRequest || p.Code == CodeResponse {
		buf[4] = p.Type
		if IsSimAka(p.Type) {
			buf[5] = p.Subtype
			buf[6] = 0 // Reserved
			buf[7] = 0
			copy(buf[SimAkaHeaderLen:], p.Data)
		} else {
			copy(buf[HeaderLen+1:], p.Data)
		}
	}

	return buf, nil
}

// NewIdentityResponse 构造 EAP-Response/Identity
func NewIdentityResponse(id uint8, identity []byte) *EAPPacket {
	return &EAPPacket{
		Code:       CodeResponse,
		Identifier: id,
		Type:       TypeIdentity,
		Data:       identity,
	}
}
