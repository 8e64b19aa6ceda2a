package eap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SIM/AKA 属性 (RFC 4186 §10, RFC 4187 §10)
const (
	AT_RAND              = 1
	AT_AUTN              = 2
	AT_RES               = 3
	AT_AUTS              = 4
	AT_PADDING           = 6
	AT_NONCE_MT          = 7
	AT_PERMANENT_ID_REQ  = 10
	AT_MAC               = 11
	AT_NOTIFICATION      = 12
	AT_ANY_ID_REQ        = 13
	AT_IDENTITY          = 14
	AT_VERSION_LIST      = 15
	AT_SELECTED_VERSION  = 16
	AT_FULLAUTH_ID_REQ   = 17
	AT_COUNTER           = 19
	AT_COUNTER_TOO_SMALL = 20
	AT_NONCE_S           = 21
	AT_CLIENT_ERROR_CODE = 22
	AT_CHECKCODE         = 23  // 仅 EAP-AKA
	AT_IV                = 129 // 加密向量 (RFC 4187 §10.12)
	AT_ENCR_DATA         = 130 // 加密数据 (RFC 4187 §10.12)
	AT_NEXT_PSEUDONYM    = 132 // 下次的临时假名
	AT_NEXT_REAUTH_ID    = 133 // 下次的快速重认证 ID (RFC 4187 §10.15)
	AT_RESULT_IND        = 135
)

// SkippableAttrMin 以上的未知属性可以忽略，以下的未知属性必须拒绝
const SkippableAttrMin = 128

const (
	randLen   = 16
	nonceLen  = 16
	macLen    = 16
	autsLen   = 14
	ivLen     = 16
	ckSumLen  = 20 // AT_CHECKCODE 中的 SHA-1 摘要
	maxRANDs  = 3
	attrUnit  = 4
	attrHdrSz = 2
)

var attrNames = map[uint8]string{
	AT_RAND:              "AT_RAND",
	AT_AUTN:              "AT_AUTN",
	AT_RES:               "AT_RES",
	AT_AUTS:              "AT_AUTS",
	AT_PADDING:           "AT_PADDING",
	AT_NONCE_MT:          "AT_NONCE_MT",
	AT_PERMANENT_ID_REQ:  "AT_PERMANENT_ID_REQ",
	AT_MAC:               "AT_MAC",
	AT_NOTIFICATION:      "AT_NOTIFICATION",
	AT_ANY_ID_REQ:        "AT_ANY_ID_REQ",
	AT_IDENTITY:          "AT_IDENTITY",
	AT_VERSION_LIST:      "AT_VERSION_LIST",
	AT_SELECTED_VERSION:  "AT_SELECTED_VERSION",
	AT_FULLAUTH_ID_REQ:   "AT_FULLAUTH_ID_REQ",
	AT_COUNTER:           "AT_COUNTER",
	AT_COUNTER_TOO_SMALL: "AT_COUNTER_TOO_SMALL",
	AT_NONCE_S:           "AT_NONCE_S",
	AT_CLIENT_ERROR_CODE: "AT_CLIENT_ERROR_CODE",
	AT_CHECKCODE:         "AT_CHECKCODE",
	AT_IV:                "AT_IV",
	AT_ENCR_DATA:         "AT_ENCR_DATA",
	AT_NEXT_PSEUDONYM:    "AT_NEXT_PSEUDONYM",
	AT_NEXT_REAUTH_ID:    "AT_NEXT_REAUTH_ID",
	AT_RESULT_IND:        "AT_RESULT_IND",
}

// AttrName 返回属性名，未知类型返回数字形式
func AttrName(t uint8) string {
	if n, ok := attrNames[t]; ok {
		return n
	}
	return fmt.Sprintf("AT_%d", t)
}

// ParseError 表示属性流格式错误 (截断、长度非法、未知的必选属性)
type ParseError struct {
	Type   uint8
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("eap: %s at offset %d: %s", AttrName(e.Type), e.Offset, e.Reason)
}

var ErrBufferExhausted = errors.New("eap: output buffer exhausted")

// Attribute 是一个已校验的 TLV 属性。只能由解码器或本包的构造函数创建，
// 因此访问器可以假定值长度符合该类型的规则。
type Attribute struct {
	typ   uint8
	value []byte // Length*4-2 字节，包含保留字段与填充
	off   int    // 属性头在所属属性区中的偏移
}

func (a Attribute) Type() uint8 { return a.typ }

// Value 返回原始值 (不含类型和长度字节)
func (a Attribute) Value() []byte { return a.value }

// Offset 返回属性在解码缓冲区中的起始偏移
func (a Attribute) Offset() int { return a.off }

// Skippable 报告属性是否属于可忽略范围
func (a Attribute) Skippable() bool { return a.typ >= SkippableAttrMin }

// Len 返回编码后的字节数
func (a Attribute) Len() int { return attrHdrSz + len(a.value) }

func (a Attribute) String() string {
	return fmt.Sprintf("%s(%d)", AttrName(a.typ), len(a.value))
}

// Encode 将属性追加到 dst
func (a Attribute) Encode(dst []byte) []byte {
	dst = append(dst, a.typ, byte(a.Len()/attrUnit))
	return append(dst, a.value...)
}

// Uint16 读取 2 字节值的属性 (AT_NOTIFICATION, AT_COUNTER, AT_SELECTED_VERSION, AT_CLIENT_ERROR_CODE)
func (a Attribute) Uint16() uint16 {
	if len(a.value) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(a.value)
}

// Fixed16 返回跳过 2 字节保留字段后的 16 字节值
// (AT_AUTN, AT_NONCE_MT, AT_NONCE_S, AT_IV, AT_MAC)
func (a Attribute) Fixed16() []byte {
	if len(a.value) < 2+16 {
		return nil
	}
	return a.value[2:18]
}

// RANDs 拆分 AT_RAND 中的每个 16 字节 RAND
func (a Attribute) RANDs() [][]byte {
	if a.typ != AT_RAND {
		return nil
	}
	body := a.value[2:]
	out := make([][]byte, 0, len(body)/randLen)
	for i := 0; i+randLen <= len(body); i += randLen {
		out = append(out, body[i:i+randLen])
	}
	return out
}

// Prefixed 返回带“实际长度”前缀的值
// (AT_IDENTITY, AT_NEXT_PSEUDONYM, AT_NEXT_REAUTH_ID, AT_VERSION_LIST)
func (a Attribute) Prefixed() []byte {
	if len(a.value) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(a.value))
	if 2+n > len(a.value) {
		return nil
	}
	return a.value[2 : 2+n]
}

// Versions 解析 AT_VERSION_LIST
func (a Attribute) Versions() []uint16 {
	list := a.Prefixed()
	out := make([]uint16, 0, len(list)/2)
	for i := 0; i+2 <= len(list); i += 2 {
		out = append(out, binary.BigEndian.Uint16(list[i:]))
	}
	return out
}

// RES 返回 AT_RES 中按比特长度截取的 RES
func (a Attribute) RES() []byte {
	if len(a.value) < 2 {
		return nil
	}
	bits := int(binary.BigEndian.Uint16(a.value))
	n := (bits + 7) / 8
	if 2+n > len(a.value) {
		return nil
	}
	return a.value[2 : 2+n]
}

// AUTS 返回 14 字节 AUTS
func (a Attribute) AUTS() []byte {
	if len(a.value) < autsLen {
		return nil
	}
	return a.value[:autsLen]
}

// Data 返回跳过 2 字节保留字段后的剩余部分 (AT_ENCR_DATA 密文, AT_CHECKCODE 摘要)
func (a Attribute) Data() []byte {
	if len(a.value) < 2 {
		return nil
	}
	return a.value[2:]
}

// AttributeList 是一个报文中按顺序出现的属性
type AttributeList []Attribute

// Lookup 返回第一个匹配的属性
func (l AttributeList) Lookup(t uint8) (Attribute, bool) {
	for _, a := range l {
		if a.typ == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Has 报告属性是否存在
func (l AttributeList) Has(t uint8) bool {
	_, ok := l.Lookup(t)
	return ok
}

// Len 返回编码后的总字节数
func (l AttributeList) Len() int {
	n := 0
	for _, a := range l {
		n += a.Len()
	}
	return n
}

// Encode 序列化属性列表，超过 limit 时返回 ErrBufferExhausted。limit<=0 表示不限制。
func (l AttributeList) Encode(limit int) ([]byte, error) {
	n := l.Len()
	if limit > 0 && n > limit {
		return nil, ErrBufferExhausted
	}
	buf := make([]byte, 0, n)
	for _, a := range l {
		buf = a.Encode(buf)
	}
	return buf, nil
}

// DecodeAttributes 解析 4 字节对齐的属性流。成功时恰好消费 len(data) 字节。
func DecodeAttributes(data []byte) (AttributeList, error) {
	var list AttributeList
	offset := 0

	for offset < len(data) {
		if offset+attrHdrSz > len(data) {
			return nil, &ParseError{Offset: offset, Reason: "truncated attribute header"}
		}

		aType := data[offset]
		aLen := int(data[offset+1]) * attrUnit // 长度以 4 字节为单位

		if aLen == 0 {
			return nil, &ParseError{Type: aType, Offset: offset, Reason: "attribute length zero"}
		}
		if offset+aLen > len(data) {
			return nil, &ParseError{Type: aType, Offset: offset, Reason: "attribute length exceeds data"}
		}

		a := Attribute{
			typ:   aType,
			value: data[offset+attrHdrSz : offset+aLen],
			off:   offset,
		}
		if err := validate(a); err != nil {
			return nil, err
		}
		list = append(list, a)

		offset += aLen
	}
	return list, nil
}

func validate(a Attribute) error {
	n := len(a.value)
	bad := func(reason string, args ...any) error {
		return &ParseError{Type: a.typ, Offset: a.off, Reason: fmt.Sprintf(reason, args...)}
	}

	switch a.typ {
	case AT_RAND:
		if n < 2+randLen || (n-2)%randLen != 0 {
			return bad("invalid RAND length %d", n)
		}
	case AT_AUTN, AT_NONCE_MT, AT_NONCE_S, AT_IV, AT_MAC:
		if n != 2+16 {
			return bad("expected 18 value bytes, got %d", n)
		}
	case AT_RES:
		if n < 2+4 || n > 2+16 {
			return bad("invalid RES length %d", n)
		}
		bits := int(binary.BigEndian.Uint16(a.value))
		if bits == 0 || (bits+7)/8 > n-2 {
			return bad("RES bit length %d exceeds payload", bits)
		}
	case AT_AUTS:
		if n != autsLen {
			return bad("expected 14 value bytes, got %d", n)
		}
	case AT_PADDING:
		if n != 2 && n != 6 && n != 10 {
			return bad("invalid padding length %d", n)
		}
		for _, b := range a.value {
			if b != 0 {
				return bad("non-zero padding")
			}
		}
	case AT_PERMANENT_ID_REQ, AT_ANY_ID_REQ, AT_FULLAUTH_ID_REQ,
		AT_COUNTER_TOO_SMALL, AT_RESULT_IND,
		AT_NOTIFICATION, AT_SELECTED_VERSION, AT_COUNTER, AT_CLIENT_ERROR_CODE:
		if n != 2 {
			return bad("expected 2 value bytes, got %d", n)
		}
	case AT_IDENTITY, AT_NEXT_PSEUDONYM, AT_NEXT_REAUTH_ID, AT_VERSION_LIST:
		actual := int(binary.BigEndian.Uint16(a.value))
		if 2+actual > n {
			return bad("actual length %d exceeds payload", actual)
		}
		if a.typ == AT_VERSION_LIST && (actual < 2 || actual%2 != 0) {
			return bad("invalid version list length %d", actual)
		}
	case AT_ENCR_DATA:
		// 密文长度在解密时校验
	case AT_CHECKCODE:
		if n != 2 && n != 2+ckSumLen {
			return bad("invalid checkcode length %d", n)
		}
	default:
		if a.typ < SkippableAttrMin {
			return bad("unrecognized non-skippable attribute")
		}
	}
	return nil
}
