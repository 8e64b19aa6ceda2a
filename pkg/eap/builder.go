package eap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 属性构造函数。所有构造结果都满足 DecodeAttributes 的长度规则。

func padTo4(n int) int { return (n + attrUnit - 1) / attrUnit * attrUnit }

func newAttr(t uint8, value []byte) Attribute {
	return Attribute{typ: t, value: value}
}

// NewFlag 构造只带 2 字节保留字段的属性 (AT_*_ID_REQ, AT_RESULT_IND, AT_COUNTER_TOO_SMALL)
func NewFlag(t uint8) Attribute {
	return newAttr(t, make([]byte, 2))
}

// NewUint16 构造 2 字节值的属性
func NewUint16(t uint8, v uint16) Attribute {
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, v)
	return newAttr(t, val)
}

// NewFixed16 构造 保留(2)+16 字节 的属性
func NewFixed16(t uint8, v []byte) Attribute {
	val := make([]byte, 2+16)
	copy(val[2:], v)
	return newAttr(t, val)
}

// NewRAND 构造 AT_RAND
func NewRAND(rands ...[]byte) Attribute {
	val := make([]byte, 2, 2+len(rands)*randLen)
	for _, r := range rands {
		buf := make([]byte, randLen)
		copy(buf, r)
		val = append(val, buf...)
	}
	return newAttr(AT_RAND, val)
}

// NewPrefixed 构造带实际长度前缀的属性，末尾补零对齐
func NewPrefixed(t uint8, data []byte) Attribute {
	val := make([]byte, padTo4(attrHdrSz+2+len(data))-attrHdrSz)
	binary.BigEndian.PutUint16(val, uint16(len(data)))
	copy(val[2:], data)
	return newAttr(t, val)
}

// NewIdentity 构造 AT_IDENTITY
func NewIdentity(identity []byte) Attribute {
	return NewPrefixed(AT_IDENTITY, identity)
}

// NewVersionList 构造 AT_VERSION_LIST
func NewVersionList(versions ...uint16) Attribute {
	list := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(list[2*i:], v)
	}
	return NewPrefixed(AT_VERSION_LIST, list)
}

// NewRES 构造 AT_RES，长度字段以比特为单位 (RFC 4187 §10.8)
func NewRES(res []byte) Attribute {
	val := make([]byte, padTo4(attrHdrSz+2+len(res))-attrHdrSz)
	binary.BigEndian.PutUint16(val, uint16(len(res)*8))
	copy(val[2:], res)
	return newAttr(AT_RES, val)
}

// NewAUTS 构造 AT_AUTS (14 字节，无保留字段)
func NewAUTS(auts []byte) Attribute {
	val := make([]byte, autsLen)
	copy(val, auts)
	return newAttr(AT_AUTS, val)
}

// NewPadding 构造总长 n 字节 (4, 8 或 12) 的 AT_PADDING
func NewPadding(n int) Attribute {
	return newAttr(AT_PADDING, make([]byte, n-attrHdrSz))
}

// NewEncrData 构造 AT_ENCR_DATA
func NewEncrData(ciphertext []byte) Attribute {
	val := make([]byte, 2+len(ciphertext))
	copy(val[2:], ciphertext)
	return newAttr(AT_ENCR_DATA, val)
}

// NewCheckcode 构造 AT_CHECKCODE，digest 为空表示未使用 Identity 交互
func NewCheckcode(digest []byte) Attribute {
	val := make([]byte, 2+len(digest))
	copy(val[2:], digest)
	return newAttr(AT_CHECKCODE, val)
}

// NewRaw 构造任意属性，value 必须满足 4 字节对齐
func NewRaw(t uint8, value []byte) (Attribute, error) {
	if (attrHdrSz+len(value))%attrUnit != 0 || attrHdrSz+len(value) > 255*attrUnit {
		return Attribute{}, fmt.Errorf("eap: invalid raw attribute length %d", len(value))
	}
	return newAttr(t, append([]byte(nil), value...)), nil
}

// MACFunc 计算 MAC。packet 为完整报文，macOff 为 16 字节 MAC 值的偏移 (此时为零)。
type MACFunc func(packet []byte, macOff int) ([]byte, error)

// Builder 组装一个 SIM/AKA 报文
type Builder struct {
	pkt    EAPPacket
	attrs  AttributeList
	limit  int
	macIdx int
}

// NewBuilder 创建一个指定头部的报文构造器
func NewBuilder(code, id, typ, subtype uint8) *Builder {
	return &Builder{
		pkt:    EAPPacket{Code: code, Identifier: id, Type: typ, Subtype: subtype},
		limit:  MaxPacketLen,
		macIdx: -1,
	}
}

// SetLimit 设置编码后报文的最大长度
func (b *Builder) SetLimit(n int) *Builder {
	if n > 0 && n < MaxPacketLen {
		b.limit = n
	}
	return b
}

func (b *Builder) Add(attrs ...Attribute) *Builder {
	b.attrs = append(b.attrs, attrs...)
	return b
}

// AddMAC 追加一个值为零的 AT_MAC，Finish 时填充
func (b *Builder) AddMAC() *Builder {
	b.macIdx = len(b.attrs)
	b.attrs = append(b.attrs, NewFixed16(AT_MAC, nil))
	return b
}

// Attributes 返回当前已添加的属性
func (b *Builder) Attributes() AttributeList { return b.attrs }

var ErrNoMACFunc = errors.New("eap: AT_MAC present without MAC function")

// Finish 编码报文。若已添加 AT_MAC 则调用 mac 计算并回填。
func (b *Builder) Finish(mac MACFunc) ([]byte, error) {
	data, err := b.attrs.Encode(b.limit - SimAkaHeaderLen)
	if err != nil {
		return nil, err
	}
	b.pkt.Data = data
	out, err := b.pkt.Encode()
	if err != nil {
		return nil, err
	}
	if len(out) > b.limit {
		return nil, ErrBufferExhausted
	}
	if b.macIdx < 0 {
		return out, nil
	}
	if mac == nil {
		return nil, ErrNoMACFunc
	}

	off := MACOffset(b.attrs, b.macIdx)
	sum, err := mac(out, off)
	if err != nil {
		return nil, err
	}
	copy(out[off:off+macLen], sum)
	return out, nil
}

// MACOffset 返回第 idx 个属性 (AT_MAC) 的 16 字节 MAC 值在完整报文中的偏移
func MACOffset(attrs AttributeList, idx int) int {
	off := SimAkaHeaderLen
	for i := 0; i < idx; i++ {
		off += attrs[i].Len()
	}
	return off + attrHdrSz + 2
}

// MACValueOffset 返回解码后属性列表中 AT_MAC 值在原始报文中的偏移
func MACValueOffset(a Attribute) int {
	return SimAkaHeaderLen + a.off + attrHdrSz + 2
}
