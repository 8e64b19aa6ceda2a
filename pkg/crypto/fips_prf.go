package crypto

import (
	"encoding/binary"
	"math/bits"
)

// FIPS 186-2 附录 3.1 的随机数生成器，按 change notice 1 的修订:
// 不做 mod q，G 函数为不带填充的 SHA-1 压缩函数。
// RFC 4186 §7 / RFC 4187 §7 用它从 MK 展开会话密钥。

const (
	prfKeyLen   = 20 // b = 160
	prfBlockOut = 2 * prfKeyLen
)

// FIPS1862PRF 维护 XKEY 状态，可多次调用 Bytes 连续取数
type FIPS1862PRF struct {
	xkey [prfKeyLen]byte
}

// NewFIPS1862PRF 以 XKEY 初始化。长于 20 字节取末尾，短于 20 字节左侧补零。
func NewFIPS1862PRF(xkey []byte) *FIPS1862PRF {
	p := &FIPS1862PRF{}
	leftPad(p.xkey[:], xkey)
	return p
}

// FIPS1862PRFBytes 是 NewFIPS1862PRF(xkey).Bytes(nil, n) 的简写
func FIPS1862PRFBytes(xkey []byte, n int) []byte {
	return NewFIPS1862PRF(xkey).Bytes(nil, n)
}

// Bytes 产生 n 字节输出，XSEED 为可选的用户输入 (SIM/AKA 中为空)
func (p *FIPS1862PRF) Bytes(xseed []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	var seed [prfKeyLen]byte
	leftPad(seed[:], xseed)

	out := make([]byte, 0, n+prfBlockOut)
	for len(out) < n {
		out = p.round(out, seed[:])
	}
	return out[:n]
}

// round 执行 j=0,1 两次迭代，输出 x_0 || x_1
func (p *FIPS1862PRF) round(dst []byte, seed []byte) []byte {
	var one [prfKeyLen]byte
	one[prfKeyLen-1] = 1

	for j := 0; j < 2; j++ {
		// XVAL = (XKEY + XSEED_j) mod 2^b
		var xval [prfKeyLen]byte
		add160(xval[:], p.xkey[:], seed)

		// x_j = G(t, XVAL)
		x := sha1G(xval[:])
		dst = append(dst, x[:]...)

		// XKEY = (1 + XKEY + x_j) mod 2^b
		add160(p.xkey[:], p.xkey[:], x[:])
		add160(p.xkey[:], p.xkey[:], one[:])
	}
	return dst
}

func leftPad(dst, src []byte) {
	if len(src) >= len(dst) {
		copy(dst, src[len(src)-len(dst):])
		return
	}
	copy(dst[len(dst)-len(src):], src)
}

// add160 计算 dst = (a + b) mod 2^160，允许 dst 与 a 重叠
func add160(dst, a, b []byte) {
	carry := uint16(0)
	for i := prfKeyLen - 1; i >= 0; i-- {
		s := uint16(a[i]) + uint16(b[i]) + carry
		dst[i] = byte(s)
		carry = s >> 8
	}
}

// sha1G 是 FIPS 186-2 的 G(t, c): 以标准 IV 对 c||0^352 做一次 SHA-1 压缩，
// 不附加长度填充，所以不能用 crypto/sha1 代替。
func sha1G(c []byte) [prfKeyLen]byte {
	var block [64]byte
	copy(block[:], c)

	h := [5]uint32{0x67452301, 0xEFCDAB89, 0x98BADCFE, 0x10325476, 0xC3D2E1F0}

	var w [80]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4:])
	}
	for i := 16; i < 80; i++ {
		w[i] = bits.RotateLeft32(w[i-3]^w[i-8]^w[i-14]^w[i-16], 1)
	}

	a, b, c2, d, e := h[0], h[1], h[2], h[3], h[4]
	for i := 0; i < 80; i++ {
		var f, k uint32
		switch {
		case i < 20:
			f = (b & c2) | (^b & d)
			k = 0x5A827999
		case i < 40:
			f = b ^ c2 ^ d
			k = 0x6ED9EBA1
		case i < 60:
			f = (b & c2) | (b & d) | (c2 & d)
			k = 0x8F1BBCDC
		default:
			f = b ^ c2 ^ d
			k = 0xCA62C1D6
		}
		t := bits.RotateLeft32(a, 5) + f + e + k + w[i]
		a, b, c2, d, e = t, a, bits.RotateLeft32(b, 30), c2, d
	}

	h[0] += a
	h[1] += b
	h[2] += c2
	h[3] += d
	h[4] += e

	var out [prfKeyLen]byte
	for i, v := range h {
		binary.BigEndian.PutUint32(out[i*4:], v)
	}
	return out
}
