package sim

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/iniwex5/simaka-go/pkg/logger"
)

// ATPort 是 AT 指令通道，*os.File 串口满足该接口
type ATPort interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// DirectSIM 通过调制解调器的 AT+CSIM 透传 APDU 访问 USIM (TS 27.007 §8.17)
type DirectSIM struct {
	devPath string
	port    ATPort
	mu      sync.Mutex
}

var (
	_ AKAModule = (*DirectSIM)(nil)
	_ GSMModule = (*DirectSIM)(nil)
)

// AUTHENTICATE 的 P2 (TS 31.102 §7.1.2)
const (
	p2GSMContext  = 0x80
	p2UMTSContext = 0x81
)

func NewDirectSIM(path string) (*DirectSIM, error) {
	// 默认波特率 115200
	f, err := OpenSerial(path, 115200)
	if err != nil {
		return nil, err
	}
	return NewDirectSIMWithPort(path, f), nil
}

// NewDirectSIMWithPort 使用已打开的 AT 通道
func NewDirectSIMWithPort(name string, port ATPort) *DirectSIM {
	return &DirectSIM{devPath: name, port: port}
}

func (s *DirectSIM) Close() error {
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

// 发送 AT 指令并等待 OK 或 ERROR
func (s *DirectSIM) sendATCommand(cmd string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.port, cmd+"\r\n"); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	if err := s.port.SetReadDeadline(deadline); err != nil {
		logger.Debug("串口不支持读超时", logger.String("dev", s.devPath), logger.Err(err))
	}

	var response bytes.Buffer
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		response.WriteString(line + "\n")

		if line == "OK" {
			return response.String(), nil
		}
		if strings.Contains(line, "ERROR") {
			return response.String(), fmt.Errorf("AT command error: %s", line)
		}
		if time.Now().After(deadline) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return response.String(), err
	}
	return response.String(), errors.New("AT command timeout")
}

func (s *DirectSIM) GetIMSI() (string, error) {
	resp, err := s.sendATCommand("AT+CIMI", 2*time.Second)
	if err != nil {
		return "", err
	}
	// 有效的 IMSI 通常是 15 位数字
	if v := firstDigitsLine(resp, 14, 16); v != "" {
		return v, nil
	}
	return "", ErrSIMNotPresent
}

func (s *DirectSIM) GetIMEI() (string, error) {
	resp, err := s.sendATCommand("AT+CGSN", 2*time.Second)
	if err != nil {
		resp, err = s.sendATCommand("AT+GSN", 2*time.Second)
		if err != nil {
			return "", err
		}
	}
	if v := firstDigitsLine(resp, 14, 17); v != "" {
		return v, nil
	}
	return "", errors.New("IMEI not found in response")
}

func firstDigitsLine(resp string, minLen, maxLen int) string {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= minLen && len(line) <= maxLen && isDigits(line) {
			return line
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// csim 发送一条 APDU 并返回响应 (含 SW1 SW2)
func (s *DirectSIM) csim(apdu []byte) ([]byte, error) {
	h := strings.ToUpper(hex.EncodeToString(apdu))
	resp, err := s.sendATCommand(fmt.Sprintf("AT+CSIM=%d,\"%s\"", len(h), h), 3*time.Second)
	if err != nil {
		return nil, err
	}
	data, err := parseCSIMResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, errors.New("CSIM response too short")
	}
	return data, nil
}

// authenticate 执行 AUTHENTICATE (00 88 00 P2)，必要时发送 GET RESPONSE
func (s *DirectSIM) authenticate(p2 byte, payload []byte) ([]byte, error) {
	apdu := append([]byte{0x00, 0x88, 0x00, p2, byte(len(payload))}, payload...)
	data, err := s.csim(apdu)
	if err != nil {
		return nil, err
	}

	sw1, sw2 := data[len(data)-2], data[len(data)-1]
	if sw1 == 0x61 {
		// SW2 是可读取的长度
		data, err = s.csim([]byte{0x00, 0xC0, 0x00, 0x00, sw2})
		if err != nil {
			return nil, err
		}
		sw1, sw2 = data[len(data)-2], data[len(data)-1]
	}

	switch {
	case sw1 == 0x90 && sw2 == 0x00:
		return data[:len(data)-2], nil
	case sw1 == 0x98 && sw2 == 0x62:
		// 认证错误，MAC 不正确
		return nil, ErrAuthFailed
	}
	return nil, fmt.Errorf("CSIM SW Error: %02X %02X", sw1, sw2)
}

func (s *DirectSIM) CalculateAKA(rand, autn []byte) ([]byte, []byte, []byte, []byte, error) {
	if len(rand) != 16 || len(autn) != 16 {
		return nil, nil, nil, nil, errors.New("RAND/AUTN 必须是 16 字节")
	}
	// Data = 10 + RAND + 10 + AUTN
	payload := make([]byte, 0, 34)
	payload = append(payload, 0x10)
	payload = append(payload, rand...)
	payload = append(payload, 0x10)
	payload = append(payload, autn...)

	body, err := s.authenticate(p2UMTSContext, payload)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return parseAKAResponse(body)
}

func (s *DirectSIM) CalculateGSM(rands [][]byte) (kc, sres [][]byte, err error) {
	for i, r := range rands {
		if len(r) != 16 {
			return nil, nil, fmt.Errorf("RAND[%d] 必须是 16 字节", i)
		}
		body, err := s.authenticate(p2GSMContext, append([]byte{0x10}, r...))
		if err != nil {
			return nil, nil, err
		}
		sr, k, err := parseGSMResponse(body)
		if err != nil {
			return nil, nil, err
		}
		kc = append(kc, k)
		sres = append(sres, sr)
	}
	return kc, sres, nil
}

// parseAKAResponse 解析 3G 安全上下文响应 (TS 31.102 §7.1.2.1)
// 'DB' L RES L CK L IK [L Kc]   认证成功
// 'DC' L AUTS                   同步失败
func parseAKAResponse(body []byte) (res, ck, ik, auts []byte, err error) {
	if len(body) < 2 {
		return nil, nil, nil, nil, errors.New("AKA 响应过短")
	}
	// 部分模块在外层包一个构造型 TLV
	for i := 0; i < 4; i++ {
		inner, ok := unwrapConstructedTLV(body)
		if !ok {
			break
		}
		body = inner
	}

	switch body[0] {
	case 0xDB:
		lv, err := parseLVs(body[1:], 3)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("AKA 成功响应解析失败: %w", err)
		}
		return lv[0], lv[1], lv[2], nil, nil
	case 0xDC:
		lv, err := parseLVs(body[1:], 1)
		if err != nil || len(lv[0]) != 14 {
			return nil, nil, nil, nil, ErrSyncFailure
		}
		return nil, nil, nil, lv[0], ErrSyncFailure
	case 0xDD:
		return nil, nil, nil, nil, ErrAuthFailed
	}
	return nil, nil, nil, nil, fmt.Errorf("Unknown CSIM Tag: %02X", body[0])
}

// parseGSMResponse 解析 GSM 安全上下文响应: L SRES(4) L Kc(8)
func parseGSMResponse(body []byte) (sres, kc []byte, err error) {
	lv, err := parseLVs(body, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("GSM 响应解析失败: %w", err)
	}
	if len(lv[0]) != 4 || len(lv[1]) != 8 {
		return nil, nil, fmt.Errorf("GSM 响应长度错误: SRES=%d Kc=%d", len(lv[0]), len(lv[1]))
	}
	return lv[0], lv[1], nil
}

// parseLVs 顺序读取 n 个 长度-值 字段
func parseLVs(data []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("字段 %d 缺少长度", i)
		}
		l := int(data[off])
		off++
		if l == 0 || off+l > len(data) {
			return nil, fmt.Errorf("字段 %d 长度 %d 超出范围 (剩余 %d)", i, l, len(data)-off)
		}
		out = append(out, append([]byte(nil), data[off:off+l]...))
		off += l
	}
	return out, nil
}

func unwrapConstructedTLV(data []byte) ([]byte, bool) {
	if len(data) < 2 || data[0]&0x20 == 0 {
		return nil, false
	}
	l, lLen, ok := parseBERLength(data[1:])
	if !ok {
		return nil, false
	}
	start := 1 + lLen
	if start+l > len(data) {
		return nil, false
	}
	return data[start : start+l], true
}

func parseBERLength(data []byte) (length int, lengthLen int, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}
	switch b := data[0]; {
	case b <= 0x7f:
		return int(b), 1, true
	case b == 0x81 && len(data) >= 2:
		return int(data[1]), 2, true
	case b == 0x82 && len(data) >= 3:
		return int(data[1])<<8 | int(data[2]), 3, true
	}
	return 0, 0, false
}

// parseCSIMResponse 提取 +CSIM: <len>,"<hex>" 中的数据
func parseCSIMResponse(resp string) ([]byte, error) {
	start := strings.Index(resp, "+CSIM:")
	if start == -1 {
		return nil, errors.New("Not a CSIM response")
	}
	rest := resp[start:]
	q1 := strings.IndexByte(rest, '"')
	if q1 == -1 {
		return nil, errors.New("Parse error quote")
	}
	q2 := strings.IndexByte(rest[q1+1:], '"')
	if q2 == -1 {
		return nil, errors.New("Parse error quote 2")
	}
	return hex.DecodeString(rest[q1+1 : q1+1+q2])
}
