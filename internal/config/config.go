// Package config 使用 koanf/v2 加载 simaka-test 配置：默认值 -> YAML 文件 -> 环境变量
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config 是完整配置
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Method   string         `koanf:"method"`
	Identity IdentityConfig `koanf:"identity"`
	SoftSIM  SoftSIMConfig  `koanf:"softsim"`
	Serial   SerialConfig   `koanf:"serial"`
	Policy   PolicyConfig   `koanf:"policy"`
	Store    StoreConfig    `koanf:"store"`
	RADIUS   RADIUSConfig   `koanf:"radius"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type LogConfig struct {
	// debug, info, warn, error
	Level string `koanf:"level"`
	// console 或 json
	Format string `koanf:"format"`
}

// IdentityConfig 决定永久身份。IMSI 为空时从 SIM 读取。
type IdentityConfig struct {
	IMSI  string `koanf:"imsi"`
	Realm string `koanf:"realm"`
	MCC   string `koanf:"mcc"`
	MNC   string `koanf:"mnc"`
	// Permanent 完整覆盖永久身份 NAI
	Permanent string `koanf:"permanent"`
}

// SoftSIMConfig 为软件 SIM 提供十六进制 Ki 与 OPc/OP
type SoftSIMConfig struct {
	Ki  string `koanf:"ki"`
	OPc string `koanf:"opc"`
	OP  string `koanf:"op"`
	SQN uint64 `koanf:"sqn"`
}

// SerialConfig 非空时通过 AT+CSIM 使用实体卡，忽略 softsim
type SerialConfig struct {
	Device string `koanf:"device"`
}

type PolicyConfig struct {
	MinRANDs  int  `koanf:"min_rands"`
	ResultInd bool `koanf:"result_ind"`
}

// StoreConfig 的 Path 为空时身份状态只保存在内存中
type StoreConfig struct {
	Path string `koanf:"path"`
}

type RADIUSConfig struct {
	Server           string        `koanf:"server"`
	Secret           string        `koanf:"secret"`
	Retry            time.Duration `koanf:"retry"`
	Timeout          time.Duration `koanf:"timeout"`
	NASIdentifier    string        `koanf:"nas_identifier"`
	CallingStationID string        `koanf:"calling_station_id"`
	// Rounds 是认证次数，第一次之后尝试快速重认证
	Rounds int `koanf:"rounds"`
}

// MetricsConfig 的 Textfile 非空时在结束时写出 Prometheus 文本格式指标
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Method: MethodAKA,
		Policy: PolicyConfig{
			MinRANDs: 2,
		},
		RADIUS: RADIUSConfig{
			Server:  "127.0.0.1:1812",
			Retry:   time.Second,
			Timeout: 10 * time.Second,
			Rounds:  1,
		},
	}
}

const (
	MethodSIM = "sim"
	MethodAKA = "aka"
)

// envPrefix: SIMAKA_RADIUS_NAS_IDENTIFIER -> radius.nas_identifier
const envPrefix = "SIMAKA_"

// Load 依次叠加默认值、path 指向的 YAML 文件 (path 为空时跳过) 与环境变量
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper 只把第一个 '_' 视为层级分隔，键名本身可以包含 '_'
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaults := map[string]any{
		"log.level":        d.Log.Level,
		"log.format":       d.Log.Format,
		"method":           d.Method,
		"policy.min_rands": d.Policy.MinRANDs,
		"radius.server":    d.RADIUS.Server,
		"radius.retry":     d.RADIUS.Retry.String(),
		"radius.timeout":   d.RADIUS.Timeout.String(),
		"radius.rounds":    d.RADIUS.Rounds,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

var (
	ErrInvalidMethod   = errors.New("method must be sim or aka")
	ErrNoSIM           = errors.New("either serial.device or softsim.ki must be set")
	ErrInvalidKey      = errors.New("softsim keys must be 16 bytes of hex")
	ErrAmbiguousOP     = errors.New("softsim: set exactly one of opc and op")
	ErrSoftSIMNeedIMSI = errors.New("softsim requires identity.imsi")
	ErrInvalidMinRANDs = errors.New("policy.min_rands must be 2 or 3")
	ErrEmptyServer     = errors.New("radius.server must not be empty")
	ErrEmptySecret     = errors.New("radius.secret must not be empty")
	ErrInvalidRounds   = errors.New("radius.rounds must be >= 1")
	ErrInvalidTimeout  = errors.New("radius.timeout must be > 0")
)

// Validate 检查配置，返回第一个错误
func Validate(cfg *Config) error {
	if cfg.Method != MethodSIM && cfg.Method != MethodAKA {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, cfg.Method)
	}
	if cfg.Serial.Device == "" {
		if err := validateSoftSIM(cfg); err != nil {
			return err
		}
	}
	if cfg.Policy.MinRANDs != 2 && cfg.Policy.MinRANDs != 3 {
		return ErrInvalidMinRANDs
	}
	if cfg.RADIUS.Server == "" {
		return ErrEmptyServer
	}
	if cfg.RADIUS.Secret == "" {
		return ErrEmptySecret
	}
	if cfg.RADIUS.Rounds < 1 {
		return ErrInvalidRounds
	}
	if cfg.RADIUS.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

func validateSoftSIM(cfg *Config) error {
	s := cfg.SoftSIM
	if s.Ki == "" {
		return ErrNoSIM
	}
	if cfg.Identity.IMSI == "" {
		return ErrSoftSIMNeedIMSI
	}
	if (s.OPc == "") == (s.OP == "") {
		return ErrAmbiguousOP
	}
	for _, h := range []string{s.Ki, s.OPc + s.OP} {
		if _, err := DecodeKey(h); err != nil {
			return err
		}
	}
	return nil
}

// DecodeKey 解析 16 字节十六进制密钥
func DecodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return b, nil
}

// SoftSIMKeys 返回 Ki、OPc/OP 以及是否为 OPc
func (c *Config) SoftSIMKeys() (ki, op []byte, useOPc bool, err error) {
	if ki, err = DecodeKey(c.SoftSIM.Ki); err != nil {
		return nil, nil, false, err
	}
	useOPc = c.SoftSIM.OPc != ""
	src := c.SoftSIM.OP
	if useOPc {
		src = c.SoftSIM.OPc
	}
	if op, err = DecodeKey(src); err != nil {
		return nil, nil, false, err
	}
	return ki, op, useOPc, nil
}
