package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iniwex5/simaka-go/internal/config"
)

const softSIMYAML = `
method: sim
identity:
  imsi: "001010123456789"
  realm: "wlan.example.org"
softsim:
  ki: "465b5ce8b199b49faa5f0a2ee238a6bc"
  opc: "cd63cb71954a9f4e48a5994e37a02baf"
  sqn: 32
policy:
  min_rands: 3
  result_ind: true
store:
  path: "/var/lib/simaka"
radius:
  server: "10.0.0.1:1812"
  secret: "testing123"
  timeout: "3s"
  rounds: 3
metrics:
  textfile: "/tmp/simaka.prom"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simaka.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadFromYAML(t *testing.T) {
	cfg, err := config.Load(writeTemp(t, softSIMYAML))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.Method != config.MethodSIM || cfg.Identity.Realm != "wlan.example.org" {
		t.Fatalf("方法或域错误: %+v", cfg)
	}
	if cfg.SoftSIM.SQN != 32 || !cfg.Policy.ResultInd || cfg.Policy.MinRANDs != 3 {
		t.Fatalf("softsim/policy 错误: %+v %+v", cfg.SoftSIM, cfg.Policy)
	}
	if cfg.RADIUS.Timeout != 3*time.Second || cfg.RADIUS.Rounds != 3 {
		t.Fatalf("radius 错误: %+v", cfg.RADIUS)
	}
	// 未在文件中出现的字段保留默认值
	if cfg.RADIUS.Retry != time.Second || cfg.Log.Level != "info" {
		t.Fatalf("默认值丢失: %+v %+v", cfg.RADIUS, cfg.Log)
	}

	ki, op, useOPc, err := cfg.SoftSIMKeys()
	if err != nil || len(ki) != 16 || len(op) != 16 || !useOPc {
		t.Fatalf("SoftSIMKeys 错误: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SIMAKA_RADIUS_NAS_IDENTIFIER", "nas-01")
	t.Setenv("SIMAKA_RADIUS_SECRET", "fromenv")
	t.Setenv("SIMAKA_LOG_LEVEL", "debug")

	cfg, err := config.Load(writeTemp(t, softSIMYAML))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.RADIUS.NASIdentifier != "nas-01" || cfg.RADIUS.Secret != "fromenv" || cfg.Log.Level != "debug" {
		t.Fatalf("环境变量未生效: %+v %+v", cfg.RADIUS, cfg.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatalf("缺失的配置文件应报错")
	}
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.Identity.IMSI = "001010123456789"
		cfg.SoftSIM.Ki = "465b5ce8b199b49faa5f0a2ee238a6bc"
		cfg.SoftSIM.OPc = "cd63cb71954a9f4e48a5994e37a02baf"
		cfg.RADIUS.Secret = "s"
		return cfg
	}
	if err := config.Validate(base()); err != nil {
		t.Fatalf("基础配置应通过校验: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"method", func(c *config.Config) { c.Method = "tls" }, config.ErrInvalidMethod},
		{"no sim", func(c *config.Config) { c.SoftSIM.Ki = "" }, config.ErrNoSIM},
		{"no imsi", func(c *config.Config) { c.Identity.IMSI = "" }, config.ErrSoftSIMNeedIMSI},
		{"both op", func(c *config.Config) { c.SoftSIM.OP = c.SoftSIM.OPc }, config.ErrAmbiguousOP},
		{"short ki", func(c *config.Config) { c.SoftSIM.Ki = "0011" }, config.ErrInvalidKey},
		{"min rands", func(c *config.Config) { c.Policy.MinRANDs = 1 }, config.ErrInvalidMinRANDs},
		{"server", func(c *config.Config) { c.RADIUS.Server = "" }, config.ErrEmptyServer},
		{"secret", func(c *config.Config) { c.RADIUS.Secret = "" }, config.ErrEmptySecret},
		{"rounds", func(c *config.Config) { c.RADIUS.Rounds = 0 }, config.ErrInvalidRounds},
		{"timeout", func(c *config.Config) { c.RADIUS.Timeout = 0 }, config.ErrInvalidTimeout},
	}
	for _, tt := range tests {
		cfg := base()
		tt.mutate(cfg)
		if err := config.Validate(cfg); !errors.Is(err, tt.want) {
			t.Fatalf("%s: 期望 %v，得到 %v", tt.name, tt.want, err)
		}
	}

	// 使用串口时不需要 softsim
	cfg := base()
	cfg.SoftSIM = config.SoftSIMConfig{}
	cfg.Identity.IMSI = ""
	cfg.Serial.Device = "/dev/ttyUSB2"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("串口配置应通过校验: %v", err)
	}
}
