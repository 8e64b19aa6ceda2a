package peer

import (
	"errors"
	"fmt"
)

// 永久身份前缀 (TS 23.003 §19.3.2): EAP-AKA 为 "0"，EAP-SIM 为 "1"
const (
	prefixAKA = "0"
	prefixSIM = "1"
)

var ErrInvalidIMSI = errors.New("IMSI 无效")

func normalizeMNC(mnc string) string {
	if len(mnc) == 2 {
		return "0" + mnc
	}
	return mnc
}

func effectiveMCCMNC(imsi string, cfg *Config) (string, string) {
	mcc := ""
	mnc := ""
	if len(imsi) >= 5 {
		mcc = imsi[0:3]
		mnc = imsi[3:5]
	}
	if cfg.MCC != "" {
		mcc = cfg.MCC
	}
	if cfg.MNC != "" {
		mnc = cfg.MNC
	}
	return mcc, normalizeMNC(mnc)
}

// buildNAI 构造永久身份 <prefix><IMSI>@<realm>
func buildNAI(prefix, imsi string, cfg *Config) (string, error) {
	if len(imsi) < 6 || len(imsi) > 15 || !isDigits(imsi) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIMSI, imsi)
	}
	realm := cfg.Realm
	if realm == "" {
		mcc, mnc := effectiveMCCMNC(imsi, cfg)
		realm = fmt.Sprintf("nai.epc.mnc%s.mcc%s.3gppnetwork.org", mnc, mcc)
	}
	return fmt.Sprintf("%s%s@%s", prefix, imsi, realm), nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
