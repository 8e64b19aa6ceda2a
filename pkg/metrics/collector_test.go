package metrics

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iniwex5/simaka-go/internal/aaatest"
	"github.com/iniwex5/simaka-go/pkg/crypto"
	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/peer"
	"github.com/iniwex5/simaka-go/pkg/sim"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.OnAuthResult("EAP-SIM", peer.KindFull, peer.ResultSuccess)
	c.OnAuthResult("EAP-SIM", peer.KindFull, peer.ResultSuccess)
	c.OnClientError("EAP-SIM", eap.ClientErrorRANDsNotFresh)
	c.OnNotification("EAP-SIM", peer.NotificationTemporarilyDenied)

	if v := testutil.ToFloat64(c.AuthResults.WithLabelValues("EAP-SIM", "full", "success")); v != 2 {
		t.Fatalf("auth_total = %v，期望 2", v)
	}
	if v := testutil.ToFloat64(c.ClientErrors.WithLabelValues("EAP-SIM", "3")); v != 1 {
		t.Fatalf("client_errors_total = %v，期望 1", v)
	}
	if v := testutil.ToFloat64(c.Notifications.WithLabelValues("EAP-SIM", "temporarily_denied")); v != 1 {
		t.Fatalf("notifications_total = %v，期望 1", v)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 3 {
		t.Fatalf("指标数量错误: %d %v", n, err)
	}
}

func TestCollectorDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	defer func() {
		if recover() == nil {
			t.Fatalf("重复注册应 panic")
		}
	}()
	NewCollector(reg)
}

func TestCollectorObservesPeer(t *testing.T) {
	k, _ := hex.DecodeString("465b5ce8b199b49faa5f0a2ee238a6bc")
	opc, _ := hex.DecodeString("cd63cb71954a9f4e48a5994e37a02baf")
	card, err := sim.NewSoftSIM("001010123456789", k, opc, true)
	if err != nil {
		t.Fatalf("NewSoftSIM 失败: %v", err)
	}
	hss, err := crypto.NewMilenage(k, opc, true)
	if err != nil {
		t.Fatalf("NewMilenage 失败: %v", err)
	}

	c := NewCollector(prometheus.NewRegistry())
	a, err := peer.NewAKA(peer.Config{Observer: c}, card)
	if err != nil {
		t.Fatalf("NewAKA 失败: %v", err)
	}
	if err := a.Init(); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}

	srv := aaatest.New(eap.TypeAKA)
	srv.SetIdentity(a.CurrentIdentity())
	q, err := aaatest.NewQuintet(hss, bytes.Repeat([]byte{0x33}, 16), 0x20, []byte{0x80, 0x00})
	if err != nil {
		t.Fatalf("NewQuintet 失败: %v", err)
	}
	req, err := srv.AKAChallenge(q, false)
	if err != nil {
		t.Fatalf("AKAChallenge 失败: %v", err)
	}
	resp, err := a.Process(req)
	if err != nil {
		t.Fatalf("Process 失败: %v", err)
	}
	if err := srv.HandleAKAChallenge(resp); err != nil {
		t.Fatalf("HandleAKAChallenge 失败: %v", err)
	}
	if _, err := a.Process(srv.Success()); err != nil {
		t.Fatalf("EAP-Success 处理失败: %v", err)
	}

	if v := testutil.ToFloat64(c.AuthResults.WithLabelValues("EAP-AKA", "full", "success")); v != 1 {
		t.Fatalf("auth_total = %v，期望 1", v)
	}
}
