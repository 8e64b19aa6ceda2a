package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/iniwex5/simaka-go/internal/config"
	"github.com/iniwex5/simaka-go/pkg/logger"
	"github.com/iniwex5/simaka-go/pkg/metrics"
	"github.com/iniwex5/simaka-go/pkg/peer"
	"github.com/iniwex5/simaka-go/pkg/radius"
	"github.com/iniwex5/simaka-go/pkg/sim"
	"github.com/iniwex5/simaka-go/pkg/store"
)

// card 同时支持 GSM 与 UMTS 鉴权
type card interface {
	sim.AKAModule
	sim.GSMModule
}

func runCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more authentications against the configured RADIUS server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML 配置文件 (可选，环境变量 SIMAKA_* 覆盖)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Named("simaka-test")

	c, err := openCard(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	var st store.Store = store.NewMemoryStore()
	if cfg.Store.Path != "" {
		if st, err = store.NewFileStore(cfg.Store.Path); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Textfile != "" {
		defer func() {
			err = multierr.Append(err, prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg))
		}()
	}

	client, err := radius.NewClient(cfg.RADIUS.Server, cfg.RADIUS.Secret,
		radius.WithRetry(cfg.RADIUS.Retry),
		radius.WithNASIdentifier(cfg.RADIUS.NASIdentifier),
		radius.WithCallingStationID(cfg.RADIUS.CallingStationID),
		radius.WithLogger(logger.Named("radius")),
	)
	if err != nil {
		return err
	}

	pcfg := peer.Config{
		Identity:  cfg.Identity.Permanent,
		MCC:       cfg.Identity.MCC,
		MNC:       cfg.Identity.MNC,
		Realm:     cfg.Identity.Realm,
		Store:     st,
		MinRANDs:  cfg.Policy.MinRANDs,
		ResultInd: cfg.Policy.ResultInd,
		Logger:    logger.Named("peer"),
		Observer:  collector,
	}

	for i := 1; i <= cfg.RADIUS.Rounds; i++ {
		res, aerr := authenticate(ctx, cfg, client, pcfg, c)
		if aerr != nil {
			log.Error("认证失败", logger.Int("round", i), logger.Err(aerr))
			return multierr.Append(err, fmt.Errorf("round %d: %w", i, aerr))
		}
		kind := "full"
		if res.Reauthenticated {
			kind = "reauth"
		}
		fmt.Fprintf(out, "round %d: %s identity=%s rounds=%d\n", i, kind, res.Identity, res.Rounds)
		fmt.Fprintf(out, "  MSK  %s\n", hex.EncodeToString(res.MSK))
		fmt.Fprintf(out, "  EMSK %s\n", hex.EncodeToString(res.EMSK))
	}
	return nil
}

func authenticate(ctx context.Context, cfg *config.Config, client *radius.Client, pcfg peer.Config, c card) (*radius.Result, error) {
	var (
		m   peer.Method
		err error
	)
	if cfg.Method == config.MethodSIM {
		m, err = peer.NewSIM(pcfg, c)
	} else {
		m, err = peer.NewAKA(pcfg, c)
	}
	if err != nil {
		return nil, err
	}
	defer m.Free()

	ctx, cancel := context.WithTimeout(ctx, cfg.RADIUS.Timeout)
	defer cancel()
	return client.Authenticate(ctx, m)
}

func openCard(cfg *config.Config) (card, error) {
	if cfg.Serial.Device != "" {
		return sim.NewDirectSIM(cfg.Serial.Device)
	}
	ki, op, useOPc, err := cfg.SoftSIMKeys()
	if err != nil {
		return nil, err
	}
	s, err := sim.NewSoftSIM(cfg.Identity.IMSI, ki, op, useOPc)
	if err != nil {
		return nil, err
	}
	if cfg.SoftSIM.SQN > 0 {
		s.SetSQN(cfg.SoftSIM.SQN)
	}
	return s, nil
}
