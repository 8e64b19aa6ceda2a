// Package radius 通过 RADIUS (RFC 3579) 承载 EAP-SIM/AKA 交换，
// 类似 eapol_test：客户端扮演 NAS 与对端，直接与 AAA 服务器交互。
package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	radiuslib "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/iniwex5/simaka-go/pkg/eap"
	"github.com/iniwex5/simaka-go/pkg/logger"
	"github.com/iniwex5/simaka-go/pkg/peer"
)

const defaultMaxRounds = 16

var (
	// ErrRejected 表示服务器回复了 Access-Reject
	ErrRejected = errors.New("radius: access rejected")
	// ErrTooManyRounds 表示 Access-Challenge 次数超过上限
	ErrTooManyRounds = errors.New("radius: too many challenge rounds")
	// ErrNoResponse 表示 EAP 方法没有为请求生成响应
	ErrNoResponse = errors.New("radius: EAP method produced no response")
)

type packetExchanger interface {
	exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error)
}

type layehExchanger struct {
	client *radiuslib.Client
}

func (c layehExchanger) exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error) {
	return c.client.Exchange(ctx, packet, addr)
}

type clientConfig struct {
	exchanger        packetExchanger
	network          string
	retry            time.Duration
	maxPacketErrors  int
	dialTimeout      time.Duration
	nasIdentifier    string
	callingStationID string
	maxRounds        int
	logger           *zap.Logger
}

// Option 配置 Client
type Option func(*clientConfig)

// WithPacketExchanger 替换报文收发实现，主要用于测试
func WithPacketExchanger(pe packetExchanger) Option {
	return func(c *clientConfig) { c.exchanger = pe }
}

// WithNetwork 设置传输网络 (默认 udp)
func WithNetwork(network string) Option {
	return func(c *clientConfig) { c.network = network }
}

// WithRetry 设置 Access-Request 重发间隔
func WithRetry(d time.Duration) Option {
	return func(c *clientConfig) { c.retry = d }
}

// WithMaxPacketErrors 限制可容忍的无效响应数
func WithMaxPacketErrors(n int) Option {
	return func(c *clientConfig) { c.maxPacketErrors = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.dialTimeout = d }
}

// WithNASIdentifier 设置 NAS-Identifier 属性
func WithNASIdentifier(id string) Option {
	return func(c *clientConfig) { c.nasIdentifier = id }
}

// WithCallingStationID 设置 Calling-Station-Id 属性
func WithCallingStationID(id string) Option {
	return func(c *clientConfig) { c.callingStationID = id }
}

// WithMaxRounds 限制一次认证中的 RADIUS 往返次数
func WithMaxRounds(n int) Option {
	return func(c *clientConfig) { c.maxRounds = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// Client 对一个 RADIUS 服务器执行 EAP 认证
type Client struct {
	address string
	secret  []byte
	cfg     clientConfig
	client  packetExchanger
	log     *zap.Logger
}

// Result 是一次成功认证的结果
type Result struct {
	Identity        []byte
	MSK             []byte
	EMSK            []byte
	Reauthenticated bool
	Rounds          int
}

// NewClient 创建 RADIUS 客户端。address 必须包含端口，例如 "127.0.0.1:1812"。
func NewClient(address, secret string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errors.New("radius: address must not be empty")
	}
	if secret == "" {
		return nil, errors.New("radius: secret must not be empty")
	}

	cfg := clientConfig{maxRounds: defaultMaxRounds}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.maxRounds <= 0 {
		cfg.maxRounds = defaultMaxRounds
	}

	ex := cfg.exchanger
	if ex == nil {
		rc := &radiuslib.Client{}
		if cfg.network != "" {
			rc.Net = cfg.network
		}
		rc.Dialer = net.Dialer{Timeout: cfg.dialTimeout}
		if cfg.retry > 0 {
			rc.Retry = cfg.retry
		}
		if cfg.maxPacketErrors > 0 {
			rc.MaxPacketErrors = cfg.maxPacketErrors
		}
		ex = layehExchanger{client: rc}
	}

	log := cfg.logger
	if log == nil {
		log = logger.Named("radius")
	}
	return &Client{
		address: address,
		secret:  []byte(secret),
		cfg:     cfg,
		client:  ex,
		log:     log,
	}, nil
}

// Authenticate 使用 m 完成一次 EAP 认证。m 在返回后仍归调用方所有。
func (c *Client) Authenticate(ctx context.Context, m peer.Method) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.Init(); err != nil {
		return nil, err
	}
	identity := m.CurrentIdentity()
	next, err := eap.NewIdentityResponse(0, identity).Encode()
	if err != nil {
		return nil, err
	}

	log := c.log.With(logger.String("method", m.Name()), logger.String("identity", string(identity)))
	var state []byte
	for round := 1; round <= c.cfg.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := c.accessRequest(identity, next, state)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.exchange(ctx, req, c.address)
		if err != nil {
			return nil, fmt.Errorf("radius: exchange: %w", err)
		}
		if resp == nil {
			return nil, errors.New("radius: nil response packet")
		}
		state = cacheState(resp, state)

		switch resp.Code {
		case radiuslib.CodeAccessChallenge:
			if err := verifyMessageAuthenticator(resp, c.secret, req.Authenticator[:]); err != nil {
				return nil, err
			}
			raw, err := eapMessage(resp)
			if err != nil {
				return nil, err
			}
			next, err = c.respond(ctx, m, identity, raw, state)
			if err != nil {
				return nil, err
			}

		case radiuslib.CodeAccessAccept:
			if err := verifyMessageAuthenticator(resp, c.secret, req.Authenticator[:]); err != nil {
				return nil, err
			}
			raw, err := eapMessage(resp)
			if err != nil {
				return nil, err
			}
			if _, err := m.Process(raw); err != nil {
				return nil, err
			}
			if !m.IsSuccess() {
				return nil, fmt.Errorf("radius: Access-Accept but %s state is %s", m.Name(), m.State())
			}
			log.Info("认证成功", logger.Int("rounds", round), logger.Bool("reauth", m.Reauthenticated()))
			return &Result{
				Identity:        m.CurrentIdentity(),
				MSK:             m.SessionKey(),
				EMSK:            m.EMSK(),
				Reauthenticated: m.Reauthenticated(),
				Rounds:          round,
			}, nil

		case radiuslib.CodeAccessReject:
			if raw, err := eapMessage(resp); err == nil {
				_, _ = m.Process(raw)
			}
			log.Warn("服务器拒绝访问", logger.Int("rounds", round))
			return nil, ErrRejected

		default:
			return nil, fmt.Errorf("radius: unexpected response code %s", resp.Code)
		}
	}
	return nil, ErrTooManyRounds
}

// respond 处理 Access-Challenge 中的 EAP 请求，返回下一个 EAP 响应
func (c *Client) respond(ctx context.Context, m peer.Method, identity, raw, state []byte) ([]byte, error) {
	p, err := eap.Parse(raw)
	if err != nil {
		return nil, err
	}
	if p.Code != eap.CodeRequest {
		return nil, fmt.Errorf("radius: unexpected EAP code %d in Access-Challenge", p.Code)
	}
	if p.Type == eap.TypeIdentity {
		return eap.NewIdentityResponse(p.Identifier, identity).Encode()
	}

	out, perr := m.Process(raw)
	if perr != nil {
		if out != nil {
			// Client-Error / Authentication-Reject 仍需送达服务器
			c.notify(ctx, identity, out, state)
		}
		return nil, perr
	}
	if out == nil {
		return nil, ErrNoResponse
	}
	return out, nil
}

// notify 发送最后一个 EAP 响应，服务器的回复被忽略
func (c *Client) notify(ctx context.Context, identity, out, state []byte) {
	req, err := c.accessRequest(identity, out, state)
	if err != nil {
		return
	}
	if _, err := c.client.exchange(ctx, req, c.address); err != nil {
		c.log.Debug("发送最终 EAP 响应失败", logger.Err(err))
	}
}

func (c *Client) accessRequest(identity, eapPkt, state []byte) (*radiuslib.Packet, error) {
	packet := radiuslib.New(radiuslib.CodeAccessRequest, c.secret)
	if err := rfc2865.UserName_Set(packet, identity); err != nil {
		return nil, fmt.Errorf("radius: set User-Name: %w", err)
	}
	if c.cfg.nasIdentifier != "" {
		if err := rfc2865.NASIdentifier_SetString(packet, c.cfg.nasIdentifier); err != nil {
			return nil, fmt.Errorf("radius: set NAS-Identifier: %w", err)
		}
	}
	if c.cfg.callingStationID != "" {
		if err := rfc2865.CallingStationID_SetString(packet, c.cfg.callingStationID); err != nil {
			return nil, fmt.Errorf("radius: set Calling-Station-Id: %w", err)
		}
	}
	if len(state) > 0 {
		if err := rfc2865.State_Set(packet, state); err != nil {
			return nil, fmt.Errorf("radius: set State: %w", err)
		}
	}
	setEAPMessage(packet, eapPkt)
	if err := setMessageAuthenticator(packet, c.secret, nil); err != nil {
		return nil, err
	}
	return packet, nil
}

// cacheState 保存服务器下发的 State，下一个 Access-Request 原样带回 (RFC 2865 §5.24)
func cacheState(resp *radiuslib.Packet, prev []byte) []byte {
	attr, ok := resp.Attributes.Lookup(rfc2865.State_Type)
	if !ok {
		return nil
	}
	return append(prev[:0], attr...)
}
