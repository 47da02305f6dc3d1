package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miradorstack/mirador-risk/internal/utils"
)

// ValkeyConfig holds connection parameters for a Valkey or Redis compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
	// PoolSize bounds idle connections kept for reuse.
	PoolSize int
}

func (c ValkeyConfig) withDefaults() ValkeyConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	return c
}

// ValkeyProvider implements Provider over RESP2 with a small idle connection pool.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *valkeyConn

	mu     sync.Mutex
	closed bool
}

type valkeyConn struct {
	net.Conn
	r   *bufio.Reader
	buf []byte
}

// NewValkeyProvider connects to cfg.Addr and pings it so bad addresses or credentials fail
// at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, utils.ValidationError("cache.NewValkeyProvider", "valkey addr is required")
	}
	cfg = cfg.withDefaults()
	p := &ValkeyProvider{cfg: cfg, idle: make(chan *valkeyConn, cfg.PoolSize)}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	rep, err := p.do(ctx, "PING")
	if err != nil {
		return nil, err
	}
	if !rep.status("PONG") {
		return nil, utils.TerminalError("cache.NewValkeyProvider", "unexpected PING reply", nil).With("reply", string(rep.str))
	}
	return p, nil
}

// Get returns ErrCacheMiss when key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	rep, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if rep.null {
		return nil, ErrCacheMiss
	}
	if rep.kind != kindBulk {
		return nil, utils.TerminalError("cache.Get", "unexpected reply type", nil).With("type", string(rep.kind))
	}
	return rep.str, nil
}

func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rep, err := p.do(ctx, setArgs(key, value, ttl, false)...)
	if err != nil {
		return err
	}
	if !rep.status("OK") {
		return utils.TerminalError("cache.Set", "unexpected reply", nil).With("reply", string(rep.str))
	}
	return nil
}

func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	rep, err := p.do(ctx, setArgs(key, value, ttl, true)...)
	if err != nil {
		return false, err
	}
	if rep.null {
		return false, nil
	}
	return rep.status("OK"), nil
}

func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close drops pooled connections. Later calls fail.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for vc := range p.idle {
		_ = vc.Close()
	}
	return nil
}

func setArgs(key string, value []byte, ttl time.Duration, nx bool) []any {
	args := []any{"SET", key, value}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		args = append(args, "PX", strconv.FormatInt(ms, 10))
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

// do runs one command, retrying transport failures up to MaxRetries attempts. Server error
// replies are never retried.
func (p *ValkeyProvider) do(ctx context.Context, args ...any) (reply, error) {
	op := "cache.valkey"
	if cmd, ok := args[0].(string); ok {
		op += "." + cmd
	}
	encoded := make([][]byte, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			encoded[i] = []byte(v)
		case []byte:
			encoded[i] = v
		}
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return reply{}, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * 25 * time.Millisecond):
			}
		}
		var srvErr serverError
		vc, err := p.acquire(ctx)
		if err != nil {
			switch {
			case errors.Is(err, errProviderClosed):
				return reply{}, utils.TerminalError(op, "provider closed", err)
			case errors.As(err, &srvErr):
				return reply{}, utils.TerminalError(op, "connection handshake rejected", err)
			}
			lastErr = err
			continue
		}
		rep, err := p.roundTrip(ctx, vc, encoded)
		switch {
		case err == nil:
			p.release(vc)
			return rep, nil
		case errors.As(err, &srvErr):
			p.release(vc)
			return reply{}, utils.TerminalError(op, "server rejected command", err)
		default:
			_ = vc.Close()
			lastErr = err
		}
		if ctx.Err() != nil {
			return reply{}, ctx.Err()
		}
	}
	return reply{}, utils.RetryableError(op, "valkey unavailable", lastErr).With("addr", p.cfg.Addr)
}

func (p *ValkeyProvider) roundTrip(ctx context.Context, vc *valkeyConn, args [][]byte) (reply, error) {
	if err := vc.SetWriteDeadline(p.deadline(ctx, p.cfg.WriteTimeout)); err != nil {
		return reply{}, err
	}
	vc.buf = appendCommand(vc.buf[:0], args...)
	if _, err := vc.Write(vc.buf); err != nil {
		return reply{}, err
	}
	if err := vc.SetReadDeadline(p.deadline(ctx, p.cfg.ReadTimeout)); err != nil {
		return reply{}, err
	}
	return readReply(vc.r)
}

func (p *ValkeyProvider) deadline(ctx context.Context, d time.Duration) time.Time {
	limit := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(limit) {
		return dl
	}
	return limit
}

var errProviderClosed = errors.New("valkey provider closed")

func (p *ValkeyProvider) acquire(ctx context.Context) (*valkeyConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errProviderClosed
	}
	select {
	case vc := <-p.idle:
		p.mu.Unlock()
		return vc, nil
	default:
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

func (p *ValkeyProvider) release(vc *valkeyConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = vc.Close()
		return
	}
	select {
	case p.idle <- vc:
	default:
		_ = vc.Close()
	}
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	vc := &valkeyConn{Conn: conn, r: bufio.NewReader(conn)}
	if err := p.handshake(ctx, vc); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return vc, nil
}

// handshake authenticates and selects the database on a fresh connection.
func (p *ValkeyProvider) handshake(ctx context.Context, vc *valkeyConn) error {
	var cmds [][][]byte
	if p.cfg.Password != "" {
		auth := [][]byte{[]byte("AUTH")}
		if p.cfg.Username != "" {
			auth = append(auth, []byte(p.cfg.Username))
		}
		cmds = append(cmds, append(auth, []byte(p.cfg.Password)))
	}
	if p.cfg.DB > 0 {
		cmds = append(cmds, [][]byte{[]byte("SELECT"), []byte(strconv.Itoa(p.cfg.DB))})
	}
	for _, cmd := range cmds {
		rep, err := p.roundTrip(ctx, vc, cmd)
		if err != nil {
			return err
		}
		if !rep.status("OK") {
			return serverError(string(cmd[0]) + " returned " + string(rep.str))
		}
	}
	return nil
}
