package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-risk/internal/utils"
)

// fakeValkey speaks enough RESP2 for the provider.
type fakeValkey struct {
	ln       net.Listener
	password string

	mu    sync.Mutex
	data  map[string][]byte
	conns int
}

func startFakeValkey(t *testing.T, password string) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeValkey{ln: ln, password: password, data: make(map[string][]byte)}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	authed := f.password == ""
	for {
		req, err := readReply(r)
		if err != nil {
			return
		}
		args := make([]string, len(req.elems))
		for i, el := range req.elems {
			args[i] = string(el.str)
		}
		var out string
		switch cmd := strings.ToUpper(args[0]); {
		case cmd == "AUTH":
			if args[len(args)-1] == f.password {
				authed = true
				out = "+OK\r\n"
			} else {
				out = "-WRONGPASS invalid username-password pair\r\n"
			}
		case !authed:
			out = "-NOAUTH Authentication required\r\n"
		case cmd == "PING":
			out = "+PONG\r\n"
		case cmd == "GET":
			f.mu.Lock()
			v, ok := f.data[args[1]]
			f.mu.Unlock()
			if !ok {
				out = "$-1\r\n"
			} else {
				out = string(appendBulk(nil, v))
			}
		case cmd == "SET":
			nx := strings.EqualFold(args[len(args)-1], "NX")
			f.mu.Lock()
			_, exists := f.data[args[1]]
			if nx && exists {
				out = "$-1\r\n"
			} else {
				f.data[args[1]] = []byte(args[2])
				out = "+OK\r\n"
			}
			f.mu.Unlock()
		case cmd == "DEL":
			f.mu.Lock()
			delete(f.data, args[1])
			f.mu.Unlock()
			out = ":1\r\n"
		default:
			out = "-ERR unknown command '" + args[0] + "'\r\n"
		}
		if _, err := conn.Write([]byte(out)); err != nil {
			return
		}
	}
}

func appendBulk(buf, v []byte) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(v)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, v...)
	return append(buf, '\r', '\n')
}

func TestAppendCommandAndReadReply(t *testing.T) {
	encoded := appendCommand(nil, []byte("SET"), []byte("k"), []byte("v\r\n"))
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$3\r\nv\r\n\r\n"
	if string(encoded) != want {
		t.Fatalf("encoded %q, want %q", encoded, want)
	}
	rep, err := readReply(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if len(rep.elems) != 3 || string(rep.elems[2].str) != "v\r\n" {
		t.Fatalf("unexpected decode: %+v", rep)
	}
}

func TestReadReplyKinds(t *testing.T) {
	in := "+OK\r\n:42\r\n$-1\r\n-ERR boom\r\n"
	r := bufio.NewReader(strings.NewReader(in))

	if rep, err := readReply(r); err != nil || !rep.status("OK") {
		t.Fatalf("status: %+v %v", rep, err)
	}
	if rep, err := readReply(r); err != nil || rep.n != 42 {
		t.Fatalf("integer: %+v %v", rep, err)
	}
	if rep, err := readReply(r); err != nil || !rep.null {
		t.Fatalf("null bulk: %+v %v", rep, err)
	}
	var srvErr serverError
	if _, err := readReply(r); !errors.As(err, &srvErr) || string(srvErr) != "ERR boom" {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := startFakeValkey(t, "s3cret")
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "s3cret"})
	if err != nil {
		t.Fatalf("NewValkeyProvider: %v", err)
	}
	defer p.Close()
	ctx := context.Background()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := p.Set(ctx, "k", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "payload" {
		t.Fatalf("Get: %q %v", got, err)
	}

	ok, err := p.SetNX(ctx, "lease", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: %v %v", ok, err)
	}
	ok, err = p.SetNX(ctx, "lease", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: %v %v", ok, err)
	}

	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after Del, got %v", err)
	}

	srv.mu.Lock()
	conns := srv.conns
	srv.mu.Unlock()
	if conns != 1 {
		t.Fatalf("expected pooled connection reuse, saw %d dials", conns)
	}
}

func TestValkeyProviderRejectsBadPassword(t *testing.T) {
	srv := startFakeValkey(t, "s3cret")
	_, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "nope", MaxRetries: 3})
	if !utils.IsKind(err, utils.KindTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestValkeyProviderUnreachableIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = NewValkeyProvider(ValkeyConfig{Addr: addr, DialTimeout: 200 * time.Millisecond, MaxRetries: 2})
	if !utils.IsKind(err, utils.KindRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestValkeyProviderClosed(t *testing.T) {
	srv := startFakeValkey(t, "")
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.ln.Addr().String()})
	if err != nil {
		t.Fatalf("NewValkeyProvider: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.Get(context.Background(), "k"); !utils.IsKind(err, utils.KindTerminal) {
		t.Fatalf("expected terminal error after close, got %v", err)
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	m := NewMemoryProvider()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, _ := m.SetNX(ctx, "k", []byte("other"), time.Second); ok {
		t.Fatal("SetNX should not overwrite a live key")
	}
	now = now.Add(2 * time.Second)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if ok, _ := m.SetNX(ctx, "k", []byte("other"), 0); !ok {
		t.Fatal("SetNX should claim an expired key")
	}
}
