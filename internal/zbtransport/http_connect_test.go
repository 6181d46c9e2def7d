package zbtransport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

func startStubHTTPConnectProxy(t *testing.T, status string, echo bool) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(status))
		if !echo {
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	return ln
}

func TestHTTPConnectHappyPath(t *testing.T) {
	ln := startStubHTTPConnectProxy(t, "HTTP/1.1 200 Connection established\r\n\r\n", true)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	logger := zblog.New("test", zblog.LevelError, 0, zblog.SubsystemAll)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	socket := NewSocket(logger)
	if err := socket.Connect(ctx, "127.0.0.1", uint16(addr.Port)); err != nil {
		t.Fatalf("socket connect: %v", err)
	}
	defer socket.Close()

	h := NewHTTPConnect(logger, socket, "")
	if err := h.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.Connect(ctx, "example.com", 80); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := h.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 4)
	n, err := h.Receive(ctx, buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}

func TestHTTPConnectAuthFailure(t *testing.T) {
	ln := startStubHTTPConnectProxy(t, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n", false)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	logger := zblog.New("test", zblog.LevelError, 0, zblog.SubsystemAll)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	socket := NewSocket(logger)
	if err := socket.Connect(ctx, "127.0.0.1", uint16(addr.Port)); err != nil {
		t.Fatalf("socket connect: %v", err)
	}
	defer socket.Close()

	h := NewHTTPConnect(logger, socket, "")
	if err := h.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	err := h.Connect(ctx, "example.com", 80)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !zberr.Is(err, zberr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "Proxy Authentication Required") {
		t.Fatalf("expected reason to mention auth failure, got %v", err)
	}
}

func TestHTTPConnectNoBlankLineWithinWindow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(strings.Repeat("x", httpConnectRespBufSize+10)))
	}()
	addr := ln.Addr().(*net.TCPAddr)

	logger := zblog.New("test", zblog.LevelError, 0, zblog.SubsystemAll)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	socket := NewSocket(logger)
	if err := socket.Connect(ctx, "127.0.0.1", uint16(addr.Port)); err != nil {
		t.Fatalf("socket connect: %v", err)
	}
	defer socket.Close()

	h := NewHTTPConnect(logger, socket, "")
	_ = h.Init(ctx)
	err = h.Connect(ctx, "example.com", 80)
	if !zberr.Is(err, zberr.NoBufferSpace) {
		t.Fatalf("expected NoBufferSpace, got %v", err)
	}
}
