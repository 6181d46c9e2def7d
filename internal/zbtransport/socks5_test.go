package zbtransport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// startStubSocks5Server accepts one connection, handles the no-auth greeting,
// asserts the exact CONNECT request bytes for 127.0.0.1:9000, and replies
// with a canned success, then echoes whatever follows.
func startStubSocks5Server(t *testing.T, wantConnectReq []byte) net.Listener {
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

		greeting := make([]byte, 3)
		if _, err := readFullConn(conn, greeting); err != nil {
			return
		}
		if !bytes.Equal(greeting, []byte{0x05, 0x01, 0x00}) {
			return
		}
		conn.Write([]byte{0x05, 0x00})

		req := make([]byte, len(wantConnectReq))
		if _, err := readFullConn(conn, req); err != nil {
			return
		}
		if !bytes.Equal(req, wantConnectReq) {
			conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			return
		}
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x23, 0x28})

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

func TestSocks5ConnectByteSequence(t *testing.T) {
	want := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len("127.0.0.1"))}, "127.0.0.1"...)
	want = append(want, 0x23, 0x28)

	ln := startStubSocks5Server(t, want)
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

	s := NewSocks5(logger, socket, "", "")
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Connect(ctx, "127.0.0.1", 9000); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := s.Send(ctx, []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 2)
	n, err := s.Receive(ctx, buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want %q", buf[:n], "hi")
	}
}

func TestSocks5BadGreetingVersion(t *testing.T) {
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
		buf := make([]byte, 3)
		readFullConn(conn, buf)
		conn.Write([]byte{0x04, 0x00})
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

	s := NewSocks5(logger, socket, "", "")
	err = s.Init(ctx)
	if !zberr.Is(err, zberr.ProtocolNotSupported) {
		t.Fatalf("expected ProtocolNotSupported, got %v", err)
	}
}

func TestSocks5ConnectBeforeInitRejected(t *testing.T) {
	logger := zblog.New("test", zblog.LevelError, 0, zblog.SubsystemAll)
	s := NewSocks5(logger, nil, "", "")
	err := s.Connect(context.Background(), "example.com", 80)
	if !zberr.Is(err, zberr.OperationInProgress) {
		t.Fatalf("expected OperationInProgress, got %v", err)
	}
}

func TestSocks5AtypDomainNameLongHost(t *testing.T) {
	host := ""
	for i := 0; i < 255; i++ {
		host += "a"
	}
	longDomainReply := func() []byte {
		reply := []byte{0x05, 0x00, 0x00, 0x03, byte(len(host))}
		reply = append(reply, host...)
		reply = append(reply, 0x00, 0x50)
		return reply
	}

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
		greeting := make([]byte, 3)
		readFullConn(conn, greeting)
		conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 5+len(host)+2)
		readFullConn(conn, req)
		conn.Write(longDomainReply())
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

	s := NewSocks5(logger, socket, "", "")
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Connect(ctx, host, 80); err != nil {
		t.Fatalf("connect with 255-byte domain reply: %v", err)
	}
}
