package zbtransport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/sebible/zbtunnel/internal/zbcodec"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// startShadowEchoServer runs a listener that decodes one shadow CONNECT
// frame and then echoes whatever ciphered bytes follow, standing in for a
// real downstream shadow peer.
func startShadowEchoServer(t *testing.T, key string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	codec, err := zbcodec.Get("shadow", key)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		head := make([]byte, 2)
		if _, err := readFullConn(conn, head); err != nil {
			return
		}
		codec.Decrypt(head)
		hostLen := int(head[1])
		rest := make([]byte, hostLen+2)
		if _, err := readFullConn(conn, rest); err != nil {
			return
		}
		codec.Decrypt(rest)

		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			codec.Decrypt(buf[:n])
			codec.Encrypt(buf[:n])
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	return ln
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestShadowRoundTrip(t *testing.T) {
	ln := startShadowEchoServer(t, "secret")
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	logger := zblog.New("test", zblog.LevelError, 0, zblog.SubsystemAll)
	socket := NewSocket(logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := socket.Connect(ctx, "127.0.0.1", uint16(addr.Port)); err != nil {
		t.Fatalf("socket connect: %v", err)
	}
	defer socket.Close()

	shadow, err := NewShadow(logger, socket, "shadow", "secret")
	if err != nil {
		t.Fatalf("NewShadow: %v", err)
	}
	if err := shadow.Init(ctx); err != nil {
		t.Fatalf("shadow init: %v", err)
	}
	if err := shadow.Connect(ctx, "downstream.example", 9000); err != nil {
		t.Fatalf("shadow connect: %v", err)
	}

	for n := 1; n <= 4096; n *= 4 {
		payload := bytes.Repeat([]byte{0xAB}, n)
		if _, err := shadow.Send(ctx, append([]byte(nil), payload...)); err != nil {
			t.Fatalf("send: %v", err)
		}
		got := make([]byte, n)
		read := 0
		for read < n {
			m, err := shadow.Receive(ctx, got[read:])
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			read += m
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round-trip mismatch at n=%d", n)
		}
	}
}

func TestShadowFrameFormat(t *testing.T) {
	var want bytes.Buffer
	want.WriteByte(0x03)
	want.WriteByte(byte(len("h")))
	want.WriteString("h")
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 80)
	want.Write(portBuf)

	if want.Bytes()[0] != shadowFrameTag {
		t.Fatalf("frame tag mismatch")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	frameCh := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			frameCh <- nil
			return
		}
		defer conn.Close()
		got := make([]byte, want.Len())
		if _, err := readFullConn(conn, got); err != nil {
			frameCh <- nil
			return
		}
		frameCh <- got
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

	shadow, err := NewShadow(logger, socket, "shadow", "frame-key")
	if err != nil {
		t.Fatalf("NewShadow: %v", err)
	}
	if err := shadow.Connect(ctx, "h", 80); err != nil {
		t.Fatalf("shadow connect: %v", err)
	}
	got := <-frameCh
	if got == nil {
		t.Fatalf("stub did not receive a complete frame")
	}
	codec, err := zbcodec.Get("shadow", "frame-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	codec.Decrypt(got)
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("decoded frame = %x, want %x", got, want.Bytes())
	}
}
