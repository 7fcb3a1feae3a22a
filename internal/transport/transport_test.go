package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// pipeConn adapts net.Conn (from net.Pipe) to the Conn interface; the
// two are already identical in shape but this keeps the dependency
// explicit at the call site.
type pipeConn struct {
	net.Conn
}

func pipeDialer(server net.Conn) Dialer {
	return func(cfg Config) (Conn, error) {
		return pipeConn{server}, nil
	}
}

func newTestPair(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	tr, err := New(Config{Port: "pipe", TimeoutMS: 200}, pipeDialer(client), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
		_ = server.Close()
	})
	return tr, server
}

func TestWriteAppendsEOL(t *testing.T) {
	tr, server := newTestPair(t)
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()
	if err := tr.Write(context.Background(), []byte("A1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := <-done
	want := "A1\r"
	if string(got) != want {
		t.Fatalf("server saw %q; want %q", got, want)
	}
}

func TestReadLine(t *testing.T) {
	tr, server := newTestPair(t)
	go func() {
		_, _ = server.Write([]byte("A 12.34 OK\r"))
	}()
	line, err := tr.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "A 12.34 OK" {
		t.Fatalf("ReadLine = %q; want %q", line, "A 12.34 OK")
	}
}

func TestReadLineTimeout(t *testing.T) {
	tr, _ := newTestPair(t)
	_, err := tr.ReadLine(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadLine err = %v; want ErrTimeout", err)
	}
}

func TestWriteReadLineRoundTrip(t *testing.T) {
	tr, server := newTestPair(t)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		if string(buf[:n]) != "A1\r" {
			return
		}
		_, _ = server.Write([]byte("A 1 OK\r"))
	}()
	line, err := tr.WriteReadLine(context.Background(), "A1")
	if err != nil {
		t.Fatalf("WriteReadLine: %v", err)
	}
	if line != "A 1 OK" {
		t.Fatalf("WriteReadLine = %q; want %q", line, "A 1 OK")
	}
}

func TestReadAllSplitsOnEOL(t *testing.T) {
	tr, server := newTestPair(t)
	go func() {
		_, _ = server.Write([]byte("line1\rline2\rline3\r"))
		time.Sleep(250 * time.Millisecond)
	}()
	lines, err := tr.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []string{"line1", "line2", "line3"}
	if len(lines) != len(want) {
		t.Fatalf("ReadAll = %v; want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("ReadAll[%d] = %q; want %q", i, lines[i], want[i])
		}
	}
}

func TestWriteOnClosedTransport(t *testing.T) {
	tr, server := newTestPair(t)
	_ = server.Close()
	_ = tr.Close()
	if err := tr.Write(context.Background(), []byte("A1")); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Write on closed transport = %v; want ErrTransportClosed", err)
	}
}

func TestNormalizeRejectsInvalidBaud(t *testing.T) {
	_, err := New(Config{Port: "pipe", Baud: 1200}, func(Config) (Conn, error) { return nil, nil }, 0)
	if err == nil {
		t.Fatalf("expected invalid baud to be rejected")
	}
}

func TestReopenRedials(t *testing.T) {
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	dialed := 0
	dial := func(cfg Config) (Conn, error) {
		dialed++
		if dialed == 1 {
			return pipeConn{client1}, nil
		}
		return pipeConn{client2}, nil
	}
	tr, err := New(Config{Port: "pipe", Baud: 9600, TimeoutMS: 200}, dial, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = server1.Close()
	if err := tr.Reopen(context.Background(), 19200); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer func() {
		_ = tr.Close()
		_ = server2.Close()
	}()
	if dialed != 2 {
		t.Fatalf("dialed %d times; want 2", dialed)
	}
	if tr.cfg.Baud != 19200 {
		t.Fatalf("cfg.Baud = %d; want 19200", tr.cfg.Baud)
	}
}
