package wt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/cnulatienpo/run-sub001/internal/relay"
)

func TestNewCertificate(t *testing.T) {
	cert, err := NewCertificate("", 2*time.Hour)
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	if len(cert.Fingerprint()) != 64 || len(cert.Hash()) != 32 {
		t.Errorf("fingerprint %q / hash %d bytes", cert.Fingerprint(), len(cert.Hash()))
	}
	if hex.EncodeToString(cert.Hash()) != cert.Fingerprint() {
		t.Error("fingerprint must be the hex form of the hash")
	}

	leaf := cert.Leaf()
	if cert.Hostname != DefaultCommonName || leaf.Subject.CommonName != DefaultCommonName {
		t.Errorf("CN: got %q / %q, want %q", cert.Hostname, leaf.Subject.CommonName, DefaultCommonName)
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) || !cert.NotAfter.Equal(leaf.NotAfter) {
		t.Errorf("cert not valid now: %v - %v", leaf.NotBefore, leaf.NotAfter)
	}
	if leaf.NotAfter.Before(now.Add(2*time.Hour - time.Minute)) {
		t.Errorf("cert expires too early: %v", leaf.NotAfter)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
		t.Errorf("self-verification failed: %v", err)
	}

	cfg := cert.TLSConfig()
	cfg.NextProtos = []string{"mutated"}
	if len(cert.TLSConfig().NextProtos) != 0 {
		t.Error("TLSConfig must hand out copies")
	}

	other, err := NewCertificate("", 2*time.Hour)
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	if other.Fingerprint() == cert.Fingerprint() {
		t.Error("two calls should produce different certificates")
	}
}

func TestNewCertificateCustomHostname(t *testing.T) {
	cert, err := NewCertificate(" relay.local ", time.Hour)
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	leaf := cert.Leaf()
	if leaf.Subject.CommonName != "relay.local" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	for _, name := range []string{"relay.local", "localhost"} {
		if _, err := leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: pool}); err != nil {
			t.Errorf("verification against %s failed: %v", name, err)
		}
	}

	if _, err := NewCertificate("", 0); err == nil {
		t.Error("expected error for a zero ttl")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamConnFramesAndClose(t *testing.T) {
	out := &syncBuffer{}
	closed := make(chan string, 1)
	c := newStreamConn(out, func(code int, reason string) {
		closed <- fmt.Sprintf("%d %s", code, reason)
	})

	if err := c.Send([]byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send([]byte(`{"type":"event"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = c.Close(relay.CloseNormal, "timeout")
	go c.writeLoop()

	select {
	case got := <-closed:
		if got != "1000 timeout" {
			t.Fatalf("close = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not invoked")
	}
	if got := out.String(); got != "{\"type\":\"pong\"}\n{\"type\":\"event\"}\n" {
		t.Fatalf("stream = %q", got)
	}
	if err := c.Send([]byte("late")); !errors.Is(err, errClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func getFreePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port
}

func dialSession(t *testing.T, addr, query string) (*webtransport.Session, *webtransport.Stream) {
	t.Helper()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, sess, err := d.Dial(ctx, "https://"+addr+Path+query, http.Header{})
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = sess.CloseWithError(0, "test done") })

	stream, err := sess.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return sess, stream
}

func writeLine(t *testing.T, stream *webtransport.Stream, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := stream.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRelayOverWebTransport(t *testing.T) {
	cert, err := NewCertificate("", time.Hour)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	reg := relay.NewRegistry(relay.Options{})
	addr := fmt.Sprintf("127.0.0.1:%d", getFreePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(addr, cert, reg)
	if srv.Certificate().Fingerprint() != cert.Fingerprint() {
		t.Fatal("server must serve the given certificate")
	}
	go func() { _ = srv.Run(ctx) }()
	time.Sleep(300 * time.Millisecond)

	_, alice := dialSession(t, addr, "?session_id=abc")
	_, bob := dialSession(t, addr, "?session_id=abc")
	// The server accepts the stream once the first bytes arrive.
	writeLine(t, alice, map[string]any{"type": "ping", "sent_at": time.Now().UnixMilli()})
	writeLine(t, bob, map[string]any{"type": "ping", "sent_at": time.Now().UnixMilli()})

	deadline := time.Now().Add(4 * time.Second)
	for {
		rooms := reg.ActiveRooms()
		if len(rooms) == 1 && rooms[0].UserCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room never filled: %+v", rooms)
		}
		time.Sleep(10 * time.Millisecond)
	}

	writeLine(t, alice, map[string]any{"type": "event", "data": map[string]any{"t_ms": 100}})

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(bob)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(4 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event arrived")
			}
			if strings.Contains(line, `"type":"event"`) {
				if !strings.Contains(line, `"room_id":"abc"`) || !strings.Contains(line, `"t_ms":100`) {
					t.Fatalf("unexpected event line %s", line)
				}
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for relayed event")
		}
	}
}
