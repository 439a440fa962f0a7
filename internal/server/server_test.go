package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bc183/otun/internal/multiplex"
	"github.com/bc183/otun/internal/protocol"
	"github.com/gorilla/websocket"
)

// freePort returns a loopback address with an OS-assigned free port, for
// binding listeners in tests without port collisions.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startTestServer(t *testing.T, cfg Config) (httpAddr string) {
	t.Helper()
	cfg.HTTPAddr = freePort(t)

	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() { <-done })

	waitForListener(t, cfg.HTTPAddr)
	return cfg.HTTPAddr
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

// registerTunnel dials the control channel over ws:// and completes
// registration, returning the websocket connection and assigned subdomain.
func registerTunnel(t *testing.T, httpAddr, token, subdomain string) (*websocket.Conn, string) {
	t.Helper()
	wsURL := "ws://" + httpAddr + "/_otun/control"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial control channel: %v", err)
	}

	conn := protocol.NewConn(ws)
	if err := conn.SendRegister(token, subdomain); err != nil {
		t.Fatalf("SendRegister: %v", err)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	reg, ok := msg.(*protocol.RegisteredMessage)
	if !ok {
		t.Fatalf("got %T, want *RegisteredMessage", msg)
	}
	return ws, reg.Subdomain
}

func TestServer_RegisterAndProxy(t *testing.T) {
	httpAddr := startTestServer(t, Config{Domain: "tunnel.example.com"})

	ws, subdomain := registerTunnel(t, httpAddr, "", "myapp")
	defer ws.Close()
	if subdomain != "myapp" {
		t.Fatalf("subdomain = %q, want myapp", subdomain)
	}

	mux, err := multiplex.NewClient(ws)
	if err != nil {
		t.Fatalf("multiplex.NewClient: %v", err)
	}
	defer mux.Close()

	go func() {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		defer stream.Close()
		io.ReadAll(stream)
		stream.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	req, _ := http.NewRequest(http.MethodGet, "http://"+httpAddr+"/hello", nil)
	req.Host = "myapp.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxied request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("got (%d, %q), want (200, ok)", resp.StatusCode, body)
	}
}

func TestServer_RegisterRejectsInvalidToken(t *testing.T) {
	httpAddr := startTestServer(t, Config{Domain: "tunnel.example.com", APIKeys: []string{"correct-token"}})

	wsURL := "ws://" + httpAddr + "/_otun/control"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	conn := protocol.NewConn(ws)
	conn.SendRegister("wrong-token", "myapp")

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	errMsg, ok := msg.(*protocol.ErrorMessage)
	if !ok {
		t.Fatalf("got %T, want *ErrorMessage", msg)
	}
	if errMsg.Code != protocol.ErrorInvalidToken {
		t.Errorf("Code = %q, want %q", errMsg.Code, protocol.ErrorInvalidToken)
	}
}

func TestServer_NoTunnelRegistered(t *testing.T) {
	httpAddr := startTestServer(t, Config{Domain: "tunnel.example.com"})

	req, _ := http.NewRequest(http.MethodGet, "http://"+httpAddr+"/", nil)
	req.Host = "ghost.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_AdminListAndDelete(t *testing.T) {
	httpAddr := startTestServer(t, Config{
		Domain:       "tunnel.example.com",
		AdminEnabled: true,
		AdminToken:   "adm_secret",
	})

	ws, _ := registerTunnel(t, httpAddr, "", "myapp")
	defer ws.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://"+httpAddr+"/_admin/tunnels", nil)
	req.Header.Set("Authorization", "Bearer adm_secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"subdomain":"myapp"`) {
		t.Fatalf("list response = (%d, %q)", resp.StatusCode, body)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, "http://"+httpAddr+"/_admin/tunnels/myapp", nil)
	delReq.Header.Set("Authorization", "Bearer adm_secret")
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", delResp.StatusCode)
	}
}

func TestServer_IdleSweepEvictsStaleTunnel(t *testing.T) {
	httpAddr := freePort(t)
	cfg := Config{
		Domain:            "tunnel.example.com",
		HTTPAddr:          httpAddr,
		IdleTunnelTimeout: 10 * time.Millisecond,
		IdleSweepPeriod:   20 * time.Millisecond,
	}

	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	waitForListener(t, httpAddr)

	ws, subdomain := registerTunnel(t, httpAddr, "", "stale")
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := srv.Registry().Get(subdomain); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tunnel was never evicted")
}
