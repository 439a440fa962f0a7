package multiplex

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsPipe(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	select {
	case s := <-serverCh:
		t.Cleanup(func() { s.Close() })
		return c, s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side upgrade")
		return nil, nil
	}
}

func TestAdapter_ReadWriteRoundTrip(t *testing.T) {
	clientWS, serverWS := wsPipe(t)

	clientAdapter := NewAdapter(clientWS)
	serverAdapter := NewAdapter(serverWS)

	payload := []byte("hello over the wire")

	go func() {
		clientAdapter.Write(payload)
	}()

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(serverAdapter, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != string(payload) {
		t.Errorf("got %q, want %q", buf, payload)
	}
}

func TestAdapter_DropsTextFrames(t *testing.T) {
	clientWS, serverWS := wsPipe(t)
	serverAdapter := NewAdapter(serverWS)

	go func() {
		clientWS.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		clientWS.WriteMessage(websocket.BinaryMessage, []byte("data"))
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(serverAdapter, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "data" {
		t.Errorf("got %q, want %q (text frame should have been dropped)", buf, "data")
	}
}

func TestMultiplexer_ClientServerStream(t *testing.T) {
	clientWS, serverWS := wsPipe(t)

	serverMux, err := NewServer(serverWS)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer serverMux.Close()

	clientMux, err := NewClient(clientWS)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer clientMux.Close()

	acceptErr := make(chan error, 1)
	acceptedData := make(chan []byte, 1)
	go func() {
		stream, err := serverMux.AcceptStream()
		if err != nil {
			acceptErr <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			acceptErr <- err
			return
		}
		acceptedData <- buf
		acceptErr <- nil
	}()

	stream, err := clientMux.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-acceptErr:
		if err != nil {
			t.Fatalf("accept side: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	if got := <-acceptedData; string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}
