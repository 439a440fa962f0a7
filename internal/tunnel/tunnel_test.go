package tunnel

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

type fakeStream struct {
	io.Reader
	io.Writer
}

func (fakeStream) Close() error { return nil }

func TestTunnel_OpenStreamFulfilled(t *testing.T) {
	tn := New("myapp", "tk", 4)
	reqs, _ := tn.Requests()

	go func() {
		req := <-reqs
		Fulfill(req, fakeStream{}, nil)
	}()

	stream, perr := tn.OpenStream(context.Background())
	if perr != nil {
		t.Fatalf("OpenStream returned error: %v", perr)
	}
	if stream == nil {
		t.Fatal("OpenStream returned nil stream with nil error")
	}
	if tn.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1", tn.RequestCount())
	}
}

func TestTunnel_OpenStreamFailure(t *testing.T) {
	tn := New("myapp", "tk", 4)
	reqs, _ := tn.Requests()

	go func() {
		req := <-reqs
		Fulfill(req, nil, &ProxyError{Kind: ErrStreamOpenFailed, Err: errors.New("boom")})
	}()

	stream, perr := tn.OpenStream(context.Background())
	if stream != nil {
		t.Fatal("expected nil stream on failure")
	}
	if perr == nil || perr.Kind != ErrStreamOpenFailed {
		t.Fatalf("OpenStream error = %v, want ErrStreamOpenFailed", perr)
	}
}

func TestTunnel_OpenStreamAfterClose(t *testing.T) {
	tn := New("myapp", "tk", 4)
	tn.Close()

	_, perr := tn.OpenStream(context.Background())
	if perr == nil || perr.Kind != ErrConnectionClosed {
		t.Fatalf("OpenStream after Close = %v, want ErrConnectionClosed", perr)
	}
}

func TestTunnel_OpenStreamContextCancelled(t *testing.T) {
	tn := New("myapp", "tk", 0) // unbuffered, no consumer

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, perr := tn.OpenStream(ctx)
	if perr == nil || perr.Kind != ErrTimeout {
		t.Fatalf("OpenStream with no consumer = %v, want ErrTimeout", perr)
	}
}

func TestTunnel_CloseIsIdempotent(t *testing.T) {
	tn := New("myapp", "tk", 4)
	tn.Close()
	tn.Close() // must not panic
	select {
	case <-tn.Done():
	default:
		t.Fatal("Done channel not closed after Close")
	}
}

func TestTunnel_IsIdle(t *testing.T) {
	tn := New("myapp", "tk", 4)
	if tn.IsIdle(time.Hour) {
		t.Fatal("freshly created tunnel reported idle")
	}

	tn.lastActivityMu.Lock()
	tn.lastActivity = time.Now().Add(-2 * time.Hour)
	tn.lastActivityMu.Unlock()

	if !tn.IsIdle(time.Hour) {
		t.Fatal("tunnel with old activity not reported idle")
	}
}

func TestTunnel_TouchUpdatesLastActivity(t *testing.T) {
	tn := New("myapp", "tk", 4)
	before := tn.LastActivity()
	time.Sleep(time.Millisecond)
	tn.Touch()
	if !tn.LastActivity().After(before) {
		t.Fatal("Touch did not advance LastActivity")
	}
}

func TestProxyError_Error(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{ErrStreamOpenFailed, "stream open failed"},
		{ErrWriteFailed, "write failed"},
		{ErrReadFailed, "read failed"},
		{ErrTimeout, "timed out"},
		{ErrConnectionClosed, "connection closed"},
	}
	for _, tt := range tests {
		e := &ProxyError{Kind: tt.kind}
		if e.Error() != tt.want {
			t.Errorf("Error() = %q, want %q", e.Error(), tt.want)
		}
	}
}
