package proxy

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// defaultMaxRequestBodyBytes bounds how much of a request body this proxy
// will relay before giving up, independent of whatever limit the backend
// itself enforces. Config.MaxRequestBodyBytes overrides it.
const defaultMaxRequestBodyBytes = 10 << 20 // 10 MiB

// errRequestTooLarge is returned by writeRequest when the body exceeds the
// configured limit.
var errRequestTooLarge = fmt.Errorf("request body exceeds maximum size")

// writeRequest serializes an incoming HTTP request onto w in the exact wire
// form a backend expects: a request line, the non-hop-by-hop headers,
// X-Forwarded-* and X-Request-ID, a blank line, then the body. It returns
// the generated request ID so the caller can correlate logs and tag the
// response.
func writeRequest(w io.Writer, r *http.Request, clientIP, proto string, maxBodyBytes int64) (requestID string, err error) {
	requestID = uuid.NewString()

	path := r.URL.RequestURI()
	if path == "" {
		path = "/"
	}

	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", r.Method, path); err != nil {
		return requestID, err
	}

	for name, values := range r.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, v); err != nil {
				return requestID, err
			}
		}
	}

	if _, err := fmt.Fprintf(w, "X-Forwarded-For: %s\r\n", clientIP); err != nil {
		return requestID, err
	}
	if _, err := fmt.Fprintf(w, "X-Forwarded-Proto: %s\r\n", proto); err != nil {
		return requestID, err
	}
	if _, err := fmt.Fprintf(w, "X-Request-ID: %s\r\n", requestID); err != nil {
		return requestID, err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return requestID, err
	}

	if r.Body == nil {
		return requestID, nil
	}
	defer r.Body.Close()

	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxRequestBodyBytes
	}

	if _, err := io.Copy(w, &countingReader{r: r.Body, limit: maxBodyBytes}); err != nil {
		return requestID, err
	}
	return requestID, nil
}

// countingReader wraps a body reader and fails once the cumulative byte
// count exceeds limit. It reads one byte past limit before erroring, so a
// body of exactly limit bytes streams through to io.EOF untouched instead
// of tripping the guard on the final, empty read.
type countingReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.read > c.limit {
		return 0, errRequestTooLarge
	}
	if remaining := c.limit + 1 - c.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, errRequestTooLarge
	}
	return n, err
}
