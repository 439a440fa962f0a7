package client

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// readBufferSize is the chunk size used while accumulating a request from a
// tunnel stream.
const readBufferSize = 8192

// readFullRequest reads from stream until it has seen the end of the HTTP
// header block and, if a Content-Length is present, that many body bytes.
// It buffers the whole request in memory: the Host-header rewrite below
// needs the complete byte sequence, not a prefix of it.
func readFullRequest(stream io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readBufferSize)

	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])

			if pos := findHeaderEnd(buf.Bytes()); pos >= 0 {
				header := buf.Bytes()[:pos]
				bodyStart := pos + 4
				bodyReceived := buf.Len() - bodyStart

				contentLength := 0
				if headerStr, ok := asUTF8(header); ok {
					contentLength = parseContentLength(headerStr)
				}
				if bodyReceived >= contentLength {
					return buf.Bytes(), nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return buf.Bytes(), nil
			}
			return nil, fmt.Errorf("reading request from tunnel stream: %w", err)
		}
	}
}

func findHeaderEnd(data []byte) int {
	return bytes.Index(data, []byte("\r\n\r\n"))
}

func asUTF8(b []byte) (string, bool) {
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

func parseContentLength(headers string) int {
	for _, line := range strings.Split(headers, "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			_, val, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				return n
			}
		}
	}
	return 0
}

// rewriteHostHeader replaces the request's Host header with newHost. It
// operates on \r\n-split lines and only when the whole buffer is valid
// UTF-8; a request with non-ASCII-safe headers is passed through unchanged,
// which can leave a stale Host header in place. That quirk is intentional:
// rewriting partial multi-byte sequences would corrupt the request instead.
func rewriteHostHeader(request []byte, newHost string) []byte {
	text, ok := asUTF8(request)
	if !ok {
		return request
	}

	lines := strings.Split(text, "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "host:") {
			lines[i] = "Host: " + newHost
		}
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func requestLine(request []byte) string {
	if idx := bytes.Index(request, []byte("\r\n")); idx >= 0 {
		return string(request[:idx])
	}
	return string(request)
}

func splitMethodPath(line string) (method, path string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	return "", ""
}

func statusFromResponse(response []byte) (code int, text string) {
	line := requestLine(response)
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, ""
	}
	code, _ = strconv.Atoi(parts[1])
	if len(parts) == 3 {
		text = parts[2]
	}
	return code, text
}

// forwardToLocal connects to localAddr, optionally rewrites the Host
// header, relays request, and returns the full raw response bytes.
func forwardToLocal(request []byte, localAddr, localHost string, dialTimeout, ioTimeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", localAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to local backend: %w", err)
	}
	defer conn.Close()

	if localHost != "" {
		request = rewriteHostHeader(request, localHost)
	}

	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("writing request to local backend: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	response, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("reading response from local backend: %w", err)
	}
	return response, nil
}

func timeoutResponse(code int, text string) []byte {
	body := text
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s", code, text, len(body), body))
}
