package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// maxResponseHeaderBytes bounds how many bytes of response header this
	// proxy will buffer before giving up on ever finding the blank line
	// that ends them.
	maxResponseHeaderBytes = 64 * 1024

	// firstByteTimeout is how long the proxy waits for the backend to
	// start responding at all.
	firstByteTimeout = 30 * time.Second

	// readChunkTimeout bounds each individual read while accumulating
	// headers, so the overall firstByteTimeout can be checked between
	// reads instead of blocking indefinitely on one.
	readChunkTimeout = 5 * time.Second
)

// deadliner is satisfied by the tunnel streams this proxy reads responses
// from (yamux streams implement it).
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// parsedResponse is a backend's response, split into its status line,
// headers, and a reader positioned at the start of the body (which may
// already include bytes read past the header boundary).
type parsedResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader
}

// readResponse accumulates bytes from r until it has seen a full header
// section (terminated by "\r\n\r\n"), then parses it. It enforces
// firstByteTimeout for the header phase as a whole and maxResponseHeaderBytes
// as a hard cap, translating both into sentinel errors the caller maps to
// HTTP status codes.
func readResponse(r io.Reader) (*parsedResponse, error) {
	d, hasDeadline := r.(deadliner)

	var header bytes.Buffer
	buf := make([]byte, 4096)
	start := time.Now()
	headerEnd := -1

	for {
		if time.Since(start) > firstByteTimeout {
			return nil, errResponseTimeout
		}

		if hasDeadline {
			d.SetReadDeadline(time.Now().Add(readChunkTimeout))
		}

		n, err := r.Read(buf)
		if n > 0 {
			header.Write(buf[:n])
			if pos := findHeaderEnd(header.Bytes()); pos >= 0 {
				headerEnd = pos
				break
			}
			if header.Len() > maxResponseHeaderBytes {
				return nil, errResponseHeadersTooLarge
			}
		}
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			if err == io.EOF {
				return nil, errResponseClosed
			}
			return nil, fmt.Errorf("reading response: %w", err)
		}
	}

	if hasDeadline {
		d.SetReadDeadline(time.Time{})
	}

	raw := header.Bytes()
	headerBytes := raw[:headerEnd]
	leftover := raw[headerEnd+4:]

	resp, err := parseHeaderSection(headerBytes)
	if err != nil {
		return nil, err
	}

	resp.Body = io.MultiReader(bytes.NewReader(leftover), r)
	return resp, nil
}

// findHeaderEnd returns the index of the first byte of the first "\r\n\r\n"
// sequence in data, or -1 if none is present yet.
func findHeaderEnd(data []byte) int {
	return bytes.Index(data, []byte("\r\n\r\n"))
}

func parseHeaderSection(raw []byte) (*parsedResponse, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, len(raw)+1), len(raw)+1)

	if !scanner.Scan() {
		return nil, fmt.Errorf("empty response from backend")
	}
	statusLine := scanner.Text()
	statusCode := parseStatusCode(statusLine)

	header := make(http.Header)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if isHopByHop(name) {
			continue
		}
		header.Add(name, value)
	}

	return &parsedResponse{StatusCode: statusCode, Header: header}, nil
}

func parseStatusCode(statusLine string) int {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return http.StatusBadGateway
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return http.StatusBadGateway
	}
	return code
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
