package httpwire

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
)

// DeadlineSetter is satisfied by net.Conn. it is accepted as an interface
// here, rather than net.Conn itself, so this package's parsing logic can be
// exercised in tests against a plain net.Pipe or bytes.Buffer-backed
// connection without dragging in a full TCP dial.
type DeadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// ReadRequest parses one HTTP/1.1 request head and resolves its body
// framing, mirroring spec §4.7 point 1 (itself the mirror of the CS
// response reader in §4.4). Unlike a response, a request with neither
// Content-Length nor chunked framing is simply bodiless — there is no
// close-delimited fallback, because the data channel stays open for the
// next keep-alive request.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "reading request line", err)
	}
	method, target, proto, err := parseRequestLine(requestLine)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "parsing request line", err)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "reading request headers", err)
	}
	header := http.Header(mimeHeader)

	contentLength, chunked, err := declaredFraming(header)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "parsing request framing headers", err)
	}

	body, resolvedLength := requestBodyReader(br, contentLength, chunked)

	return &Request{
		Method:        method,
		Target:        target,
		Proto:         proto,
		Header:        header,
		Body:          body,
		ContentLength: resolvedLength,
		Chunked:       chunked,
	}, nil
}

// ReadResponse parses one HTTP/1.1 response head and resolves its body
// framing per spec §4.4, including the early-completion rule (204/304/1xx
// finalize immediately with an empty body) and the close-delimited
// fallback when neither Content-Length nor chunked framing is declared.
//
// conn's read deadline is set to timeout before the body is read, so a
// backend that stalls mid-response does not hang the handler forever
// (spec: "Timeout: 10 minutes per response").
func ReadResponse(br *bufio.Reader, conn DeadlineSetter, timeout time.Duration) (*Response, error) {
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "reading status line", err)
	}
	proto, statusCode, status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "parsing status line", err)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "reading response headers", err)
	}
	header := http.Header(mimeHeader)

	resp := &Response{
		StatusCode: statusCode,
		Status:     status,
		Proto:      proto,
		Header:     header,
	}

	if isEarlyCompletionStatus(statusCode) {
		resp.Body = io.NopCloser(strings.NewReader(""))
		resp.ContentLength = 0
		return resp, nil
	}

	contentLength, chunked, err := declaredFraming(header)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "parsing response framing headers", err)
	}

	if conn != nil {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("httpwire: setting response read deadline: %w", err)
		}
	}

	switch {
	case contentLength >= 0:
		resp.Body = io.NopCloser(io.LimitReader(br, contentLength))
		resp.ContentLength = contentLength
	case chunked:
		resp.Body = io.NopCloser(newChunkedReader(br))
		resp.ContentLength = -1
		resp.Chunked = true
	default:
		// no framing at all: the response is defined by connection close.
		resp.Body = io.NopCloser(br)
		resp.ContentLength = -1
	}

	return resp, nil
}

// isEarlyCompletionStatus reports whether statusCode mandates an empty
// body regardless of declared framing (spec §4.4).
func isEarlyCompletionStatus(statusCode int) bool {
	if statusCode >= 100 && statusCode < 200 {
		return true
	}
	return statusCode == http.StatusNoContent || statusCode == http.StatusNotModified
}

// requestBodyReader resolves a request body per the declared framing.
// requests never fall back to close-delimited reading (see ReadRequest's
// doc comment), so the "no framing" case yields an empty body.
func requestBodyReader(br *bufio.Reader, contentLength int64, chunked bool) (io.ReadCloser, int64) {
	switch {
	case contentLength >= 0:
		return io.NopCloser(io.LimitReader(br, contentLength)), contentLength
	case chunked:
		return io.NopCloser(newChunkedReader(br)), -1
	default:
		return io.NopCloser(strings.NewReader("")), 0
	}
}

// declaredFraming extracts Content-Length and Transfer-Encoding: chunked
// from header, lowercasing the comparison the way spec §4.4 describes
// ("Extract lowercase content-length and transfer-encoding"). returns
// contentLength == -1 when no Content-Length header is present.
func declaredFraming(header http.Header) (contentLength int64, chunked bool, err error) {
	contentLength = -1

	if v := header.Get("Content-Length"); v != "" {
		n, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil || n < 0 {
			return 0, false, fmt.Errorf("invalid content-length %q", v)
		}
		contentLength = n
	}

	if v := header.Get("Transfer-Encoding"); strings.EqualFold(strings.TrimSpace(v), "chunked") {
		chunked = true
	}

	return contentLength, chunked, nil
}

func parseRequestLine(line string) (method, target, proto string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed request line %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

func parseStatusLine(line string) (proto string, statusCode int, status string, err error) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("malformed status line %q", line)
	}
	proto = parts[0]
	status = parts[1]

	codeStr := status
	if i := strings.IndexByte(status, ' '); i >= 0 {
		codeStr = status[:i]
	}
	statusCode, err = strconv.Atoi(codeStr)
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed status code in %q: %w", line, err)
	}
	return proto, statusCode, status, nil
}
