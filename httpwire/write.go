package httpwire

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// fullWriter adapts an io.Writer so that io.Copy (and anything else that
// calls Write once per chunk) gets the "retry on short write" discipline
// spec §4.3 point 5 requires, instead of io.Copy's default behavior of
// surfacing io.ErrShortWrite on the first partial write.
type fullWriter struct {
	w io.Writer
}

func (fw fullWriter) Write(p []byte) (int, error) {
	if err := writeFull(fw.w, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteRequest serializes req onto w as an HTTP/1.1 request, implementing
// spec §4.3. w is written to directly (never through a bufio.Writer), so
// every call below is already an immediate network write — satisfying the
// "flush after each discrete write unit" rule without extra plumbing.
func WriteRequest(w io.Writer, req *Request) error {
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	if header.Get("Host") == "" && req.Host() != "" {
		header.Set("Host", req.Host())
	}

	proto := req.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}

	// resolve the body-writing strategy (and, for the "buffer to learn the
	// length" case, do the buffering) BEFORE the head is written, since
	// that case needs to declare Content-Length up front.
	var (
		bufferedBody []byte
		useChunked   bool
		useLength    = req.ContentLength >= 0
	)

	if req.Body != nil && !useLength && !req.Chunked {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("httpwire: buffering unframed request body: %w", err)
		}
		bufferedBody = data
		header.Set("Content-Length", strconv.Itoa(len(data)))
	} else if req.Body != nil && req.Chunked && !useLength {
		useChunked = true
		header.Set("Transfer-Encoding", "chunked")
	} else if useLength {
		header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}

	requestLine := fmt.Sprintf("%s %s %s\r\n", req.Method, req.Target, proto)
	if err := writeFull(w, []byte(requestLine)); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return fmt.Errorf("httpwire: writing request headers: %w", err)
	}
	if err := writeFull(w, crlf); err != nil {
		return err
	}

	switch {
	case bufferedBody != nil:
		return writeFull(w, bufferedBody)
	case useChunked:
		return writeChunked(w, req.Body)
	case useLength && req.Body != nil:
		n, err := io.Copy(fullWriter{w}, io.LimitReader(req.Body, req.ContentLength))
		if err != nil {
			return fmt.Errorf("httpwire: streaming request body: %w", err)
		}
		if n != req.ContentLength {
			return fmt.Errorf("httpwire: request body was %d bytes, declared Content-Length was %d", n, req.ContentLength)
		}
		return nil
	default:
		return nil
	}
}

// Host returns the Host header if already set, else the explicit fallback
// recorded via SetHostFallback (see Request's hostFallback field). Requests
// built by this package's ingress caller always populate one or the other.
func (r *Request) Host() string {
	if r.Header != nil {
		if h := r.Header.Get("Host"); h != "" {
			return h
		}
	}
	return r.hostFallback
}

// SetHostFallback records the URL host to use when writing this request,
// for the case where the original Host header was absent (spec §4.3 point
// 2: "a Host header is inserted if missing").
func (r *Request) SetHostFallback(host string) {
	r.hostFallback = host
}

// WriteResponse serializes resp onto w as an HTTP/1.1 response,
// implementing spec §4.7 point 4 (the mirror of WriteRequest).
func WriteResponse(w io.Writer, resp *Response) error {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	useChunked := false
	useLength := resp.ContentLength >= 0

	switch {
	case resp.Body == nil && !useLength:
		header.Set("Content-Length", "0")
	case useLength:
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	case resp.Body != nil && resp.Chunked:
		useChunked = true
		header.Set("Transfer-Encoding", "chunked")
	case resp.Body != nil:
		// body present, no framing declared at all: spec §4.7 point 4
		// mandates adding chunked framing rather than buffering, unlike
		// the request-writer side.
		useChunked = true
		header.Set("Transfer-Encoding", "chunked")
	}

	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	statusLine := fmt.Sprintf("%s %d %s\r\n", proto, resp.StatusCode, trimCode(status, resp.StatusCode))
	if err := writeFull(w, []byte(statusLine)); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return fmt.Errorf("httpwire: writing response headers: %w", err)
	}
	if err := writeFull(w, crlf); err != nil {
		return err
	}

	switch {
	case resp.Body == nil:
		return nil
	case useChunked:
		return writeChunked(w, resp.Body)
	case useLength:
		n, err := io.Copy(fullWriter{w}, io.LimitReader(resp.Body, resp.ContentLength))
		if err != nil {
			return fmt.Errorf("httpwire: streaming response body: %w", err)
		}
		if n != resp.ContentLength {
			return fmt.Errorf("httpwire: response body was %d bytes, declared Content-Length was %d", n, resp.ContentLength)
		}
		return nil
	default:
		return nil
	}
}

// trimCode strips a leading "<code> " prefix from status if present, so
// callers that pass the full "200 OK"-style Status field through don't end
// up with the code printed twice.
func trimCode(status string, code int) string {
	prefix := strconv.Itoa(code) + " "
	if len(status) > len(prefix) && status[:len(prefix)] == prefix {
		return status[len(prefix):]
	}
	return status
}
