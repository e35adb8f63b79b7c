package httpcodec

import (
	"fmt"
	"strconv"
	"strings"
)

// IsKeepAlive reports whether the connection should stay open after m, from its
// Connection header and its version's default.
func IsKeepAlive(m Message) bool {
	h := m.Head()
	if h.Header.ContainsValue(HeaderConnection, ValueClose, true) {
		return false
	}
	if h.Version.KeepAliveDefault {
		return true
	}
	return h.Header.ContainsValue(HeaderConnection, ValueKeepAlive, true)
}

// SetKeepAlive sets the Connection header of m so that IsKeepAlive(m) returns
// keepAlive. Other Connection tokens are preserved.
func SetKeepAlive(m Message, keepAlive bool) {
	h := m.Head()
	var tokens []string
	for _, v := range h.Header.GetAll(HeaderConnection) {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" || strings.EqualFold(t, ValueClose) || strings.EqualFold(t, ValueKeepAlive) {
				continue
			}
			tokens = append(tokens, t)
		}
	}
	switch {
	case !keepAlive:
		tokens = append(tokens, ValueClose)
	case !h.Version.KeepAliveDefault:
		tokens = append(tokens, ValueKeepAlive)
	}
	if len(tokens) == 0 {
		h.Header.Remove(HeaderConnection)
		return
	}
	h.Header.Set(HeaderConnection, strings.Join(tokens, ", "))
}

// ContentLength returns the declared Content-Length of m. ok is false if there is
// none; err is set if the header is present but not a non-negative integer.
func ContentLength(m Message) (n int64, ok bool, err error) {
	return parseContentLength(m.Head().Header)
}

func parseContentLength(h *Headers) (int64, bool, error) {
	values := h.GetAll(HeaderContentLength)
	if len(values) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range values {
		// a list of identical values is tolerated
		for _, elem := range strings.Split(v, ",") {
			elem = strings.TrimSpace(elem)
			if elem == "" || elem[0] == '+' || elem[0] == '-' {
				return 0, true, fmt.Errorf("invalid Content-Length: %q", v)
			}
			x, err := strconv.ParseInt(elem, 10, 64)
			if err != nil {
				return 0, true, fmt.Errorf("invalid Content-Length: %q", v)
			}
			if n >= 0 && x != n {
				return 0, true, fmt.Errorf("conflicting Content-Length values: %v", values)
			}
			n = x
		}
	}
	return n, true, nil
}

// GetContentLength returns the declared Content-Length of m, or def if it is
// missing or invalid.
func GetContentLength(m Message, def int64) int64 {
	n, ok, err := ContentLength(m)
	if !ok || err != nil {
		return def
	}
	return n
}

// SetContentLength replaces the Content-Length header of m.
func SetContentLength(m Message, n int64) {
	m.Head().Header.Set(HeaderContentLength, strconv.FormatInt(n, 10))
}

// IsTransferEncodingChunked reports whether m declares a chunked body.
func IsTransferEncodingChunked(m Message) bool {
	return m.Head().Header.ContainsValue(HeaderTransferEncoding, ValueChunked, true)
}

// SetTransferEncodingChunked adds or removes the chunked transfer coding of m.
// Adding it removes any Content-Length, which chunked framing overrides.
func SetTransferEncodingChunked(m Message, chunked bool) {
	h := m.Head().Header
	if chunked {
		if !h.ContainsValue(HeaderTransferEncoding, ValueChunked, true) {
			h.Add(HeaderTransferEncoding, ValueChunked)
		}
		h.Remove(HeaderContentLength)
		return
	}
	var codings []string
	for _, v := range h.GetAll(HeaderTransferEncoding) {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" && !strings.EqualFold(t, ValueChunked) {
				codings = append(codings, t)
			}
		}
	}
	if len(codings) == 0 {
		h.Remove(HeaderTransferEncoding)
		return
	}
	h.Set(HeaderTransferEncoding, codings...)
}

// Is100ContinueExpected reports whether m is a request that waits for a
// 100 Continue before sending its body.
func Is100ContinueExpected(m Message) bool {
	h := m.Head()
	if h.Version.Major < 1 || (h.Version.Major == 1 && h.Version.Minor == 0) {
		return false
	}
	if _, ok := m.(*Request); !ok {
		return false
	}
	return h.Header.ContainsValue(HeaderExpect, ValueContinue, true)
}

// isSelfDefinedLength reports whether the end of the body of m can be told
// without the connection closing.
func isSelfDefinedLength(m Message) bool {
	if IsTransferEncodingChunked(m) {
		return true
	}
	if _, ok, err := ContentLength(m); ok && err == nil {
		return true
	}
	var code int
	switch r := m.(type) {
	case *Response:
		code = r.Status.Code
	case *FullResponse:
		code = r.Status.Code
	default:
		return false
	}
	return (code >= 100 && code < 200) || code == 204 || code == 304
}
