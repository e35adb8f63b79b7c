package httpcodec

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Version is an HTTP protocol version such as HTTP/1.1.
type Version struct {
	Protocol string
	Major    int
	Minor    int

	// KeepAliveDefault is whether connections stay open unless a Connection
	// header says otherwise.
	KeepAliveDefault bool
}

var (
	HTTP10 = Version{Protocol: "HTTP", Major: 1, Minor: 0, KeepAliveDefault: false}
	HTTP11 = Version{Protocol: "HTTP", Major: 1, Minor: 1, KeepAliveDefault: true}
)

// ParseVersion parses text of the form PROTOCOL/MAJOR.MINOR. The protocol name is
// case-insensitive and returned upper-cased.
func ParseVersion(text string) (Version, error) {
	text = strings.TrimSpace(text)
	switch text {
	case "HTTP/1.1":
		return HTTP11, nil
	case "HTTP/1.0":
		return HTTP10, nil
	}
	slash := strings.IndexByte(text, '/')
	if slash <= 0 {
		return Version{}, fmt.Errorf("invalid HTTP version: %q", text)
	}
	proto := strings.ToUpper(text[:slash])
	for i := 0; i < len(proto); i++ {
		if c := proto[i]; c <= ' ' || c >= 0x7f {
			return Version{}, fmt.Errorf("invalid HTTP version: %q", text)
		}
	}
	nums := text[slash+1:]
	dot := strings.IndexByte(nums, '.')
	if dot <= 0 || dot == len(nums)-1 {
		return Version{}, fmt.Errorf("invalid HTTP version: %q", text)
	}
	major, err1 := parseDigits(nums[:dot])
	minor, err2 := parseDigits(nums[dot+1:])
	if err1 != nil || err2 != nil {
		return Version{}, fmt.Errorf("invalid HTTP version: %q", text)
	}
	if proto == "HTTP" && major == 1 {
		if minor == 0 {
			return HTTP10, nil
		}
		if minor == 1 {
			return HTTP11, nil
		}
	}
	return Version{Protocol: proto, Major: major, Minor: minor, KeepAliveDefault: true}, nil
}

func parseDigits(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

func (v Version) String() string {
	return fmt.Sprintf("%s/%d.%d", v.Protocol, v.Major, v.Minor)
}

// Method is an HTTP request method. Methods are case-sensitive.
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodConnect Method = "CONNECT"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
)

// ParseMethod validates name as a method token.
func ParseMethod(name string) (Method, error) {
	if name == "" {
		return "", fmt.Errorf("empty method")
	}
	for i := 0; i < len(name); i++ {
		if !isTokenChar(name[i]) {
			return "", fmt.Errorf("invalid method: %q", name)
		}
	}
	return Method(name), nil
}

// Status is a response status code with its reason phrase.
type Status struct {
	Code   int
	Reason string
}

// NewStatus returns the status for code with its standard reason phrase.
func NewStatus(code int) Status {
	reason := http.StatusText(code)
	if reason == "" {
		reason = defaultReason(code)
	}
	return Status{Code: code, Reason: reason}
}

func defaultReason(code int) string {
	switch code / 100 {
	case 1:
		return "Informational"
	case 2:
		return "Successful"
	case 3:
		return "Redirection"
	case 4:
		return "Client Error"
	case 5:
		return "Server Error"
	}
	return "Unknown Status"
}

var (
	StatusContinue              = NewStatus(http.StatusContinue)
	StatusOK                    = NewStatus(http.StatusOK)
	StatusBadRequest            = NewStatus(http.StatusBadRequest)
	StatusExpectationFailed     = NewStatus(http.StatusExpectationFailed)
	StatusInternalServerError   = NewStatus(http.StatusInternalServerError)
	StatusRequestEntityTooLarge = Status{Code: http.StatusRequestEntityTooLarge, Reason: "Request Entity Too Large"}
)

// ParseStatus parses a three digit status code and an optional reason phrase.
// An empty reason is replaced with the standard one.
func ParseStatus(code, reason string) (Status, error) {
	if len(code) != 3 {
		return Status{}, fmt.Errorf("invalid status code: %q", code)
	}
	n, err := parseDigits(code)
	if err != nil {
		return Status{}, fmt.Errorf("invalid status code: %q", code)
	}
	if reason == "" {
		return NewStatus(n), nil
	}
	return Status{Code: n, Reason: reason}, nil
}

// IsInformational reports whether the status is in the 1xx class.
func (s Status) IsInformational() bool {
	return s.Code >= 100 && s.Code < 200
}

func (s Status) String() string {
	return fmt.Sprintf("%d %s", s.Code, s.Reason)
}
