package httpcodec

import (
	"errors"
	"fmt"
	"strings"
)

// Common header names.
const (
	HeaderConnection       = "Connection"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderExpect           = "Expect"
	HeaderHost             = "Host"
	HeaderKeepAlive        = "Keep-Alive"
	HeaderTrailer          = "Trailer"
	HeaderTransferEncoding = "Transfer-Encoding"
)

// Common header values.
const (
	ValueChunked   = "chunked"
	ValueClose     = "close"
	ValueContinue  = "100-continue"
	ValueKeepAlive = "keep-alive"
)

// ErrInvalidHeader is wrapped by every HeaderValidationError.
var ErrInvalidHeader = errors.New("invalid header")

// HeaderValidationError reports a header name or value with characters that may
// not appear on the wire.
type HeaderValidationError struct {
	Name   string
	Value  string
	Reason string
}

func (e *HeaderValidationError) Error() string {
	return fmt.Sprintf("invalid header %q: %s", e.Name, e.Reason)
}

func (e *HeaderValidationError) Unwrap() error {
	return ErrInvalidHeader
}

// tokenChars marks the characters allowed in a token (RFC 7230 tchar).
var tokenChars [256]bool

func init() {
	for c := '0'; c <= '9'; c++ {
		tokenChars[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		tokenChars[c] = true
		tokenChars[c-'a'+'A'] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		tokenChars[c] = true
	}
}

func isTokenChar(c byte) bool {
	return tokenChars[c]
}

func validateHeader(name, value string) error {
	if name == "" {
		return &HeaderValidationError{Name: name, Value: value, Reason: "empty name"}
	}
	for i := 0; i < len(name); i++ {
		if !isTokenChar(name[i]) {
			return &HeaderValidationError{Name: name, Value: value, Reason: fmt.Sprintf("name contains prohibited character 0x%02x", name[i])}
		}
	}
	// 0: plain, 1: after CR, 2: after CRLF, which must be followed by folding whitespace
	state := 0
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch state {
		case 0:
			switch {
			case c == '\r':
				state = 1
			case c == '\n':
				state = 2
			case (c < ' ' && c != '\t') || c == 0x7f:
				return &HeaderValidationError{Name: name, Value: value, Reason: fmt.Sprintf("value contains control character 0x%02x", c)}
			}
		case 1:
			if c != '\n' {
				return &HeaderValidationError{Name: name, Value: value, Reason: "CR not followed by LF in value"}
			}
			state = 2
		case 2:
			if c != ' ' && c != '\t' {
				return &HeaderValidationError{Name: name, Value: value, Reason: "line break in value not followed by whitespace"}
			}
			state = 0
		}
	}
	if state != 0 {
		return &HeaderValidationError{Name: name, Value: value, Reason: "value ends with a line break"}
	}
	return nil
}

const numBuckets = 17

type headerEntry struct {
	hash        uint32
	name, value string

	// next is the next entry in the same bucket; newer entries come first
	next *headerEntry

	// before and after link every entry in insertion order
	before, after *headerEntry
}

// HeaderEntry is one name/value pair.
type HeaderEntry struct {
	Name  string
	Value string
}

// Headers is an ordered, multi-valued collection of header fields with
// case-insensitive names. Entries are kept in insertion order; Get returns the
// most recently added value for a name and GetAll every value in the order
// added. Names and values are validated when they are added, so a Headers never
// holds a field that could not be written out safely.
//
// The zero value is an empty, validating Headers. Headers is not safe for
// concurrent use.
type Headers struct {
	buckets    [numBuckets]*headerEntry
	head       headerEntry
	size       int
	noValidate bool
}

// NewHeaders returns an empty Headers that validates what is added to it.
func NewHeaders() *Headers {
	return &Headers{}
}

func newHeaders(validate bool) *Headers {
	return &Headers{noValidate: !validate}
}

func (h *Headers) ring() *headerEntry {
	if h.head.after == nil {
		h.head.before = &h.head
		h.head.after = &h.head
	}
	return &h.head
}

func hashName(name string) uint32 {
	var hash uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		hash ^= uint32(c)
		hash *= 16777619
	}
	return hash
}

func (h *Headers) check(name, value string) error {
	if h.noValidate {
		return nil
	}
	return validateHeader(name, value)
}

func (h *Headers) add0(hash uint32, name, value string) {
	head := h.ring()
	i := hash % numBuckets
	e := &headerEntry{hash: hash, name: name, value: value, next: h.buckets[i]}
	h.buckets[i] = e
	e.before = head.before
	e.after = head
	head.before.after = e
	head.before = e
	h.size++
}

// Add appends a value for name, keeping any existing values.
func (h *Headers) Add(name, value string) error {
	if err := h.check(name, value); err != nil {
		return err
	}
	h.add0(hashName(name), name, value)
	return nil
}

// Set replaces every value of name with values. Nothing is changed if any of
// them is invalid.
func (h *Headers) Set(name string, values ...string) error {
	for _, v := range values {
		if err := h.check(name, v); err != nil {
			return err
		}
	}
	if len(values) == 0 {
		if err := h.check(name, ""); err != nil {
			return err
		}
	}
	hash := hashName(name)
	h.remove0(hash, name)
	for _, v := range values {
		h.add0(hash, name, v)
	}
	return nil
}

// Get returns the most recently added value for name, or "" if there is none.
func (h *Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup is Get that also reports whether name is present.
func (h *Headers) Lookup(name string) (string, bool) {
	hash := hashName(name)
	for e := h.buckets[hash%numBuckets]; e != nil; e = e.next {
		if e.hash == hash && strings.EqualFold(e.name, name) {
			return e.value, true
		}
	}
	return "", false
}

// GetAll returns every value of name in the order they were added.
func (h *Headers) GetAll(name string) []string {
	hash := hashName(name)
	var values []string
	for e := h.buckets[hash%numBuckets]; e != nil; e = e.next {
		if e.hash == hash && strings.EqualFold(e.name, name) {
			values = append(values, e.value)
		}
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values
}

func (h *Headers) Contains(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// ContainsValue reports whether any value of name, split on commas, contains the
// element value. Elements are trimmed of whitespace before comparison.
func (h *Headers) ContainsValue(name, value string, ignoreCase bool) bool {
	hash := hashName(name)
	for e := h.buckets[hash%numBuckets]; e != nil; e = e.next {
		if e.hash != hash || !strings.EqualFold(e.name, name) {
			continue
		}
		for _, elem := range strings.Split(e.value, ",") {
			elem = strings.TrimSpace(elem)
			if elem == value || (ignoreCase && strings.EqualFold(elem, value)) {
				return true
			}
		}
	}
	return false
}

func (h *Headers) remove0(hash uint32, name string) bool {
	i := hash % numBuckets
	removed := false
	prev := (*headerEntry)(nil)
	for e := h.buckets[i]; e != nil; e = e.next {
		if e.hash == hash && strings.EqualFold(e.name, name) {
			if prev == nil {
				h.buckets[i] = e.next
			} else {
				prev.next = e.next
			}
			e.before.after = e.after
			e.after.before = e.before
			h.size--
			removed = true
			continue
		}
		prev = e
	}
	return removed
}

// Remove deletes every value of name and reports whether there were any.
func (h *Headers) Remove(name string) bool {
	return h.remove0(hashName(name), name)
}

// Len returns the number of entries, counting each value separately.
func (h *Headers) Len() int {
	return h.size
}

func (h *Headers) IsEmpty() bool {
	return h.size == 0
}

// Names returns each distinct name once, in order of first appearance, spelled
// as it was first added.
func (h *Headers) Names() []string {
	var names []string
	seen := make(map[string]bool, h.size)
	h.Range(func(name, value string) bool {
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			names = append(names, name)
		}
		return true
	})
	return names
}

// Range calls f for every entry in insertion order until f returns false.
func (h *Headers) Range(f func(name, value string) bool) {
	head := h.ring()
	for e := head.after; e != head; e = e.after {
		if !f(e.name, e.value) {
			return
		}
	}
}

// Entries returns every entry in insertion order.
func (h *Headers) Entries() []HeaderEntry {
	entries := make([]HeaderEntry, 0, h.size)
	h.Range(func(name, value string) bool {
		entries = append(entries, HeaderEntry{Name: name, Value: value})
		return true
	})
	return entries
}

// Copy returns an independent copy of h.
func (h *Headers) Copy() *Headers {
	c := &Headers{noValidate: h.noValidate}
	h.Range(func(name, value string) bool {
		c.add0(hashName(name), name, value)
		return true
	})
	return c
}

// AddAll appends every entry of other.
func (h *Headers) AddAll(other *Headers) error {
	if other == nil || other == h {
		return nil
	}
	for _, e := range other.Entries() {
		if err := h.Add(e.Name, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// SetAll replaces the values of every name present in other with other's values.
func (h *Headers) SetAll(other *Headers) error {
	if other == nil || other == h {
		return nil
	}
	for _, name := range other.Names() {
		if err := h.Set(name, other.GetAll(name)...); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every entry.
func (h *Headers) Clear() {
	h.buckets = [numBuckets]*headerEntry{}
	h.head.before = &h.head
	h.head.after = &h.head
	h.size = 0
}

func (h *Headers) String() string {
	var sb strings.Builder
	sb.WriteString("Headers[")
	first := true
	h.Range(func(name, value string) bool {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(value)
		return true
	})
	sb.WriteString("]")
	return sb.String()
}
