package channel

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/evchan/pkg/buffer"
)

// Option names a channel configuration option.
type Option string

// Recognized options.
const (
	OptionAllocator            Option = "ALLOCATOR"
	OptionRecvBufferSize       Option = "RCVBUF_SIZE"
	OptionSendBufferSize       Option = "SNDBUF_SIZE"
	OptionConnectTimeout       Option = "CONNECT_TIMEOUT"
	OptionMaxMessagesPerRead   Option = "MAX_MESSAGES_PER_READ"
	OptionWriteSpinCount       Option = "WRITE_SPIN_COUNT"
	OptionHighWaterMark        Option = "WRITE_BUFFER_HIGH_WATER_MARK"
	OptionLowWaterMark         Option = "WRITE_BUFFER_LOW_WATER_MARK"
	OptionAllowHalfClosure     Option = "ALLOW_HALF_CLOSURE"
	OptionAutoRead             Option = "AUTO_READ"
	OptionMessageSizeEstimator Option = "MESSAGE_SIZE_ESTIMATOR"
)

// Default option values.
const (
	DefaultRecvBufferSize     = 16 * 1024
	DefaultConnectTimeout     = 30 * time.Second
	DefaultMaxMessagesPerRead = 16
	DefaultWriteSpinCount     = 16
	DefaultHighWaterMark      = 64 * 1024
	DefaultLowWaterMark       = 32 * 1024
)

// Config is the option bag of a channel. It is safe for concurrent use; changes take
// effect on the next operation that consults the option.
type Config struct {
	lock               sync.RWMutex
	allocator          buffer.Allocator
	recvBufferSize     int
	sendBufferSize     int
	connectTimeout     time.Duration
	maxMessagesPerRead int
	writeSpinCount     int
	highWaterMark      int64
	lowWaterMark       int64
	allowHalfClosure   bool
	autoRead           bool
	estimator          MessageSizeEstimator

	// autoReadChanged is set by the owning channel to resume reading when AUTO_READ
	// is switched back on.
	autoReadChanged func(autoRead bool)
}

// ConfigOption customizes a Config at construction time.
type ConfigOption func(c *Config) error

// NewConfig returns a Config with default values, modified by opts.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		allocator:          buffer.DefaultAllocator,
		recvBufferSize:     DefaultRecvBufferSize,
		connectTimeout:     DefaultConnectTimeout,
		maxMessagesPerRead: DefaultMaxMessagesPerRead,
		writeSpinCount:     DefaultWriteSpinCount,
		highWaterMark:      DefaultHighWaterMark,
		lowWaterMark:       DefaultLowWaterMark,
		autoRead:           true,
		estimator:          DefaultMessageSizeEstimator,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNewConfig is NewConfig that panics on error.
func MustNewConfig(opts ...ConfigOption) *Config {
	c, err := NewConfig(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// WithAllocator sets the buffer allocator.
func WithAllocator(a buffer.Allocator) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionAllocator, a) }
}

// WithRecvBufferSize sets the size of the buffers reads are performed into.
func WithRecvBufferSize(n int) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionRecvBufferSize, n) }
}

// WithSendBufferSize sets the transport send buffer size hint. 0 leaves the OS default.
func WithSendBufferSize(n int) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionSendBufferSize, n) }
}

// WithConnectTimeout sets the connect timeout.
func WithConnectTimeout(d time.Duration) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionConnectTimeout, d) }
}

// WithMaxMessagesPerRead sets how many reads are performed per read iteration.
func WithMaxMessagesPerRead(n int) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionMaxMessagesPerRead, n) }
}

// WithWriteSpinCount sets how many write attempts a flush makes before yielding.
func WithWriteSpinCount(n int) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionWriteSpinCount, n) }
}

// WithWriteBufferWaterMark sets both watermarks at once. high must exceed low.
func WithWriteBufferWaterMark(low, high int64) ConfigOption {
	return func(c *Config) error { return c.SetWaterMarks(low, high) }
}

// WithAllowHalfClosure sets whether a remote write shutdown leaves the channel open.
func WithAllowHalfClosure(allow bool) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionAllowHalfClosure, allow) }
}

// WithAutoRead sets whether reads are requested automatically.
func WithAutoRead(autoRead bool) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionAutoRead, autoRead) }
}

// WithMessageSizeEstimator sets the estimator used by the outbound buffer.
func WithMessageSizeEstimator(e MessageSizeEstimator) ConfigOption {
	return func(c *Config) error { return c.SetOption(OptionMessageSizeEstimator, e) }
}

// Copy returns an independent copy of c, not attached to any channel.
func (c *Config) Copy() *Config {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return &Config{
		allocator:          c.allocator,
		recvBufferSize:     c.recvBufferSize,
		sendBufferSize:     c.sendBufferSize,
		connectTimeout:     c.connectTimeout,
		maxMessagesPerRead: c.maxMessagesPerRead,
		writeSpinCount:     c.writeSpinCount,
		highWaterMark:      c.highWaterMark,
		lowWaterMark:       c.lowWaterMark,
		allowHalfClosure:   c.allowHalfClosure,
		autoRead:           c.autoRead,
		estimator:          c.estimator,
	}
}

func (c *Config) Allocator() buffer.Allocator {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.allocator
}

func (c *Config) RecvBufferSize() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.recvBufferSize
}

func (c *Config) SendBufferSize() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.sendBufferSize
}

func (c *Config) ConnectTimeout() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.connectTimeout
}

func (c *Config) MaxMessagesPerRead() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxMessagesPerRead
}

func (c *Config) WriteSpinCount() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.writeSpinCount
}

func (c *Config) HighWaterMark() int64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.highWaterMark
}

func (c *Config) LowWaterMark() int64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.lowWaterMark
}

func (c *Config) AllowHalfClosure() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.allowHalfClosure
}

func (c *Config) AutoRead() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.autoRead
}

func (c *Config) MessageSizeEstimator() MessageSizeEstimator {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.estimator
}

// SetWaterMarks sets both watermarks atomically. high must be greater than low, and
// low must not be negative.
func (c *Config) SetWaterMarks(low, high int64) error {
	if low < 0 || high <= low {
		return fmt.Errorf("%w: watermarks must satisfy 0 <= low < high (low=%d, high=%d)", ErrInvalidOption, low, high)
	}
	c.lock.Lock()
	c.lowWaterMark = low
	c.highWaterMark = high
	c.lock.Unlock()
	return nil
}

func toInt64(opt Option, value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case sizestr.Bytes:
		return int64(v), nil
	}
	return 0, fmt.Errorf("%w: %s expects an integer, got %T", ErrInvalidOption, opt, value)
}

// SetOption sets a single option. Integer options accept int, int32, int64 and
// sizestr.Bytes; CONNECT_TIMEOUT accepts a time.Duration or integer milliseconds.
func (c *Config) SetOption(opt Option, value interface{}) error {
	switch opt {
	case OptionAllocator:
		a, ok := value.(buffer.Allocator)
		if !ok || a == nil {
			return fmt.Errorf("%w: %s expects a buffer.Allocator, got %T", ErrInvalidOption, opt, value)
		}
		c.lock.Lock()
		c.allocator = a
		c.lock.Unlock()
	case OptionRecvBufferSize, OptionSendBufferSize, OptionMaxMessagesPerRead, OptionWriteSpinCount:
		n, err := toInt64(opt, value)
		if err != nil {
			return err
		}
		if n < 0 || (n == 0 && opt != OptionSendBufferSize) {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidOption, opt, n)
		}
		c.lock.Lock()
		switch opt {
		case OptionRecvBufferSize:
			c.recvBufferSize = int(n)
		case OptionSendBufferSize:
			c.sendBufferSize = int(n)
		case OptionMaxMessagesPerRead:
			c.maxMessagesPerRead = int(n)
		case OptionWriteSpinCount:
			c.writeSpinCount = int(n)
		}
		c.lock.Unlock()
	case OptionConnectTimeout:
		var d time.Duration
		if dv, ok := value.(time.Duration); ok {
			d = dv
		} else {
			ms, err := toInt64(opt, value)
			if err != nil {
				return err
			}
			d = time.Duration(ms) * time.Millisecond
		}
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, opt)
		}
		c.lock.Lock()
		c.connectTimeout = d
		c.lock.Unlock()
	case OptionHighWaterMark:
		n, err := toInt64(opt, value)
		if err != nil {
			return err
		}
		return c.SetWaterMarks(c.LowWaterMark(), n)
	case OptionLowWaterMark:
		n, err := toInt64(opt, value)
		if err != nil {
			return err
		}
		return c.SetWaterMarks(n, c.HighWaterMark())
	case OptionAllowHalfClosure, OptionAutoRead:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects a bool, got %T", ErrInvalidOption, opt, value)
		}
		c.lock.Lock()
		var changed func(bool)
		if opt == OptionAllowHalfClosure {
			c.allowHalfClosure = b
		} else {
			if b != c.autoRead {
				changed = c.autoReadChanged
			}
			c.autoRead = b
		}
		c.lock.Unlock()
		if changed != nil {
			changed(b)
		}
	case OptionMessageSizeEstimator:
		e, ok := value.(MessageSizeEstimator)
		if !ok || e == nil {
			return fmt.Errorf("%w: %s expects a MessageSizeEstimator, got %T", ErrInvalidOption, opt, value)
		}
		c.lock.Lock()
		c.estimator = e
		c.lock.Unlock()
	default:
		return fmt.Errorf("%w: unknown option %q", ErrInvalidOption, opt)
	}
	return nil
}

// GetOption returns the current value of an option.
func (c *Config) GetOption(opt Option) (interface{}, error) {
	switch opt {
	case OptionAllocator:
		return c.Allocator(), nil
	case OptionRecvBufferSize:
		return c.RecvBufferSize(), nil
	case OptionSendBufferSize:
		return c.SendBufferSize(), nil
	case OptionConnectTimeout:
		return c.ConnectTimeout(), nil
	case OptionMaxMessagesPerRead:
		return c.MaxMessagesPerRead(), nil
	case OptionWriteSpinCount:
		return c.WriteSpinCount(), nil
	case OptionHighWaterMark:
		return c.HighWaterMark(), nil
	case OptionLowWaterMark:
		return c.LowWaterMark(), nil
	case OptionAllowHalfClosure:
		return c.AllowHalfClosure(), nil
	case OptionAutoRead:
		return c.AutoRead(), nil
	case OptionMessageSizeEstimator:
		return c.MessageSizeEstimator(), nil
	}
	return nil, fmt.Errorf("%w: unknown option %q", ErrInvalidOption, opt)
}

func parseOptionString(opt Option, s string) (interface{}, error) {
	s = strings.TrimSpace(s)
	switch opt {
	case OptionAllocator:
		return buffer.AllocatorByName(s)
	case OptionRecvBufferSize, OptionSendBufferSize, OptionHighWaterMark, OptionLowWaterMark:
		n, err := sizestr.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, opt, err)
		}
		return n, nil
	case OptionMaxMessagesPerRead, OptionWriteSpinCount:
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, opt, err)
		}
		return n, nil
	case OptionConnectTimeout:
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, opt, err)
		}
		return d, nil
	case OptionAllowHalfClosure, OptionAutoRead:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, opt, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: option %q cannot be set from a string", ErrInvalidOption, opt)
}

// ApplyStrings sets options from textual values, as found in a config file or on a
// command line. Byte sizes accept units ("64KB"), and CONNECT_TIMEOUT accepts bare
// milliseconds or a duration ("3s"). Watermarks are applied together so their
// relative order is validated against the final pair.
func (c *Config) ApplyStrings(values map[string]string) error {
	low, high := c.LowWaterMark(), c.HighWaterMark()
	marksChanged := false
	for name, s := range values {
		opt := Option(strings.ToUpper(strings.TrimSpace(name)))
		v, err := parseOptionString(opt, s)
		if err != nil {
			return err
		}
		switch opt {
		case OptionLowWaterMark:
			low = v.(int64)
			marksChanged = true
		case OptionHighWaterMark:
			high = v.(int64)
			marksChanged = true
		default:
			if err := c.SetOption(opt, v); err != nil {
				return err
			}
		}
	}
	if marksChanged {
		return c.SetWaterMarks(low, high)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config(alloc=%s rcvbuf=%s watermarks=%s/%s autoRead=%v halfClosure=%v)",
		c.Allocator(), sizestr.ToString(int64(c.RecvBufferSize())),
		sizestr.ToString(c.LowWaterMark()), sizestr.ToString(c.HighWaterMark()),
		c.AutoRead(), c.AllowHalfClosure())
}

func (c *Config) setAutoReadListener(f func(bool)) {
	c.lock.Lock()
	c.autoReadChanged = f
	c.lock.Unlock()
}
