package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/evchan/pkg/buffer"
)

func TestConfigDefaults(t *testing.T) {
	c := MustNewConfig()
	if c.HighWaterMark() != DefaultHighWaterMark || c.LowWaterMark() != DefaultLowWaterMark {
		t.Errorf("watermarks = %d/%d, want %d/%d", c.LowWaterMark(), c.HighWaterMark(), DefaultLowWaterMark, DefaultHighWaterMark)
	}
	if !c.AutoRead() || c.AllowHalfClosure() {
		t.Errorf("AutoRead()=%v AllowHalfClosure()=%v, want true/false", c.AutoRead(), c.AllowHalfClosure())
	}
	if c.WriteSpinCount() != DefaultWriteSpinCount || c.MaxMessagesPerRead() != DefaultMaxMessagesPerRead {
		t.Errorf("spin=%d maxMsgs=%d", c.WriteSpinCount(), c.MaxMessagesPerRead())
	}
	if c.Allocator() != buffer.DefaultAllocator {
		t.Errorf("Allocator() = %s, want the default allocator", c.Allocator())
	}
}

func TestConfigWaterMarksValidated(t *testing.T) {
	c := MustNewConfig()
	for _, tc := range []struct{ low, high int64 }{{-1, 10}, {10, 10}, {20, 10}} {
		if err := c.SetWaterMarks(tc.low, tc.high); !errors.Is(err, ErrInvalidOption) {
			t.Errorf("SetWaterMarks(%d, %d) returned %v, want ErrInvalidOption", tc.low, tc.high, err)
		}
	}
	if c.LowWaterMark() != DefaultLowWaterMark {
		t.Errorf("rejected watermarks modified the config")
	}
	// raising low above the current high on its own must fail
	if err := c.SetOption(OptionLowWaterMark, int64(DefaultHighWaterMark+1)); err == nil {
		t.Errorf("low watermark above high watermark was accepted")
	}
	if _, err := NewConfig(WithWriteBufferWaterMark(100, 50)); err == nil {
		t.Errorf("NewConfig accepted inverted watermarks")
	}
}

func TestConfigSetGetOption(t *testing.T) {
	c := MustNewConfig()
	if err := c.SetOption(OptionRecvBufferSize, sizestr.Bytes(4096)); err != nil {
		t.Fatalf("SetOption(RCVBUF_SIZE) returned %v", err)
	}
	if v, _ := c.GetOption(OptionRecvBufferSize); v != 4096 {
		t.Errorf("GetOption(RCVBUF_SIZE) = %v, want 4096", v)
	}
	if err := c.SetOption(OptionConnectTimeout, 1500); err != nil {
		t.Fatalf("SetOption(CONNECT_TIMEOUT) returned %v", err)
	}
	if c.ConnectTimeout() != 1500*time.Millisecond {
		t.Errorf("ConnectTimeout() = %s, want 1.5s", c.ConnectTimeout())
	}
	if err := c.SetOption(OptionWriteSpinCount, 0); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("zero WRITE_SPIN_COUNT returned %v, want ErrInvalidOption", err)
	}
	if err := c.SetOption(OptionAutoRead, "yes"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("string AUTO_READ returned %v, want ErrInvalidOption", err)
	}
	if err := c.SetOption(Option("NO_SUCH_OPTION"), 1); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("unknown option returned %v, want ErrInvalidOption", err)
	}
	if _, err := c.GetOption(Option("NO_SUCH_OPTION")); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("GetOption(unknown) returned %v, want ErrInvalidOption", err)
	}
}

func TestConfigAutoReadListener(t *testing.T) {
	c := MustNewConfig()
	var got []bool
	c.setAutoReadListener(func(b bool) { got = append(got, b) })
	c.SetOption(OptionAutoRead, true) // unchanged
	c.SetOption(OptionAutoRead, false)
	c.SetOption(OptionAutoRead, true)
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("auto-read listener saw %v, want [false true]", got)
	}
}

func TestConfigApplyStrings(t *testing.T) {
	c := MustNewConfig()
	// high is first lowered below the current low; applied together this is valid
	err := c.ApplyStrings(map[string]string{
		"write_buffer_high_water_mark": "2KB",
		"WRITE_BUFFER_LOW_WATER_MARK":  "1KB",
		"RCVBUF_SIZE":                  "64KiB",
		"CONNECT_TIMEOUT":              "3s",
		"ALLOW_HALF_CLOSURE":           "true",
		"ALLOCATOR":                    "unpooled",
	})
	if err != nil {
		t.Fatalf("ApplyStrings() returned %v", err)
	}
	if c.LowWaterMark() != 1000 || c.HighWaterMark() != 2000 {
		t.Errorf("watermarks = %d/%d, want 1000/2000", c.LowWaterMark(), c.HighWaterMark())
	}
	if c.RecvBufferSize() != 64*1024 {
		t.Errorf("RecvBufferSize() = %d, want %d", c.RecvBufferSize(), 64*1024)
	}
	if c.ConnectTimeout() != 3*time.Second || !c.AllowHalfClosure() {
		t.Errorf("ConnectTimeout()=%s AllowHalfClosure()=%v", c.ConnectTimeout(), c.AllowHalfClosure())
	}
	if _, ok := c.Allocator().(buffer.UnpooledAllocator); !ok {
		t.Errorf("Allocator() = %T, want UnpooledAllocator", c.Allocator())
	}

	if err := c.ApplyStrings(map[string]string{"AUTO_READ": "maybe"}); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("bad bool returned %v, want ErrInvalidOption", err)
	}
	if err := c.ApplyStrings(map[string]string{"MESSAGE_SIZE_ESTIMATOR": "x"}); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("non-string option returned %v, want ErrInvalidOption", err)
	}
}

func TestConfigCopyIsIndependent(t *testing.T) {
	c := MustNewConfig(WithAutoRead(false))
	cp := c.Copy()
	cp.SetOption(OptionAutoRead, true)
	if c.AutoRead() {
		t.Errorf("changing a copy changed the original")
	}
}
