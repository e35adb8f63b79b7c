package channel

import "github.com/sammck-go/evchan/pkg/buffer"

// MessageSizeEstimator estimates how many bytes an outbound message will occupy
// in the outbound buffer. Negative results are treated as 0.
type MessageSizeEstimator interface {
	Size(msg interface{}) int64
}

// Sizer is implemented by messages that know their own encoded size.
type Sizer interface {
	EstimatedSize() int64
}

type defaultSizeEstimator struct {
	unknown int64
}

// DefaultMessageSizeEstimator counts readable bytes of buffers, byte slices and
// strings, asks Sizer messages, and counts anything else as 0.
var DefaultMessageSizeEstimator MessageSizeEstimator = NewMessageSizeEstimator(0)

// NewMessageSizeEstimator returns the default estimator, using unknownSize for
// messages it cannot measure.
func NewMessageSizeEstimator(unknownSize int64) MessageSizeEstimator {
	return defaultSizeEstimator{unknown: unknownSize}
}

func (e defaultSizeEstimator) Size(msg interface{}) int64 {
	switch m := msg.(type) {
	case buffer.Buf:
		return int64(m.ReadableBytes())
	case []byte:
		return int64(len(m))
	case string:
		return int64(len(m))
	case Sizer:
		return m.EstimatedSize()
	}
	return e.unknown
}

// estimateSize never fails: panics and negative estimates become 0.
func estimateSize(e MessageSizeEstimator, msg interface{}) (size int64) {
	if e == nil {
		return 0
	}
	defer func() {
		if recover() != nil {
			size = 0
		}
	}()
	size = e.Size(msg)
	if size < 0 {
		size = 0
	}
	return size
}
