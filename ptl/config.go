package ptl

import (
	"fmt"
	"time"

	"github.com/rocketbitz/portals4-go/internal/wire"
)

// Config controls NIInit behaviour.
type Config struct {
	Options NIOptions
	Limits  Limits
	// Map lists the physical id of every rank for logically addressed interfaces.
	Map []ProcessID
	// SharedReceive routes traffic to ranks of a remote node through one
	// connection to that node's lowest rank.
	SharedReceive bool

	BufSize            int
	RecvBufCount       int
	MaxInlineData      int
	MaxDirectSGEs      int
	MaxRDMASegment     int
	MaxRDMAOutstanding int
	IndirectPoolSize   int
	ConnectRetries     int
	CTSpinCount        int
	PollInterval       time.Duration

	JobID uint32
	UID   uint32

	// Matcher replaces the list matcher used by the target; nil uses ListMatcher.
	Matcher MatchEngine

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

const (
	defaultBufSize            = 8192
	defaultRecvBufCount       = 64
	defaultMaxInlineData      = 1024
	defaultMaxRDMASegment     = 1 << 20
	defaultMaxRDMAOutstanding = 16
	defaultIndirectPoolSize   = 64
	defaultConnectRetries     = 3
	defaultCTSpinCount        = 64
	defaultPollInterval       = 10 * time.Millisecond
)

func (c *Config) setDefaults() error {
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.BufSize == 0 {
		c.BufSize = defaultBufSize
	}
	if c.RecvBufCount == 0 {
		c.RecvBufCount = defaultRecvBufCount
	}
	if c.MaxInlineData == 0 {
		c.MaxInlineData = defaultMaxInlineData
	}
	if c.MaxRDMASegment == 0 {
		c.MaxRDMASegment = defaultMaxRDMASegment
	}
	if c.MaxRDMAOutstanding == 0 {
		c.MaxRDMAOutstanding = defaultMaxRDMAOutstanding
	}
	if c.IndirectPoolSize == 0 {
		c.IndirectPoolSize = defaultIndirectPoolSize
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = defaultConnectRetries
	}
	if c.CTSpinCount == 0 {
		c.CTSpinCount = defaultCTSpinCount
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Matcher == nil {
		c.Matcher = ListMatcher{}
	}
	if c.Logger != nil && c.StructuredLogger == nil {
		if sl, ok := c.Logger.(StructuredLogger); ok {
			c.StructuredLogger = sl
		}
	}

	room := c.BufSize - wire.RequestSize - 2*wire.DataHeaderSize
	if room < wire.SGESize {
		return fmt.Errorf("%w: buffer size %d too small", ErrArgInvalid, c.BufSize)
	}
	if c.MaxInlineData > room {
		c.MaxInlineData = room
	}
	if c.MaxDirectSGEs == 0 || c.MaxDirectSGEs*wire.SGESize > room {
		c.MaxDirectSGEs = room / wire.SGESize
	}
	// atomics always travel inline
	if c.Limits.MaxAtomicSize > uint64(c.MaxInlineData) {
		c.Limits.MaxAtomicSize = uint64(c.MaxInlineData)
	}
	if c.Limits.MaxFetchAtomicSize > uint64(c.MaxInlineData) {
		c.Limits.MaxFetchAtomicSize = uint64(c.MaxInlineData)
	}
	if c.Options&NILogical != 0 && len(c.Map) == 0 {
		return fmt.Errorf("%w: logical interface requires a rank map", ErrArgInvalid)
	}
	return nil
}
