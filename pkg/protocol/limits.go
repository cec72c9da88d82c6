package protocol

// Size limits protecting decoders from hostile peers.
const (
	// DefaultMaxFrameSize bounds the compressed body of one frame.
	DefaultMaxFrameSize = 4 << 20

	// DefaultMaxMessageSize bounds the decompressed CBOR document.
	// A full chunk (32768 block ids plus palette) is well under 128 KiB.
	DefaultMaxMessageSize = 16 << 20

	// MaxDatagramSize is the largest datagram a sender should produce.
	// Transports with native datagrams may drop anything larger.
	MaxDatagramSize = 1200

	// maxCollectionItems bounds CBOR arrays and maps.
	maxCollectionItems = 1 << 20

	// maxNestedLevels bounds CBOR nesting depth.
	maxNestedLevels = 32
)

// Limits configures the maximum sizes accepted by a Reader or decoder.
type Limits struct {
	// MaxFrameSize is the maximum compressed frame body in bytes.
	MaxFrameSize int

	// MaxMessageSize is the maximum decompressed message size in bytes.
	MaxMessageSize int
}

// DefaultLimits returns the default limits.
func DefaultLimits() *Limits {
	return &Limits{
		MaxFrameSize:   DefaultMaxFrameSize,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// withDefaults returns a copy of l with zero fields replaced by defaults.
func (l *Limits) withDefaults() Limits {
	out := *DefaultLimits()
	if l == nil {
		return out
	}
	if l.MaxFrameSize > 0 {
		out.MaxFrameSize = l.MaxFrameSize
	}
	if l.MaxMessageSize > 0 {
		out.MaxMessageSize = l.MaxMessageSize
	}
	return out
}
