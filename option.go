package bptree

// DefaultPageCapacity is the number of slots per page when no
// WithPageCapacity option is given.
const DefaultPageCapacity = 32

type options struct {
	capacity        int
	comparator      Comparator
	keySerializer   Serializer
	valueSerializer Serializer
	loadValues      bool
	logger          Logger
}

func defaultOptions() options {
	return options{
		capacity:   DefaultPageCapacity,
		loadValues: true,
		logger:     DiscardLogger{},
	}
}

// Option configures a tree using the functional options pattern.
type Option func(*options)

// WithComparator sets the key ordering. Without it, keys must be
// naturally ordered (integers, strings, or []byte).
func WithComparator(cmp Comparator) Option {
	return func(o *options) {
		o.comparator = cmp
	}
}

// WithKeySerializer sets a custom key codec. Without it, keys go through
// the default object serializer; note that the page format's integer,
// long and string fast paths only apply when no key serializer is set.
func WithKeySerializer(ser Serializer) Option {
	return func(o *options) {
		o.keySerializer = ser
	}
}

// WithValueSerializer sets a custom value codec.
func WithValueSerializer(ser Serializer) Option {
	return func(o *options) {
		o.valueSerializer = ser
	}
}

// WithPageCapacity sets the number of slots per page. Must be a power of
// two between 4 and 256. The capacity is recorded in the tree's metadata;
// OpenBTree takes it from there and ignores this option.
func WithPageCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithoutValues opens the tree in raw-traversal mode: page deserialization
// stops after the structural header and keys and values are left empty.
// Such a tree only supports Defrag.
func WithoutValues() Option {
	return func(o *options) {
		o.loadValues = false
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func validCapacity(n int) bool {
	return n >= 4 && n <= 256 && n&(n-1) == 0
}
