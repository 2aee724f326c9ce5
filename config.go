package diskplot

import (
	"fmt"

	"go.uber.org/zap"

	dperrors "github.com/plotforge/diskplot/errors"
	"github.com/plotforge/diskplot/internal/bits"
	"github.com/plotforge/diskplot/internal/ioqueue"
)

const (
	minK = 10
	maxK = 32

	minBuckets = 2
	maxBuckets = 1024

	minArenaSize     = 1 << 20
	defaultArenaSize = 64 << 20
	defaultBuckets   = 64
	defaultDepth     = 256
)

// Config holds the plotting parameters. Build one through New and the
// With* options.
type Config struct {
	PlotID     [32]byte
	K          uint32
	Buckets    uint32
	Workers    int
	ArenaSize  int64
	DirectIO   bool
	WorkDir    string
	QueueDepth int

	logger  *zap.Logger
	factory ioqueue.Factory
}

// Option configures a Plotter.
type Option func(*Config)

// WithBuckets sets the bucket count. Must be a power of two.
func WithBuckets(n uint32) Option {
	return func(c *Config) { c.Buckets = n }
}

// WithWorkers sets the number of Fx/F1 workers.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithArenaSize sets the work heap size in bytes. The arena bounds the
// total outstanding I/O bytes; the producer blocks when it is exhausted.
func WithArenaSize(n int64) Option {
	return func(c *Config) { c.ArenaSize = n }
}

// WithDirectIO bypasses the page cache for all scratch files.
func WithDirectIO(enabled bool) Option {
	return func(c *Config) { c.DirectIO = enabled }
}

// WithQueueDepth sets the I/O command ring capacity.
func WithQueueDepth(n int) Option {
	return func(c *Config) { c.QueueDepth = n }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFileFactory substitutes the scratch stream constructor. Test seam.
func WithFileFactory(f ioqueue.Factory) Option {
	return func(c *Config) {
		if f != nil {
			c.factory = f
		}
	}
}

func newConfig(plotID [32]byte, k uint32, workDir string, opts ...Option) (*Config, error) {
	cfg := &Config{
		PlotID:     plotID,
		K:          k,
		Buckets:    defaultBuckets,
		Workers:    1,
		ArenaSize:  defaultArenaSize,
		WorkDir:    workDir,
		QueueDepth: defaultDepth,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.K < minK || cfg.K > maxK {
		return nil, dperrors.ErrInvalidK
	}
	if !bits.IsPow2(uint64(cfg.Buckets)) || cfg.Buckets < minBuckets || cfg.Buckets > maxBuckets {
		return nil, dperrors.ErrBucketCount
	}
	if cfg.Workers < 1 {
		return nil, dperrors.ErrWorkerCount
	}
	if cfg.WorkDir == "" {
		return nil, dperrors.ErrWorkDir
	}
	if cfg.ArenaSize < minArenaSize {
		return nil, dperrors.ErrArenaTooSmall
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultDepth
	}
	return cfg, nil
}

// arenaFits verifies the heap can hold one full stage batch before any of
// it is released: every bucket's batch buffer at once (block-rounded, with
// the carried partial block) plus the stage's read buffer, sized for the
// widest table's records under uniform bucketing. Requires the device
// block size, so it runs at open rather than construction.
func arenaFits(cfg *Config, blockSize int64) error {
	entriesPerBatch := bits.CDiv(1<<cfg.K, uint64(cfg.Buckets))

	maxEntryBits := uint64(entryBitsOf(Table1, cfg.K))
	for t := Table2; t <= Table7; t++ {
		if eb := uint64(entryBitsOf(t, cfg.K)); eb > maxEntryBits {
			maxEntryBits = eb
		}
	}

	batchBytes := bits.CDiv(entriesPerBatch*maxEntryBits, 8)
	need := batchBytes +
		uint64(cfg.Buckets)*2*uint64(blockSize) +
		bits.RoundUp(batchBytes, uint64(blockSize))
	if uint64(cfg.ArenaSize) < need {
		return fmt.Errorf("%w: %d byte arena, one batch needs %d",
			dperrors.ErrArenaTooSmall, cfg.ArenaSize, need)
	}
	return nil
}
