package apfs

import "github.com/blacktop/go-macapt/pkg/omap"

const (
	// DefaultDecompressCacheThreshold is the largest compressed file kept fully decompressed in memory
	DefaultDecompressCacheThreshold = 10 << 20
	// DefaultDecompressCacheEntries is the number of decompressed files a volume keeps
	DefaultDecompressCacheEntries = 16
)

type config struct {
	omapCacheSize       int
	decompressThreshold int64
	decompressEntries   int
	verify              bool
}

func defaultConfig() config {
	return config{
		omapCacheSize:       omap.DefaultCacheSize,
		decompressThreshold: DefaultDecompressCacheThreshold,
		decompressEntries:   DefaultDecompressCacheEntries,
		verify:              true,
	}
}

// Option configures Open
type Option func(*config)

// WithOMapCacheSize sets the size of the object-map resolution cache and of the
// b-tree node cache shared by the container's trees. Zero disables both.
func WithOMapCacheSize(n int) Option {
	return func(c *config) {
		c.omapCacheSize = n
	}
}

// WithDecompressCacheThreshold sets the size below which compressed files are
// decompressed whole and cached. Zero disables the cache.
func WithDecompressCacheThreshold(bytes int64) Option {
	return func(c *config) {
		c.decompressThreshold = bytes
	}
}

func WithDecompressCacheEntries(n int) Option {
	return func(c *config) {
		c.decompressEntries = n
	}
}

// WithVerifyChecksums toggles Fletcher-64 verification of tree and object blocks.
// Checkpoint selection always verifies.
func WithVerifyChecksums(verify bool) Option {
	return func(c *config) {
		c.verify = verify
	}
}
