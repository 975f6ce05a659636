package apfs

import (
	"errors"

	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/pkg/decmpfs"
	"github.com/blacktop/go-macapt/types"
)

var (
	// ErrEncryptedVolume is returned by every read on a volume that is not flagged unencrypted
	ErrEncryptedVolume = errors.New("volume is encrypted")
	ErrPathNotFound    = catalog.ErrPathNotFound
	ErrNotADirectory   = catalog.ErrNotADirectory
	ErrNotAFile        = errors.New("not a file")
	ErrNotASymlink     = errors.New("not a symbolic link")
	ErrNoXattr         = errors.New("extended attribute not found")
	ErrClosed          = errors.New("file already closed")

	ErrBadMagic            = types.ErrBadMagic
	ErrTruncatedBlock      = types.ErrTruncatedBlock
	ErrTruncatedRecord     = types.ErrTruncatedRecord
	ErrBadBlockChecksum    = types.ErrBadBlockChecksum
	ErrUnsupported         = types.ErrUnsupported
	ErrCorruptedCheckpoint = types.ErrCorruptedCheckpoint

	ErrUnsupportedCompression = decmpfs.ErrUnsupportedCompression
	ErrCorruptedChunk         = decmpfs.ErrCorruptedChunk
)
