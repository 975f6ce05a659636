package btree_test

import (
	"testing"

	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/types"
	"github.com/stretchr/testify/assert"
)

func TestFSCompare(t *testing.T) {
	tests := []struct {
		name   string
		hashed bool
		a, b   []byte
		want   int
	}{
		{"object id first", false, types.EncodeJKey(5, types.APFS_TYPE_DIR_REC), types.EncodeJKey(6, types.APFS_TYPE_INODE), -1},
		{"then record type", false, types.EncodeJKey(5, types.APFS_TYPE_INODE), types.EncodeJKey(5, types.APFS_TYPE_XATTR), -1},
		{"extent before drec", false, types.EncodeFileExtentKey(5, 0), types.EncodeDrecKey(5, "a", false, 0), -1},
		{"extent offsets", false, types.EncodeFileExtentKey(5, 8192), types.EncodeFileExtentKey(5, 4096), 1},
		{"bare header sorts first", false, types.EncodeJKey(5, types.APFS_TYPE_FILE_EXTENT), types.EncodeFileExtentKey(5, 0), -1},
		{"xattr names", false, types.EncodeXattrKey(5, "com.apple.ResourceFork"), types.EncodeXattrKey(5, "com.apple.decmpfs"), -1},
		{"same xattr", false, types.EncodeXattrKey(5, "user.tag"), types.EncodeXattrKey(5, "user.tag"), 0},
		{"plain drec names", false, types.EncodeDrecKey(2, "b", false, 0), types.EncodeDrecKey(2, "a", false, 0), 1},
		{"hash before name", true, types.EncodeDrecKey(2, "zzz", true, 0x10), types.EncodeDrecKey(2, "aaa", true, 0x20), -1},
		{"hash collision by name", true, types.EncodeDrecKey(2, "b", true, 0x10), types.EncodeDrecKey(2, "a", true, 0x10), 1},
		{"same hashed drec", true, types.EncodeDrecKey(2, "Users", true, 0x3d54db), types.EncodeDrecKey(2, "Users", true, 0x3d54db), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp := btree.FSCompare(tt.hashed)
			assert.Equal(t, tt.want, cmp(tt.a, tt.b))
			assert.Equal(t, -tt.want, cmp(tt.b, tt.a))
		})
	}
}
