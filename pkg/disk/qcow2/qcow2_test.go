package qcow2

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	clusterBits = 9
	cluster     = 1 << clusterBits
	copied      = 1 << 63
)

// buildImage writes a version 2 image with two virtual clusters; only the
// first is allocated
//
//	cluster 0: header, 1: L1 table, 2: L2 table, 3: data, 4: refcount table
func buildImage(data []byte) []byte {
	img := make([]byte, 5*cluster)
	be := binary.BigEndian
	copy(img, "QFI\xfb")
	be.PutUint32(img[4:], 2)
	be.PutUint32(img[20:], clusterBits)
	be.PutUint64(img[24:], 2*cluster)
	be.PutUint32(img[36:], 1)
	be.PutUint64(img[40:], 1*cluster)
	be.PutUint64(img[48:], 4*cluster)
	be.PutUint32(img[56:], 1)

	be.PutUint64(img[1*cluster:], copied|2*cluster)
	be.PutUint64(img[2*cluster:], copied|3*cluster)
	copy(img[3*cluster:], data)
	return img
}

func TestOpen(t *testing.T) {
	data := bytes.Repeat([]byte("apfs"), cluster/4)
	name := filepath.Join(t.TempDir(), "disk.qcow2")
	require.NoError(t, os.WriteFile(name, buildImage(data), 0o644))

	q, err := Open(name)
	require.NoError(t, err)
	defer q.Close()
	var _ disk.Device = q

	assert.Equal(t, uint64(2*cluster), q.GetSize())
	got, err := io.ReadAll(io.NewSectionReader(q, 0, 2*cluster))
	require.NoError(t, err)
	assert.Equal(t, append(data, make([]byte, cluster)...), got)
}

func TestNewNotQCOW2(t *testing.T) {
	_, err := New(bytes.NewReader(make([]byte, 4*cluster)), nil)
	assert.ErrorIs(t, err, types.ErrBadMagic)
}
