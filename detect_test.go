package apfs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	c := apfstest.NewContainer()
	c.AddVolume("data")
	img, err := c.Build()
	require.NoError(t, err)

	withPrefix := func(prefix string) []byte {
		b := make([]byte, 4096)
		copy(b, prefix)
		return b
	}
	udif := make([]byte, 8192)
	copy(udif[len(udif)-512:], "koly")
	gpt := make([]byte, 8192)
	copy(gpt[512:], "EFI PART")
	hfs := make([]byte, 8192)
	binary.BigEndian.PutUint16(hfs[1024:], 0x482b)

	tests := []struct {
		name string
		data []byte
		want apfs.Type
	}{
		{name: "apfs", data: img.Bytes(), want: apfs.APFS_RAW},
		{name: "gpt", data: gpt, want: apfs.GPT},
		{name: "hfs", data: hfs, want: apfs.HFS},
		{name: "udif", data: udif, want: apfs.DMG},
		{name: "encrypted dmg", data: withPrefix("encrcdsa"), want: apfs.DMG},
		{name: "sparseimage", data: withPrefix("sprs"), want: apfs.SPARSE},
		{name: "vmdk sparse", data: withPrefix("KDMV"), want: apfs.VMDK},
		{name: "vmdk descriptor", data: withPrefix("# Disk DescriptorFile\nversion=1\n"), want: apfs.VMDK},
		{name: "ewf", data: withPrefix("EVF\x09\x0d\x0a\xff\x00"), want: apfs.E01},
		{name: "aff4", data: withPrefix("PK\x03\x04"), want: apfs.AFF4},
		{name: "qcow2", data: withPrefix("QFI\xfb"), want: apfs.QCOW2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := apfs.Detect(bytes.NewReader(tt.data), int64(len(tt.data)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}

	_, err = apfs.Detect(bytes.NewReader(make([]byte, 4096)), 4096)
	assert.Error(t, err)
	_, err = apfs.Detect(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, apfs.ErrTruncatedBlock)
}
