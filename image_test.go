package apfs_test

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/blacktop/go-macapt/pkg/partition"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containerBytes(t *testing.T, volumes ...string) []byte {
	t.Helper()
	c := apfstest.NewContainer()
	for _, name := range volumes {
		v := c.AddVolume(name)
		v.File(v.Root(), "hello.txt", []byte("hello from "+name))
	}
	img, err := c.Build()
	require.NoError(t, err)
	return img.Bytes()
}

// wrapGPT places the container in the second partition of a 512 byte sector GPT disk
func wrapGPT(t *testing.T, ctr []byte) []byte {
	t.Helper()
	const (
		sector = 512
		first  = 40
	)
	sectors := uint64(first + len(ctr)/sector + 40)
	img := make([]byte, sectors*sector)
	le := binary.LittleEndian
	img[446+4] = 0xee
	img[510], img[511] = 0x55, 0xaa

	// on disk the first three GUID fields are little endian
	guid := func(s string) []byte {
		u := uuid.MustParse(s)
		return []byte{u[3], u[2], u[1], u[0], u[5], u[4], u[7], u[6],
			u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15]}
	}

	entries := make([]byte, 128*128)
	copy(entries, guid("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"))
	le.PutUint64(entries[32:], 34)
	le.PutUint64(entries[40:], first-1)
	e := entries[128:]
	copy(e, guid(partition.APFSTypeGUID))
	copy(e[16:], guid("5A1D2A54-33C4-4B0B-9A0F-0C1D2E3F4A5B"))
	le.PutUint64(e[32:], first)
	le.PutUint64(e[40:], first+uint64(len(ctr)/sector)-1)
	copy(img[2*sector:], entries)
	copy(img[first*sector:], ctr)

	hdr := make([]byte, 92)
	copy(hdr, "EFI PART")
	le.PutUint32(hdr[8:], 0x00010000)
	le.PutUint32(hdr[12:], 92)
	le.PutUint64(hdr[24:], 1)
	le.PutUint64(hdr[32:], sectors-1)
	le.PutUint64(hdr[40:], 34)
	le.PutUint64(hdr[48:], sectors-34)
	le.PutUint64(hdr[72:], 2)
	le.PutUint32(hdr[80:], 128)
	le.PutUint32(hdr[84:], 128)
	le.PutUint32(hdr[88:], crc32.ChecksumIEEE(entries))
	le.PutUint32(hdr[16:], crc32.ChecksumIEEE(hdr))
	copy(img[sector:], hdr)
	return img
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func checkImage(t *testing.T, img *apfs.Image, volume string) {
	t.Helper()
	ctrs, err := img.Containers()
	require.NoError(t, err)
	require.Len(t, ctrs, 1)
	defer ctrs[0].Close()

	v, ok := ctrs[0].Volume(volume)
	require.True(t, ok, "volume %s not found", volume)
	f, err := v.OpenFile("/hello.txt")
	require.NoError(t, err)
	defer f.Close()
	got, err := f.ReadRange(0, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello from "+volume, string(got))
}

func TestOpenImage(t *testing.T) {
	ctr := containerBytes(t, "Macintosh HD")
	third := len(ctr) / 3 / 4096 * 4096

	tests := []struct {
		name     string
		setup    func(t *testing.T, dir string) string
		conf     *apfs.ImageConfig
		wantType apfs.Type
		wantOff  int64
	}{
		{
			name: "bare container",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "disk.img", ctr)
			},
			wantType: apfs.APFS_RAW,
		},
		{
			name: "gpt disk",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "disk.dd", wrapGPT(t, ctr))
			},
			wantType: apfs.GPT,
			wantOff:  40 * 512,
		},
		{
			name: "split dd",
			setup: func(t *testing.T, dir string) string {
				writeFile(t, dir, "disk.002", ctr[third:2*third])
				writeFile(t, dir, "disk.003", ctr[2*third:])
				return writeFile(t, dir, "disk.001", ctr[:third])
			},
			conf:     &apfs.ImageConfig{Type: apfs.DD},
			wantType: apfs.DD,
		},
		{
			name: "mounted device",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "rdisk4", wrapGPT(t, ctr))
			},
			conf:     &apfs.ImageConfig{Type: apfs.MOUNTED},
			wantType: apfs.MOUNTED,
			wantOff:  40 * 512,
		},
		{
			name: "vmdk flat extent",
			setup: func(t *testing.T, dir string) string {
				writeFile(t, dir, "disk-flat.vmdk", ctr)
				desc := fmt.Sprintf("# Disk DescriptorFile\nversion=1\nCID=fffffffe\nparentCID=ffffffff\n"+
					"createType=\"monolithicFlat\"\n\nRW %d FLAT \"disk-flat.vmdk\" 0\n", len(ctr)/512)
				return writeFile(t, dir, "disk.vmdk", []byte(desc))
			},
			wantType: apfs.VMDK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t, t.TempDir())
			img, err := apfs.OpenImage(path, tt.conf)
			require.NoError(t, err)
			defer img.Close()

			assert.Equal(t, tt.wantType, img.Type)
			require.Len(t, img.Partitions, 1)
			assert.Equal(t, tt.wantOff, img.Partitions[0].Offset)
			assert.Equal(t, int64(len(ctr)), img.Partitions[0].Size)
			checkImage(t, img, "Macintosh HD")
		})
	}
}

func TestOpenImageErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := apfs.OpenImage(filepath.Join(dir, "missing.dd"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	hfs := make([]byte, 8192)
	binary.BigEndian.PutUint16(hfs[1024:], 0x482b)
	_, err = apfs.OpenImage(writeFile(t, dir, "hfs.dmg", hfs), nil)
	assert.ErrorIs(t, err, apfs.ErrUnsupported)

	blank := writeFile(t, dir, "blank.dd", make([]byte, 1<<16))
	_, err = apfs.OpenImage(blank, nil)
	assert.Error(t, err)
	_, err = apfs.OpenImage(blank, &apfs.ImageConfig{Type: apfs.DD})
	assert.ErrorIs(t, err, partition.ErrNoContainer)
	assert.ErrorIs(t, err, apfs.ErrBadMagic)
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    apfs.Type
		wantErr bool
	}{
		{in: "", want: apfs.UNKNOWN},
		{in: "E01", want: apfs.E01},
		{in: "dd", want: apfs.DD},
		{in: "DMG", want: apfs.DMG},
		{in: "vmdk", want: apfs.VMDK},
		{in: "AFF4", want: apfs.AFF4},
		{in: "MOUNTED", want: apfs.MOUNTED},
		{in: "Sparse", want: apfs.SPARSE},
		{in: "qcow2", want: apfs.QCOW2},
		{in: "VHDX", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := apfs.ParseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
