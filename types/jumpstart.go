package types

import "fmt"

const (
	NX_EFI_JUMPSTART_MAGIC   = "RDSJ"
	NX_EFI_JUMPSTART_VERSION = 1
	/** Partition UUIDs **/
	APFS_GPT_PARTITION_UUID = "7C3457EF-0000-11AA-AA11-00306543ECAC"
)

// NxEfiJumpstartT is a nx_efi_jumpstart_t struct
type NxEfiJumpstartT struct {
	Obj        ObjPhysT   // The objectʼs header.
	Magic      magic      // A number that can be used to verify that youʼre reading an instance of nx_efi_jumpstart_t.
	Version    uint32     // The version of this data structure.
	EfiFileLen uint32     // The size, in bytes, of the embedded EFI driver.
	NumExtents uint32     // The number of extents in the array.
	Reserved   [16]uint64 // Reserved.
	// RecExtents []prange // The locations where the EFI driver is stored.
}

// EfiJumpstart is a nx_efi_jumpstart struct
type EfiJumpstart struct {
	NxEfiJumpstartT
	RecExtents []prange // The locations where the EFI driver is stored.
}

func (j EfiJumpstart) String() string {
	return fmt.Sprintf("magic=%s, version=%d, efi_file_len=%d, num_extents=%d", j.Magic, j.Version, j.EfiFileLen, j.NumExtents)
}

func decodeJumpstart(data []byte) (EfiJumpstart, error) {
	var js EfiJumpstart
	if err := readStruct(data, 0, &js.NxEfiJumpstartT); err != nil {
		return js, err
	}
	if js.Magic.String() != NX_EFI_JUMPSTART_MAGIC {
		return js, fmt.Errorf("%w: expected %s, got %q", ErrBadMagic, NX_EFI_JUMPSTART_MAGIC, js.Magic.String())
	}
	const hdrSize, extSize = 176, 16
	if int(js.NumExtents) > (len(data)-hdrSize)/extSize {
		return js, fmt.Errorf("jumpstart extent count %d: %w", js.NumExtents, ErrTruncatedBlock)
	}
	js.RecExtents = make([]prange, js.NumExtents)
	err := readStruct(data, hdrSize, &js.RecExtents)
	return js, err
}
