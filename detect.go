package apfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-macapt/types"
)

// Type is a disk image format
type Type uint8

const (
	UNKNOWN Type = iota
	APFS_RAW
	GPT
	HFS
	DMG
	SPARSE
	VMDK
	E01
	AFF4
	QCOW2
	// DD is a raw dd image, possibly split into numbered segments
	DD
	// MOUNTED is a block device such as /dev/rdisk2
	MOUNTED
)

func (t Type) String() string {
	switch t {
	case APFS_RAW:
		return "APFS"
	case GPT:
		return "GPT"
	case HFS:
		return "HFS+"
	case DMG:
		return "DMG"
	case SPARSE:
		return "SPARSE"
	case VMDK:
		return "VMDK"
	case E01:
		return "E01"
	case AFF4:
		return "AFF4"
	case QCOW2:
		return "QCOW2"
	case DD:
		return "DD"
	case MOUNTED:
		return "MOUNTED"
	}
	return "UNKNOWN"
}

// ParseType parses an --input-type value; "" and AUTO leave the format to Detect
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUTO":
		return UNKNOWN, nil
	case "E01", "EWF":
		return E01, nil
	case "DD", "RAW":
		return DD, nil
	case "DMG":
		return DMG, nil
	case "VMDK":
		return VMDK, nil
	case "AFF4":
		return AFF4, nil
	case "MOUNTED":
		return MOUNTED, nil
	case "SPARSE":
		return SPARSE, nil
	case "QCOW2":
		return QCOW2, nil
	}
	return UNKNOWN, fmt.Errorf("unknown input type %q", s)
}

const (
	hfsPlusSigWord = 0x482b // H+
	hfsXSigWord    = 0x4858 // HX
)

func readAt(r io.ReaderAt, off int64, n int) []byte {
	buf := make([]byte, n)
	if m, _ := r.ReadAt(buf, off); m < n {
		return nil
	}
	return buf
}

func checkDMG(r io.ReaderAt, size int64) bool {
	if hdr := readAt(r, 0, 8); hdr != nil && string(hdr) == "encrcdsa" {
		return true
	}
	if size < 512 {
		return false
	}
	// UDIF trailer
	koly := readAt(r, size-512, 4)
	return koly != nil && string(koly) == "koly"
}

func checkHFS(r io.ReaderAt) bool {
	hdr := readAt(r, 1024, 2)
	if hdr == nil {
		return false
	}
	sig := binary.BigEndian.Uint16(hdr)
	return sig == hfsPlusSigWord || sig == hfsXSigWord
}

func checkApfsRaw(r io.ReaderAt) bool {
	magic := readAt(r, 32, 4)
	return magic != nil && string(magic) == types.NX_MAGIC
}

func checkGPT(r io.ReaderAt) bool {
	// protective MBR is followed by the GPT header at LBA 1
	for _, sector := range []int64{512, 4096} {
		if sig := readAt(r, sector, 8); sig != nil && string(sig) == "EFI PART" {
			return true
		}
	}
	return false
}

// Detect identifies the image format of r by its signatures
func Detect(r io.ReaderAt, size int64) (Type, error) {
	hdr := readAt(r, 0, 32)
	if hdr == nil {
		return UNKNOWN, fmt.Errorf("failed to detect image type: %w", types.ErrTruncatedBlock)
	}
	switch {
	case bytes.HasPrefix(hdr, []byte("EVF\x09\x0d\x0a\xff\x00")):
		return E01, nil
	case bytes.HasPrefix(hdr, []byte("QFI\xfb")):
		return QCOW2, nil
	case bytes.HasPrefix(hdr, []byte("KDMV")), bytes.HasPrefix(hdr, []byte("# Disk DescriptorFile")):
		return VMDK, nil
	case bytes.HasPrefix(hdr, []byte("sprs")):
		return SPARSE, nil
	case bytes.HasPrefix(hdr, []byte("PK\x03\x04")):
		return AFF4, nil
	}
	if checkDMG(r, size) {
		return DMG, nil
	} else if checkApfsRaw(r) {
		return APFS_RAW, nil
	} else if checkGPT(r) {
		return GPT, nil
	} else if checkHFS(r) {
		return HFS, nil
	}
	return UNKNOWN, fmt.Errorf("failed to detect image type")
}
