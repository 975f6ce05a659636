package types

import "fmt"

const (
	ER_CHECKSUM_LENGTH = 8
	ER_MAGIC           = "BALF" // 'FLAB' as stored little-endian
	ER_VERSION         = 1

	ER_CUR_CHECKSUM_COUNT_MASK = 0x0000ffff
)

// ErStatePhysHeader is a er_state_phys_header_t struct
type ErStatePhysHeader struct {
	O       ObjPhysT
	Magic   magic
	Version uint32
}

// ErStatePhys is a er_state_phys_t struct
type ErStatePhys struct {
	Header               ErStatePhysHeader
	Flags                uint64
	SnapXid              uint64
	CurrentFextObjId     uint64
	FileOffset           uint64
	Progress             uint64
	TotalBlkToEncrypt    uint64
	BlockmapOid          OidT
	TidemarkObjId        uint64
	RecoveryExtentsCount uint64
	RecoveryListOid      OidT
	RecoveryLength       uint64
}

// ErStatePhysV1T is a er_state_phys_v1_t struct
type ErStatePhysV1T struct {
	Header            ErStatePhysHeader
	Flags             uint64
	SnapXid           uint64
	CurrentFextObjId  uint64
	FileOffset        uint64
	FextPbn           uint64
	Paddr             uint64
	Progress          uint64
	TotalBlkToEncrypt uint64
	BlockmapOid       uint64
	ChecksumCount     uint64
	Reserved          uint64
	FextCid           uint64
	// Checksum [0]uint8
}

// ErStatePhysV1 is a er_state_phys (v1) struct
type ErStatePhysV1 struct {
	ErStatePhysV1T
	Checksum []byte
}

// decodeErState returns an ErStatePhysV1 for version 1 state objects and an ErStatePhys otherwise
func decodeErState(data []byte) (any, error) {
	var hdr ErStatePhysHeader
	if err := readStruct(data, 0, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic.String() != ER_MAGIC {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrBadMagic, ER_MAGIC, hdr.Magic.String())
	}
	if hdr.Version != ER_VERSION {
		var er ErStatePhys
		err := readStruct(data, 0, &er)
		return er, err
	}
	var er ErStatePhysV1
	if err := readStruct(data, 0, &er.ErStatePhysV1T); err != nil {
		return nil, err
	}
	const hdrSize = 136
	n := int(er.ChecksumCount&ER_CUR_CHECKSUM_COUNT_MASK) * ER_CHECKSUM_LENGTH
	if n > len(data)-hdrSize {
		return nil, fmt.Errorf("er_state checksum count %d: %w", n/ER_CHECKSUM_LENGTH, ErrTruncatedBlock)
	}
	er.Checksum = append([]byte(nil), data[hdrSize:hdrSize+n]...)
	return er, nil
}
