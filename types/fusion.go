package types

import "fmt"

const (
	/** Address Markers **/
	FUSION_TIER2_DEVICE_BYTE_ADDR = 0x4000000000000000

	/** Fusion Middle-Tree Flags **/
	FUSION_MT_DIRTY    = (1 << 0)
	FUSION_MT_TENANT   = (1 << 1)
	FUSION_MT_ALLFLAGS = (FUSION_MT_DIRTY | FUSION_MT_TENANT)
)

// FusionTier2BlockAddr returns the first block address of the tier 2 device
func FusionTier2BlockAddr(blockSize uint32) uint64 {
	shift := 0
	for bs := blockSize; bs > 1; bs >>= 1 {
		shift++
	}
	return FUSION_TIER2_DEVICE_BYTE_ADDR >> shift
}

// FusionBlockNum maps a block number onto the tier 2 device when tier2 is set
func FusionBlockNum(tier2 bool, blkno uint64, blockSize uint32) uint64 {
	if tier2 {
		return FusionTier2BlockAddr(blockSize) | blkno
	}
	return blkno
}

type FusionMtKey paddr_t

// FusionWbcPhys is a fusion_wbc_phys_t struct
type FusionWbcPhys struct {
	ObjHdr           ObjPhysT
	Version          uint64
	ListHeadOid      OidT
	ListTailOid      OidT
	StableHeadOffset uint64
	StableTailOffset uint64
	ListBlocksCount  uint32
	Reserved         uint32
	UsedByRc         uint64
	RcStash          prange
}

// FusionWbcListEntry is a fusion_wbc_list_entry_t struct
type FusionWbcListEntry struct {
	WbcLba    paddr_t
	TargetLba paddr_t
	Length    uint64
}

// FusionWbcListPhysT is a fusion_wbc_list_phys_t struct
type FusionWbcListPhysT struct {
	ObjHdr     ObjPhysT
	Version    uint64
	TailOffset uint64
	IndexBegin uint32
	IndexEnd   uint32
	IndexMax   uint32
	Reserved   uint32
	// ListEntries []FusionWbcListEntry
}

// FusionWbcListPhys is a fusion_wbc_list_phys struct
type FusionWbcListPhys struct {
	FusionWbcListPhysT
	ListEntries []FusionWbcListEntry
}

// FusionMtVal is a fusion_mt_val_t struct
type FusionMtVal struct {
	Lba    paddr_t
	Length uint32
	Flags  uint32
}

func decodeFusionWbc(data []byte) (FusionWbcPhys, error) {
	var wbc FusionWbcPhys
	err := readStruct(data, 0, &wbc)
	return wbc, err
}

func decodeFusionWbcList(data []byte) (FusionWbcListPhys, error) {
	var wl FusionWbcListPhys
	if err := readStruct(data, 0, &wl.FusionWbcListPhysT); err != nil {
		return wl, err
	}
	const hdrSize, entrySize = 72, 24
	if wl.IndexEnd < wl.IndexBegin || int(wl.IndexEnd) > (len(data)-hdrSize)/entrySize {
		return wl, fmt.Errorf("wbc list index range [%d,%d): %w", wl.IndexBegin, wl.IndexEnd, ErrTruncatedBlock)
	}
	entries := make([]FusionWbcListEntry, wl.IndexEnd)
	if err := readStruct(data, hdrSize, &entries); err != nil {
		return wl, err
	}
	wl.ListEntries = entries[wl.IndexBegin:]
	return wl, nil
}
