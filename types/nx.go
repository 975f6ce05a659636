package types

import "fmt"

type nx_counter_id_t byte

const (
	NX_CNTR_OBJ_CKSUM_SET  nx_counter_id_t = 0
	NX_CNTR_OBJ_CKSUM_FAIL nx_counter_id_t = 1

	NX_NUM_COUNTERS = 32
)

const (
	NX_MAGIC            = "NXSB"
	NX_MAX_FILE_SYSTEMS = 100

	NX_EPH_INFO_COUNT = 4

	/** Block and Container Size **/
	NX_MINIMUM_BLOCK_SIZE     = 0x1000   // =    4 Ki
	NX_DEFAULT_BLOCK_SIZE     = 0x1000   // =    4 Ki
	NX_MAXIMUM_BLOCK_SIZE     = 0x10000  // =   64 Ki
	NX_MINIMUM_CONTAINER_SIZE = 0x100000 // = 1024 Ki = 1 Mi

	/** Container Flags **/
	NX_RESERVED_1 = 0x00000001
	NX_RESERVED_2 = 0x00000002
	NX_CRYPTO_SW  = 0x00000004

	/** Incompatible Container Feature Flags **/
	NX_INCOMPAT_VERSION1 = 0x0000000000000001
	NX_INCOMPAT_VERSION2 = 0x0000000000000002
	NX_INCOMPAT_FUSION   = 0x0000000000000100

	// high bit of xp_desc_blocks marks a non-contiguous (tree based) descriptor area
	NX_XP_DESC_TREE_FLAG = 1 << 31

	/** Checkpoint Flags **/
	CHECKPOINT_MAP_LAST = 0x00000001
)

// NxSuperblockT is a nx_superblock_t struct
type NxSuperblockT struct {
	Obj        ObjPhysT
	Magic      magic
	BlockSize  uint32
	BlockCount uint64

	Features                   uint64
	ReadonlyCompatibleFeatures uint64
	IncompatibleFeatures       uint64

	UUID UUID

	NextOid OidT
	NextXid XidT

	XpDescBlocks uint32
	XpDataBlocks uint32
	XpDescBase   uint64
	XpDataBase   uint64
	XpDescNext   uint32
	XpDataNext   uint32
	XpDescIndex  uint32
	XpDescLen    uint32
	XpDataIndex  uint32
	XpDataLen    uint32

	SpacemanOid OidT
	OmapOid     OidT
	ReaperOid   OidT

	TestType uint32

	MaxFileSystems      uint32
	FsOid               [NX_MAX_FILE_SYSTEMS]OidT
	Counters            [NX_NUM_COUNTERS]uint64
	BlockedOutPrange    prange
	EvictMappingTreeOid OidT
	Flags               uint64
	EFIJumpstart        uint64
	FusionUUID          UUID
	Keylocker           prange
	EphemeralInfo       [NX_EPH_INFO_COUNT]uint64

	TestOid OidT

	FusionMtOid  OidT
	FusionWbcOid OidT
	FusionWbc    prange

	NewestMountedVersion uint64

	MkbLocker prange
}

// NxSuperblock is a container superblock
type NxSuperblock struct {
	NxSuperblockT
}

func (nx NxSuperblock) String() string {
	return fmt.Sprintf("magic=%s, block_size=%d, block_count=%d, uuid=%s, next_xid=%#x, omap_oid=%#x, xp_desc_base=%#x, xp_desc_blocks=%d",
		nx.Magic,
		nx.BlockSize,
		nx.BlockCount,
		nx.UUID,
		nx.NextXid,
		nx.OmapOid,
		nx.XpDescBase,
		nx.XpDescBlocks,
	)
}

// VolumeOids returns the non-zero entries of the volume superblock oid table
func (nx NxSuperblock) VolumeOids() []OidT {
	var oids []OidT
	max := int(nx.MaxFileSystems)
	if max == 0 || max > NX_MAX_FILE_SYSTEMS {
		max = NX_MAX_FILE_SYSTEMS
	}
	for _, oid := range nx.FsOid[:max] {
		if oid != 0 {
			oids = append(oids, oid)
		}
	}
	return oids
}

func decodeNxSuperblock(data []byte) (NxSuperblock, error) {
	var nx NxSuperblock
	if err := readStruct(data, 0, &nx.NxSuperblockT); err != nil {
		return nx, err
	}
	if nx.Magic.String() != NX_MAGIC {
		return nx, fmt.Errorf("%w: expected %s, got %q", ErrBadMagic, NX_MAGIC, nx.Magic.String())
	}
	return nx, nil
}

// CheckpointMappingT is a checkpoint_mapping_t struct
type CheckpointMappingT struct {
	Type    objType
	Subtype objType
	Size    uint32
	Pad     uint32
	FsOid   OidT
	Oid     OidT
	Paddr   uint64
}

// CheckpointMapPhysT is a checkpoint_map_phys_t struct
type CheckpointMapPhysT struct {
	Obj   ObjPhysT
	Flags uint32
	Count uint32
}

// CheckpointMapPhys is a checkpoint_map_phys_t with its mappings
type CheckpointMapPhys struct {
	Hdr CheckpointMapPhysT
	Map []CheckpointMappingT
}

func decodeCheckpointMap(data []byte) (CheckpointMapPhys, error) {
	var cpm CheckpointMapPhys
	if err := readStruct(data, 0, &cpm.Hdr); err != nil {
		return cpm, err
	}
	const hdrSize, entrySize = 40, 40
	if int(cpm.Hdr.Count) > (len(data)-hdrSize)/entrySize {
		return cpm, fmt.Errorf("checkpoint map count %d: %w", cpm.Hdr.Count, ErrTruncatedBlock)
	}
	cpm.Map = make([]CheckpointMappingT, cpm.Hdr.Count)
	if err := readStruct(data, hdrSize, &cpm.Map); err != nil {
		return cpm, err
	}
	return cpm, nil
}
