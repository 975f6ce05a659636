package types

import "fmt"

const (
	SD_MAIN  = 0
	SD_TIER2 = 1
	SD_COUNT = 2

	SFQ_IP    = 0
	SFQ_MAIN  = 1
	SFQ_TIER2 = 2
	SFQ_COUNT = 3

	SM_FLAG_VERSIONED = 0x00000001

	CI_COUNT_MASK          = 0x000fffff
	CI_COUNT_RESERVED_MASK = 0xfff00000
)

// SpacemanDeviceT is a spaceman_device_t struct
type SpacemanDeviceT struct {
	BlockCount uint64
	ChunkCount uint64
	CibCount   uint32
	CabCount   uint32
	FreeCount  uint64
	AddrOffset uint32
	Reserved   uint32
	Reserved2  uint64
}

// SpacemanFreeQueueT is a spaceman_free_queue_t struct
type SpacemanFreeQueueT struct {
	Count         uint64
	TreeOid       OidT
	OldestXid     XidT
	TreeNodeLimit uint16
	Pad16         uint16
	Pad32         uint32
	Reserved      uint64
}

// SpacemanPhysT is a spaceman_phys_t struct (through sm_struct_size)
type SpacemanPhysT struct {
	Obj                    ObjPhysT
	BlockSize              uint32
	BlocksPerChunk         uint32
	ChunksPerCib           uint32
	CibsPerCab             uint32
	Dev                    [SD_COUNT]SpacemanDeviceT
	Flags                  uint32
	IpBmTxMultiplier       uint32
	IpBlockCount           uint64
	IpBmSizeInBlocks       uint32
	IpBmBlockCount         uint32
	IpBmBase               uint64
	IpBase                 uint64
	FsReserveBlockCount    uint64
	FsReserveAllocCount    uint64
	Fq                     [SFQ_COUNT]SpacemanFreeQueueT
	IpBmFreeHead           uint16
	IpBmFreeTail           uint16
	IpBmXidOffset          uint32
	IpBitmapOffset         uint32
	IpBmFreeNextOffset     uint32
	Version                uint32
	StructSize             uint32
}

// SpacemanPhys is the space manager; parsed for reporting only
type SpacemanPhys struct {
	SpacemanPhysT
}

func (s SpacemanPhys) String() string {
	return fmt.Sprintf("block_size=%d, blocks_per_chunk=%d, main_blocks=%d, main_free=%d",
		s.BlockSize, s.BlocksPerChunk, s.Dev[SD_MAIN].BlockCount, s.Dev[SD_MAIN].FreeCount)
}

func decodeSpaceman(data []byte) (SpacemanPhys, error) {
	var sm SpacemanPhys
	err := readStruct(data, 0, &sm.SpacemanPhysT)
	return sm, err
}

// ChunkInfoT is a chunk_info_t struct
type ChunkInfoT struct {
	Xid        XidT
	Addr       uint64
	BlockCount uint32
	FreeCount  uint32
	BitmapAddr uint64
}

// ChunkInfoBlock is a chunk_info_block_t struct (the allocation info file)
type ChunkInfoBlock struct {
	Obj            ObjPhysT
	Index          uint32
	ChunkInfoCount uint32
	ChunkInfo      []ChunkInfoT
}

func decodeCIB(data []byte) (ChunkInfoBlock, error) {
	var cib ChunkInfoBlock
	if err := readStruct(data, 0, &cib.Obj); err != nil {
		return cib, err
	}
	if len(data) < 40 {
		return cib, ErrTruncatedBlock
	}
	cib.Index = le.Uint32(data[32:])
	cib.ChunkInfoCount = le.Uint32(data[36:])
	if int(cib.ChunkInfoCount) > (len(data)-40)/32 {
		return cib, fmt.Errorf("chunk info count %d: %w", cib.ChunkInfoCount, ErrTruncatedBlock)
	}
	cib.ChunkInfo = make([]ChunkInfoT, cib.ChunkInfoCount)
	err := readStruct(data, 40, &cib.ChunkInfo)
	return cib, err
}

// CibAddrBlock is a cib_addr_block_t struct
type CibAddrBlock struct {
	Obj      ObjPhysT
	Index    uint32
	CibCount uint32
	CibAddr  []uint64
}

func decodeCAB(data []byte) (CibAddrBlock, error) {
	var cab CibAddrBlock
	if err := readStruct(data, 0, &cab.Obj); err != nil {
		return cab, err
	}
	if len(data) < 40 {
		return cab, ErrTruncatedBlock
	}
	cab.Index = le.Uint32(data[32:])
	cab.CibCount = le.Uint32(data[36:])
	if int(cab.CibCount) > (len(data)-40)/8 {
		return cab, fmt.Errorf("cib count %d: %w", cab.CibCount, ErrTruncatedBlock)
	}
	cab.CibAddr = make([]uint64, cab.CibCount)
	err := readStruct(data, 40, &cab.CibAddr)
	return cab, err
}

// SpacemanFreeQueueKey is a spaceman_free_queue_key_t struct
type SpacemanFreeQueueKey struct {
	Xid   XidT
	Paddr uint64
}

// DecodeFreeQueueKey decodes a spaceman_free_queue_key_t
func DecodeFreeQueueKey(b []byte) (SpacemanFreeQueueKey, error) {
	var k SpacemanFreeQueueKey
	if len(b) < 16 {
		return k, fmt.Errorf("free queue key: %w", ErrTruncatedRecord)
	}
	k.Xid = XidT(le.Uint64(b))
	k.Paddr = le.Uint64(b[8:])
	return k, nil
}
