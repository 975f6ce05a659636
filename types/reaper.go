package types

import "fmt"

type nrFlags uint32
type rlFlags uint32

// NRL_INDEX_INVALID ends the in-use chain of a reap list
const NRL_INDEX_INVALID = 0xffffffff

// NxReaperPhysT is a nx_reaper_phys_t struct
type NxReaperPhysT struct {
	Obj             ObjPhysT
	NextReapID      uint64
	CompletedID     uint64
	Head            OidT
	Tail            OidT
	Flags           nrFlags
	RlCount         uint32
	Type            uint32
	Size            uint32
	FsOid           OidT
	Oid             OidT
	Xid             XidT
	NrleFlags       uint32
	StateBufferSize uint32
	// StateBuffer     []uint8
}

// ReaperPhys is a nx_reaper_phys struct
type ReaperPhys struct {
	NxReaperPhysT
	StateBuffer []uint8
}

func (r ReaperPhys) String() string {
	return fmt.Sprintf("next_reap_id=%d, completed_id=%d, head=%#x, tail=%#x, fs_oid=%#x, oid=%#x, xid=%#x",
		r.NextReapID, r.CompletedID, r.Head, r.Tail, r.FsOid, r.Oid, r.Xid)
}

// NxReapListPhysT is a nx_reap_list_phys_t struct
type NxReapListPhysT struct {
	Obj   ObjPhysT
	Next  OidT
	Flags uint32
	Max   uint32
	Count uint32
	First uint32
	Last  uint32
	Free  uint32
}

// ReapListPhys is a nx_reap_list_phys struct
type ReapListPhys struct {
	NxReapListPhysT
	Entries []ReapListEntry
}

// ReapListEntry is a nx_reap_list_entry_t struct
type ReapListEntry struct {
	Next  uint32
	Flags rlFlags
	Type  uint32
	Size  uint32
	FsOid OidT
	Oid   OidT
	Xid   XidT
}

func decodeReaper(data []byte) (ReaperPhys, error) {
	var rp ReaperPhys
	if err := readStruct(data, 0, &rp.NxReaperPhysT); err != nil {
		return rp, err
	}
	const hdrSize = 112
	end := hdrSize + int(rp.StateBufferSize)
	if end > len(data) {
		return rp, fmt.Errorf("reaper state buffer size %d: %w", rp.StateBufferSize, ErrTruncatedBlock)
	}
	rp.StateBuffer = append([]uint8(nil), data[hdrSize:end]...)
	return rp, nil
}

func decodeReapList(data []byte) (ReapListPhys, error) {
	var rl ReapListPhys
	if err := readStruct(data, 0, &rl.NxReapListPhysT); err != nil {
		return rl, err
	}
	const hdrSize, entrySize = 64, 40
	if int(rl.Max) > (len(data)-hdrSize)/entrySize {
		return rl, fmt.Errorf("reap list max %d: %w", rl.Max, ErrTruncatedBlock)
	}
	entries := make([]ReapListEntry, rl.Max)
	if err := readStruct(data, hdrSize, &entries); err != nil {
		return rl, err
	}
	// walk the in-use chain
	for idx, seen := rl.First, 0; idx != NRL_INDEX_INVALID && int(idx) < len(entries) && seen < len(entries); seen++ {
		rl.Entries = append(rl.Entries, entries[idx])
		idx = entries[idx].Next
	}
	return rl, nil
}
