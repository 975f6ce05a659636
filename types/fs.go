package types

import (
	"bytes"
	"fmt"
	"time"
)

const (
	APFS_MAGIC             = "APSB"
	APFS_MAX_HIST          = 8
	APFS_VOLNAME_LEN       = 256
	APFS_MODIFIED_NAMELEN  = 32

	/** Volume Flags **/
	APFS_FS_UNENCRYPTED            = 0x00000001
	APFS_FS_RESERVED_2             = 0x00000002
	APFS_FS_RESERVED_4             = 0x00000004
	APFS_FS_ONEKEY                 = 0x00000008
	APFS_FS_SPILLEDOVER            = 0x00000010
	APFS_FS_RUN_SPILLOVER_CLEANER  = 0x00000020
	APFS_FS_ALWAYS_CHECK_EXTENTREF = 0x00000040
	APFS_FS_RESERVED_80            = 0x00000080
	APFS_FS_RESERVED_100           = 0x00000100

	/** Optional Volume Feature Flags **/
	APFS_FEATURE_DEFRAG_PRERELEASE        = 0x00000001
	APFS_FEATURE_HARDLINK_MAP_RECORDS     = 0x00000002
	APFS_FEATURE_DEFRAG                   = 0x00000004
	APFS_FEATURE_STRICTATIME              = 0x00000008
	APFS_FEATURE_VOLGRP_SYSTEM_INO_SPACE  = 0x00000010

	/** Incompatible Volume Feature Flags **/
	APFS_INCOMPAT_CASE_INSENSITIVE          = 0x00000001
	APFS_INCOMPAT_DATALESS_SNAPS            = 0x00000002
	APFS_INCOMPAT_ENC_ROLLED                = 0x00000004
	APFS_INCOMPAT_NORMALIZATION_INSENSITIVE = 0x00000008
	APFS_INCOMPAT_INCOMPLETE_RESTORE        = 0x00000010
	APFS_INCOMPAT_SEALED_VOLUME             = 0x00000020
	APFS_INCOMPAT_RESERVED_40               = 0x00000040
)

type volRole uint16

const (
	APFS_VOL_ROLE_NONE      volRole = 0x0000
	APFS_VOL_ROLE_SYSTEM    volRole = 0x0001
	APFS_VOL_ROLE_USER      volRole = 0x0002
	APFS_VOL_ROLE_RECOVERY  volRole = 0x0004
	APFS_VOL_ROLE_VM        volRole = 0x0008
	APFS_VOL_ROLE_PREBOOT   volRole = 0x0010
	APFS_VOL_ROLE_INSTALLER volRole = 0x0020

	APFS_VOLUME_ENUM_SHIFT = 6

	APFS_VOL_ROLE_DATA        volRole = 1 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_BASEBAND    volRole = 2 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_UPDATE      volRole = 3 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_XART        volRole = 4 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_HARDWARE    volRole = 5 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_BACKUP      volRole = 6 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_RESERVED_7  volRole = 7 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_RESERVED_8  volRole = 8 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_ENTERPRISE  volRole = 9 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_RESERVED_10 volRole = 10 << APFS_VOLUME_ENUM_SHIFT
	APFS_VOL_ROLE_PRELOGIN    volRole = 11 << APFS_VOLUME_ENUM_SHIFT
)

func (r volRole) String() string {
	switch r {
	case APFS_VOL_ROLE_NONE:
		return "none"
	case APFS_VOL_ROLE_SYSTEM:
		return "system"
	case APFS_VOL_ROLE_USER:
		return "user"
	case APFS_VOL_ROLE_RECOVERY:
		return "recovery"
	case APFS_VOL_ROLE_VM:
		return "vm"
	case APFS_VOL_ROLE_PREBOOT:
		return "preboot"
	case APFS_VOL_ROLE_INSTALLER:
		return "installer"
	case APFS_VOL_ROLE_DATA:
		return "data"
	case APFS_VOL_ROLE_BASEBAND:
		return "baseband"
	case APFS_VOL_ROLE_UPDATE:
		return "update"
	case APFS_VOL_ROLE_XART:
		return "xart"
	case APFS_VOL_ROLE_HARDWARE:
		return "hardware"
	case APFS_VOL_ROLE_BACKUP:
		return "backup"
	case APFS_VOL_ROLE_ENTERPRISE:
		return "enterprise"
	case APFS_VOL_ROLE_PRELOGIN:
		return "prelogin"
	default:
		return fmt.Sprintf("role(%#x)", uint16(r))
	}
}

// WrappedMetaCryptoStateT is a wrapped_meta_crypto_state_t struct
type WrappedMetaCryptoStateT struct {
	MajorVersion    uint16
	MinorVersion    uint16
	Cpflags         uint32
	PersistentClass uint32
	KeyOsVersion    uint32
	KeyRevision     uint16
	Unused          uint16
}

// ApfsModifiedByT is a apfs_modified_by_t struct
type ApfsModifiedByT struct {
	ID        [APFS_MODIFIED_NAMELEN]byte
	Timestamp uint64
	LastXid   XidT
}

func (m ApfsModifiedByT) String() string {
	return fmt.Sprintf("%s (%s)", cString(m.ID[:]), FromApfsTime(m.Timestamp).UTC().Format(time.RFC3339))
}

// ApfsSuperblockT is a apfs_superblock_t struct
type ApfsSuperblockT struct {
	Obj ObjPhysT

	Magic   magic
	FsIndex uint32

	Features                   uint64
	ReadonlyCompatibleFeatures uint64
	IncompatibleFeatures       uint64

	UnmountTime uint64

	FsReserveBlockCount uint64
	FsQuotaBlockCount   uint64
	FsAllocCount        uint64

	MetaCrypto WrappedMetaCryptoStateT

	RootTreeType      uint32
	ExtentrefTreeType uint32
	SnapMetaTreeType  uint32

	OmapOid          OidT
	RootTreeOid      OidT
	ExtentrefTreeOid OidT
	SnapMetaTreeOid  OidT

	RevertToXid       XidT
	RevertToSblockOid OidT

	NextObjID uint64

	NumFiles          uint64
	NumDirectories    uint64
	NumSymlinks       uint64
	NumOtherFsobjects uint64
	NumSnapshots      uint64

	TotalBlocksAlloced uint64
	TotalBlocksFreed   uint64

	VolumeUUID   UUID
	LastModTime  uint64
	FsFlags      uint64
	FormattedBy  ApfsModifiedByT
	ModifiedBy   [APFS_MAX_HIST]ApfsModifiedByT
	VolumeName   [APFS_VOLNAME_LEN]byte
	NextDocID    uint32
	Role         volRole
	Reserved     uint16
	RootToXid    XidT
	ErStateOid   OidT
	CloneinfoIDEpoch uint64
	CloneinfoXid     uint64
	SnapMetaExtOid   OidT
	VolumeGroupID    UUID
	IntegrityMetaOid OidT
	FextTreeOid      OidT
	FextTreeType     uint32
	ReservedType     uint32
	ReservedOid      OidT
}

// ApfsSuperblock is a volume superblock
type ApfsSuperblock struct {
	ApfsSuperblockT
}

// Name returns the volume name
func (s ApfsSuperblock) Name() string {
	return cString(s.VolumeName[:])
}

// CaseInsensitive returns true if directory names compare case-insensitively
func (s ApfsSuperblock) CaseInsensitive() bool {
	return s.IncompatibleFeatures&APFS_INCOMPAT_CASE_INSENSITIVE != 0
}

// HashedNames returns true if directory records use the hashed key layout
func (s ApfsSuperblock) HashedNames() bool {
	return s.IncompatibleFeatures&(APFS_INCOMPAT_CASE_INSENSITIVE|APFS_INCOMPAT_NORMALIZATION_INSENSITIVE) != 0
}

// Encrypted returns true if the volume is not flagged as unencrypted
func (s ApfsSuperblock) Encrypted() bool {
	return s.FsFlags&APFS_FS_UNENCRYPTED == 0
}

func (s ApfsSuperblock) String() string {
	return fmt.Sprintf("name=%s, uuid=%s, role=%s, files=%d, folders=%d, omap_oid=%#x, root_tree_oid=%#x, encrypted=%t, case_insensitive=%t",
		s.Name(),
		s.VolumeUUID,
		s.Role,
		s.NumFiles,
		s.NumDirectories,
		s.OmapOid,
		s.RootTreeOid,
		s.Encrypted(),
		s.CaseInsensitive(),
	)
}

func decodeApfsSuperblock(data []byte) (ApfsSuperblock, error) {
	var sb ApfsSuperblock
	if err := readStruct(data, 0, &sb.ApfsSuperblockT); err != nil {
		return sb, err
	}
	if sb.Magic.String() != APFS_MAGIC {
		return sb, fmt.Errorf("%w: expected %s, got %q", ErrBadMagic, APFS_MAGIC, sb.Magic.String())
	}
	return sb, nil
}

// FromApfsTime converts nanoseconds since 1970-01-01 UTC to time.Time
func FromApfsTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
