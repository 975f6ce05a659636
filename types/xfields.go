package types

import "fmt"

const (
	/** Extended-Field Types **/
	DREC_EXT_TYPE_SIBLING_ID = 1

	INO_EXT_TYPE_SNAP_XID         = 1
	INO_EXT_TYPE_DELTA_TREE_OID   = 2
	INO_EXT_TYPE_DOCUMENT_ID      = 3
	INO_EXT_TYPE_NAME             = 4
	INO_EXT_TYPE_PREV_FSIZE       = 5
	INO_EXT_TYPE_RESERVED_6       = 6
	INO_EXT_TYPE_FINDER_INFO      = 7
	INO_EXT_TYPE_DSTREAM          = 8
	INO_EXT_TYPE_RESERVED_9       = 9
	INO_EXT_TYPE_DIR_STATS_KEY    = 10
	INO_EXT_TYPE_FS_UUID          = 11
	INO_EXT_TYPE_RESERVED_12      = 12
	INO_EXT_TYPE_SPARSE_BYTES     = 13
	INO_EXT_TYPE_RDEV             = 14
	INO_EXT_TYPE_PURGEABLE_FLAGS  = 15

	INO_EXT_TYPE_ORIG_SYNC_ROOT_ID = 16

	/** Extended-Field Flags **/
	XF_DATA_DEPENDENT   = 0x0001
	XF_DO_NOT_COPY      = 0x0002
	XF_RESERVED_4       = 0x0004
	XF_CHILDREN_INHERIT = 0x0008
	XF_USER_FIELD       = 0x0010
	XF_SYSTEM_FIELD     = 0x0020
	XF_RESERVED_40      = 0x0040
	XF_RESERVED_80      = 0x0080

	J_DSTREAM_SIZE = 40
)

// XField is one x_field_t with its data
type XField struct {
	Type  uint8
	Flags uint8
	Size  uint16
	Data  []byte
}

// DecodeXFields decodes an xf_blob_t; each field's data is padded to 8 bytes
func DecodeXFields(b []byte) ([]XField, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("xf_blob_t: %w", ErrTruncatedRecord)
	}
	num := int(le.Uint16(b))
	// xf_used_data covers the x_field_t table and the data
	if 4+num*4 > len(b) {
		return nil, fmt.Errorf("xf_blob_t with %d fields: %w", num, ErrTruncatedRecord)
	}
	fields := make([]XField, num)
	data := b[4+num*4:]
	// values are padded to 8 bytes from the start of the data area, not the blob
	off := 0
	for i := range fields {
		h := b[4+i*4:]
		fields[i].Type = h[0]
		fields[i].Flags = h[1]
		fields[i].Size = le.Uint16(h[2:])
		end := off + int(fields[i].Size)
		if end > len(data) {
			return nil, fmt.Errorf("xfield %d (type %d, size %d): %w", i, fields[i].Type, fields[i].Size, ErrTruncatedRecord)
		}
		fields[i].Data = data[off:end]
		off += (int(fields[i].Size) + 7) &^ 7
	}
	return fields, nil
}

// EncodeXFields encodes an xf_blob_t
func EncodeXFields(fields []XField) []byte {
	var data []byte
	for _, f := range fields {
		data = append(data, f.Data...)
		for len(data)%8 != 0 {
			data = append(data, 0)
		}
	}
	b := le.AppendUint16(nil, uint16(len(fields)))
	b = le.AppendUint16(b, uint16(len(fields)*4+len(data)))
	for _, f := range fields {
		b = append(b, f.Type, f.Flags)
		b = le.AppendUint16(b, uint16(len(f.Data)))
	}
	return append(b, data...)
}

func findXField(fields []XField, typ uint8) (XField, bool) {
	for _, f := range fields {
		if f.Type == typ {
			return f, true
		}
	}
	return XField{}, false
}

// JDstream is a j_dstream_t
type JDstream struct {
	Size              uint64
	AllocedSize       uint64
	DefaultCryptoID   uint64
	TotalBytesWritten uint64
	TotalBytesRead    uint64
}

func DecodeDstream(b []byte) (JDstream, error) {
	var ds JDstream
	if len(b) < J_DSTREAM_SIZE {
		return ds, fmt.Errorf("j_dstream_t: %w", ErrTruncatedRecord)
	}
	ds.Size = le.Uint64(b)
	ds.AllocedSize = le.Uint64(b[8:])
	ds.DefaultCryptoID = le.Uint64(b[16:])
	ds.TotalBytesWritten = le.Uint64(b[24:])
	ds.TotalBytesRead = le.Uint64(b[32:])
	return ds, nil
}

func (ds JDstream) Encode() []byte {
	b := le.AppendUint64(nil, ds.Size)
	b = le.AppendUint64(b, ds.AllocedSize)
	b = le.AppendUint64(b, ds.DefaultCryptoID)
	b = le.AppendUint64(b, ds.TotalBytesWritten)
	return le.AppendUint64(b, ds.TotalBytesRead)
}
