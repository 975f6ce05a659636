package apfstest

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

const decmpfsChunk = 0x10000

// Zlib compresses data as a zlib stream
func Zlib(data []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// LZVN encodes data as an LZVN stream made only of literal runs
func LZVN(data []byte) []byte {
	var out []byte
	for len(data) > 0 {
		n := min(len(data), 271)
		if n < 16 {
			out = append(out, 0xE0|byte(n))
		} else {
			out = append(out, 0xE0, byte(n-16))
		}
		out = append(out, data[:n]...)
		data = data[n:]
	}
	// end of stream opcode plus padding
	return append(out, 0x06, 0, 0, 0, 0, 0, 0, 0)
}

// LZFSE wraps data in an LZFSE container holding a single LZVN block
func LZFSE(data []byte) []byte {
	payload := LZVN(data)
	out := []byte("bvxn")
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return append(out, "bvx$"...)
}

func splitChunks(data []byte, enc func([]byte) []byte) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(data); off += decmpfsChunk {
		chunks = append(chunks, enc(data[off:min(off+decmpfsChunk, len(data))]))
	}
	return chunks
}

// ZlibResourceFork builds a CMP_RSRC_ZLIB resource fork; stored chunks use the 0xFF escape
func ZlibResourceFork(data []byte, stored bool) []byte {
	enc := Zlib
	if stored {
		enc = func(b []byte) []byte { return append([]byte{0xFF}, b...) }
	}
	chunks := splitChunks(data, enc)

	const headerSize = 0x100
	table := binary.LittleEndian.AppendUint32(nil, uint32(len(chunks)))
	off := uint32(4 + len(chunks)*8)
	for _, c := range chunks {
		table = binary.LittleEndian.AppendUint32(table, off)
		table = binary.LittleEndian.AppendUint32(table, uint32(len(c)))
		off += uint32(len(c))
	}
	var body []byte
	body = append(body, table...)
	for _, c := range chunks {
		body = append(body, c...)
	}

	out := make([]byte, headerSize)
	binary.BigEndian.PutUint32(out[0:], headerSize)
	binary.BigEndian.PutUint32(out[4:], uint32(headerSize+4+len(body)))
	binary.BigEndian.PutUint32(out[8:], uint32(4+len(body)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// OffsetResourceFork builds the offset-table resource fork used by the LZVN and LZFSE types
func OffsetResourceFork(data []byte, enc func([]byte) []byte) []byte {
	chunks := splitChunks(data, enc)
	table := binary.LittleEndian.AppendUint32(nil, uint32(4*(len(chunks)+1)))
	off := uint32(4 * (len(chunks) + 1))
	for _, c := range chunks {
		off += uint32(len(c))
		table = binary.LittleEndian.AppendUint32(table, off)
	}
	for _, c := range chunks {
		table = append(table, c...)
	}
	return table
}

// StoredLZVN is an LZVN chunk using the 0x06 escape for uncompressed data
func StoredLZVN(b []byte) []byte {
	return append([]byte{0x06}, b...)
}
