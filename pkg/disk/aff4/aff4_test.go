package aff4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChunk   = 4096
	testPerBevy = 2
	streamURN   = "aff4://0a8f2c61-stream"
	mapURN      = "aff4://0a8f2c61-map"
	imageURN    = "aff4://0a8f2c61-image"
	volumeURN   = "aff4://0a8f2c61-volume"

	prefixes = "@prefix rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#> .\n" +
		"@prefix aff4: <http://aff4.org/Schema#> .\n" +
		"@prefix xsd: <http://www.w3.org/2001/XMLSchema#> .\n\n"
)

var methods = map[string]string{
	"snappy":  "http://code.google.com/p/snappy/",
	"lz4":     "https://code.google.com/p/lz4/",
	"deflate": "https://tools.ietf.org/html/rfc1951",
	"zlib":    "https://www.ietf.org/rfc/rfc1950.txt",
	"stored":  "http://aff4.org/Schema#NullCompressor",
}

func compress(t *testing.T, method string, c []byte) []byte {
	t.Helper()
	var out []byte
	switch method {
	case "snappy":
		out = snappy.Encode(nil, c)
	case "lz4":
		dst := make([]byte, lz4.CompressBlockBound(len(c)))
		n, err := lz4.CompressBlock(c, dst, nil)
		require.NoError(t, err)
		out = dst[:n]
	case "deflate":
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.BestSpeed)
		require.NoError(t, err)
		_, err = fw.Write(c)
		require.NoError(t, err)
		require.NoError(t, fw.Close())
		out = buf.Bytes()
	case "zlib":
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write(c)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		out = buf.Bytes()
	}
	if len(out) == 0 || len(out) >= len(c) {
		return c
	}
	return out
}

// streamData has one incompressible chunk so every codec also stores a chunk raw
func streamData(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i / 64)
	}
	rand.New(rand.NewSource(1)).Read(b[testChunk : 2*testChunk])
	return b
}

type volume struct {
	t  *testing.T
	zw *zip.Writer
}

func (v *volume) store(name string, data []byte) {
	w, err := v.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	require.NoError(v.t, err)
	_, err = w.Write(data)
	require.NoError(v.t, err)
}

func (v *volume) deflate(name string, data []byte) {
	w, err := v.zw.Create(name)
	require.NoError(v.t, err)
	_, err = w.Write(data)
	require.NoError(v.t, err)
}

func (v *volume) writeStream(urn, method string, data []byte) {
	var bevy, index []byte
	flush := func(n int) {
		v.store(url.PathEscape(urn)+fmt.Sprintf("/%08d", n), bevy)
		v.store(url.PathEscape(urn)+fmt.Sprintf("/%08d.index", n), index)
		bevy, index = nil, nil
	}
	chunk := 0
	for off := 0; off < len(data); off += testChunk {
		c := compress(v.t, method, data[off:min(off+testChunk, len(data))])
		index = binary.LittleEndian.AppendUint64(index, uint64(len(bevy)))
		index = binary.LittleEndian.AppendUint32(index, uint32(len(c)))
		bevy = append(bevy, c...)
		chunk++
		if chunk%testPerBevy == 0 {
			flush(chunk/testPerBevy - 1)
		}
	}
	if len(index) > 0 {
		flush(chunk / testPerBevy)
	}
}

func streamTurtle(method string, size int) string {
	return fmt.Sprintf("<%s> a aff4:ImageStream ;\n"+
		"    aff4:chunkSize %d ;\n"+
		"    aff4:chunksInSegment %d ;\n"+
		"    aff4:compressionMethod <%s> ;\n"+
		"    aff4:size \"%d\"^^xsd:long .\n", streamURN, testChunk, testPerBevy, methods[method], size)
}

func build(t *testing.T, fn func(v *volume)) []byte {
	t.Helper()
	var buf bytes.Buffer
	v := &volume{t: t, zw: zip.NewWriter(&buf)}
	require.NoError(t, v.zw.SetComment(volumeURN))
	v.store("container.description", []byte(volumeURN))
	fn(v)
	require.NoError(t, v.zw.Close())
	return buf.Bytes()
}

func TestImageStream(t *testing.T) {
	size := 4*testChunk + 1000
	data := streamData(size)

	for _, method := range []string{"snappy", "lz4", "deflate", "zlib", "stored"} {
		t.Run(method, func(t *testing.T) {
			img := build(t, func(v *volume) {
				v.writeStream(streamURN, method, data)
				v.deflate(informationTurtle, []byte(prefixes+streamTurtle(method, size)))
			})

			a, err := New(bytes.NewReader(img), int64(len(img)))
			require.NoError(t, err)
			defer a.Close()
			var _ disk.Device = a

			assert.Equal(t, streamURN, a.Image)
			assert.Equal(t, uint64(size), a.GetSize())
			got, err := io.ReadAll(io.NewSectionReader(a, 0, int64(size)))
			require.NoError(t, err)
			assert.Equal(t, data, got)

			p := make([]byte, 5000)
			n, err := a.ReadAt(p, testChunk-100)
			require.NoError(t, err)
			assert.Equal(t, 5000, n)
			assert.Equal(t, data[testChunk-100:testChunk+4900], p)
		})
	}
}

func TestMap(t *testing.T) {
	data := streamData(4 * testChunk)
	const size = 6 * testChunk

	img := build(t, func(v *volume) {
		v.writeStream(streamURN, "lz4", data)
		var entries []byte
		add := func(mapped, length, target uint64, id uint32) {
			entries = binary.LittleEndian.AppendUint64(entries, mapped)
			entries = binary.LittleEndian.AppendUint64(entries, length)
			entries = binary.LittleEndian.AppendUint64(entries, target)
			entries = binary.LittleEndian.AppendUint32(entries, id)
		}
		// written out of order; the reader sorts by mapped offset
		add(4*testChunk, 100, 0, 2)
		add(0, 2*testChunk, testChunk, 0)
		add(2*testChunk, testChunk, 0, 1)
		v.store(url.PathEscape(mapURN)+"/map", entries)
		v.store(url.PathEscape(mapURN)+"/idx", []byte(streamURN+"\n"+NS+"Zero\n"+NS+"SymbolicStreamFF\n"))
		v.deflate(informationTurtle, []byte(prefixes+
			fmt.Sprintf("<%s> a aff4:DiskImage, aff4:Image ;\n    aff4:dataStream <%s> ;\n    aff4:size %d .\n", imageURN, mapURN, size)+
			fmt.Sprintf("<%s> a aff4:Map ;\n    aff4:size \"%d\"^^xsd:long ;\n    aff4:stored <%s> .\n", mapURN, size, volumeURN)+
			streamTurtle("lz4", len(data))))
	})

	name := filepath.Join(t.TempDir(), "disk.aff4")
	require.NoError(t, os.WriteFile(name, img, 0o644))
	a, err := Open(name)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, mapURN, a.Image)
	assert.Equal(t, uint64(size), a.GetSize())

	want := make([]byte, size)
	copy(want, data[testChunk:3*testChunk])
	copy(want[4*testChunk:], bytes.Repeat([]byte{0xff}, 100))
	got, err := io.ReadAll(io.NewSectionReader(a, 0, size))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	p := make([]byte, 300)
	n, err := a.ReadAt(p, 4*testChunk-100)
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, want[4*testChunk-100:4*testChunk+200], p)
}

func TestNewErrors(t *testing.T) {
	_, err := New(bytes.NewReader([]byte("not a zip file at all")), 21)
	assert.ErrorIs(t, err, types.ErrBadMagic)

	img := build(t, func(v *volume) {})
	_, err = New(bytes.NewReader(img), int64(len(img)))
	assert.ErrorIs(t, err, os.ErrNotExist)

	img = build(t, func(v *volume) {
		v.deflate(informationTurtle, []byte(prefixes+fmt.Sprintf(
			"<%s> a aff4:ImageStream ; aff4:size 10 ; aff4:compressionMethod <https://github.com/google/brotli> .\n", streamURN)))
	})
	_, err = New(bytes.NewReader(img), int64(len(img)))
	assert.ErrorIs(t, err, types.ErrUnsupported)

	img = build(t, func(v *volume) {
		v.deflate(informationTurtle, []byte(prefixes+fmt.Sprintf("<%s> a aff4:Map ; aff4:size 10 .\n", mapURN)))
	})
	_, err = New(bytes.NewReader(img), int64(len(img)))
	assert.ErrorIs(t, err, types.ErrTruncatedRecord)
}

func TestParseTurtle(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    Graph
		wantErr error
	}{
		{
			name: "lists and literals",
			src: prefixes + `# comment
<aff4://s> a aff4:ImageStream, aff4:Stream ;
    aff4:size "42"^^xsd:long ;
    aff4:note "say \"hi\""@en ;
    aff4:chunkSize 32768 .
`,
			want: Graph{"aff4://s": {
				rdfType:       {NS + "ImageStream", NS + "Stream"},
				PredSize:      {"42"},
				NS + "note":   {`say "hi"`},
				PredChunkSize: {"32768"},
			}},
		},
		{
			name: "sparql prefix and trailing semicolon",
			src:  "PREFIX x: <http://x/>\nx:a x:b x:c ;\n.\n",
			want: Graph{"http://x/a": {"http://x/b": {"http://x/c"}}},
		},
		{
			name: "long string",
			src:  "<s> <p> \"\"\"two\nlines\"\"\" .",
			want: Graph{"s": {"p": {"two\nlines"}}},
		},
		{name: "undeclared prefix", src: "<s> y:p <o> .", wantErr: types.ErrTruncatedRecord},
		{name: "blank node", src: "<s> <p> [ <q> <r> ] .", wantErr: types.ErrUnsupported},
		{name: "unterminated iri", src: "<s> <p> <o .", wantErr: types.ErrTruncatedRecord},
		{name: "missing dot", src: "<s> <p> <o>", wantErr: types.ErrTruncatedRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseTurtle(tt.src)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, g); diff != "" {
				t.Errorf("ParseTurtle() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
