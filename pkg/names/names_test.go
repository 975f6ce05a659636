package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	// composed and decomposed forms of the same name hash identically
	assert.Equal(t, Hash("caf\u00e9", false), Hash("cafe\u0301", false))
	assert.Equal(t, Hash("README", true), Hash("readme", true))
	assert.NotEqual(t, Hash("README", false), Hash("readme", false))
	assert.Equal(t, Hash("file", false), Hash("file\x00", false))
	assert.LessOrEqual(t, Hash("anything at all", true), uint32(hashMask))
}

func TestHashKnownValues(t *testing.T) {
	// low 22 bits of CRC-32C (init ~0, no final xor) over the UTF-32LE code points
	tests := []struct {
		name string
		cs   uint32
		ci   uint32
	}{
		{"Users", 0x3d54db, 0x2a955d},
		{"USERS", 0x07c491, 0x2a955d},
		{"users", 0x2a955d, 0x2a955d},
		{"private", 0x2731d4, 0x2731d4},
		{".DS_Store", 0x06c1d5, 0x098bb0},
		{"caf\u00e9", 0x2868e1, 0x2868e1},
		{"Cafe\u0301", 0x3fa967, 0x2868e1},
		{"stra\u00dfe", 0x3f993d, 0x146c83},
		{"STRASSE", 0x04911c, 0x146c83},
		{"\u00c5ngstr\u00f6m", 0x35b0df, 0x275634},
		{"\u65e5\u672c\u8a9e", 0x01277d, 0x01277d},
		{"\U0001F600", 0x2fab5c, 0x2fab5c},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.cs, Hash(tt.name, false), "case sensitive %#x", Hash(tt.name, false))
			assert.Equal(t, tt.ci, Hash(tt.name, true), "case insensitive %#x", Hash(tt.name, true))
		})
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b string
		ci   bool
		want bool
	}{
		{"Users", "Users", false, true},
		{"Users", "users", false, false},
		{"Users", "users", true, true},
		{"caf\u00e9", "cafe\u0301", false, true},
		{"Straße", "STRASSE", true, true},
		{"a", "b", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b, tt.ci))
		})
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 0, Compare("ABC", "abc", true))
	assert.Negative(t, Compare("ABC", "abc", false))
}
