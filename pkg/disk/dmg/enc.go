package dmg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blacktop/go-macapt/pkg/disk"
	"golang.org/x/crypto/pbkdf2"
)

const (
	EncryptedMagic = "encrcdsa"
)

var (
	ErrNotEncrypted  = errors.New("not an encrypted DMG")
	ErrWrongPassword = errors.New("failed to unwrap DMG key (wrong password?)")
)

type EncryptionHeader struct {
	Magic                [8]byte // "encrcdsa"
	Version              uint32  // 2
	EncIvSize            uint32
	Unknown1             uint32
	Unknown2             uint32
	DataEncKeyBits       uint32
	Unknown3             uint32
	HmacKeyBits          uint32
	UUID                 [16]byte
	Blocksize            uint32
	Datasize             uint64
	Dataoffset           uint64
	Unknown4             [24]byte
	KdfAlgorithm         uint32
	KdfPrngAlgorithm     uint32
	KdfIterationCount    uint32
	KdfSaltLen           uint32
	KdfSalt              [32]byte
	BlobEncIvSize        uint32
	BlobEncIv            [32]byte
	BlobEncKeyBits       uint32
	BlobEncAlgorithm     uint32 // 17
	BlobEncPadding       uint32 // 7
	BlobEncMode          uint32 // 6
	EncryptedKeyblobSize uint32
	EncryptedKeyblob1    [32]byte
	EncryptedKeyblob2    [32]byte
}

// IsEncrypted reports whether r starts with an encrcdsa header
func IsEncrypted(r io.ReaderAt) bool {
	magic := make([]byte, len(EncryptedMagic))
	if _, err := r.ReadAt(magic, 0); err != nil {
		return false
	}
	return string(magic) == EncryptedMagic
}

// Decrypter exposes the plaintext of an encrcdsa v2 image as an io.ReaderAt
type Decrypter struct {
	Header EncryptionHeader

	r       io.ReaderAt
	blk     cipher.Block
	hmacKey []byte
}

// NewDecrypter unwraps the image key with password and returns a reader over the decrypted data
func NewDecrypter(r io.ReaderAt, password string) (*Decrypter, error) {
	var hdr EncryptionHeader
	if err := binary.Read(io.NewSectionReader(r, 0, int64(binary.Size(hdr))), binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read encryption header: %w", err)
	}

	if string(hdr.Magic[:]) != EncryptedMagic {
		return nil, ErrNotEncrypted
	}

	if hdr.Version != 2 {
		return nil, fmt.Errorf("unsupported encryption version: %d", hdr.Version)
	}

	if hdr.BlobEncAlgorithm != 17 || hdr.BlobEncMode != 6 || hdr.BlobEncPadding != 7 {
		return nil, fmt.Errorf("unsupported blob encryption algorithm: %d, mode: %d, padding: %d",
			hdr.BlobEncAlgorithm, hdr.BlobEncMode, hdr.BlobEncPadding)
	}

	if hdr.KdfAlgorithm != 103 || hdr.KdfPrngAlgorithm != 0 || hdr.KdfSaltLen != 20 {
		return nil, fmt.Errorf("unsupported key derivation algorithm: %d, prng algorithm: %d, salt length: %d",
			hdr.KdfAlgorithm, hdr.KdfPrngAlgorithm, hdr.KdfSaltLen)
	}

	if hdr.Blocksize == 0 || hdr.Blocksize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid encrypted block size %d", hdr.Blocksize)
	}

	// derive key using PBKDF2 with SHA1
	dk := pbkdf2.Key([]byte(password), hdr.KdfSalt[:20], int(hdr.KdfIterationCount), 24, sha1.New)

	// Decrypt the keyblob using Triple DES (DES_EDE3_CBC).
	tdes, err := des.NewTripleDESCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("failed to create 3DES cipher: %w", err)
	}

	if hdr.BlobEncIvSize != uint32(tdes.BlockSize()) || hdr.EncryptedKeyblobSize > 64 {
		return nil, fmt.Errorf("invalid keyblob iv size %d or keyblob size %d", hdr.BlobEncIvSize, hdr.EncryptedKeyblobSize)
	}
	iv := hdr.BlobEncIv[:hdr.BlobEncIvSize]
	keyblob := append(hdr.EncryptedKeyblob1[:], hdr.EncryptedKeyblob2[:]...)
	keyblob = keyblob[:hdr.EncryptedKeyblobSize]

	if len(keyblob)%tdes.BlockSize() != 0 {
		return nil, fmt.Errorf("invalid keyblob size, not a multiple of block size")
	}

	cipher.NewCBCDecrypter(tdes, iv).CryptBlocks(keyblob, keyblob)

	// the keyblob is PKCS#7 padded; a bad pad means the password was wrong
	if !validPadding(keyblob, tdes.BlockSize()) {
		return nil, ErrWrongPassword
	}

	// Extract AES and HMAC keys from the decrypted keyblob.
	aesKeySize := int(hdr.DataEncKeyBits) / 8
	hmacKeySize := int(hdr.HmacKeyBits) / 8
	if len(keyblob) < aesKeySize+hmacKeySize {
		return nil, fmt.Errorf("invalid keyblob size")
	}

	d := &Decrypter{
		Header:  hdr,
		r:       r,
		hmacKey: append([]byte(nil), keyblob[aesKeySize:aesKeySize+hmacKeySize]...),
	}

	switch hdr.DataEncKeyBits {
	case 128, 256:
		d.blk, err = aes.NewCipher(keyblob[:aesKeySize])
		if err != nil {
			return nil, fmt.Errorf("failed to create AES %d-bit cipher: %w", hdr.DataEncKeyBits, err)
		}
	default:
		return nil, fmt.Errorf("unsupported AES key size %d", hdr.DataEncKeyBits)
	}

	return d, nil
}

func validPadding(b []byte, blockSize int) bool {
	if len(b) == 0 {
		return false
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > blockSize || pad > len(b) {
		return false
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return false
		}
	}
	return true
}

// Size is the length of the decrypted data
func (d *Decrypter) Size() int64 {
	return int64(d.Header.Datasize)
}

func (d *Decrypter) iv(blockNum uint32) []byte {
	var ivbuf [4]byte
	binary.BigEndian.PutUint32(ivbuf[:], blockNum)
	mac := hmac.New(sha1.New, d.hmacKey)
	mac.Write(ivbuf[:])
	return mac.Sum(nil)[:aes.BlockSize]
}

// ReadAt decrypts the blocks covering [off, off+len(p))
func (d *Decrypter) ReadAt(p []byte, off int64) (n int, err error) {
	if err := disk.CheckRange(off, d.Size()); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, d.Size())

	bs := int64(d.Header.Blocksize)
	buf := make([]byte, bs)
	for n < len(p) {
		pos := off + int64(n)
		num := pos / bs
		if _, err := d.r.ReadAt(buf, int64(d.Header.Dataoffset)+num*bs); err != nil && err != io.EOF {
			return n, fmt.Errorf("failed to read encrypted block %d: %w", num, err)
		}
		cipher.NewCBCDecrypter(d.blk, d.iv(uint32(num))).CryptBlocks(buf, buf)
		n += copy(p[n:], buf[pos-num*bs:])
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}
