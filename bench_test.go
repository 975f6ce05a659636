package apfs_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/blacktop/go-macapt/pkg/disk/dmg"
)

// TestDMG is the path to an APFS formatted test DMG.
// Create one on macOS with: hdiutil create -size 64m -fs APFS -srcfolder /Applications/Safari.app testdata/apfs.dmg
const TestDMG = "testdata/apfs.dmg"

func skipIfNoTestDMG(t testing.TB) {
	if _, err := os.Stat(TestDMG); os.IsNotExist(err) {
		t.Skipf("test DMG not found at %s - create with: hdiutil create -size 64m -fs APFS -srcfolder /Applications/Safari.app %s", TestDMG, TestDMG)
	}
}

// benchImage builds a container holding a volume with dirs folders of files files each
func benchImage(b *testing.B, dirs, files int) *apfstest.Image {
	b.Helper()
	c := apfstest.NewContainer()
	v := c.AddVolume("Bench")
	for i := 0; i < dirs; i++ {
		d := v.Dir(v.Root(), fmt.Sprintf("dir%03d", i))
		for j := 0; j < files; j++ {
			v.File(d, fmt.Sprintf("file%03d.txt", j), []byte(fmt.Sprintf("contents of %d/%d", i, j)))
		}
	}
	img, err := c.Build()
	if err != nil {
		b.Fatalf("failed to build image: %v", err)
	}
	return img
}

// BenchmarkOpen measures checkpoint selection and volume superblock loading
func BenchmarkOpen(b *testing.B) {
	img := benchImage(b, 4, 4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := apfs.Open(img, 0, img.Size())
		if err != nil {
			b.Fatalf("failed to open container: %v", err)
		}
		c.Close()
	}
}

// BenchmarkCatalog measures a full walk of the file-system tree into a catalog
func BenchmarkCatalog(b *testing.B) {
	img := benchImage(b, 20, 50)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := apfs.Open(img, 0, img.Size())
		if err != nil {
			b.Fatalf("failed to open container: %v", err)
		}
		v, _ := c.Volume("Bench")
		if _, err := v.Catalog(context.Background()); err != nil {
			b.Fatalf("failed to build catalog: %v", err)
		}
		c.Close()
	}
}

// BenchmarkResolvePath measures direct lookups through the hashed directory records
func BenchmarkResolvePath(b *testing.B) {
	img := benchImage(b, 20, 50)
	c, err := apfs.Open(img, 0, img.Size())
	if err != nil {
		b.Fatalf("failed to open container: %v", err)
	}
	defer c.Close()
	v, _ := c.Volume("Bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := fmt.Sprintf("/dir%03d/file%03d.txt", i%20, i%50)
		if _, err := v.ResolvePath(p); err != nil {
			b.Fatalf("failed to resolve %s: %v", p, err)
		}
	}
}

// BenchmarkDMGOpen measures the time to open and parse a DMG file.
// This includes reading the footer, plist, and partition table.
func BenchmarkDMGOpen(b *testing.B) {
	skipIfNoTestDMG(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dmgFile, err := dmg.Open(TestDMG, &dmg.Config{})
		if err != nil {
			b.Fatalf("failed to open DMG: %v", err)
		}
		dmgFile.Close()
	}
}

// BenchmarkDMGReadAt measures random access read performance on the DMG.
// This tests the LRU cache and decompression performance.
func BenchmarkDMGReadAt(b *testing.B) {
	skipIfNoTestDMG(b)

	dmgFile, err := dmg.Open(TestDMG, &dmg.Config{})
	if err != nil {
		b.Fatalf("failed to open DMG: %v", err)
	}
	defer dmgFile.Close()

	buf := make([]byte, 4096)

	b.ResetTimer()
	b.SetBytes(4096)

	for i := 0; i < b.N; i++ {
		offset := int64((i % 100) * 4096)
		_, err := dmgFile.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			b.Fatalf("failed to read at offset %d: %v", offset, err)
		}
	}
}

// BenchmarkDMGCatalog measures the complete processing workflow on a real image:
// open the DMG, find the container and build every volume's catalog.
func BenchmarkDMGCatalog(b *testing.B) {
	skipIfNoTestDMG(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		img, err := apfs.OpenImage(TestDMG, &apfs.ImageConfig{Type: apfs.DMG})
		if err != nil {
			b.Fatalf("failed to open image: %v", err)
		}
		ctrs, err := img.Containers()
		if err != nil {
			img.Close()
			b.Fatalf("failed to open containers: %v", err)
		}
		for _, c := range ctrs {
			for _, v := range c.Volumes() {
				if v.IsEncrypted() {
					continue
				}
				if _, err := v.Catalog(context.Background()); err != nil {
					b.Fatalf("failed to build %s catalog: %v", v.Name(), err)
				}
			}
			c.Close()
		}
		img.Close()
	}
}

// TestIntegrationExtractDMG is an integration test that extracts files from the DMG.
// Run with: go test -v -run TestIntegrationExtractDMG
func TestIntegrationExtractDMG(t *testing.T) {
	skipIfNoTestDMG(t)

	img, err := apfs.OpenImage(TestDMG, nil)
	if err != nil {
		t.Fatalf("failed to open image: %v", err)
	}
	defer img.Close()

	t.Logf("Image opened as %s", img.Type)
	for _, p := range img.Partitions {
		t.Logf("  %d: %s at %#x", p.Index, p.Name, p.Offset)
	}

	ctrs, err := img.Containers()
	if err != nil {
		t.Fatalf("failed to open containers: %v", err)
	}
	defer func() {
		for _, c := range ctrs {
			c.Close()
		}
	}()

	tmpDir := t.TempDir()
	extracted := 0
	for _, c := range ctrs {
		for _, v := range c.Volumes() {
			if v.IsEncrypted() {
				t.Logf("Skipping encrypted volume %s", v.Name())
				continue
			}
			cat, err := v.Catalog(context.Background())
			if err != nil {
				t.Fatalf("failed to build %s catalog: %v", v.Name(), err)
			}
			t.Logf("Volume %s: %d inodes, %d skipped blocks", v.Name(), len(cat.Inodes), len(cat.Skipped))

			for cnid, p := range cat.Paths {
				ino := cat.Inodes[cnid]
				if ino == nil || ino.IsDir() || ino.LogicalSize == 0 || ino.LogicalSize > 1<<20 {
					continue
				}
				dest := filepath.Join(tmpDir, fmt.Sprintf("%d", cnid))
				if err := os.MkdirAll(dest, 0o755); err != nil {
					t.Fatal(err)
				}
				if err := v.Copy(p, dest); err != nil {
					t.Logf("failed to extract %s: %v", p, err)
					continue
				}
				t.Logf("Extracted %s (%d bytes)", p, ino.LogicalSize)
				if extracted++; extracted >= 5 {
					return
				}
			}
		}
	}
	t.Logf("Successfully extracted %d files", extracted)
}
