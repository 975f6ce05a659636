// Package qcow2 reads QEMU copy-on-write images.
package qcow2

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/lima-vm/go-qcow2reader/image"
	qcow2img "github.com/lima-vm/go-qcow2reader/image/qcow2"
)

// QCOW2 is a qcow2 image exposed as a flat device
type QCOW2 struct {
	*disk.Generic
	// Image is the underlying qcow2reader image
	Image image.Image
}

// Open opens a qcow2 file
func Open(name string) (*QCOW2, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	q, err := New(f, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open qcow2 image %s: %w", name, err)
	}
	return q, nil
}

// New opens the image in r; c is closed with the image and may be nil
func New(r io.ReaderAt, c io.Closer) (*QCOW2, error) {
	img, err := qcow2reader.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect image format: %w", err)
	}
	if t := img.Type(); t != qcow2img.Type {
		img.Close()
		return nil, fmt.Errorf("image format %q is not qcow2: %w", t, types.ErrBadMagic)
	}
	if q, ok := img.(*qcow2img.Qcow2); ok && q.BackingFile != "" {
		log.WithField("backing", q.BackingFile).Warn("qcow2 image has a backing file, unallocated clusters come from it")
	}
	if err := img.Readable(); err != nil {
		img.Close()
		return nil, fmt.Errorf("qcow2 image is not readable: %w: %w", types.ErrUnsupported, err)
	}

	log.WithFields(log.Fields{
		"size": fmt.Sprintf("%#x", img.Size()),
	}).Debug("Opened qcow2 image")

	return &QCOW2{
		Generic: disk.NewGeneric(img, img.Size(), closers{img, c}),
		Image:   img,
	}, nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
