package apfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/pkg/disk/aff4"
	"github.com/blacktop/go-macapt/pkg/disk/dmg"
	"github.com/blacktop/go-macapt/pkg/disk/e01"
	"github.com/blacktop/go-macapt/pkg/disk/qcow2"
	"github.com/blacktop/go-macapt/pkg/disk/raw"
	"github.com/blacktop/go-macapt/pkg/disk/sparse"
	"github.com/blacktop/go-macapt/pkg/disk/vmdk"
	"github.com/blacktop/go-macapt/pkg/partition"
	"github.com/blacktop/go-macapt/types"
)

// ImageConfig selects how OpenImage reads an image
type ImageConfig struct {
	// Type is the image format; UNKNOWN detects it from the file's signatures
	Type Type
	// Password unlocks encrypted DMGs
	Password string
}

// Image is an opened disk image and the APFS containers located in it
type Image struct {
	Type       Type
	Path       string
	Device     disk.Device
	Partitions []partition.Container
}

// OpenImage opens the image at path and locates its APFS containers
func OpenImage(path string, conf *ImageConfig) (*Image, error) {
	if conf == nil {
		conf = &ImageConfig{}
	}
	typ := conf.Type
	if typ == UNKNOWN {
		var err error
		if typ, err = detectFile(path); err != nil {
			return nil, err
		}
	}

	dev, err := openDevice(path, typ, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s image %s: %w", typ, path, err)
	}

	parts, err := partition.Find(dev, int64(dev.GetSize()))
	if err != nil {
		dev.Close()
		if errors.Is(err, partition.ErrNoContainer) {
			return nil, fmt.Errorf("%s: %w: %w", path, err, types.ErrBadMagic)
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"type":       typ,
		"size":       fmt.Sprintf("%#x", dev.GetSize()),
		"containers": len(parts),
	}).Info("Opened image")

	return &Image{
		Type:       typ,
		Path:       path,
		Device:     dev,
		Partitions: parts,
	}, nil
}

func detectFile(path string) (Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return UNKNOWN, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return UNKNOWN, err
	}
	typ, err := Detect(f, fi.Size())
	if err != nil {
		return UNKNOWN, fmt.Errorf("%s: %w", path, err)
	}
	log.WithField("type", typ).Debug("Detected image type")
	return typ, nil
}

func openDevice(path string, typ Type, conf *ImageConfig) (disk.Device, error) {
	switch typ {
	case DD, APFS_RAW, GPT:
		return raw.Open(path)
	case MOUNTED:
		return raw.OpenDevice(path)
	case DMG:
		return dmg.Open(path, &dmg.Config{Password: conf.Password})
	case SPARSE:
		return sparse.Open(path)
	case VMDK:
		return vmdk.Open(path)
	case E01:
		return e01.Open(path)
	case AFF4:
		return aff4.Open(path)
	case QCOW2:
		return qcow2.Open(path)
	case HFS:
		return nil, fmt.Errorf("HFS+ volumes: %w", types.ErrUnsupported)
	}
	return nil, fmt.Errorf("image type %s: %w", typ, types.ErrUnsupported)
}

// Containers opens every APFS container in the image. Containers that fail to
// open are logged and skipped; an error is returned only when none open.
func (i *Image) Containers(opts ...Option) ([]*Container, error) {
	var out []*Container
	var first error
	for _, p := range i.Partitions {
		c, err := Open(i.Device, p.Offset, p.Size, opts...)
		if err != nil {
			log.WithFields(log.Fields{
				"partition": p.Index,
				"offset":    fmt.Sprintf("%#x", p.Offset),
			}).WithError(err).Warn("Failed to open APFS container")
			if first == nil {
				first = err
			}
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		if first == nil {
			first = partition.ErrNoContainer
		}
		return nil, fmt.Errorf("failed to open any APFS container in %s: %w", i.Path, first)
	}
	return out, nil
}

// Close closes the image device; containers opened from it must not be used afterwards
func (i *Image) Close() error {
	return i.Device.Close()
}
