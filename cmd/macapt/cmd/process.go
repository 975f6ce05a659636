/*
Copyright © 2022 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/pkg/catalog/db"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"golang.org/x/sync/errgroup"
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process [IMAGE]",
	Short: "Build a catalog database for every APFS container in an image",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _, err := imagePath(args)
		if err != nil {
			return err
		}
		out := viper.GetString("output-path")
		if out == "" {
			return errors.New("no output folder given: pass --output-path")
		}
		if err := os.MkdirAll(out, 0o755); err != nil {
			return fmt.Errorf("failed to create output folder: %w", err)
		}

		img, ctrs, err := openContainers(path)
		if err != nil {
			return err
		}
		defer img.Close()
		defer func() {
			for _, c := range ctrs {
				c.Close()
			}
		}()

		var p *mpb.Progress
		if viper.GetBool("progress") {
			p = mpb.NewWithContext(cmd.Context(), mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
		}

		g, gctx := errgroup.WithContext(cmd.Context())
		for _, c := range ctrs {
			c := c
			g.Go(func() error {
				return processContainer(gctx, c, filepath.Join(out, dbName(c)), p)
			})
		}
		err = g.Wait()
		if p != nil {
			p.Wait()
		}
		return err
	},
}

func init() {
	processCmd.Flags().StringP("output-path", "o", "", "folder receiving one catalog database per container")
	processCmd.Flags().Bool("progress", true, "show catalog build progress")
	viper.BindPFlag("output-path", processCmd.Flags().Lookup("output-path"))
	viper.BindPFlag("progress", processCmd.Flags().Lookup("progress"))
	rootCmd.AddCommand(processCmd)
}

func dbName(c *apfs.Container) string {
	return fmt.Sprintf("APFS_%s.db", c.UUID())
}

// volumeInfos describes the readable volumes of c; encrypted volumes are logged and left out
func volumeInfos(c *apfs.Container) ([]*apfs.Volume, []db.VolumeInfo) {
	var vols []*apfs.Volume
	var infos []db.VolumeInfo
	for _, v := range c.Volumes() {
		if v.IsEncrypted() {
			log.WithFields(log.Fields{
				"volume": v.Name(),
				"role":   v.Role(),
			}).Warn("Skipping encrypted volume")
			continue
		}
		n := v.Counts()
		vols = append(vols, v)
		infos = append(infos, db.VolumeInfo{
			Name:    v.Name(),
			UUID:    v.UUID().String(),
			Files:   n.Files,
			Folders: n.Folders,
			Created: uint64(v.Superblock.FormattedBy.Timestamp),
			Updated: v.Superblock.LastModTime,
		})
	}
	return vols, infos
}

func processContainer(ctx context.Context, c *apfs.Container, dbPath string, p *mpb.Progress) error {
	d, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer d.Close()

	vols, infos := volumeInfos(c)
	ok, err := d.Matches(ctx, infos)
	if err != nil {
		return err
	}
	if ok {
		log.WithFields(log.Fields{
			"container": c.UUID(),
			"db":        dbPath,
		}).Info("Catalog is up to date, reusing it")
		return nil
	}

	log.WithFields(log.Fields{
		"container": c.UUID(),
		"size":      humanize.Bytes(uint64(c.Size())),
		"volumes":   len(vols),
	}).Info("Building catalog")

	if err := d.Reset(ctx); err != nil {
		return err
	}
	for _, v := range vols {
		if err := processVolume(ctx, d, v, p); err != nil {
			return err
		}
	}
	return d.Commit(ctx, infos)
}

func processVolume(ctx context.Context, d *db.DB, v *apfs.Volume, p *mpb.Progress) error {
	n := v.Counts()
	total := int64(n.Files + n.Folders + n.Symlinks + n.Other)

	var bar *mpb.Bar
	if p != nil {
		bar = p.Add(total,
			mpb.NewBarFiller(mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|")),
			mpb.PrependDecorators(
				decor.Name(v.Name(), decor.WC{W: len(v.Name()) + 1, C: decor.DidentRight}),
				decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ "),
			),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)
	}

	start := time.Now()
	cat, err := v.Catalog(ctx)
	if err != nil {
		if bar != nil {
			bar.Abort(false)
		}
		return err
	}
	if bar != nil {
		// the superblock counts are advisory; complete the bar on the real number of inodes
		bar.SetTotal(int64(len(cat.Inodes)), true)
	}

	if err := d.WriteCatalog(ctx, v.Name(), cat); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"volume":  v.Name(),
		"inodes":  humanize.Comma(int64(len(cat.Inodes))),
		"skipped": len(cat.Skipped),
		"took":    time.Since(start).Round(time.Millisecond),
	}).Info("Wrote catalog")
	return nil
}
