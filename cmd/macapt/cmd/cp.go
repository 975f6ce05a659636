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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/apex/log"
	apfs "github.com/blacktop/go-macapt"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

// cpCmd represents the cp command
var cpCmd = &cobra.Command{
	Use:   "cp [IMAGE] <SRC> [DST]",
	Short: "Copy a file or the files of a folder out of an APFS volume",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		imgPath, args, err := imagePath(args)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return errors.New("no source path given")
		}

		img, ctrs, err := openContainers(imgPath)
		if err != nil {
			return err
		}
		defer img.Close()
		defer func() {
			for _, c := range ctrs {
				c.Close()
			}
		}()

		name, _ := cmd.Flags().GetString("volume")
		v, err := pickVolume(ctrs, name)
		if err != nil {
			return err
		}

		var dest string
		if len(args) > 1 {
			dest = args[1]
		} else if dest, err = os.Getwd(); err != nil {
			return err
		}

		fi, err := v.Stat(args[0])
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return v.Copy(args[0], dest)
		}
		return copyWithProgress(v, args[0], filepath.Join(dest, path.Base(path.Clean("/"+args[0]))))
	},
}

func init() {
	cpCmd.Flags().StringP("volume", "V", "", "volume to copy from (default the first unencrypted volume)")
	rootCmd.AddCommand(cpCmd)
}

func copyWithProgress(v *apfs.Volume, src, dest string) (err error) {
	f, err := v.OpenFile(src)
	if err != nil {
		return err
	}
	defer f.Close()

	fo, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer func() {
		if cerr := fo.Close(); err == nil {
			err = cerr
		}
	}()

	p := mpb.New(mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
	bar := p.Add(f.Size(),
		mpb.NewBarFiller(mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|")),
		mpb.PrependDecorators(
			decor.Name(path.Base(src), decor.WC{W: len(path.Base(src)) + 1, C: decor.DidentRight}),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ "),
			decor.Percentage(),
		),
	)
	r := bar.ProxyReader(f)
	defer r.Close()

	w := bufio.NewWriter(fo)
	n, err := io.Copy(w, r)
	if err != nil {
		bar.Abort(false)
		p.Wait()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := w.Flush(); err != nil {
		bar.Abort(false)
		p.Wait()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	bar.SetTotal(n, true)
	p.Wait()

	if n != f.Size() {
		log.Errorf("final file size %d did NOT match expected size of %d", n, f.Size())
	}
	log.WithField("size", humanize.Bytes(uint64(n))).Infof("Created %s", dest)
	return nil
}
