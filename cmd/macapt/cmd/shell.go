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
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	apfs "github.com/blacktop/go-macapt"
	"github.com/c-bata/go-prompt"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var dirColor = color.New(color.FgHiBlue, color.Bold).SprintFunc()
var linkColor = color.New(color.FgHiCyan).SprintFunc()

type shell struct {
	pwd  string
	vol  *apfs.Volume
	ctrs []*apfs.Container
	out  io.Writer
	err  io.Writer
}

func newShell(ctrs []*apfs.Container, v *apfs.Volume, out, errOut io.Writer) *shell {
	return &shell{pwd: "/", vol: v, ctrs: ctrs, out: out, err: errOut}
}

var shellCommands = []prompt.Suggest{
	{Text: "cat", Description: "cat(1) file"},
	{Text: "cd", Description: "Change directory"},
	{Text: "cp", Description: "Copy file"},
	{Text: "exit", Description: "Quit prompt"},
	{Text: "ls", Description: "List files"},
	{Text: "pwd", Description: "Print working directory name"},
	{Text: "stat", Description: "Show inode details"},
	{Text: "vol", Description: "List volumes or switch to one"},
	{Text: "xattr", Description: "List extended attributes or print one"},
}

func (s *shell) completer(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	if !strings.Contains(before, " ") {
		return prompt.FilterHasPrefix(shellCommands, before, true)
	}
	entries, err := s.vol.ListDir(s.pwd)
	if err != nil {
		return nil
	}
	sugs := make([]prompt.Suggest, 0, len(entries))
	for _, e := range entries {
		desc := "file"
		if e.IsDir() {
			desc = "folder"
		}
		sugs = append(sugs, prompt.Suggest{Text: e.Name, Description: desc})
	}
	return prompt.FilterHasPrefix(sugs, d.GetWordBeforeCursor(), true)
}

func (s *shell) prefix() (string, bool) {
	return s.vol.Name() + ":" + s.pwd + " > ", true
}

func (s *shell) abs(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(s.pwd, p)
}

func (s *shell) errorf(format string, args ...any) {
	fmt.Fprintf(s.err, "Error: "+format+"\n", args...)
}

// execute runs one command line and reports whether the shell should quit
func (s *shell) execute(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "exit", "quit":
		return true
	case "pwd":
		fmt.Fprintln(s.out, s.pwd)
	case "cd":
		dir := "/"
		if len(args) > 1 {
			dir = s.abs(args[1])
		}
		fi, err := s.vol.Stat(dir)
		if err != nil {
			s.errorf("%v", err)
			return false
		}
		if !fi.IsDir() {
			s.errorf("%s: %v", dir, apfs.ErrNotADirectory)
			return false
		}
		s.pwd = dir
	case "ls":
		dir := s.pwd
		if len(args) > 1 {
			dir = s.abs(args[1])
		}
		s.ls(dir)
	case "cat":
		for _, a := range args[1:] {
			if err := s.vol.Cat(s.abs(a), s.out); err != nil {
				s.errorf("%v", err)
				return false
			}
		}
	case "stat":
		for _, a := range args[1:] {
			fi, err := s.vol.Stat(s.abs(a))
			if err != nil {
				s.errorf("%v", err)
				return false
			}
			fmt.Fprintf(s.out, "  File: %s\n  Size: %d (%s)\n Inode: %d  Links: %d\n  Mode: %s  Uid: %d  Gid: %d\n",
				s.abs(a), fi.Size(), humanize.Bytes(uint64(fi.Size())), fi.CNID, fi.Nlink, fi.Mode(), fi.UID, fi.GID)
			if fi.Compressed {
				fmt.Fprintln(s.out, "        compressed")
			}
			fmt.Fprintf(s.out, "Access: %s\nModify: %s\nChange: %s\n Birth: %s\n",
				fi.Accessed, fi.Modified, fi.Changed, fi.Created)
		}
	case "xattr":
		if len(args) < 2 {
			s.errorf("usage: xattr <path> [name]")
			return false
		}
		p := s.abs(args[1])
		if len(args) > 2 {
			data, err := s.vol.Xattr(p, args[2])
			if err != nil {
				s.errorf("%v", err)
				return false
			}
			if utf8.Valid(data) {
				fmt.Fprintln(s.out, string(data))
			} else {
				fmt.Fprintf(s.out, "% x\n", data)
			}
			return false
		}
		names, err := s.vol.ListXattrs(p)
		if err != nil {
			s.errorf("%v", err)
			return false
		}
		for _, n := range names {
			fmt.Fprintln(s.out, n)
		}
	case "cp":
		if len(args) < 2 {
			s.errorf("usage: cp <src> [dst]")
			return false
		}
		dest := "."
		if len(args) > 2 {
			dest = args[2]
		}
		if err := s.vol.Copy(s.abs(args[1]), dest); err != nil {
			s.errorf("%v", err)
		}
	case "vol":
		if len(args) == 1 {
			for _, c := range s.ctrs {
				for _, v := range c.Volumes() {
					mark := " "
					if v == s.vol {
						mark = "*"
					}
					enc := ""
					if v.IsEncrypted() {
						enc = " (encrypted)"
					}
					fmt.Fprintf(s.out, "%s %s\t%s\t%s%s\n", mark, v.Name(), v.Role(), v.UUID(), enc)
				}
			}
			return false
		}
		v, err := pickVolume(s.ctrs, strings.Join(args[1:], " "))
		if err != nil {
			s.errorf("%v", err)
			return false
		}
		s.vol, s.pwd = v, "/"
	default:
		fmt.Fprintln(s.err, "command not found: "+args[0])
	}
	return false
}

func (s *shell) ls(dir string) {
	entries, err := s.vol.ListDir(dir)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	for _, e := range entries {
		name := e.Name
		fi, err := s.vol.Stat(path.Join(dir, e.Name))
		if err != nil {
			fmt.Fprintf(s.out, "?????????? %8s %-20s %s\n", "?", "?", name)
			continue
		}
		switch {
		case fi.IsDir():
			name = dirColor(name)
		case fi.Mode()&os.ModeSymlink != 0:
			if target, err := s.vol.Readlink(path.Join(dir, e.Name)); err == nil {
				name = linkColor(name) + " -> " + target
			}
		}
		fmt.Fprintf(s.out, "%s %8s %-20s %s\n", fi.Mode(), humanize.Bytes(uint64(fi.Size())),
			fi.ModTime().Format("2006-01-02 15:04:05"), name)
	}
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:     "shell [IMAGE]",
	Aliases: []string{"prompt"},
	Short:   "Browse an APFS volume interactively",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imgPath, _, err := imagePath(args)
		if err != nil {
			return err
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

		sh := newShell(ctrs, v, os.Stdout, os.Stderr)
		var quit bool
		p := prompt.New(
			func(line string) { quit = sh.execute(line) },
			sh.completer,
			prompt.OptionTitle("macapt"),
			prompt.OptionLivePrefix(sh.prefix),
			prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return quit }),
		)
		p.Run()
		return nil
	},
}

func init() {
	shellCmd.Flags().StringP("volume", "V", "", "volume to browse (default the first unencrypted volume)")
	rootCmd.AddCommand(shellCmd)
}
