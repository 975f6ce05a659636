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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/pkg/decmpfs"
	"github.com/blacktop/go-macapt/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes
const (
	exitOK          = 0
	exitBadInput    = 1
	exitCorrupt     = 2
	exitUnsupported = 3
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "macapt",
	Short:         "Read APFS containers out of forensic disk images",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		log.SetHandler(clihandler.New(os.Stderr))
		lvl, err := parseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("macapt failed")
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/macapt/config.yaml)")
	rootCmd.PersistentFlags().StringP("input-type", "t", "", "image type: E01, DD, DMG, VMDK, AFF4, MOUNTED, SPARSE or QCOW2 (default detects it)")
	rootCmd.PersistentFlags().StringP("input-path", "i", "", "path to the image or device")
	rootCmd.PersistentFlags().StringP("password", "p", "", "password for encrypted DMGs")
	rootCmd.PersistentFlags().StringP("log-level", "l", "INFO", "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	rootCmd.PersistentFlags().Int("omap-cache", 2000, "object map cache entries per container")
	rootCmd.PersistentFlags().Bool("verify", true, "verify block checksums")

	for _, name := range []string{"input-type", "input-path", "password", "log-level", "omap-cache", "verify"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "macapt"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("macapt")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	log.WithField("file", viper.ConfigFileUsed()).Debug("Using config")
	return nil
}

func parseLevel(s string) (log.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return log.DebugLevel, nil
	case "", "INFO":
		return log.InfoLevel, nil
	case "WARNING", "WARN":
		return log.WarnLevel, nil
	case "ERROR":
		return log.ErrorLevel, nil
	case "CRITICAL", "FATAL":
		return log.FatalLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, types.ErrUnsupported),
		errors.Is(err, decmpfs.ErrUnsupportedCompression),
		errors.Is(err, apfs.ErrEncryptedVolume):
		return exitUnsupported
	case errors.Is(err, types.ErrBadMagic),
		errors.Is(err, types.ErrBadBlockChecksum),
		errors.Is(err, types.ErrCorruptedCheckpoint),
		errors.Is(err, types.ErrTruncatedBlock),
		errors.Is(err, types.ErrTruncatedRecord),
		errors.Is(err, decmpfs.ErrCorruptedChunk):
		return exitCorrupt
	}
	return exitBadInput
}

// imageConfig builds the image options from flags, config and environment
func imageConfig() (*apfs.ImageConfig, error) {
	typ, err := apfs.ParseType(viper.GetString("input-type"))
	if err != nil {
		return nil, err
	}
	return &apfs.ImageConfig{
		Type:     typ,
		Password: viper.GetString("password"),
	}, nil
}

func containerOptions() []apfs.Option {
	return []apfs.Option{
		apfs.WithOMapCacheSize(viper.GetInt("omap-cache")),
		apfs.WithVerifyChecksums(viper.GetBool("verify")),
	}
}

// imagePath takes the image from --input-path, or else from the first argument
func imagePath(args []string) (string, []string, error) {
	if p := viper.GetString("input-path"); p != "" {
		return filepath.Clean(p), args, nil
	}
	if len(args) == 0 {
		return "", nil, errors.New("no image given: pass --input-path or an image argument")
	}
	return filepath.Clean(args[0]), args[1:], nil
}

// openContainers opens the image and every container in it
func openContainers(path string) (*apfs.Image, []*apfs.Container, error) {
	conf, err := imageConfig()
	if err != nil {
		return nil, nil, err
	}
	img, err := apfs.OpenImage(path, conf)
	if err != nil {
		return nil, nil, err
	}
	ctrs, err := img.Containers(containerOptions()...)
	if err != nil {
		img.Close()
		return nil, nil, err
	}
	return img, ctrs, nil
}

// pickVolume returns the named volume, or the first readable one when name is empty
func pickVolume(ctrs []*apfs.Container, name string) (*apfs.Volume, error) {
	var names []string
	for _, c := range ctrs {
		for _, v := range c.Volumes() {
			if name == "" && !v.IsEncrypted() {
				return v, nil
			}
			if name != "" && v.Name() == name {
				return v, nil
			}
			names = append(names, v.Name())
		}
	}
	if name == "" {
		return nil, fmt.Errorf("no unencrypted volume among %v: %w", names, apfs.ErrEncryptedVolume)
	}
	return nil, fmt.Errorf("volume %q not found (have %v)", name, names)
}
