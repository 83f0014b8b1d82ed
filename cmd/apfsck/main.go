// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfscheck"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfstree"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/config"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var cfgFile string
	var blockSize uint32
	v := viper.New()

	argparser := &cobra.Command{
		Use:   "apfsck DEVICE",
		Short: "Check the structural consistency of an APFS container",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true, // main() handles the error after ExecuteContext returns
		SilenceUsage:  true, // our FlagErrorFunc handles it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&cfgFile, "config", "", "load tunables from `config.yaml` instead of searching the default paths")
	if err := argparser.MarkPersistentFlagFilename("config"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().Uint32Var(&blockSize, "block-size", 4096, "block size of the container image, in bytes")
	config.BindFlags(argparser.PersistentFlags(), v)

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx = dlog.WithLogger(ctx, logger)
		ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
		dlog.SetFallbackLogger(logger.WithField("apfscheck.THIS_IS_A_BUG", true))

		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		var result *apfscheck.Result
		grp.Go("main", func(ctx context.Context) (err error) {
			dev, err := apfsio.OpenDevice(args[0], blockSize)
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer func() {
				if cerr := dev.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			result, err = apfscheck.Run(ctx, dev, apfscheck.Config{
				MaxDepth: cfg.MaxDepth,
				Progress: cfg.Progress,
			})
			return err
		})
		if err := grp.Wait(); err != nil {
			return err
		}

		summarize(os.Stdout, result)
		return nil
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		var fatal *apfstree.FatalError
		if errors.As(err, &fatal) {
			printFatal(os.Stderr, fatal)
		} else {
			textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		}
		os.Exit(1)
	}
}

func printFatal(w *os.File, err *apfstree.FatalError) {
	line := fmt.Sprintf("apfsck: fatal: %v", err)
	if color.NoColor {
		fmt.Fprintln(w, line)
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(w, line)
	}
}

func summarize(w *os.File, result *apfscheck.Result) {
	textui.Fprintf(w, "container %v: ok\n", result.ContainerUUID)
	for _, vol := range result.Volumes {
		textui.Fprintf(w, "  volume %d %q (%v): catalog root has %s records\n",
			vol.Index, vol.Name, vol.UUID,
			humanize.Comma(int64(vol.CatalogRoot.RecordCount)))
	}
}
