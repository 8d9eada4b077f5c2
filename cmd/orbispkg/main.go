package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orbistools/orbispkg/pkg/elog"
	"github.com/orbistools/orbispkg/pkg/opkg"
	"github.com/orbistools/orbispkg/pkg/proj"
)

var log = &elog.CLI{}

var flagOutput string
var flagDebug bool
var flagVerbose bool

var rootCmd = &cobra.Command{
	Use:   "orbispkg",
	Short: "Author PS4 package files from staged projects",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.IsDebug = flagDebug
		log.IsVerbose = flagVerbose
		logrus.SetFormatter(log)
		if flagDebug {
			logrus.SetLevel(logrus.TraceLevel)
		} else if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

var buildCmd = &cobra.Command{
	Use:   "build PROJECT",
	Short: "Build the package described by a project file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		ctx := context.Background()

		project, err := proj.LoadFile(args[0])
		if err != nil {
			return err
		}

		if !filepath.IsAbs(project.RootDir) {
			project.RootDir = filepath.Join(filepath.Dir(args[0]), project.RootDir)
		}

		out := flagOutput
		if out == "" {
			out = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + ".pkg"
		}

		builder, err := opkg.NewBuilder(ctx, &opkg.BuilderArgs{
			Project: project,
			Logger:  log,
		})
		if err != nil {
			return err
		}

		err = builder.Prebuild(ctx)
		if err != nil {
			return err
		}

		pkg, err := builder.Write(ctx, out)
		if err != nil {
			_ = os.Remove(out)
			return err
		}

		log.Printf("%s: %d entries, %d bytes", out, len(pkg.Entries), builder.TotalSize())
		return nil
	},
}

func main() {

	buildCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output package path")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.AddCommand(buildCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
