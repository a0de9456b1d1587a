package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/pdb"
)

var (
	outputFile string
	output     io.Writer
	logLevel   string
	cacheSize  int

	logger = newLogger(level.AllowInfo())
)

var rootCmd = &cobra.Command{
	Use:   "pdbview",
	Short: "PDB file viewer and analyzer",
	Long: `pdbview is a command-line tool for viewing and analyzing
Microsoft PDB (Program Database) files.

It can display streams, symbols, types, modules, and other debug
information stored in PDB files.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		opt, err := levelOption(logLevel)
		if err != nil {
			return err
		}
		logger = newLogger(opt)

		if outputFile != "" {
			f, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			output = f
		} else {
			output = os.Stdout
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if f, ok := output.(*os.File); ok && f != os.Stdout {
			if err := f.Close(); err != nil {
				level.Warn(logger).Log("msg", "failed to close output file", "file", outputFile, "err", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "write output to file instead of stdout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&cacheSize, "cache-size", pdb.DefaultModuleCacheSize, "number of decoded modules kept in memory (0 disables the cache)")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(streamsCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(typesCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(dumpCmd)
}

func newLogger(opt level.Option) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(l, opt)
}

func levelOption(name string) (level.Option, error) {
	switch name {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unknown log level: %s", name)
	}
}

// openPDB opens path with the module cache sized from --cache-size.
func openPDB(path string) (*pdb.File, error) {
	f, err := pdb.Open(path, pdb.WithModuleCacheSize(cacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDB: %w", err)
	}
	level.Debug(logger).Log("msg", "opened PDB", "file", path, "block_size", f.BlockSize())
	return f, nil
}
