package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/pdb"
)

var (
	modulesVerbose bool
	modulesWorkers int
)

var modulesCmd = &cobra.Command{
	Use:   "modules <pdb-file>",
	Short: "List modules (compilation units) in the PDB file",
	Long: `List all modules (compilation units/object files) in a PDB file.

With --verbose, every module's symbol stream is decoded on --workers
goroutines to count its symbols. Modules whose stream cannot be decoded
are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runModules,
}

func init() {
	modulesCmd.Flags().BoolVarP(&modulesVerbose, "verbose", "v", false, "show detailed module information")
	modulesCmd.Flags().IntVarP(&modulesWorkers, "workers", "w", 4, "number of modules decoded concurrently (0 = unlimited)")
}

func runModules(cmd *cobra.Command, args []string) error {
	f, err := openPDB(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	if modulesVerbose {
		return printModulesVerbose(cmd, f)
	}

	modules, err := f.Modules()
	if err != nil {
		return fmt.Errorf("failed to get modules: %w", err)
	}

	fmt.Fprintf(output, "%-5s %s\n", "INDEX", "NAME")
	fmt.Fprintf(output, "%s\n", strings.Repeat("-", 80))

	for _, mod := range modules {
		fmt.Fprintf(output, "%-5d %s\n", mod.Index(), mod.Name())
	}

	fmt.Fprintf(output, "\nTotal: %d modules\n", len(modules))
	return nil
}

func printModulesVerbose(cmd *cobra.Command, f *pdb.File) error {
	modules, err := f.Modules()
	if err != nil {
		return fmt.Errorf("failed to get modules: %w", err)
	}

	var mu sync.Mutex
	counts := make([]int, len(modules))
	failed := 0

	err = f.ScanModules(cmd.Context(), modulesWorkers, func(m *pdb.Module, syms []codeview.Symbol, err error) error {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			counts[m.Index()] = -1
			failed++
			level.Warn(logger).Log("msg", "skipping module", "module", m.Index(), "name", m.Name(), "err", err)
			return nil
		}
		counts[m.Index()] = len(syms)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan modules: %w", err)
	}

	fmt.Fprintf(output, "%-5s %-8s %-10s %-8s %-8s %-6s %s\n", "INDEX", "SECTION", "OFFSET", "SIZE", "SYMBOLS", "FILES", "NAME")
	fmt.Fprintf(output, "%s\n", strings.Repeat("-", 100))

	for _, mod := range modules {
		symbols := "error"
		if counts[mod.Index()] >= 0 {
			symbols = fmt.Sprint(counts[mod.Index()])
		}
		fmt.Fprintf(output, "%-5d %04X     0x%08X %-8d %-8s %-6d %s\n",
			mod.Index(),
			mod.Section(),
			mod.Offset(),
			mod.Size(),
			symbols,
			mod.SourceFileCount(),
			mod.Name())
		if mod.ObjectFileName() != mod.Name() {
			fmt.Fprintf(output, "      Object: %s\n", mod.ObjectFileName())
		}
	}

	fmt.Fprintf(output, "\nTotal: %d modules", len(modules))
	if failed > 0 {
		fmt.Fprintf(output, " (%d unreadable)", failed)
	}
	fmt.Fprintln(output)
	return nil
}
