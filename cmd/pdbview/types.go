package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/pdb"
)

var (
	typesKind  string
	typesIDs   bool
	typesLimit int
)

var typesCmd = &cobra.Command{
	Use:   "types <pdb-file>",
	Short: "List type records in the PDB file",
	Long: `List the records of the type stream (TPI), or of the ID stream (IPI)
with --ids.

Use --kind to filter by leaf kind (for example LF_STRUCTURE or structure).`,
	Args: cobra.ExactArgs(1),
	RunE: runTypes,
}

func init() {
	typesCmd.Flags().StringVarP(&typesKind, "kind", "k", "", "filter by leaf kind")
	typesCmd.Flags().BoolVar(&typesIDs, "ids", false, "list the ID stream instead of the type stream")
	typesCmd.Flags().IntVarP(&typesLimit, "limit", "n", 0, "limit number of types shown (0 = unlimited)")
}

func runTypes(cmd *cobra.Command, args []string) error {
	f, err := openPDB(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	return printTypes(f)
}

func printTypes(f *pdb.File) error {
	load := f.Types
	if typesIDs {
		load = f.IDs
	}
	ts, err := load()
	if err != nil {
		return fmt.Errorf("failed to get types: %w", err)
	}

	var leafFilter string
	if typesKind != "" {
		leafFilter = strings.ToUpper(typesKind)
		if !strings.HasPrefix(leafFilter, "LF_") {
			leafFilter = "LF_" + leafFilter
		}
	}

	fmt.Fprintf(output, "%-10s %-20s %-8s\n", "INDEX", "LEAF", "LENGTH")
	fmt.Fprintf(output, "%s\n", strings.Repeat("-", 40))

	count := 0
	for rec, err := range ts.Records() {
		if err != nil {
			return fmt.Errorf("failed to read type 0x%X: %w", uint32(rec.Index), err)
		}
		if leafFilter != "" && rec.Leaf.String() != leafFilter {
			continue
		}
		printTypeRecord(rec)
		count++
		if typesLimit > 0 && count >= typesLimit {
			break
		}
	}

	fmt.Fprintf(output, "\nTotal: %d types\n", count)
	return nil
}

func printTypeRecord(rec codeview.TypeRecord) {
	fmt.Fprintf(output, "0x%-8X %-20s %-8d\n", uint32(rec.Index), rec.Leaf, rec.Length)
}
