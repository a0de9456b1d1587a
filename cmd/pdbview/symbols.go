package main

import (
	"fmt"
	"iter"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/pdb"
)

var (
	symbolsAll     bool
	symbolsKind    string
	symbolsModule  int
	symbolsLimit   int
	symbolsShowRVA bool
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <pdb-file>",
	Short: "List symbols in the PDB file",
	Long: `List symbols from a PDB file.

By default, only public symbols are shown. Use --all to list every global
symbol record, or --module to list the symbols of one module.
Use --kind to filter by record kind (for example S_GPROC32 or gproc32).`,
	Args: cobra.ExactArgs(1),
	RunE: runSymbols,
}

func init() {
	symbolsCmd.Flags().BoolVarP(&symbolsAll, "all", "a", false, "show all global symbol records")
	symbolsCmd.Flags().StringVarP(&symbolsKind, "kind", "k", "", "filter by record kind")
	symbolsCmd.Flags().IntVarP(&symbolsModule, "module", "m", -1, "show the symbols of the module with this index")
	symbolsCmd.Flags().IntVarP(&symbolsLimit, "limit", "n", 0, "limit number of symbols shown (0 = unlimited)")
	symbolsCmd.Flags().BoolVarP(&symbolsShowRVA, "rva", "r", false, "show RVA (Relative Virtual Address)")
}

func runSymbols(cmd *cobra.Command, args []string) error {
	f, err := openPDB(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var sections *pdb.SectionHeaders
	if symbolsShowRVA {
		sections, err = f.Sections()
		if err != nil {
			level.Warn(logger).Log("msg", "could not load section headers for RVA", "err", err)
		}
	}

	var seq iter.Seq2[codeview.Symbol, error]
	switch {
	case symbolsModule >= 0:
		m, err := f.Module(symbolsModule)
		if err != nil {
			return err
		}
		syms, err := m.Symbols()
		if err != nil {
			return fmt.Errorf("failed to read symbols of %s: %w", m.Name(), err)
		}
		seq = func(yield func(codeview.Symbol, error) bool) {
			for _, s := range syms {
				if !yield(s, nil) {
					return
				}
			}
		}
	case symbolsAll:
		seq = f.Globals()
	default:
		seq = func(yield func(codeview.Symbol, error) bool) {
			for pub, err := range f.Publics() {
				if !yield(pub, err) {
					return
				}
			}
		}
	}

	printSymbolHeader()

	count := 0
	for sym, err := range seq {
		if err != nil {
			return fmt.Errorf("failed to read symbols: %w", err)
		}
		if symbolsKind != "" && !kindMatches(sym.Kind(), symbolsKind) {
			continue
		}
		printSymbol(sym, sections)
		count++
		if symbolsLimit > 0 && count >= symbolsLimit {
			break
		}
	}

	fmt.Fprintf(output, "\nTotal: %d symbols\n", count)
	return nil
}

// kindMatches compares a record kind against a user-supplied name, with or
// without the S_ prefix.
func kindMatches(k codeview.SymbolKind, name string) bool {
	want := strings.ToUpper(name)
	if !strings.HasPrefix(want, "S_") {
		want = "S_" + want
	}
	return k.String() == want
}

func printSymbolHeader() {
	if symbolsShowRVA {
		fmt.Fprintf(output, "%-16s %-8s %-10s %-10s %s\n", "KIND", "SECTION", "OFFSET", "RVA", "NAME")
	} else {
		fmt.Fprintf(output, "%-16s %-8s %-10s %s\n", "KIND", "SECTION", "OFFSET", "NAME")
	}
	fmt.Fprintf(output, "%s\n", strings.Repeat("-", 90))
}

func printSymbol(sym codeview.Symbol, sections *pdb.SectionHeaders) {
	kind := sym.Kind().String()
	name := codeview.SymbolName(sym)

	section, offset, ok := codeview.SymbolAddress(sym)
	switch {
	case !ok:
		if symbolsShowRVA {
			fmt.Fprintf(output, "%-16s %-8s %-10s %-10s %s\n", kind, "-", "-", "-", name)
		} else {
			fmt.Fprintf(output, "%-16s %-8s %-10s %s\n", kind, "-", "-", name)
		}
	case symbolsShowRVA && sections != nil:
		fmt.Fprintf(output, "%-16s %04X     0x%08X 0x%08X %s\n", kind, section, offset, sections.ToRVA(section, offset), name)
	case symbolsShowRVA:
		fmt.Fprintf(output, "%-16s %04X     0x%08X %-10s %s\n", kind, section, offset, "N/A", name)
	default:
		fmt.Fprintf(output, "%-16s %04X     0x%08X %s\n", kind, section, offset, name)
	}
}
