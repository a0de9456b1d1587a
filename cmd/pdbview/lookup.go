package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/pdb"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <pdb-file> <query>",
	Short: "Look up symbols or types by name or address",
	Long: `Look up symbols or types in a PDB file.

Query can be:
  - Symbol name: lookup file.pdb myFunction
  - Section and offset: lookup file.pdb 0001:00001234
  - RVA: lookup file.pdb 0x2234
  - Type index: lookup file.pdb type:0x1000`,
	Args: cobra.ExactArgs(2),
	RunE: runLookup,
}

func runLookup(cmd *cobra.Command, args []string) error {
	f, err := openPDB(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	query := args[1]
	switch {
	case strings.HasPrefix(query, "type:"):
		return lookupType(f, strings.TrimPrefix(query, "type:"))
	case strings.Contains(query, ":"):
		section, offset, err := parseSectionOffset(query)
		if err != nil {
			return err
		}
		return lookupAddress(f, section, offset)
	case strings.HasPrefix(query, "0x") || strings.HasPrefix(query, "0X"):
		return lookupRVA(f, query)
	default:
		return lookupName(f, query)
	}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 32)
}

func parseSectionOffset(s string) (uint16, uint32, error) {
	secStr, offStr, _ := strings.Cut(s, ":")
	section, err := strconv.ParseUint(secStr, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid section: %s", secStr)
	}
	offset, err := parseHex(offStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid offset: %s", offStr)
	}
	return uint16(section), uint32(offset), nil
}

func lookupName(f *pdb.File, name string) error {
	symbols, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("failed to get symbols: %w", err)
	}

	syms, err := symbols.ByName(name)
	if err != nil {
		return err
	}
	for _, sym := range syms {
		printSymbolDetail(sym)
	}

	if len(syms) == 0 {
		fmt.Fprintf(output, "No symbols found matching '%s'\n", name)
	} else {
		fmt.Fprintf(output, "\nFound %d symbol(s)\n", len(syms))
	}
	return nil
}

func lookupRVA(f *pdb.File, addrStr string) error {
	rva, err := parseHex(addrStr)
	if err != nil {
		return fmt.Errorf("invalid address: %s", addrStr)
	}

	sections, err := f.Sections()
	if err != nil {
		return fmt.Errorf("failed to load section headers: %w", err)
	}
	section, offset := sections.FindSection(uint32(rva))
	if section == 0 {
		fmt.Fprintf(output, "RVA 0x%08X is not inside any section\n", rva)
		return nil
	}
	level.Debug(logger).Log("msg", "resolved RVA", "rva", rva, "section", section, "offset", offset)
	return lookupAddress(f, section, offset)
}

func lookupAddress(f *pdb.File, section uint16, offset uint32) error {
	symbols, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("failed to get symbols: %w", err)
	}

	pub, err := symbols.FindSymbolContaining(section, offset)
	switch {
	case errors.Is(err, pdb.ErrSymbolNotFound):
		fmt.Fprintf(output, "No symbols found at %04X:%08X\n", section, offset)
	case err != nil:
		return err
	default:
		printSymbolDetail(pub)
		if pub.Offset != offset {
			fmt.Fprintf(output, "  Displacement: +0x%X\n\n", offset-pub.Offset)
		}
	}

	m, err := f.ModuleAt(section, offset)
	switch {
	case errors.Is(err, pdb.ErrModuleNotFound):
	case err != nil:
		return err
	default:
		fmt.Fprintf(output, "Module: %s\n", m.Name())
	}
	return nil
}

func lookupType(f *pdb.File, indexStr string) error {
	index, err := parseHex(indexStr)
	if err != nil {
		return fmt.Errorf("invalid type index: %s", indexStr)
	}

	ti := codeview.TypeIndex(index)
	if ti.IsSimpleType() {
		fmt.Fprintf(output, "Type:\n  Index: 0x%04X\n  Simple: %s\n", uint32(ti), ti)
		return nil
	}

	rec, payload, err := f.LookupType(ti)
	if err != nil {
		return err
	}
	data, err := payload.ReadBytes(int(payload.Len()))
	if err != nil {
		return fmt.Errorf("failed to read type 0x%X: %w", uint32(ti), err)
	}

	fmt.Fprintf(output, "Type:\n")
	fmt.Fprintf(output, "  Index: 0x%04X\n", uint32(rec.Index))
	fmt.Fprintf(output, "  Leaf: %s\n", rec.Leaf)
	fmt.Fprintf(output, "  Length: %d\n", rec.Length)
	fmt.Fprintf(output, "  Payload: % X\n", data)
	return nil
}

func printSymbolDetail(sym codeview.Symbol) {
	fmt.Fprintf(output, "Symbol:\n")
	fmt.Fprintf(output, "  Name: %s\n", codeview.SymbolName(sym))
	fmt.Fprintf(output, "  Kind: %s\n", sym.Kind())
	if section, offset, ok := codeview.SymbolAddress(sym); ok {
		fmt.Fprintf(output, "  Section: 0x%04X\n", section)
		fmt.Fprintf(output, "  Offset: 0x%08X\n", offset)
	}

	switch s := sym.(type) {
	case *codeview.PublicSym:
		fmt.Fprintf(output, "  Flags: 0x%X\n", uint32(s.Flags))
	case *codeview.ProcSym:
		fmt.Fprintf(output, "  Length: %d\n", s.CodeSize)
		fmt.Fprintf(output, "  Type: %s\n", s.FunctionType)
	case *codeview.DataSym:
		fmt.Fprintf(output, "  Type: %s\n", s.Type)
	case *codeview.UDTSym:
		fmt.Fprintf(output, "  Type: %s\n", s.Type)
	case *codeview.ConstantSym:
		fmt.Fprintf(output, "  Type: %s\n", s.Type)
		fmt.Fprintf(output, "  Value: %s\n", s.Value)
	}

	fmt.Fprintln(output)
}
