package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/internal/dbi"
	"github.com/skdltmxn/pdbstream/pdb"
)

var infoCmd = &cobra.Command{
	Use:   "info <pdb-file>",
	Short: "Display PDB file information",
	Long:  `Display general information about a PDB file including version, GUID, age, and statistics.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	pdbPath := args[0]

	f, err := openPDB(pdbPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return printInfo(f, pdbPath)
}

func printInfo(f *pdb.File, pdbPath string) error {
	info, err := f.Info()
	if err != nil {
		return fmt.Errorf("failed to read PDB info: %w", err)
	}

	fmt.Fprintf(output, "PDB File: %s\n", pdbPath)
	fmt.Fprintf(output, "Version: %d\n", info.Version)
	fmt.Fprintf(output, "Signature: 0x%08X\n", info.Signature)
	fmt.Fprintf(output, "Age: %d\n", info.Age)
	fmt.Fprintf(output, "GUID: {%s}\n", info.GUID)
	fmt.Fprintf(output, "Symbol Server Key: %s\n", info.SymbolServerKey())
	fmt.Fprintf(output, "Block Size: %d\n", f.BlockSize())

	if numStreams, err := f.NumStreams(); err == nil {
		fmt.Fprintf(output, "Number of Streams: %d\n", numStreams)
	}

	for _, ft := range info.Features {
		fmt.Fprintf(output, "Feature: %s\n", ft)
	}
	for _, name := range slices.Sorted(maps.Keys(info.NamedStreams)) {
		fmt.Fprintf(output, "Named Stream: %-20s %d\n", name, info.NamedStreams[name])
	}

	if h, err := f.DBIHeader(); err == nil {
		fmt.Fprintf(output, "Machine: %s\n", machineName(h.Machine))
		fmt.Fprintf(output, "Toolchain: %d.%d\n", h.BuildMajorVersion(), h.BuildMinorVersion())
		fmt.Fprintf(output, "Incrementally Linked: %v\n", h.IsIncrementallyLinked())
		fmt.Fprintf(output, "Stripped: %v\n", h.IsStripped())
	} else {
		level.Warn(logger).Log("msg", "no DBI stream", "err", err)
	}

	if moduleCount, err := f.ModuleCount(); err == nil {
		fmt.Fprintf(output, "Number of Modules: %d\n", moduleCount)
	}

	if symbols, err := f.Symbols(); err == nil {
		fmt.Fprintf(output, "Public Symbols: %d\n", symbols.PublicCount())
	} else {
		level.Warn(logger).Log("msg", "failed to read symbol table", "err", err)
	}

	if count, err := f.TypeCount(); err == nil {
		fmt.Fprintf(output, "Types: %d\n", count)
	} else {
		level.Warn(logger).Log("msg", "failed to read type stream", "err", err)
	}

	return nil
}

func machineName(m uint16) string {
	switch m {
	case dbi.MachineI386:
		return "x86"
	case dbi.MachineAMD64:
		return "x64"
	case dbi.MachineARM:
		return "ARM"
	case dbi.MachineARMNT:
		return "ARMNT"
	case dbi.MachineARM64:
		return "ARM64"
	case dbi.MachineIA64:
		return "IA64"
	case dbi.MachineUnknown:
		return "unknown"
	}
	return fmt.Sprintf("0x%04X", m)
}
