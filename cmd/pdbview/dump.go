package main

import (
	"encoding/json"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/pdbstream/pdb"
)

var (
	dumpFormat string
)

var dumpCmd = &cobra.Command{
	Use:   "dump <pdb-file>",
	Short: "Dump all PDB information",
	Long: `Dump all information from a PDB file in structured format.

Supported formats:
  - text: Human-readable text (default)
  - json: JSON format`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFormat, "format", "f", "text", "output format (text, json)")
}

func runDump(cmd *cobra.Command, args []string) error {
	pdbPath := args[0]

	f, err := openPDB(pdbPath)
	if err != nil {
		return err
	}
	defer f.Close()

	switch dumpFormat {
	case "json":
		return dumpJSON(f, pdbPath)
	case "text":
		return dumpText(cmd, f, pdbPath)
	default:
		return fmt.Errorf("unknown format: %s", dumpFormat)
	}
}

type PDBDump struct {
	File    string       `json:"file"`
	Info    *InfoDump    `json:"info"`
	Streams []uint32     `json:"stream_sizes"`
	Modules []ModuleDump `json:"modules"`
	Symbols []SymbolDump `json:"symbols"`
	Types   []TypeDump   `json:"types"`
}

type InfoDump struct {
	Version      uint32            `json:"version"`
	Signature    uint32            `json:"signature"`
	Age          uint32            `json:"age"`
	GUID         string            `json:"guid"`
	BlockSize    uint32            `json:"block_size"`
	NumStreams   uint32            `json:"num_streams"`
	NamedStreams map[string]uint32 `json:"named_streams,omitempty"`
	Features     []string          `json:"features,omitempty"`
}

type ModuleDump struct {
	Index          int      `json:"index"`
	Name           string   `json:"name"`
	ObjectFileName string   `json:"object_file_name"`
	Section        uint16   `json:"section"`
	Offset         int32    `json:"offset"`
	Size           int32    `json:"size"`
	SourceFiles    []string `json:"source_files,omitempty"`
}

type SymbolDump struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Section uint16 `json:"section,omitempty"`
	Offset  uint32 `json:"offset,omitempty"`
}

type TypeDump struct {
	Index  uint32 `json:"index"`
	Leaf   string `json:"leaf"`
	Length uint16 `json:"length"`
}

func dumpJSON(f *pdb.File, pdbPath string) error {
	dump := &PDBDump{File: pdbPath}

	if info, err := f.Info(); err == nil {
		dump.Info = &InfoDump{
			Version:      info.Version,
			Signature:    info.Signature,
			Age:          info.Age,
			GUID:         info.GUID.String(),
			BlockSize:    f.BlockSize(),
			NamedStreams: info.NamedStreams,
		}
		for _, ft := range info.Features {
			dump.Info.Features = append(dump.Info.Features, ft.String())
		}
		if numStreams, err := f.NumStreams(); err == nil {
			dump.Info.NumStreams = numStreams
			for i := range numStreams {
				size, err := f.StreamSize(i)
				if err != nil {
					return err
				}
				dump.Streams = append(dump.Streams, size)
			}
		}
	} else {
		level.Warn(logger).Log("msg", "failed to read PDB info", "err", err)
	}

	if modules, err := f.Modules(); err == nil {
		dump.Modules = make([]ModuleDump, len(modules))
		for i, mod := range modules {
			dump.Modules[i] = ModuleDump{
				Index:          mod.Index(),
				Name:           mod.Name(),
				ObjectFileName: mod.ObjectFileName(),
				Section:        mod.Section(),
				Offset:         mod.Offset(),
				Size:           mod.Size(),
				SourceFiles:    mod.SourceFiles(),
			}
		}
	} else {
		level.Warn(logger).Log("msg", "failed to get modules", "err", err)
	}

	// Public symbols only, to keep the output bounded.
	for pub, err := range f.Publics() {
		if err != nil {
			level.Warn(logger).Log("msg", "stopped reading public symbols", "err", err)
			break
		}
		dump.Symbols = append(dump.Symbols, SymbolDump{
			Name:    pub.Name,
			Kind:    pub.Kind().String(),
			Section: pub.Segment,
			Offset:  pub.Offset,
		})
	}

	if ts, err := f.Types(); err == nil {
		for rec, err := range ts.Records() {
			if err != nil {
				level.Warn(logger).Log("msg", "stopped reading types", "err", err)
				break
			}
			dump.Types = append(dump.Types, TypeDump{
				Index:  uint32(rec.Index),
				Leaf:   rec.Leaf.String(),
				Length: rec.Length,
			})
		}
	} else {
		level.Warn(logger).Log("msg", "failed to get types", "err", err)
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(dump)
}

func dumpText(cmd *cobra.Command, f *pdb.File, pdbPath string) error {
	fmt.Fprintln(output, "=== PDB Information ===")
	if err := printInfo(f, pdbPath); err != nil {
		return err
	}

	fmt.Fprintln(output)
	fmt.Fprintln(output, "=== Modules ===")
	if err := printModulesVerbose(cmd, f); err != nil {
		return err
	}

	fmt.Fprintln(output)
	fmt.Fprintln(output, "=== Public Symbols ===")
	symbolsShowRVA = false
	printSymbolHeader()
	count := 0
	for pub, err := range f.Publics() {
		if err != nil {
			return fmt.Errorf("failed to read symbols: %w", err)
		}
		printSymbol(pub, nil)
		count++
	}
	fmt.Fprintf(output, "\nTotal: %d symbols\n", count)

	fmt.Fprintln(output)
	fmt.Fprintln(output, "=== Types ===")
	typesIDs = false
	typesKind = ""
	typesLimit = 0
	return printTypes(f)
}
