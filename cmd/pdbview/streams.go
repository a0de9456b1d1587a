package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var streamsCmd = &cobra.Command{
	Use:   "streams <pdb-file>",
	Short: "List the streams of the MSF container",
	Long: `List every stream in the MSF directory with its size (0 for nil
streams). Streams registered by name in the PDB info stream show
that name.`,
	Args: cobra.ExactArgs(1),
	RunE: runStreams,
}

var wellKnownStreams = map[uint32]string{
	1: "PDB info",
	2: "TPI",
	3: "DBI",
	4: "IPI",
}

func runStreams(cmd *cobra.Command, args []string) error {
	f, err := openPDB(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	numStreams, err := f.NumStreams()
	if err != nil {
		return fmt.Errorf("failed to read stream directory: %w", err)
	}

	names := make(map[uint32]string, len(wellKnownStreams))
	for i, name := range wellKnownStreams {
		names[i] = name
	}
	if info, err := f.Info(); err == nil {
		for name, i := range info.NamedStreams {
			names[i] = name
		}
	}

	fmt.Fprintf(output, "%-6s %-12s %s\n", "INDEX", "SIZE", "NAME")
	fmt.Fprintf(output, "%s\n", strings.Repeat("-", 60))

	for i := range numStreams {
		size, err := f.StreamSize(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "%-6d %-12d %s\n", i, size, names[i])
	}

	fmt.Fprintf(output, "\nTotal: %d streams\n", numStreams)
	return nil
}
