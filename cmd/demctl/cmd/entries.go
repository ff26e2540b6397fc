package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

var (
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

var statusNames = []struct {
	bit  status.UDS
	name string
}{
	{status.TF, "TF"},
	{status.TFTOC, "TFTOC"},
	{status.PDTC, "PDTC"},
	{status.CDTC, "CDTC"},
	{status.TNCSLC, "TNCSLC"},
	{status.TFSLC, "TFSLC"},
	{status.TNCTOC, "TNCTOC"},
	{status.WIR, "WIR"},
}

// formatStatus печатает байт статуса как hex и список установленных битов.
func formatStatus(s status.UDS) string {
	var bits []string
	for _, n := range statusNames {
		if s.Has(n.bit) {
			bits = append(bits, n.name)
		}
	}
	return fmt.Sprintf("0x%02X [%s]", uint8(s), strings.Join(bits, " "))
}

type indexedEntry struct {
	index int
	entry faultmemory.Entry
}

// readEntries загружает и декодирует все блоки записей, упорядочив по индексу.
func readEntries(ctx context.Context, nv *storage.NvM) ([]indexedEntry, error) {
	var out []indexedEntry
	err := nv.Load(ctx, func(id storage.BlockID, data []byte) error {
		idx, ok := storage.ParseEntryBlock(id)
		if !ok {
			return nil
		}
		e, err := faultmemory.DecodeEntry(data)
		if err != nil {
			return fmt.Errorf("блок %s: %w", id, err)
		}
		out = append(out, indexedEntry{index: idx, entry: e})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

func printEntries(w io.Writer, entries []indexedEntry, cfg *config.Config) {
	for _, ie := range entries {
		e := ie.entry
		name := "?"
		if cfg != nil {
			if ev := cfg.Event(e.EventID); ev != nil {
				name = ev.Name
			}
		}
		line := fmt.Sprintf("%3d  event=%-5d %-20s status=%s occ=%d aging=%d/%d ts=%d",
			ie.index, e.EventID, name, formatStatus(e.StatusBits),
			e.OccurrenceCounter, e.AgingTargetCycle, e.AgingTimer, e.Timestamp)
		switch {
		case e.AgingOnly:
			fmt.Fprintln(w, green("%s aging-only", line))
		case e.StatusBits.Has(status.CDTC):
			fmt.Fprintln(w, red("%s", line))
		case e.StatusBits.Has(status.PDTC):
			fmt.Fprintln(w, yellow("%s", line))
		default:
			fmt.Fprintln(w, line)
		}
	}
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "записи памяти событий",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.Config
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}

		nv, err := storage.OpenReadOnly(dbPath)
		if err != nil {
			return err
		}
		defer nv.Close()

		entries, err := readEntries(cmd.Context(), nv)
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries, cfg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(entriesCmd)
}
