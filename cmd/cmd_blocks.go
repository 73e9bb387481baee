// cmd_blocks.go - Blocks Command: Bloecke, Positionscodes und Presets
// Hauptfunktionen: BlocksHandler
package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lorablock/lbw/block"
)

// stageCodes - Positionscodes pro Block, z.B. OUT05 -> "up 21,22"
func stageCodes() map[block.ID][]string {
	codes := make(map[block.ID][]string)
	for _, stage := range []block.Stage{block.StageDown, block.StageMid, block.StageUp} {
		byID := make(map[block.ID][]string)
		for code, id := range block.Codes(stage) {
			byID[id] = append(byID[id], code)
		}

		for _, id := range slices.Sorted(maps.Keys(byID)) {
			list := byID[id]
			slices.Sort(list)
			codes[id] = append(codes[id], stage.String()+" "+strings.Join(list, ","))
		}
	}

	codes[block.BASE] = []string{"text encoder (safetensors)"}
	return codes
}

// BlocksHandler - Listet die Bloecke und die bekannten Presets
func BlocksHandler(cmd *cobra.Command, _ []string) error {
	presets, err := loadPresets()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	codes := stageCodes()

	var data [][]string
	for _, id := range block.IDs() {
		codeStr := strings.Join(codes[id], "; ")
		if codeStr == "" {
			codeStr = "-"
		}
		data = append(data, []string{strconv.Itoa(int(id)), id.String(), codeStr})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"INDEX", "BLOCK", "CODES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintln(w)

	data = data[:0]
	for _, name := range presets.Names() {
		data = append(data, []string{name, presets[name].String()})
	}

	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"PRESET", "RATIOS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	return nil
}

// newBlocksCmd - Erstellt den blocks Command
func newBlocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List blocks, positional codes and presets",
		Args:  cobra.NoArgs,
		RunE:  BlocksHandler,
	}
}
