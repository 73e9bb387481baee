// cmd_inspect.go - Inspect Command: Zuordnung der Tensoren zu Bloecken anzeigen
// Hauptfunktionen: InspectHandler
package cmd

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/lorablock/lbw/block"
	"github.com/lorablock/lbw/blockweight"
	"github.com/lorablock/lbw/format"
	"github.com/lorablock/lbw/fs"
)

// blockStats - Summen ueber alle Tensoren eines Blocks
type blockStats struct {
	tensors int
	params  uint64
	sumsq   float64
}

func (s *blockStats) add(t fs.Tensor) error {
	vals, err := t.Floats()
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name(), err)
	}

	norm := floats.Norm(vals, 2)
	s.tensors++
	s.params += uint64(len(vals))
	s.sumsq += norm * norm
	return nil
}

func (s *blockStats) row(name string) []string {
	return []string{
		name,
		strconv.Itoa(s.tensors),
		format.HumanNumber(s.params),
		strconv.FormatFloat(math.Sqrt(s.sumsq), 'f', 4, 64),
	}
}

// InspectHandler - Zeigt Tensoren, Parameter und L2-Norm pro Block
func InspectHandler(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := blockweight.Open(path)
	if err != nil {
		return err
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	c := blockweight.Classifier(f.Format())
	var stats [block.Count]blockStats
	var skipped blockStats
	var keys [][]string

	for pair := f.Tensors().Oldest(); pair != nil; pair = pair.Next() {
		res := block.Resolve(c, pair.Key)
		target := &skipped
		label := "skip (" + res.Reason.String() + ")"
		if res.OK() {
			target = &stats[res.ID]
			label = res.ID.String()
		}

		if err := target.add(pair.Value); err != nil {
			return err
		}

		keys = append(keys, []string{pair.Key, label, string(pair.Value.DType()), shapeString(pair.Value.Shape())})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %s, %d tensors, %s\n\n", path, f.Format(), f.Tensors().Len(), format.HumanBytes(size))

	var data [][]string
	for _, id := range block.IDs() {
		data = append(data, stats[id].row(id.String()))
	}
	if skipped.tensors > 0 {
		data = append(data, skipped.row("-"))
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"BLOCK", "TENSORS", "PARAMS", "L2 NORM"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	if showKeys, _ := cmd.Flags().GetBool("keys"); showKeys {
		fmt.Fprintln(w)
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"NAME", "BLOCK", "DTYPE", "SHAPE"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.SetAutoWrapText(false)
		table.AppendBulk(keys)
		table.Render()
	}

	return nil
}

func shapeString(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show how the tensors of a LoRA file map to blocks",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	cmd.Flags().Bool("keys", false, "List every tensor with its block")

	return cmd
}
