package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lorakit/lorakit/format"
	"github.com/lorakit/lorakit/lora"
)

func NewInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info LORA",
		Short: "Show a LoRA file's layers and training metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  infoHandler,
	}
}

func infoHandler(cmd *cobra.Command, args []string) error {
	adapter, err := lora.Load(args[0])
	if err != nil {
		return err
	}

	var params, bytes int64
	for _, layer := range adapter.Layers {
		params += int64(layer.Up.Elems() + layer.Down.Elems())
		bytes += layer.Up.Size() + layer.Down.Size()
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.Append([]string{"layers", fmt.Sprintf("%d", len(adapter.Layers))})
	table.Append([]string{"parameters", format.HumanNumber(uint64(params))})
	table.Append([]string{"size", format.HumanBytes(bytes)})

	md := adapter.Metadata
	if md.NetworkDim != 0 {
		table.Append([]string{"network dim", fmt.Sprintf("%g", md.NetworkDim)})
	}
	if md.NetworkAlpha != 0 {
		table.Append([]string{"network alpha", fmt.Sprintf("%g", md.NetworkAlpha)})
	}
	if md.NetworkModule != "" {
		table.Append([]string{"network module", md.NetworkModule})
	}
	if md.BaseModelName != "" {
		table.Append([]string{"base model", md.BaseModelName})
	}

	table.Render()
	return nil
}
