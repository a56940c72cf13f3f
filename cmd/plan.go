package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lorakit/lorakit/format"
	"github.com/lorakit/lorakit/lora"
	"github.com/lorakit/lorakit/patch"
	"github.com/lorakit/lorakit/safetensors"
)

func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan MODEL LORA...",
		Short: "Resolve a LoRA's keys against a base model without patching",
		Args:  cobra.MinimumNArgs(2),
		RunE:  planHandler,
	}

	cmd.Flags().String("prefix", "lora_unet_", "Flat key prefix selecting this sub-model's layers")
	cmd.Flags().Float32("weight", 1.0, "Application weight")

	return cmd
}

func planHandler(cmd *cobra.Command, args []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	weight, _ := cmd.Flags().GetFloat32("weight")

	paths, err := modelPaths(args[0])
	if err != nil {
		return err
	}

	index, err := safetensors.OpenAll(paths...)
	if err != nil {
		return err
	}

	model, err := index.Namespace()
	if err != nil {
		return err
	}

	var data [][]string
	var skipped int

	for _, path := range args[1:] {
		adapter, err := lora.Load(path)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(adapter.Layers))
		for key := range adapter.Layers {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if !strings.HasPrefix(key, prefix) {
				skipped++
				continue
			}

			layer := adapter.Layers[key]
			moduleKey, module, err := patch.Resolve(model, key, prefix)
			if err != nil {
				return err
			}

			scale := float32(1)
			if layer.Alpha() != 0 && layer.Rank() != 0 {
				scale = layer.Alpha() / float32(layer.Rank())
			}

			var size int64
			if w, err := module.Parameter("weight"); err == nil {
				size = int64(w.Elems()) * 4
			}

			data = append(data, []string{
				key,
				moduleKey,
				fmt.Sprintf("%d", layer.Rank()),
				fmt.Sprintf("%g", layer.Alpha()),
				fmt.Sprintf("%g", weight*scale),
				format.HumanBytes(size),
			})
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"KEY", "TARGET", "RANK", "ALPHA", "SCALE", "DELTA"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.AppendBulk(data)
	table.Render()

	fmt.Printf("\n%d layers resolved, %d outside prefix %q\n", len(data), skipped, prefix)
	return nil
}

// modelPaths expands a model argument into its safetensors shard files.
func modelPaths(arg string) ([]string, error) {
	info, err := os.Stat(arg)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return []string{arg}, nil
	}

	matches, err := filepath.Glob(filepath.Join(arg, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no safetensors files in %s", arg)
	}
	return matches, nil
}
