package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sergiorozada12/marianmt-to-onnx/format"
	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/optimize"
	"github.com/sergiorozada12/marianmt-to-onnx/quantize"
)

func NewOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize GRAPH",
		Short: "Fuse, fold and prune an exported graph",
		Args:  cobra.ExactArgs(1),
		RunE:  OptimizeHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Output file (default GRAPH.opt)")

	return cmd
}

func OptimizeHandler(cmd *cobra.Command, args []string) error {
	g, err := graph.ReadFile(args[0])
	if err != nil {
		return err
	}

	opt, err := optimize.Run(g, optimize.DefaultConfig())
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = args[0] + ".opt"
	}

	if err := graph.WriteFile(output, opt); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d nodes, down from %d\n", output, len(opt.Nodes), len(g.Nodes))
	return nil
}

func NewQuantizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quantize GRAPH",
		Short: "Quantize a graph's linear weights to Q8_0",
		Args:  cobra.ExactArgs(1),
		RunE:  QuantizeHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Output file (default GRAPH.quant)")

	return cmd
}

func QuantizeHandler(cmd *cobra.Command, args []string) error {
	g, err := graph.ReadFile(args[0])
	if err != nil {
		return err
	}

	q, err := quantize.Run(g, quantize.DefaultConfig())
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = args[0] + ".quant"
	}

	if err := graph.WriteFile(output, q); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %s, down from %s\n", output, format.HumanBytes(fileSize(output)), format.HumanBytes(fileSize(args[0])))
	return nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return fi.Size()
}
