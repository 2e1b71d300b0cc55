package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sergiorozada12/marianmt-to-onnx/format"
	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect GRAPH",
		Short: "Show an artifact's metadata and port contract",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	g, err := graph.ReadFile(args[0])
	if err != nil {
		return err
	}

	printGraph(os.Stdout, g, fileSize(args[0]))
	return nil
}

func printGraph(out io.Writer, g *graph.Graph, size int64) {
	var params uint64
	for _, t := range g.Tensors {
		params += uint64(t.Elements())
	}

	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	indent := " "
	data := [][]string{
		{indent, "Architecture:", g.KV.Architecture()},
		{indent, "Role:", g.KV.String("general.role", "unknown")},
		{indent, "Nodes:", strconv.Itoa(len(g.Nodes))},
		{indent, "Weights:", fmt.Sprintf("%d tensors, %s parameters", len(g.Tensors), format.HumanNumber(params))},
	}
	if quant := g.KV.String("general.quantization"); quant != "" {
		data = append(data, []string{indent, "Quantization:", quant})
	}
	if size > 0 {
		data = append(data, []string{indent, "Size:", format.HumanBytes2(uint64(size))})
	}

	fmt.Fprint(out, "Graph:\n")
	table.AppendBulk(data)
	table.Render()
	fmt.Fprint(out, "\n")

	var ports [][]string
	for _, p := range g.Inputs {
		ports = append(ports, []string{p.Name, "input", p.DType.String(), shapeString(p)})
	}
	for _, p := range g.Outputs {
		ports = append(ports, []string{p.Name, "output", p.DType.String(), shapeString(p)})
	}

	contract := tablewriter.NewWriter(out)
	contract.SetHeader([]string{"PORT", "KIND", "DTYPE", "SHAPE"})
	contract.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	contract.SetAlignment(tablewriter.ALIGN_LEFT)
	contract.SetHeaderLine(false)
	contract.SetBorder(false)
	contract.SetNoWhiteSpace(true)
	contract.SetTablePadding("    ")
	contract.AppendBulk(ports)
	contract.Render()
}

// shapeString renders a port shape with symbolic axis names in place of
// the traced sizes, so dynamic dimensions read as such.
func shapeString(p graph.PortSpec) string {
	dims := make([]string, len(p.Dims))
	for i, d := range p.Dims {
		if name, ok := p.Axes[i]; ok {
			dims[i] = name
		} else {
			dims[i] = strconv.Itoa(d)
		}
	}

	return "[" + strings.Join(dims, ", ") + "]"
}
