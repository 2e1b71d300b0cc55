package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sergiorozada12/marianmt-to-onnx/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
