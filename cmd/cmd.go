package cmd

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sergiorozada12/marianmt-to-onnx/convert"
	"github.com/sergiorozada12/marianmt-to-onnx/envconfig"
	"github.com/sergiorozada12/marianmt-to-onnx/export"
	"github.com/sergiorozada12/marianmt-to-onnx/format"
	"github.com/sergiorozada12/marianmt-to-onnx/logutil"
	"github.com/sergiorozada12/marianmt-to-onnx/progress"
)

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "marianmt-to-onnx",
		Short: "Convert MarianMT checkpoints into portable traced graphs",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			// The progress display owns stderr at the default level;
			// MARIAN_DEBUG turns the stage logging back on.
			level := slog.LevelWarn
			if envconfig.Debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewConvertCmd(),
		NewOptimizeCmd(),
		NewQuantizeCmd(),
		NewInspectCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert MODEL",
		Short: "Export a checkpoint as verified, optimized and quantized graphs",
		Long:  "Export a MarianMT checkpoint directory or zip archive as four traced sub-graphs, each verified against the eager reference, then optimized and quantized.",
		Args:  cobra.ExactArgs(1),
		RunE:  ConvertHandler,
	}

	cmd.Flags().StringP("output", "o", envconfig.Output, "Directory for the exported artifacts (default MODEL.export)")
	cmd.Flags().Int("batch-size", envconfig.BatchSize, "Batch size of the verification examples")
	cmd.Flags().Int("max-length", envconfig.MaxLength, "Sequence length of the verification examples")
	cmd.Flags().Int64("seed", envconfig.Seed, "Seed for the verification examples")
	cmd.Flags().Bool("skip-verify", envconfig.NoVerify, "Do not replay exported graphs against the eager reference")
	cmd.Flags().Bool("no-optimize", envconfig.NoOptimize, "Keep every graph in its raw traced form")
	cmd.Flags().Bool("no-quantize", envconfig.NoQuantize, "Stop after the optimize stage")

	return cmd
}

func ConvertHandler(cmd *cobra.Command, args []string) error {
	path := filepath.Clean(args[0])

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = strings.TrimSuffix(path, ".zip") + ".export"
	}

	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxLength, _ := cmd.Flags().GetInt("max-length")
	seed, _ := cmd.Flags().GetInt64("seed")
	skipVerify, _ := cmd.Flags().GetBool("skip-verify")
	noOptimize, _ := cmd.Flags().GetBool("no-optimize")
	noQuantize, _ := cmd.Flags().GetBool("no-quantize")

	fsys, cleanup, err := checkpointFS(path)
	if err != nil {
		return err
	}
	defer cleanup()

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	steps := 2 * len(export.Roles())
	if !noQuantize {
		steps += len(export.Roles())
	}

	bar := progress.NewStepBar("Converting", steps)
	p.Add(bar)

	spinner := progress.NewSpinner(fmt.Sprintf("reading %s", filepath.Base(path)))
	p.Add(spinner)

	kv, weights, err := convert.ConvertModel(fsys)
	if err != nil {
		return err
	}

	var done int
	report, err := export.NewPipeline(export.Config{
		BatchSize:    batchSize,
		MaxLength:    maxLength,
		Seed:         seed,
		SkipVerify:   skipVerify,
		SkipOptimize: noOptimize,
		SkipQuantize: noQuantize,
		Progress: func(status string) {
			bar.Set(done)
			done++
			spinner.SetMessage(status)
		},
	}).Run(output, kv, weights)
	if err != nil {
		return err
	}

	bar.Set(steps)
	spinner.Stop()
	p.StopAndClear()

	writeReport(os.Stdout, report)
	return nil
}

// checkpointFS opens a checkpoint directory, or a zip archive of one,
// as an fs.FS rooted at the directory holding config.json. The cleanup
// removes whatever the archive reader unpacked to disk.
func checkpointFS(path string) (fs.FS, func(), error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}

	if fi.IsDir() {
		return os.DirFS(path), func() {}, nil
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, err
	}

	tmp, err := os.MkdirTemp(envconfig.TmpDir, "marianmt")
	if err != nil {
		r.Close()
		return nil, nil, err
	}

	cleanup := func() {
		r.Close()
		os.RemoveAll(tmp)
	}

	fsys := convert.NewZipReader(&r.Reader, tmp, 32<<20)

	// Archives often wrap the checkpoint in a single top-level folder.
	if _, err := fs.Stat(fsys, "config.json"); errors.Is(err, fs.ErrNotExist) {
		if entries, err := fs.ReadDir(fsys, "."); err == nil && len(entries) == 1 && entries[0].IsDir() {
			if sub, err := fs.Sub(fsys, entries[0].Name()); err == nil {
				fsys = sub
			}
		}
	}

	return fsys, cleanup, nil
}

func writeReport(out io.Writer, report *export.Report) {
	var data [][]string

	for _, s := range report.Statuses {
		opt := format.HumanBytes(s.OptSize)
		if s.Fallback {
			opt += " (raw copy)"
		}

		quant := "-"
		switch {
		case s.QuantizeErr != nil:
			quant = "failed"
		case s.QuantSize > 0:
			quant = format.HumanBytes(s.QuantSize)
		}

		data = append(data, []string{
			string(s.Role),
			format.HumanBytes(s.RawSize),
			opt,
			quant,
			s.Elapsed.Round(time.Millisecond).String(),
		})
	}

	fmt.Fprintf(out, "wrote %s\n\n", report.Dir)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ROLE", "RAW", "OPTIMIZED", "QUANTIZED", "ELAPSED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
