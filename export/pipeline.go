package export

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/cpu"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/trace"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
	"github.com/sergiorozada12/marianmt-to-onnx/optimize"
	"github.com/sergiorozada12/marianmt-to-onnx/quantize"
)

// Example input sizes when the caller leaves Config zeroed. The exported
// graphs stay dynamically shaped either way.
const (
	DefaultBatchSize = 4
	DefaultMaxLength = 16
)

// Config sizes the example inputs and gates the optional stages.
type Config struct {
	// BatchSize and MaxLength size the synthetic example inputs.
	BatchSize int
	MaxLength int

	// Seed fixes the example input values.
	Seed int64

	// SkipVerify exports without replaying artifacts against the eager
	// reference.
	SkipVerify bool

	// SkipOptimize carries each raw artifact forward unchanged instead
	// of running the optimizer.
	SkipOptimize bool

	// SkipQuantize stops the pipeline after the optimize stage.
	SkipQuantize bool

	// Progress, when set, receives a short description of each step as
	// the pipeline reaches it.
	Progress func(string)
}

// Status is one role's progress through the pipeline.
type Status struct {
	Role    Role
	Elapsed time.Duration

	RawSize   int64
	OptSize   int64
	QuantSize int64

	// Fallback marks an optimized artifact that is a plain copy of the
	// raw artifact after the optimizer failed.
	Fallback bool

	// QuantizeErr records a quantization failure. The role then has no
	// quantized artifact; other roles are unaffected.
	QuantizeErr error
}

// Report collects the per-role statuses of one pipeline run.
type Report struct {
	Dir      string
	Statuses []*Status
}

// Status returns the entry for role, or nil before that role exported.
func (r *Report) Status(role Role) *Status {
	for _, s := range r.Statuses {
		if s.Role == role {
			return s
		}
	}

	return nil
}

// Pipeline drives the four role exports and the optimize and quantize
// stages over one converted model.
type Pipeline struct {
	config Config

	// stage implementations, swappable in tests
	optimize func(*graph.Graph) (*graph.Graph, error)
	quantize func(*graph.Graph) (*graph.Graph, error)
}

func NewPipeline(config Config) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxLength <= 0 {
		config.MaxLength = DefaultMaxLength
	}
	if config.Progress == nil {
		config.Progress = func(string) {}
	}

	return &Pipeline{
		config: config,
		optimize: func(g *graph.Graph) (*graph.Graph, error) {
			return optimize.Run(g, optimize.DefaultConfig())
		},
		quantize: func(g *graph.Graph) (*graph.Graph, error) {
			return quantize.Run(g, quantize.DefaultConfig())
		},
	}
}

// Run converts the model into artifacts under dir: a verified raw graph
// per role, then an optimized and a quantized form of each. Unsupported
// structure, a failed trace, and a verification mismatch abort the run;
// optimizer and quantizer failures degrade only the affected role.
func (p *Pipeline) Run(dir string, kv graph.KV, weights map[string]*graph.Tensor) (*Report, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eager, err := cpu.New(kv, weights)
	if err != nil {
		return nil, err
	}
	em, err := model.New(eager)
	if err != nil {
		return nil, err
	}
	refs, err := Extract(em)
	if err != nil {
		return nil, err
	}

	tracer := trace.New(kv, weights)
	tm, err := model.New(tracer)
	if err != nil {
		return nil, err
	}
	mods, err := Extract(tm)
	if err != nil {
		return nil, err
	}

	report := &Report{Dir: dir}
	rng := rand.New(rand.NewSource(p.config.Seed))

	for i, mod := range mods {
		role := mod.Role()
		start := time.Now()
		p.config.Progress(fmt.Sprintf("exporting %s", role))

		examples := mod.Examples(rng, p.config.BatchSize, p.config.MaxLength)

		g, err := Export(tracer, mod, examples)
		if err != nil {
			return report, err
		}

		path := Path(dir, role, StageRaw)
		if err := graph.WriteFile(path, g); err != nil {
			return report, fmt.Errorf("export %s: %w", role, err)
		}

		// Reload through the codec so verification covers the bytes on
		// disk, not the in-memory graph.
		decoded, err := graph.ReadFile(path)
		if err != nil {
			return report, fmt.Errorf("export %s: %w", role, err)
		}

		if !p.config.SkipVerify {
			if err := Verify(eager.NewContext(), refs[i], decoded, examples); err != nil {
				return report, err
			}
		}

		report.Statuses = append(report.Statuses, &Status{
			Role:    role,
			Elapsed: time.Since(start),
			RawSize: fileSize(path),
		})

		slog.Info("exported", "role", role, "nodes", len(g.Nodes), "weights", len(g.Tensors), "inputs", len(g.Inputs), "outputs", len(g.Outputs))
	}

	for _, status := range report.Statuses {
		role := status.Role
		p.config.Progress(fmt.Sprintf("optimizing %s", role))

		raw, err := graph.ReadFile(Path(dir, role, StageRaw))
		if err != nil {
			return report, fmt.Errorf("optimize %s: %w", role, err)
		}

		opt := raw
		if !p.config.SkipOptimize {
			if opt, err = p.optimize(raw); err != nil {
				slog.Warn("optimization failed, keeping the raw graph", "role", role, "error", err)
				opt, status.Fallback = raw, true
			}
		}

		path := Path(dir, role, StageOptimized)
		if err := graph.WriteFile(path, opt); err != nil {
			return report, fmt.Errorf("optimize %s: %w", role, err)
		}
		status.OptSize = fileSize(path)
	}

	if p.config.SkipQuantize {
		return report, nil
	}

	for _, status := range report.Statuses {
		role := status.Role
		p.config.Progress(fmt.Sprintf("quantizing %s", role))

		opt, err := graph.ReadFile(Path(dir, role, StageOptimized))
		if err != nil {
			return report, fmt.Errorf("quantize %s: %w", role, err)
		}

		q, err := p.quantize(opt)
		if err != nil {
			slog.Warn("quantization failed, skipping role", "role", role, "error", err)
			status.QuantizeErr = err
			continue
		}

		path := Path(dir, role, StageQuantized)
		if err := graph.WriteFile(path, q); err != nil {
			return report, fmt.Errorf("quantize %s: %w", role, err)
		}
		status.QuantSize = fileSize(path)
	}

	return report, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return fi.Size()
}
