package export

import (
	"errors"
	"os"
	"testing"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
)

func TestPipelineRun(t *testing.T) {
	kv, weights := testCheckpoint(t)
	dir := t.TempDir()

	var steps []string
	p := NewPipeline(Config{
		BatchSize: 2,
		MaxLength: 4,
		Progress:  func(s string) { steps = append(steps, s) },
	})

	report, err := p.Run(dir, kv, weights)
	if err != nil {
		t.Fatal(err)
	}

	if report.Dir != dir {
		t.Errorf("report dir = %q, want %q", report.Dir, dir)
	}
	if len(report.Statuses) != 4 {
		t.Fatalf("statuses = %d, want 4", len(report.Statuses))
	}
	if len(steps) != 12 {
		t.Errorf("progress steps = %d, want 12", len(steps))
	}

	for _, role := range Roles() {
		status := report.Status(role)
		if status == nil {
			t.Fatalf("no status for %s", role)
		}
		if status.Fallback {
			t.Errorf("%s: optimizer fell back", role)
		}
		if status.QuantizeErr != nil {
			t.Errorf("%s: quantize failed: %v", role, status.QuantizeErr)
		}

		for _, stage := range []Stage{StageRaw, StageOptimized, StageQuantized} {
			if _, err := os.Stat(Path(dir, role, stage)); err != nil {
				t.Errorf("%s %s: %v", role, stage, err)
			}
		}

		if status.RawSize <= 0 {
			t.Errorf("%s: raw size = %d", role, status.RawSize)
		}
		if status.QuantSize <= 0 || status.QuantSize >= status.OptSize {
			t.Errorf("%s: quantized %d bytes against optimized %d", role, status.QuantSize, status.OptSize)
		}
	}

	// Artifact metadata identifies the role and the quantization.
	g, err := graph.ReadFile(Path(dir, RoleDecoderCached, StageQuantized))
	if err != nil {
		t.Fatal(err)
	}
	if got := g.KV.String("general.role"); got != string(RoleDecoderCached) {
		t.Errorf("general.role = %q, want %q", got, RoleDecoderCached)
	}
	if got := g.KV.String("general.quantization"); got != "Q8_0" {
		t.Errorf("general.quantization = %q, want Q8_0", got)
	}
}

// A failing optimizer degrades one role to a raw copy and leaves the
// other three fully processed.
func TestPipelineOptimizeFailureFallsBack(t *testing.T) {
	kv, weights := testCheckpoint(t)
	dir := t.TempDir()

	p := NewPipeline(Config{BatchSize: 1, MaxLength: 3})
	realOptimize := p.optimize
	p.optimize = func(g *graph.Graph) (*graph.Graph, error) {
		if g.KV.String("general.role") == string(RoleDecoder) {
			return nil, errors.New("induced failure")
		}
		return realOptimize(g)
	}

	report, err := p.Run(dir, kv, weights)
	if err != nil {
		t.Fatal(err)
	}

	for _, role := range Roles() {
		status := report.Status(role)
		if want := role == RoleDecoder; status.Fallback != want {
			t.Errorf("%s: fallback = %v, want %v", role, status.Fallback, want)
		}
		if status.QuantizeErr != nil {
			t.Errorf("%s: quantize failed: %v", role, status.QuantizeErr)
		}
		if _, err := os.Stat(Path(dir, role, StageQuantized)); err != nil {
			t.Errorf("%s: quantized artifact missing: %v", role, err)
		}
	}

	// The fallback artifact is the raw graph again, nodes and all. A
	// genuinely optimized role shrinks.
	raw, err := graph.ReadFile(Path(dir, RoleDecoder, StageRaw))
	if err != nil {
		t.Fatal(err)
	}
	opt, err := graph.ReadFile(Path(dir, RoleDecoder, StageOptimized))
	if err != nil {
		t.Fatal(err)
	}
	if len(opt.Nodes) != len(raw.Nodes) {
		t.Errorf("fallback artifact has %d nodes, raw has %d", len(opt.Nodes), len(raw.Nodes))
	}

	raw, err = graph.ReadFile(Path(dir, RoleEncoder, StageRaw))
	if err != nil {
		t.Fatal(err)
	}
	opt, err = graph.ReadFile(Path(dir, RoleEncoder, StageOptimized))
	if err != nil {
		t.Fatal(err)
	}
	if len(opt.Nodes) >= len(raw.Nodes) {
		t.Errorf("optimized encoder kept %d of %d nodes", len(opt.Nodes), len(raw.Nodes))
	}
}

func TestPipelineQuantizeFailureIsolated(t *testing.T) {
	kv, weights := testCheckpoint(t)
	dir := t.TempDir()

	p := NewPipeline(Config{BatchSize: 1, MaxLength: 3})
	realQuantize := p.quantize
	p.quantize = func(g *graph.Graph) (*graph.Graph, error) {
		if g.KV.String("general.role") == string(RoleLMHead) {
			return nil, errors.New("induced failure")
		}
		return realQuantize(g)
	}

	report, err := p.Run(dir, kv, weights)
	if err != nil {
		t.Fatal(err)
	}

	for _, role := range Roles() {
		status := report.Status(role)
		quantized := Path(dir, role, StageQuantized)

		if role == RoleLMHead {
			if status.QuantizeErr == nil {
				t.Error("lm_head: QuantizeErr not recorded")
			}
			if _, err := os.Stat(quantized); !errors.Is(err, os.ErrNotExist) {
				t.Error("lm_head: quantized artifact written despite failure")
			}
			continue
		}

		if status.QuantizeErr != nil {
			t.Errorf("%s: quantize failed: %v", role, status.QuantizeErr)
		}
		if _, err := os.Stat(quantized); err != nil {
			t.Errorf("%s: quantized artifact missing: %v", role, err)
		}
	}
}

func TestPipelineSkipQuantize(t *testing.T) {
	kv, weights := testCheckpoint(t)
	dir := t.TempDir()

	report, err := NewPipeline(Config{BatchSize: 1, MaxLength: 3, SkipQuantize: true}).Run(dir, kv, weights)
	if err != nil {
		t.Fatal(err)
	}

	for _, role := range Roles() {
		if _, err := os.Stat(Path(dir, role, StageOptimized)); err != nil {
			t.Errorf("%s: optimized artifact missing: %v", role, err)
		}
		if _, err := os.Stat(Path(dir, role, StageQuantized)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s: quantized artifact written despite skip", role)
		}
		if got := report.Status(role).QuantSize; got != 0 {
			t.Errorf("%s: quantized size = %d, want 0", role, got)
		}
	}
}

func TestPipelineSkipOptimize(t *testing.T) {
	kv, weights := testCheckpoint(t)
	dir := t.TempDir()

	report, err := NewPipeline(Config{BatchSize: 1, MaxLength: 3, SkipOptimize: true}).Run(dir, kv, weights)
	if err != nil {
		t.Fatal(err)
	}

	// The optimized slot still gets written, holding the raw graph, so
	// later stages read from one place either way.
	raw, err := graph.ReadFile(Path(dir, RoleEncoder, StageRaw))
	if err != nil {
		t.Fatal(err)
	}
	opt, err := graph.ReadFile(Path(dir, RoleEncoder, StageOptimized))
	if err != nil {
		t.Fatal(err)
	}
	if len(opt.Nodes) != len(raw.Nodes) {
		t.Errorf("skipped optimize rewrote the graph: %d nodes, raw has %d", len(opt.Nodes), len(raw.Nodes))
	}
	if report.Status(RoleEncoder).Fallback {
		t.Error("skip reported as a fallback")
	}
}

func TestPipelineUnknownArchitecture(t *testing.T) {
	report, err := NewPipeline(Config{}).Run(t.TempDir(), graph.KV{"general.architecture": "gpt2"}, nil)
	if !errors.Is(err, model.ErrUnsupportedArchitecture) {
		t.Errorf("err = %v, want ErrUnsupportedArchitecture", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
}

func TestNewPipelineDefaults(t *testing.T) {
	p := NewPipeline(Config{})

	if p.config.BatchSize != DefaultBatchSize {
		t.Errorf("batch size = %d, want %d", p.config.BatchSize, DefaultBatchSize)
	}
	if p.config.MaxLength != DefaultMaxLength {
		t.Errorf("max length = %d, want %d", p.config.MaxLength, DefaultMaxLength)
	}
	if p.config.Progress == nil {
		t.Error("progress hook not defaulted")
	}
}
