package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via MARIAN_DEBUG in the environment
	Debug bool
	// Set via MARIAN_BATCH_SIZE in the environment
	BatchSize int
	// Set via MARIAN_MAX_LENGTH in the environment
	MaxLength int
	// Set via MARIAN_SEED in the environment
	Seed int64
	// Set via MARIAN_NOVERIFY in the environment
	NoVerify bool
	// Set via MARIAN_NOOPTIMIZE in the environment
	NoOptimize bool
	// Set via MARIAN_NOQUANTIZE in the environment
	NoQuantize bool
	// Set via MARIAN_OUTPUT in the environment
	Output string
	// Set via MARIAN_TMPDIR in the environment
	TmpDir string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"MARIAN_DEBUG":      {"MARIAN_DEBUG", Debug, "Show additional debug information (e.g. MARIAN_DEBUG=1)"},
		"MARIAN_BATCH_SIZE": {"MARIAN_BATCH_SIZE", BatchSize, "Batch size of the synthetic verification inputs (default 4)"},
		"MARIAN_MAX_LENGTH": {"MARIAN_MAX_LENGTH", MaxLength, "Sequence length of the synthetic verification inputs (default 16)"},
		"MARIAN_SEED":       {"MARIAN_SEED", Seed, "Seed for the synthetic verification inputs"},
		"MARIAN_NOVERIFY":   {"MARIAN_NOVERIFY", NoVerify, "Do not replay exported graphs against the eager reference"},
		"MARIAN_NOOPTIMIZE": {"MARIAN_NOOPTIMIZE", NoOptimize, "Do not run the graph optimizer"},
		"MARIAN_NOQUANTIZE": {"MARIAN_NOQUANTIZE", NoQuantize, "Do not quantize linear weights"},
		"MARIAN_OUTPUT":     {"MARIAN_OUTPUT", Output, "Directory for exported graph artifacts"},
		"MARIAN_TMPDIR":     {"MARIAN_TMPDIR", TmpDir, "Location for temporary files"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	if debug := clean("MARIAN_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if bs := clean("MARIAN_BATCH_SIZE"); bs != "" {
		val, err := strconv.Atoi(bs)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "MARIAN_BATCH_SIZE", bs, "error", err)
		} else {
			BatchSize = val
		}
	}

	if ml := clean("MARIAN_MAX_LENGTH"); ml != "" {
		val, err := strconv.Atoi(ml)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "MARIAN_MAX_LENGTH", ml, "error", err)
		} else {
			MaxLength = val
		}
	}

	if seed := clean("MARIAN_SEED"); seed != "" {
		val, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "MARIAN_SEED", seed, "error", err)
		} else {
			Seed = val
		}
	}

	if noverify := clean("MARIAN_NOVERIFY"); noverify != "" {
		NoVerify = true
	}

	if nooptimize := clean("MARIAN_NOOPTIMIZE"); nooptimize != "" {
		NoOptimize = true
	}

	if noquantize := clean("MARIAN_NOQUANTIZE"); noquantize != "" {
		NoQuantize = true
	}

	Output = clean("MARIAN_OUTPUT")
	TmpDir = clean("MARIAN_TMPDIR")
}
