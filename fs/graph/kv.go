package graph

import (
	"log/slog"
	"strings"
)

// KV holds graph metadata. Keys outside the "general." namespace are
// implicitly prefixed with the architecture name.
type KV map[string]any

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) Kind() string {
	return kv.String("general.type", "unknown")
}

func (kv KV) EmbeddingLength() uint32 {
	return kv.Uint("embedding_length")
}

func (kv KV) HeadCount() uint32 {
	return kv.Uint("attention.head_count", 1)
}

func (kv KV) VocabSize() uint32 {
	return kv.Uint("vocab_size")
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

// Uint tolerates the integer widenings a codec round trip introduces.
func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	if v, ok := lookup(kv, key); ok {
		switch v := v.(type) {
		case uint32:
			return v
		case uint64:
			return uint32(v)
		case int64:
			return uint32(v)
		case int:
			return uint32(v)
		case float64:
			return uint32(v)
		}
	}

	return append(defaultValue, 0)[0]
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	if v, ok := lookup(kv, key); ok {
		switch v := v.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case uint64:
			return float32(v)
		case int64:
			return float32(v)
		}
	}

	return append(defaultValue, 0)[0]
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	if v, ok := lookup(kv, key); ok {
		switch v := v.(type) {
		case []string:
			return v
		case []any:
			s := make([]string, 0, len(v))
			for _, e := range v {
				if e, ok := e.(string); ok {
					s = append(s, e)
				}
			}
			return s
		}
	}

	return append(defaultValue, nil)[0]
}

func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	if v, ok := lookup(kv, key); ok {
		switch v := v.(type) {
		case []uint32:
			return v
		case []any:
			s := make([]uint32, 0, len(v))
			for _, e := range v {
				switch e := e.(type) {
				case uint32:
					s = append(s, e)
				case uint64:
					s = append(s, uint32(e))
				case int64:
					s = append(s, uint32(e))
				}
			}
			return s
		}
	}

	return append(defaultValue, nil)[0]
}

type valueTypes interface {
	uint8 | int8 | uint16 | int16 |
		uint32 | int32 | uint64 | int64 |
		string | float32 | float64 | bool
}

func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	if val, ok := lookup(kv, key); ok {
		if val, ok := val.(T); ok {
			return val, true
		}
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}

func lookup(kv KV, key string) (any, bool) {
	if !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	val, ok := kv[key]
	return val, ok
}
