package vimcord

// ConfigLayer is one layer of handler configuration. Layers are plain
// string-keyed maps; nested maps deep-merge, everything else (scalars
// and slices included) is overridden wholesale by later layers.
type ConfigLayer = map[string]any

// EffectiveConfig is the fully merged configuration passed into a handler
// for one invocation. It is computed per dispatch and never persisted.
type EffectiveConfig map[string]any

// MergeConfig merges configuration layers in ascending precedence:
// framework defaults < global client config < command-kind config < the
// definition's local options. Missing (nil) layers are treated as empty.
//
// The merge is pure and deterministic: the inputs are never mutated, and
// merging the same inputs twice yields structurally equal output.
func MergeConfig(layers ...ConfigLayer) EffectiveConfig {
	merged := map[string]any{}
	for _, layer := range layers {
		mergeLayer(merged, layer)
	}
	return merged
}

// mergeLayer merges src into dst in place. Map values merge recursively;
// any other value type replaces whatever dst held under the same key.
func mergeLayer(dst map[string]any, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		if !srcIsMap {
			dst[k] = cloneValue(v)
			continue
		}
		dstMap, dstIsMap := dst[k].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
			dst[k] = dstMap
		}
		mergeLayer(dstMap, srcMap)
	}
}

// cloneValue copies maps and slices so the merged result never aliases
// an input layer. Scalars are returned as-is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(val))
		for k, item := range val {
			c[k] = cloneValue(item)
		}
		return c
	case []any:
		c := make([]any, len(val))
		for i, item := range val {
			c[i] = cloneValue(item)
		}
		return c
	default:
		return v
	}
}

// GetString returns the string under key, or fallback if the key is
// absent or holds a non-string value.
func (c EffectiveConfig) GetString(key string, fallback string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return fallback
}

// GetBool returns the bool under key, or fallback if the key is absent
// or holds a non-bool value.
func (c EffectiveConfig) GetBool(key string, fallback bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return fallback
}

// GetInt returns the int under key, accepting int, int64 or float64
// (viper and JSON decoding produce all three), or fallback otherwise.
func (c EffectiveConfig) GetInt(key string, fallback int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
