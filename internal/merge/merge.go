// File: internal/merge/merge.go
// Brief: Hierarchical configuration merge strategies.

// Package merge reconciles a freshly shipped configuration document against
// the one already deployed. The strategy functions are pure; the file layer
// in files.go handles TOML/JSON round-tripping and atomic writes.
package merge

import (
	"errors"
	"fmt"

	"github.com/example/shipctl/internal/manifest"
)

// ErrUnknownStrategy reports a strategy tag the engine does not implement.
// Manifest loading validates tags up front, so hitting this at merge time
// means the caller bypassed the manifest model.
var ErrUnknownStrategy = errors.New("unknown merge strategy")

// Merge reconciles old and new under the named strategy. Neither input is
// mutated. preserveKeys is only consulted by merge_smart.
func Merge(old, new map[string]any, strategy manifest.Strategy, preserveKeys []string) (map[string]any, error) {
	switch strategy {
	case manifest.StrategyReplace:
		return copyMap(new), nil
	case manifest.StrategyPreserveUser:
		return preserveUser(old, new), nil
	case manifest.StrategyUpdateOnly:
		return updateOnly(old, new), nil
	case manifest.StrategyMergeSmart:
		return mergeSmart(old, new, preserveKeys), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// MergeSections merges each named top-level section of the document under
// its own strategy. Sections not named in the map are taken from new as-is.
func MergeSections(old, new map[string]any, sections map[string]manifest.SectionStrategy) (map[string]any, error) {
	result := copyMap(new)
	for name, sec := range sections {
		oldSec, oldOK := old[name].(map[string]any)
		newSec, newOK := new[name].(map[string]any)
		if !oldOK || !newOK {
			continue
		}
		merged, err := Merge(oldSec, newSec, sec.Strategy, sec.PreserveKeys)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", name, err)
		}
		result[name] = merged
	}
	return result, nil
}

// preserveUser starts from new and walks old: nested mappings present on
// both sides recurse, anything else from old overwrites. Old wins on
// conflicts; keys exclusive to new survive.
func preserveUser(old, new map[string]any) map[string]any {
	result := copyMap(new)
	for key, oldVal := range old {
		oldMap, oldIsMap := oldVal.(map[string]any)
		newMap, newIsMap := new[key].(map[string]any)
		if oldIsMap && newIsMap {
			result[key] = preserveUser(oldMap, newMap)
			continue
		}
		result[key] = oldVal
	}
	return result
}

// updateOnly starts from old and only inserts keys new introduces; existing
// scalars are never overwritten, nested mappings recurse.
func updateOnly(old, new map[string]any) map[string]any {
	result := copyMap(old)
	for key, newVal := range new {
		oldVal, exists := old[key]
		if !exists {
			result[key] = newVal
			continue
		}
		oldMap, oldIsMap := oldVal.(map[string]any)
		newMap, newIsMap := newVal.(map[string]any)
		if oldIsMap && newIsMap {
			result[key] = updateOnly(oldMap, newMap)
		}
	}
	return result
}

// mergeSmart takes new wholesale, then copies the named top-level keys back
// from old verbatim. No recursion into preserved keys.
func mergeSmart(old, new map[string]any, preserveKeys []string) map[string]any {
	result := copyMap(new)
	for _, key := range preserveKeys {
		if oldVal, ok := old[key]; ok {
			result[key] = oldVal
		}
	}
	return result
}

// copyMap is a shallow copy; strategy functions replace nested values they
// touch instead of mutating them.
func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
