// Package runtimeselect decides which NodeExecutor variant a node runs
// under: an explicit manifest hint wins outright; absent
// a hint, an environment override lets an operator force a runtime
// fleet-wide; absent both, GPU/memory/ecosystem-keyword heuristics pick
// a variant; native in-process is the fallback default.
package runtimeselect

import (
	"os"
	"strings"

	"github.com/flowcore/runtime/internal/domain"
)

// Variant is a concrete NodeExecutor kind.
type Variant string

const (
	VariantNative       Variant = "native"
	VariantScriptInProc Variant = "script_inproc"
	VariantScriptWorker Variant = "script_worker"
	VariantRemote       Variant = "remote"
)

// heavyEcosystemKeywords: node types or params.codecs mentioning any of
// these are known to need a separate OS process's full interpreter
// install rather than an embedded goja runtime: a script importing a
// native-code ML framework cannot run inside goja at all.
var heavyEcosystemKeywords = []string{"torch", "tensorflow", "numpy", "opencv", "ffmpeg"}

// EnvOverrideVar, when set, forces every node without an explicit
// RuntimeHint to the named variant. Intended for operators debugging a
// suspected runtime-specific bug by forcing everything onto one variant.
const EnvOverrideVar = "FLOWCORE_RUNTIME_OVERRIDE"

// Select returns the Variant node should execute under.
func Select(node *domain.NodeDefinition) Variant {
	if node.RuntimeHint != "" && node.RuntimeHint != domain.HintAuto && node.RuntimeHint.IsValid() {
		return Variant(node.RuntimeHint)
	}

	if override := os.Getenv(EnvOverrideVar); override != "" {
		return Variant(override)
	}

	if node.Type == "RemotePipeline" {
		return VariantRemote
	}

	if rn := node.ResourceNeeds; rn != nil {
		if rn.GPU {
			return VariantScriptWorker
		}
		if rn.MemoryGB > heavyMemoryThresholdGB {
			return VariantScriptWorker
		}
		for _, codec := range rn.Codecs {
			if isHeavyEcosystem(codec) {
				return VariantScriptWorker
			}
		}
	}
	if isHeavyEcosystem(node.Type) {
		return VariantScriptWorker
	}

	if node.Type == "Script" {
		return VariantScriptInProc
	}
	return VariantNative
}

// heavyMemoryThresholdGB: a node declaring it needs more than this much
// memory is assumed to host a model too large for the host process's
// shared goja heap and is pushed to its own OS process instead.
const heavyMemoryThresholdGB = 4

func isHeavyEcosystem(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range heavyEcosystemKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// FallbackEnvVar, when set to any non-empty value, turns the global
// fallback flag off. It belongs to the same env var family as
// EnvOverrideVar.
const FallbackEnvVar = "FLOWCORE_SCRIPT_FALLBACK_DISABLED"

// FallbackEnabled reports the global fallback flag (script-in-process
// failure retried as an out-of-process script worker): on unless
// FallbackEnvVar is set. Only the flag lives here; no executor or
// pipeline code in this module reads it or performs that retry.
func FallbackEnabled() bool {
	return os.Getenv(FallbackEnvVar) == ""
}
