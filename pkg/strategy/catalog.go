// Package strategy decides how an endpoint can be made reachable on a host and
// carries out that decision one building block at a time.
package strategy

import "github.com/kismet-tech/aiready/pkg/engine"

// OrderedStrategies returns the candidate strategies for desc given what the
// host supports, most preferred first. It is pure: the same inputs always
// produce the same list. The list always ends with an application-routing
// fallback so a registration can produce an outcome without filesystem access.
func OrderedStrategies(desc *engine.EndpointDescriptor, report *engine.CapabilityReport, prefs engine.Preferences) []engine.Strategy {
	direct := report != nil && report.SupportsDirectFileServe && report.CanWriteFilesystem

	var list []engine.Strategy
	switch desc.ResolvedKind() {
	case engine.KindAppendOnlyPolicy:
		// Full overwrites are never offered: operator content must survive.
		passthrough := engine.Strategy{
			ID:     engine.StrategyRoutingPassthrough,
			Blocks: []engine.BlockID{engine.BlockAddApplicationRoute},
		}
		if direct {
			list = append(list, engine.Strategy{
				ID:     engine.StrategyModifyInPlace,
				Blocks: []engine.BlockID{engine.BlockModifyExistingFile},
			})
		}
		if prefs.PreferAnalytics {
			list = append([]engine.Strategy{passthrough}, list...)
		} else {
			list = append(list, passthrough)
		}
		return dedupe(list)

	case engine.KindProxy:
		return []engine.Strategy{routingFallback()}

	default:
		if direct {
			list = append(list, directStrategies(desc, report)...)
		}
		if prefs.PreferAnalytics {
			list = append([]engine.Strategy{routingFallback()}, list...)
		}
		return dedupe(append(list, routingFallback()))
	}
}

// directStrategies builds the file-based strategies for a static document.
func directStrategies(desc *engine.EndpointDescriptor, report *engine.CapabilityReport) []engine.Strategy {
	blocks := []engine.BlockID{engine.BlockCreateFile}
	withAux := false
	if desc.NeedsHeaders() {
		if report.SupportsAuxiliaryServerConfig {
			blocks = append(blocks, engine.BlockAddServerConfig)
			withAux = true
		} else {
			blocks = append(blocks, engine.BlockSuggestManualConfig)
		}
	}

	list := []engine.Strategy{{ID: engine.StrategyDirectFileServe, Blocks: blocks}}
	if withAux {
		// Server config may be rejected by the host; a bare file is still better than nothing.
		list = append(list, engine.Strategy{
			ID:     engine.StrategyFileWrite,
			Blocks: []engine.BlockID{engine.BlockCreateFile},
		})
	}
	return list
}

func routingFallback() engine.Strategy {
	return engine.Strategy{
		ID:     engine.StrategyApplicationRouting,
		Blocks: []engine.BlockID{engine.BlockAddApplicationRoute},
	}
}

// dedupe keeps the first occurrence of each strategy ID.
func dedupe(list []engine.Strategy) []engine.Strategy {
	seen := make(map[engine.StrategyID]bool, len(list))
	out := list[:0]
	for _, s := range list {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}
