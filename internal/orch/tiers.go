package orch

import (
	"fmt"
	"sort"

	"grimm.is/shroud/internal/config"
)

// dependencyTiers groups the named services into startup tiers: every
// service in tier N depends only on services in tiers < N. Dependencies are
// resolved against the induced subgraph of required services only, so a
// service whose global dependency is not part of this mode does not drag it
// in (the garlic router can run without the onion router when a mode says
// so).
//
// Teardown uses the same tiers in reverse.
func dependencyTiers(cfg *config.Config, required []string) ([][]string, error) {
	want := make(map[string]bool, len(required))
	for _, name := range required {
		want[name] = true
	}

	// deps[x] = required services x depends on.
	deps := make(map[string][]string, len(required))
	for _, name := range required {
		def, ok := cfg.Service(name)
		if !ok {
			return nil, fmt.Errorf("mode requires unknown service %q", name)
		}
		for _, d := range def.DependsOn {
			if want[d] {
				deps[name] = append(deps[name], d)
			}
		}
	}

	placed := make(map[string]bool, len(required))
	var tiers [][]string
	remaining := len(required)

	for remaining > 0 {
		var tier []string
		for _, name := range required {
			if placed[name] {
				continue
			}
			ready := true
			for _, d := range deps[name] {
				if !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				tier = append(tier, name)
			}
		}
		if len(tier) == 0 {
			return nil, fmt.Errorf("dependency cycle among %v", unplaced(required, placed))
		}
		sort.Strings(tier)
		for _, name := range tier {
			placed[name] = true
		}
		remaining -= len(tier)
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func unplaced(required []string, placed map[string]bool) []string {
	var out []string
	for _, name := range required {
		if !placed[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// reverseTiers returns the tiers in teardown order, deepest first.
func reverseTiers(tiers [][]string) [][]string {
	out := make([][]string, len(tiers))
	for i, t := range tiers {
		out[len(tiers)-1-i] = t
	}
	return out
}
