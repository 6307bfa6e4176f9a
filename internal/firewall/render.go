package firewall

import (
	"fmt"
	"sort"
	"strings"

	"grimm.is/shroud/internal/brand"
	"grimm.is/shroud/internal/config"
)

// ProductionTable is the per-mode policy table, swapped atomically on each
// transition.
func ProductionTable() string { return brand.LowerName }

// KillSwitchTable is pre-loaded at startup with accept policies and flipped
// to drop when the kill switch engages.
func KillSwitchTable() string { return brand.LowerName + "_killswitch" }

// BuildPolicyScript renders a mode's declarative policy into a
// deny-by-default nftables script for the production table.
//
// Invariant: output and input chains carry policy drop; everything not
// explicitly opened below is discarded.
func BuildPolicyScript(mode string, pol *config.PolicyConfig) string {
	sb := NewScriptBuilder(ProductionTable(), "inet")
	sb.AddTable()

	sb.AddChain("input", "filter", "input", 0, "drop")
	sb.AddChain("output", "filter", "output", 0, "drop")
	sb.AddChain("forward", "filter", "forward", 0, "drop")

	// Loopback always allowed; the backends talk to each other over it.
	sb.AddRule("input", `iifname "lo" accept`)
	sb.AddRule("output", `oifname "lo" accept`)

	// Established return traffic for connections we initiated.
	sb.AddRule("input", "ct state established,related accept")
	sb.AddRule("output", "ct state established,related accept")

	if pol == nil {
		return sb.Build()
	}

	if pol.BlockIPv6 {
		// Non-loopback IPv6 is cut in both directions, including ICMPv6,
		// so a dual-stack probe cannot slip out the secondary family.
		sb.AddRule("output", `oifname != "lo" meta nfproto ipv6 drop`)
		sb.AddRule("input", `iifname != "lo" meta nfproto ipv6 drop`)
	}

	if pol.AllowDirect {
		sb.AddRule("output", "accept")
		return sb.Build()
	}

	if len(pol.AllowedTCPPorts) > 0 {
		sb.AddRule("output", fmt.Sprintf("tcp dport { %s } accept", portSet(pol.AllowedTCPPorts)))
	}
	if len(pol.AllowedUDPPorts) > 0 {
		sb.AddRule("output", fmt.Sprintf("udp dport { %s } accept", portSet(pol.AllowedUDPPorts)))
	}
	for _, iface := range pol.AllowOutInterfaces {
		sb.AddRule("output", fmt.Sprintf("oifname %q accept", iface))
	}

	return sb.Build()
}

// BuildKillSwitchBaseScript renders the pre-loaded kill switch table. The
// chains hook at a higher priority than the production table and start with
// policy accept, so loading it changes nothing until the policies flip.
func BuildKillSwitchBaseScript() string {
	sb := NewScriptBuilder(KillSwitchTable(), "inet")
	sb.AddTable()

	sb.AddChain("input", "filter", "input", -10, "accept")
	sb.AddChain("output", "filter", "output", -10, "accept")
	sb.AddChain("forward", "filter", "forward", -10, "accept")

	// Loopback survives engagement; everything else is at the mercy of the
	// chain policy.
	sb.AddRule("input", `iifname "lo" accept`)
	sb.AddRule("output", `oifname "lo" accept`)

	return sb.Build()
}

// BuildAtomicSwapScript prepends a delete of the existing production table so
// the whole old-to-new replacement commits as one nft transaction.
func BuildAtomicSwapScript(newTableScript string) string {
	var sb strings.Builder
	// The leading add is a no-op when the table exists; it keeps the delete
	// from failing on a box where nothing was loaded yet.
	sb.WriteString(fmt.Sprintf("add table inet %s\n", ProductionTable()))
	sb.WriteString(fmt.Sprintf("delete table inet %s\n", ProductionTable()))
	sb.WriteString(newTableScript)
	return sb.String()
}

func portSet(ports []int) string {
	sorted := append([]int{}, ports...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ", ")
}
