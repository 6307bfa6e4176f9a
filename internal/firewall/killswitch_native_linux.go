//go:build linux
// +build linux

package firewall

import (
	"fmt"

	"github.com/google/nftables"
)

// nativeFlipper flips the kill switch chain policies over netlink using the
// native nftables library, avoiding a dependency on nft(8) being present in
// the hot path that matters most.
type nativeFlipper struct{}

func newNativeFlipper() policyFlipper {
	return &nativeFlipper{}
}

// SetPolicy sets the base-chain policies of the kill switch table to drop or
// accept in a single netlink transaction.
func (f *nativeFlipper) SetPolicy(drop bool) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open netlink: %w", err)
	}

	tables, err := conn.ListTables()
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	var table *nftables.Table
	for _, t := range tables {
		if t.Name == KillSwitchTable() && t.Family == nftables.TableFamilyINet {
			table = t
			break
		}
	}
	if table == nil {
		return fmt.Errorf("table %s not found", KillSwitchTable())
	}

	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}

	policy := nftables.ChainPolicyAccept
	if drop {
		policy = nftables.ChainPolicyDrop
	}

	updated := 0
	for _, c := range chains {
		if c.Table.Name != table.Name || c.Hooknum == nil {
			continue
		}
		c.Policy = &policy
		conn.AddChain(c)
		updated++
	}
	if updated == 0 {
		return fmt.Errorf("no base chains in table %s", KillSwitchTable())
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("commit policy change: %w", err)
	}
	return nil
}
