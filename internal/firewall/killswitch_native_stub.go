//go:build !linux
// +build !linux

package firewall

// newNativeFlipper returns nil on non-Linux platforms; the enforcer falls
// back to nft(8) through its CommandRunner.
func newNativeFlipper() policyFlipper {
	return nil
}
