//go:build linux
// +build linux

package backends

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// LinkProbe passes when the named interface exists and is up. Used for the
// VPN backend, whose tunnel interface only appears once wg-quick has
// finished bringing it up.
type LinkProbe struct {
	Interface string
}

func (p *LinkProbe) Check(ctx context.Context) error {
	link, err := netlink.LinkByName(p.Interface)
	if err != nil {
		return fmt.Errorf("link probe %s: %w", p.Interface, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return fmt.Errorf("link probe %s: interface is down", p.Interface)
	}
	return nil
}
