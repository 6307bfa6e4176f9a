//go:build !linux
// +build !linux

package backends

import (
	"context"
	"fmt"
	"net"
)

// LinkProbe passes when the named interface exists and is up.
type LinkProbe struct {
	Interface string
}

func (p *LinkProbe) Check(ctx context.Context) error {
	iface, err := net.InterfaceByName(p.Interface)
	if err != nil {
		return fmt.Errorf("link probe %s: %w", p.Interface, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return fmt.Errorf("link probe %s: interface is down", p.Interface)
	}
	return nil
}
