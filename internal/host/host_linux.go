//go:build linux

package host

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"grimm.is/shroud/internal/logging"
)

// EnforceLoopback ensures lo is up with 127.0.0.1/8 and ::1/128. Every
// backend binds loopback; a stripped-down container without it produces
// probe failures that look like backend bugs.
func EnforceLoopback(logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("loopback interface not found: %w", err)
	}

	if lo.Attrs().Flags&net.FlagUp == 0 {
		logger.Warn("loopback interface is down, bringing it up")
		if err := netlink.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring loopback up: %w", err)
		}
	}

	for _, cidr := range []string{"127.0.0.1/8", "::1/128"} {
		if err := ensureAddr(lo, cidr, logger); err != nil {
			return err
		}
	}
	return nil
}

func ensureAddr(link netlink.Link, cidr string, logger *logging.Logger) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return err
	}
	addrs, err := netlink.AddrList(link, 0)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if a.Equal(*addr) {
			return nil
		}
	}

	logger.Warn("loopback missing address, adding", "addr", cidr)
	if err := netlink.AddrAdd(link, addr); err != nil {
		if !strings.Contains(err.Error(), "file exists") {
			return fmt.Errorf("add address %s: %w", cidr, err)
		}
	}
	return nil
}

// scanOpenPorts maps proto:port to the owning process by walking
// /proc/[pid]/fd for socket inodes and joining against /proc/net/{tcp,udp}.
func scanOpenPorts() (map[string]processInfo, error) {
	owners := make(map[string]processInfo)
	inodeOwner := make(map[string]processInfo)

	getCmd := func(pid int) string {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil {
			return fmt.Sprintf("PID %d", pid)
		}
		parts := strings.Split(string(data), "\x00")
		if len(parts) > 0 && parts[0] != "" {
			return filepath.Base(parts[0])
		}
		return fmt.Sprintf("PID %d", pid)
	}

	dentries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	for _, d := range dentries {
		if !d.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		fdPath := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdPath)
		if err != nil {
			continue
		}
		cmd := ""
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdPath, fd.Name()))
			if err != nil {
				continue
			}
			if strings.HasPrefix(link, "socket:[") && strings.HasSuffix(link, "]") {
				if cmd == "" {
					cmd = getCmd(pid)
				}
				inodeOwner[link[8:len(link)-1]] = processInfo{PID: pid, CmdLine: cmd}
			}
		}
	}

	tables := []struct {
		Path  string
		Proto string
	}{
		{"/proc/net/tcp", "tcp"},
		{"/proc/net/tcp6", "tcp"},
		{"/proc/net/udp", "udp"},
		{"/proc/net/udp6", "udp"},
	}
	for _, table := range tables {
		fh, err := os.Open(table.Path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(fh)
		first := true
		for scanner.Scan() {
			if first {
				first = false
				continue
			}
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 {
				continue
			}
			// Only listening TCP sockets can conflict; 0A is TCP_LISTEN.
			if table.Proto == "tcp" && fields[3] != "0A" {
				continue
			}
			parts := strings.Split(fields[1], ":")
			if len(parts) != 2 {
				continue
			}
			port, err := strconv.ParseInt(parts[1], 16, 64)
			if err != nil {
				continue
			}
			if owner, ok := inodeOwner[fields[9]]; ok {
				owners[fmt.Sprintf("%s:%d", table.Proto, port)] = owner
			}
		}
		fh.Close()
	}
	return owners, nil
}
