package backends

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
)

// ControlPortProbe speaks just enough of the onion router's control protocol
// to read its bootstrap phase. Ready means PROGRESS=100: circuits can
// actually be built, which a bare SOCKS port check cannot tell you.
type ControlPortProbe struct {
	Address string
}

func (p *ControlPortProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("control port %s: %w", p.Address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	r := bufio.NewReader(conn)

	if err := controlCmd(conn, r, `AUTHENTICATE ""`); err != nil {
		return fmt.Errorf("control port %s: %w", p.Address, err)
	}

	line, err := controlRequest(conn, r, "GETINFO status/bootstrap-phase")
	if err != nil {
		return fmt.Errorf("control port %s: %w", p.Address, err)
	}
	fmt.Fprintf(conn, "QUIT\r\n")

	if !strings.Contains(line, "PROGRESS=100") {
		return fmt.Errorf("control port %s: bootstrap incomplete: %s", p.Address, bootstrapSummary(line))
	}
	return nil
}

// controlCmd sends a command and expects a single 250 reply.
func controlCmd(conn net.Conn, r *bufio.Reader, cmd string) error {
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "250") {
		return fmt.Errorf("%s refused: %s", cmd, strings.TrimSpace(line))
	}
	return nil
}

// controlRequest sends a GETINFO and returns the data line of the reply.
func controlRequest(conn net.Conn, r *bufio.Reader, cmd string) (string, error) {
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return "", err
	}
	var data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "250-") || strings.HasPrefix(line, "250+"):
			data = line
		case line == "250 OK":
			return data, nil
		case strings.HasPrefix(line, "250 "):
			// Single-line reply form.
			return line, nil
		case strings.HasPrefix(line, "5"):
			return "", fmt.Errorf("%s failed: %s", cmd, line)
		default:
			// Continuation of a multi-line value; keep the PROGRESS line.
			if strings.Contains(line, "PROGRESS=") {
				data = line
			}
		}
	}
}

// bootstrapSummary pulls the human-readable SUMMARY out of a bootstrap
// status line, falling back to the raw line.
func bootstrapSummary(line string) string {
	if i := strings.Index(line, "SUMMARY="); i >= 0 {
		return strings.Trim(line[i+len("SUMMARY="):], `"`)
	}
	return line
}
