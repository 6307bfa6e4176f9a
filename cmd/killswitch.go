package cmd

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"grimm.is/shroud/internal/ctlplane"
	"grimm.is/shroud/internal/firewall"
)

// RunKillSwitchEngage drops all traffic immediately.
func RunKillSwitchEngage(reason string) error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	state, err := client.KillSwitchEngage(reason)
	if err != nil {
		return err
	}
	Printer.Printf("Kill switch %s. All traffic is blocked.\n", state)
	return nil
}

// RunKillSwitchDisengage prompts for the authorization token and restores
// the active mode's policy.
func RunKillSwitchDisengage(token string) error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	if token == "" {
		token, err = promptToken()
		if err != nil {
			return err
		}
	}

	state, err := client.KillSwitchDisengage(token)
	if err != nil {
		return err
	}
	Printer.Printf("Kill switch %s.\n", state)
	return nil
}

// RunHashToken reads a token from the terminal and prints the SHA-256 hex
// digest for the killswitch token_hash config field.
func RunHashToken() error {
	token, err := promptToken()
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("empty token")
	}
	Printer.Printf("token_hash = %q\n", firewall.TokenHash(token))
	return nil
}

func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no token given and stdin is not a terminal; use --token")
	}
	Printer.Printf("Disengage token: ")
	raw, err := term.ReadPassword(fd)
	Printer.Println()
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
