package firewall

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds nftables scripts for atomic application.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 64),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable() {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
}

// AddChain adds a base chain with hook and policy, or a regular chain when
// chainType and hook are empty. The chain is flushed after creation so the
// script is safe to replay against a live table.
func (b *ScriptBuilder) AddChain(name, chainType, hook string, priority int, policy string) {
	qName := quote(name)
	if chainType != "" && hook != "" {
		policyStr := ""
		if policy != "" {
			policyStr = fmt.Sprintf("policy %s; ", policy)
		}
		b.AddLine(fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; %s}",
			b.family, b.tableName, qName, chainType, hook, priority, policyStr))
	} else {
		b.AddLine(fmt.Sprintf("add chain %s %s %s", b.family, b.tableName, qName))
	}
	b.AddLine(fmt.Sprintf("flush chain %s %s %s", b.family, b.tableName, qName))
}

// AddRule adds a rule to a chain.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr string) {
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s", b.family, b.tableName, quote(chainName), ruleExpr))
}

// Build returns the assembled script.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// TableName returns the production table this builder targets.
func (b *ScriptBuilder) TableName() string {
	return b.tableName
}
