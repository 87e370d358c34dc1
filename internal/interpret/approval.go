package interpret

import (
	"regexp"
	"strings"
)

// Codex TUI approval prompt patterns. These are exact strings the Codex CLI
// renders when it blocks on a human decision.
var (
	codexNetApprovalPattern = regexp.MustCompile(`Do you want to approve access to "([^"]+)"\?`)
	codexExecApprovalPattern = regexp.MustCompile(`Would you like to run the following command\?`)
	codexPatchApprovalPattern = regexp.MustCompile(`Would you like to make the following edits\?`)
	codexMCPApprovalPattern = regexp.MustCompile(`(?m)^\s*(\S+) needs your approval\.`)

	// Exec prompts render the pending command as a "$ cmd" snippet.
	execCommandSnippetPattern = regexp.MustCompile(`(?m)^\s*\$\s+(.+?)\s*$`)

	// Optional "don't ask again" affordance on exec prompts.
	execPrefixOptPattern = regexp.MustCompile(`(?i)don'?t ask again`)
)

// DetectApproval scans a cleaned output tail for a Codex approval prompt and
// returns the attention candidate it implies. Detection never fails; absence
// of a prompt returns nil.
func DetectApproval(sessionID string, tail []byte) *AttentionCandidate {
	text := string(Clean(tail))

	if m := codexNetApprovalPattern.FindStringSubmatch(text); m != nil {
		host := m[1]
		return &AttentionCandidate{
			Kind:      KindCodexApproval,
			Severity:  SeverityDanger,
			Title:     "Approve network access",
			Body:      `Do you want to approve access to "` + host + `"?`,
			Signature: sessionID + "|" + KindCodexApproval + "|net|" + host,
			Options: []Option{
				{ID: "y", Label: "Yes once", SendKeys: "y"},
				{ID: "a", Label: "Allow for session", SendKeys: "a"},
				{ID: "n", Label: "No", SendKeys: "n"},
				{ID: "esc", Label: "Dismiss", SendKeys: "\x1b"},
			},
		}
	}

	if codexExecApprovalPattern.MatchString(text) {
		cmd := "unknown"
		body := "Would you like to run the following command?"
		if m := execCommandSnippetPattern.FindStringSubmatch(text); m != nil {
			cmd = strings.TrimSpace(m[1])
			body += "\n$ " + cmd
		}
		options := []Option{
			{ID: "y", Label: "Yes", SendKeys: "y"},
		}
		if execPrefixOptPattern.MatchString(text) {
			options = append(options, Option{ID: "a", Label: "Yes, don't ask again for this prefix", SendKeys: "a"})
		}
		options = append(options,
			Option{ID: "n", Label: "No", SendKeys: "n"},
			Option{ID: "esc", Label: "Dismiss", SendKeys: "\x1b"},
		)
		return &AttentionCandidate{
			Kind:      KindCodexApproval,
			Severity:  SeverityWarn,
			Title:     "Approve command",
			Body:      body,
			Signature: sessionID + "|" + KindCodexApproval + "|exec|" + cmd,
			Options:   options,
		}
	}

	if codexPatchApprovalPattern.MatchString(text) {
		return &AttentionCandidate{
			Kind:      KindCodexApproval,
			Severity:  SeverityWarn,
			Title:     "Approve edits",
			Body:      "Would you like to make the following edits?",
			Signature: sessionID + "|" + KindCodexApproval + "|patch",
			Options: []Option{
				{ID: "y", Label: "Yes", SendKeys: "y"},
				{ID: "n", Label: "No", SendKeys: "n"},
				{ID: "esc", Label: "Dismiss", SendKeys: "\x1b"},
			},
		}
	}

	if m := codexMCPApprovalPattern.FindStringSubmatch(text); m != nil {
		server := m[1]
		return &AttentionCandidate{
			Kind:      KindCodexApproval,
			Severity:  SeverityInfo,
			Title:     "MCP server approval",
			Body:      server + " needs your approval.",
			Signature: sessionID + "|" + KindCodexApproval + "|mcp|" + server,
			Options: []Option{
				{ID: "y", Label: "Approve", SendKeys: "y"},
				{ID: "n", Label: "Deny", SendKeys: "n"},
				{ID: "esc", Label: "Dismiss", SendKeys: "\x1b"},
			},
		}
	}

	return nil
}
