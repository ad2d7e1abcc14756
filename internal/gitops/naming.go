package gitops

import (
	"fmt"
	"strings"
)

// branchPrefix is the namespace for all agent-owned branches.
const branchPrefix = "agent/"

// maxBranchLength bounds generated branch names.
const maxBranchLength = 60

// GenerateBranchName builds the task branch name for a ticket:
// agent/<ticket-id>-<slug>. The slug is the lowercased description with
// everything outside [a-z0-9-] replaced, dash runs collapsed, and the whole
// name truncated to maxBranchLength.
func GenerateBranchName(ticketID, description string) string {
	name := branchPrefix + ticketID + "-" + slugify(description)
	if len(name) > maxBranchLength {
		name = strings.TrimRight(name[:maxBranchLength], "-")
	}
	return name
}

// GenerateCommitMessage builds the commit message for a ticket:
// [<ticket-id>] <description>, exactly.
func GenerateCommitMessage(ticketID, description string) string {
	return fmt.Sprintf("[%s] %s", ticketID, description)
}

// slugify lowercases, maps non-alphanumerics to dashes, collapses dash runs,
// and strips leading and trailing dashes.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
