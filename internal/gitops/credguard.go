package gitops

import (
	"os"
	"path/filepath"
	"strings"
)

// forbiddenTokens are unexpanded spellings of the user's SSH directory that
// must never reach a mount or read operation.
var forbiddenTokens = []string{"~/.ssh", "$HOME/.ssh", "${HOME}/.ssh"}

// IsForbiddenPath reports whether p points at or under the user's SSH
// credential directory. Sibling paths such as ~/.ssh2 are allowed.
func IsForbiddenPath(p string) bool {
	if p == "" {
		return false
	}

	for _, tok := range forbiddenTokens {
		if p == tok || strings.HasPrefix(p, tok+"/") {
			return true
		}
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return false
	}
	sshDir := filepath.Join(home, ".ssh")
	clean := filepath.Clean(p)
	return clean == sshDir || strings.HasPrefix(clean, sshDir+string(os.PathSeparator))
}
