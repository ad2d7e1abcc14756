package supervisor

import (
	"path/filepath"
	"strings"
)

// defaultInteractive are programs that take over the terminal: editors,
// pagers, network shells, and database consoles.
var defaultInteractive = []string{
	"vim", "vi", "nvim", "nano", "emacs",
	"less", "more", "man",
	"top", "htop",
	"ssh", "telnet", "ftp", "sftp",
	"mysql", "psql", "sqlite3",
	"tmux", "screen",
}

// replNames are language entry points that open a REPL when invoked without
// arguments. With a file argument or an eval flag they run non-interactively.
var replNames = []string{
	"python", "python3", "node", "irb", "ruby", "ghci", "erl", "iex", "R",
}

// defaultServerPatterns match long-running dev servers and service launchers
// that would otherwise hold the worker forever.
var defaultServerPatterns = []string{
	"npm run dev", "npm start", "npm run start", "npm run serve",
	"yarn dev", "yarn start", "pnpm dev", "pnpm start",
	"vite", "next dev", "nuxt dev", "ng serve", "webpack serve",
	"flask run", "django-admin runserver", "manage.py runserver",
	"rails server", "rails s",
	"php -S", "python -m http.server", "python3 -m http.server",
	"uvicorn", "gunicorn",
	"docker-compose up", "docker compose up",
	"go run . serve", "air",
}

// IsInteractiveCommand reports whether the command's first token names an
// interactive program. REPL names count as interactive only when invoked
// bare; a file argument or an eval flag (-c, -e, -p) makes them batch.
func (s *Supervisor) IsInteractiveCommand(command string) bool {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return false
	}
	name := filepath.Base(tokens[0])

	for _, repl := range s.replSet() {
		if name == repl {
			return len(tokens) == 1
		}
	}

	for _, interactive := range s.interactiveSet() {
		if name == interactive {
			return true
		}
	}
	return false
}

// IsServerCommand reports whether the command matches a configured
// server pattern and should run in the background instead.
func (s *Supervisor) IsServerCommand(command string) bool {
	trimmed := strings.TrimSpace(command)
	for _, pattern := range s.serverPatterns() {
		if strings.HasPrefix(trimmed, pattern) || strings.Contains(trimmed, " "+pattern) {
			return true
		}
	}
	return false
}

func (s *Supervisor) interactiveSet() []string {
	if len(s.cfg.InteractiveCommands) > 0 {
		return s.cfg.InteractiveCommands
	}
	return defaultInteractive
}

func (s *Supervisor) replSet() []string {
	return replNames
}

func (s *Supervisor) serverPatterns() []string {
	if len(s.cfg.ServerPatterns) > 0 {
		return s.cfg.ServerPatterns
	}
	return defaultServerPatterns
}

func firstToken(command string) string {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return ""
	}
	return filepath.Base(tokens[0])
}
