package supervisor

// InstallRequest asks permission to install a package from an ecosystem.
type InstallRequest struct {
	Type    string `json:"type"` // npm, pip, cargo, ...
	Package string `json:"pkg"`
}

// ValidateInstall reports whether the requested package is in the configured
// allowlist for its ecosystem. Unknown ecosystems are denied.
func (s *Supervisor) ValidateInstall(req InstallRequest) bool {
	packages, ok := s.cfg.InstallAllowlist[req.Type]
	if !ok {
		return false
	}
	for _, pkg := range packages {
		if pkg == req.Package {
			return true
		}
	}
	return false
}
