package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// CodeVerificationError is a recoverable rejection of generated code. The
// interpreter feeds it back into its retry loop.
type CodeVerificationError struct {
	Violations []string
}

func (e *CodeVerificationError) Error() string {
	return "code verification failed: " + strings.Join(e.Violations, "; ")
}

// Verifier checks generated code against the session's import policy before
// it reaches the kernel.
type Verifier struct {
	// AllowedImports, when non-empty, is the only set of importable
	// top-level modules.
	AllowedImports []string
	// ForbiddenImports are rejected regardless of the allow list.
	ForbiddenImports []string
}

var importPattern = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`)

// Verify scans code for import statements violating the policy.
func (v *Verifier) Verify(code string) error {
	if v == nil || (len(v.AllowedImports) == 0 && len(v.ForbiddenImports) == 0) {
		return nil
	}

	allowed := make(map[string]bool, len(v.AllowedImports))
	for _, m := range v.AllowedImports {
		allowed[m] = true
	}
	forbidden := make(map[string]bool, len(v.ForbiddenImports))
	for _, m := range v.ForbiddenImports {
		forbidden[m] = true
	}

	var violations []string
	for _, match := range importPattern.FindAllStringSubmatch(code, -1) {
		module := match[1]
		if dot := strings.Index(module, "."); dot > 0 {
			module = module[:dot]
		}
		switch {
		case forbidden[module]:
			violations = append(violations, fmt.Sprintf("import of %s is forbidden", module))
		case len(allowed) > 0 && !allowed[module]:
			violations = append(violations, fmt.Sprintf("import of %s is not in the allowed list", module))
		}
	}

	if len(violations) > 0 {
		return &CodeVerificationError{Violations: violations}
	}
	return nil
}
