package executor

import (
	"fmt"
	"os"
	"os/exec"
)

// FindRBinary resolves the Rscript executable. An explicitly configured
// binary wins; otherwise the known install locations are probed, with a
// PATH lookup as the final fallback.
func FindRBinary(configured string, searchPaths []string) (string, error) {
	if configured != "" {
		if _, err := exec.LookPath(configured); err == nil {
			return configured, nil
		}
		if _, err := os.Stat(configured); err == nil {
			return configured, nil
		}
		return "", fmt.Errorf("configured R binary not found: %s", configured)
	}

	for _, p := range searchPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	if p, err := exec.LookPath("Rscript"); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("R installation not found: install R or set executor.binary")
}
