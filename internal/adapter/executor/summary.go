package executor

import (
	"fmt"
	"sort"
	"strings"

	"ragent/internal/domain"
)

// buildSummary derives model-facing feedback from an execution result. It
// names concrete accomplishments instead of echoing raw console output, so
// large datasets never leak into the conversation history.
func buildSummary(result *domain.ExecutionResult) string {
	if result.TimedOut {
		return "R code execution timed out. The computation was stopped; try a smaller dataset or a simpler approach."
	}
	if !result.Success {
		summary := "R code execution failed."
		if result.Error != "" {
			lines := strings.SplitN(strings.TrimSpace(result.Error), "\n", 3)
			n := len(lines)
			if n > 2 {
				n = 2
			}
			summary += " Error: " + strings.Join(lines[:n], " ")
		}
		return summary
	}

	accomplishments := detectAccomplishments(result.Output)
	if len(result.FilesGenerated) > 0 {
		accomplishments = append(accomplishments,
			fmt.Sprintf("generated %d file(s): %s",
				len(result.FilesGenerated), strings.Join(result.FilesGenerated, ", ")))
	}

	if len(accomplishments) == 0 {
		return "R code executed successfully."
	}
	return "R code executed successfully: " + strings.Join(accomplishments, "; ") + "."
}

// detectAccomplishments inspects console output for signals of what the
// script actually did.
func detectAccomplishments(output string) []string {
	lower := strings.ToLower(output)
	found := make(map[string]struct{})

	if strings.Contains(lower, "<table") && strings.Contains(lower, "</table>") {
		found["HTML table generated"] = struct{}{}
	}

	meaningful := 0
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			continue
		}
		meaningful++
	}
	if meaningful > 0 {
		found[fmt.Sprintf("produced %d line(s) of results", meaningful)] = struct{}{}
	}

	out := make([]string, 0, len(found))
	for a := range found {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
