package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"docket/internal/config"
	"docket/internal/queue"
)

// Requirement defines an external executable docket relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// FromConfig lists the executables named by the discovery source and the
// stage commands, in pipeline order.
func FromConfig(cfg *config.Config) []Requirement {
	var reqs []Requirement
	if len(cfg.Discovery.Command) > 0 {
		reqs = append(reqs, Requirement{
			Name:        "discovery",
			Command:     cfg.Discovery.Command[0],
			Description: "discovery source command",
		})
	}
	for _, st := range queue.Stages {
		sc, ok := cfg.Stages[string(st)]
		if !ok || len(sc.Command) == 0 {
			continue
		}
		reqs = append(reqs, Requirement{
			Name:        string(st),
			Command:     sc.Command[0],
			Description: fmt.Sprintf("%s stage handler", st),
		})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}
