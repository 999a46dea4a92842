package deploy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ErrListerUnavailable signals that the deployment lister cannot be invoked
// at all (binary missing or unauthenticated). Callers degrade to a fallback
// wait rather than treating this as a poll failure.
var ErrListerUnavailable = errors.New("deployment lister unavailable")

// Lister returns the deployments currently known to the platform, most
// recent first. Implementations convert parse failures into empty results,
// never into panics.
type Lister interface {
	List(ctx context.Context) ([]DeploymentRecord, error)
}

// CommandLister shells out to a platform CLI (e.g. `vercel ls`) and parses
// its tabular output.
type CommandLister struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func NewCommandLister(command string, args ...string) *CommandLister {
	return &CommandLister{
		Command: command,
		Args:    args,
		Timeout: 30 * time.Second,
	}
}

func (l *CommandLister) List(ctx context.Context) ([]DeploymentRecord, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.Command, l.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("%w: %s not found", ErrListerUnavailable, l.Command)
		}
		if looksUnauthenticated(string(out)) {
			return nil, fmt.Errorf("%w: %s", ErrListerUnavailable, strings.TrimSpace(string(out)))
		}
		return nil, fmt.Errorf("run %s: %w", l.Command, err)
	}

	return ParseListing(string(out)), nil
}

func looksUnauthenticated(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "not authenticated") ||
		strings.Contains(lower, "login required") ||
		strings.Contains(lower, "no credentials")
}

var (
	ageField = regexp.MustCompile(`^\d+(s|m|h|d)$`)
	urlField = regexp.MustCompile(`^(https?://)?[a-z0-9][a-z0-9.-]*\.[a-z]{2,}`)
)

var statusTokens = map[string]Status{
	"queued":   StatusQueued,
	"building": StatusBuilding,
	"ready":    StatusReady,
	"error":    StatusError,
	"failed":   StatusError,
	"canceled": StatusError,
}

var environmentTokens = map[string]bool{
	"production":  true,
	"preview":     true,
	"staging":     true,
	"development": true,
}

// ParseListing converts the lister's tabular output into deployment records,
// one per line. Header lines and lines without a recognizable status token
// are skipped; an empty result is a valid answer, never an error.
func ParseListing(output string) []DeploymentRecord {
	var records []DeploymentRecord

	for _, line := range strings.Split(output, "\n") {
		rec, ok := parseLine(line)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	return records
}

func parseLine(line string) (DeploymentRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return DeploymentRecord{}, false
	}

	rec := DeploymentRecord{Status: StatusUnknown}
	statusSeen := false

	for _, field := range fields {
		cleaned := strings.Trim(field, "●○◍") // status glyphs some CLIs prepend
		if cleaned == "" {
			continue
		}
		lower := strings.ToLower(cleaned)

		if status, ok := statusTokens[lower]; ok && !statusSeen {
			rec.Status = status
			statusSeen = true
			continue
		}
		if rec.URL == "" && urlField.MatchString(lower) {
			rec.URL = cleaned
			rec.ID = deploymentID(cleaned)
			continue
		}
		if rec.Age == "" && ageField.MatchString(lower) {
			rec.Age = cleaned
			continue
		}
		if rec.Environment == "" && environmentTokens[lower] {
			rec.Environment = cleaned
			continue
		}
	}

	if !statusSeen || rec.URL == "" {
		return DeploymentRecord{}, false
	}
	return rec, true
}

// deploymentID derives a stable identifier from the deployment URL: the
// first hostname label, which platforms suffix with the build hash.
func deploymentID(url string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.IndexAny(host, "/"); i >= 0 {
		host = host[:i]
	}
	if i := strings.Index(host, "."); i >= 0 {
		return host[:i]
	}
	return host
}
