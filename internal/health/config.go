package health

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is one opaque HTTP contract to probe. The checker knows nothing
// about what the endpoint does, only which status codes count as success;
// an auth-protected endpoint is typically configured to expect 401 for
// unauthenticated probes.
type Endpoint struct {
	Path     string `yaml:"path"`
	Method   string `yaml:"method"`
	Expect   []int  `yaml:"expect"`
	Optional bool   `yaml:"optional"`
	Body     string `yaml:"body,omitempty"`
}

type endpointFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// LoadEndpoints reads the probe list from a YAML file on disk.
func LoadEndpoints(filename string) ([]Endpoint, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read endpoint config: %w", err)
	}

	var file endpointFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse endpoint config %s: %w", filename, err)
	}

	for i := range file.Endpoints {
		if file.Endpoints[i].Method == "" {
			file.Endpoints[i].Method = "GET"
		}
		if len(file.Endpoints[i].Expect) == 0 {
			file.Endpoints[i].Expect = []int{200}
		}
	}

	return file.Endpoints, nil
}

// DefaultEndpoints is the probe set used when no config file is present:
// the pages and APIs of the target application that matter for "is the site
// actually up".
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Path: "/", Method: "GET", Expect: []int{200}},
		{Path: "/api/health", Method: "GET", Expect: []int{200}},
		{Path: "/api/auth/session", Method: "GET", Expect: []int{200, 401}},
		{Path: "/api/generate", Method: "POST", Expect: []int{400, 401, 422}, Body: `{}`},
		{Path: "/admin", Method: "GET", Expect: []int{200, 302, 401}, Optional: true},
	}
}

// CheckerConfig carries the probe timeout and the latency classification
// thresholds; thresholds are configuration, never hard-coded per probe.
type CheckerConfig struct {
	BaseURL             string
	RequestTimeout      time.Duration
	FastThreshold       time.Duration
	AcceptableThreshold time.Duration
}

func DefaultCheckerConfig(baseURL string) CheckerConfig {
	return CheckerConfig{
		BaseURL:             baseURL,
		RequestTimeout:      10 * time.Second,
		FastThreshold:       500 * time.Millisecond,
		AcceptableThreshold: 2 * time.Second,
	}
}
