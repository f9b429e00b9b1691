package query

import (
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Policy is the freshness configuration for one operation. Zero fields fall
// back to the client defaults.
type Policy struct {
	// StaleAfter is the freshness window for the operation's entries.
	StaleAfter time.Duration
	// IdleAfter is how long an unobserved entry survives before eviction.
	IdleAfter time.Duration
}

// Policies maps operation names to policies, with an optional default for
// operations not listed. Typical use: filter-option lists cached for
// minutes, time-series data for seconds.
type Policies struct {
	Default    Policy
	Operations map[string]Policy
}

// Lookup resolves the policy for op, falling back to the default.
func (p Policies) Lookup(op string) (Policy, bool) {
	if pol, ok := p.Operations[op]; ok {
		return pol, true
	}
	if p.Default != (Policy{}) {
		return p.Default, true
	}
	return Policy{}, false
}

type policyFile struct {
	Default    policySpec            `yaml:"default"`
	Operations map[string]policySpec `yaml:"operations"`
}

type policySpec struct {
	StaleAfter string `yaml:"stale_after"`
	IdleAfter  string `yaml:"idle_after"`
}

// LoadPolicies parses a YAML policy document. Durations use the extended
// syntax from str2duration ("90s", "15m", "1h30m", "2d"). Unknown fields
// are rejected.
//
//	default:
//	  stale_after: 1m
//	operations:
//	  filterOptions:
//	    stale_after: 15m
//	    idle_after: 30m
func LoadPolicies(r io.Reader) (Policies, error) {
	var raw policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return Policies{}, nil
		}
		return Policies{}, errors.Wrap(err, "parse policies")
	}

	out := Policies{Operations: make(map[string]Policy, len(raw.Operations))}
	def, err := raw.Default.policy()
	if err != nil {
		return Policies{}, errors.Wrap(err, "default policy")
	}
	out.Default = def
	for op, spec := range raw.Operations {
		pol, err := spec.policy()
		if err != nil {
			return Policies{}, errors.Wrapf(err, "operation %q", op)
		}
		out.Operations[op] = pol
	}
	return out, nil
}

// PoliciesFromFile reads a YAML policy document from disk.
func PoliciesFromFile(path string) (Policies, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policies{}, err
	}
	defer f.Close()
	return LoadPolicies(f)
}

func (s policySpec) policy() (Policy, error) {
	var pol Policy
	if s.StaleAfter != "" {
		d, err := str2duration.ParseDuration(s.StaleAfter)
		if err != nil {
			return Policy{}, errors.Wrap(err, "stale_after")
		}
		pol.StaleAfter = d
	}
	if s.IdleAfter != "" {
		d, err := str2duration.ParseDuration(s.IdleAfter)
		if err != nil {
			return Policy{}, errors.Wrap(err, "idle_after")
		}
		pol.IdleAfter = d
	}
	return pol, nil
}
