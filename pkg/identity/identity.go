// Package identity holds the static process identity that load-time
// predicates are evaluated against: application name, host, the process
// environment snapshot, declared library versions, and an optional
// environment-class label. It is populated once at construction and never
// mutated afterward, so it can be read from any goroutine without locking.
package identity

import "fmt"

// Version is a declared semantic-version triple. Comparison against
// library_version filter clauses happens through golang.org/x/mod/semver
// on the String() form; this type only carries the declaration.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Static is the immutable process identity. Construct with New and never
// mutate the returned value; callers that need a different identity (e.g.
// in tests) should build a fresh Static rather than editing fields in place.
type Static struct {
	AppName   string
	Host      string
	Env       map[string]string
	Libraries map[string]Version
	RunEnv    *string // nil when the process has no declared environment-class label
}

// New builds a Static identity from explicit values, defensively copying the
// maps so later mutation of the caller's maps cannot reach into the identity.
func New(appName, host string, env map[string]string, libraries map[string]Version, runEnv *string) Static {
	s := Static{
		AppName:   appName,
		Host:      host,
		Env:       make(map[string]string, len(env)),
		Libraries: make(map[string]Version, len(libraries)),
	}
	for k, v := range env {
		s.Env[k] = v
	}
	for k, v := range libraries {
		s.Libraries[k] = v
	}
	if runEnv != nil {
		re := *runEnv
		s.RunEnv = &re
	}
	return s
}
