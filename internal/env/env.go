package env

import (
	"os"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to spawned agent processes.
// Layering order (later wins): OS base, supervisor-wide globals,
// per-agent overrides, then reserved control variables.
type Env struct {
	Global Var // supervisor-wide variables (K->V)
	base   Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Global: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.base = base
}

// Set sets a supervisor-wide variable K=V.
func (e *Env) Set(k, v string) {
	if e.Global == nil {
		e.Global = make(Var)
	}
	e.Global[k] = v
}

// Unset removes a supervisor-wide variable.
func (e *Env) Unset(k string) {
	if e.Global != nil {
		delete(e.Global, k)
	}
}

// Compose builds the final environment list for one agent.
// Order: OS base (or cached), then Global overrides, then perAgent
// ("K=V" slice), then control (reserved VIGIL_* variables, never
// overridable by the earlier layers). ${VAR} expansion is applied using
// the composed map (simple expansion, no recursion); control values are
// injected verbatim.
func (e *Env) Compose(perAgent []string, control Var) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Global {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perAgent {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = v
		}
	}
	// expand ${VAR}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	// control variables win unconditionally and are not expanded
	for k, v := range control {
		if k == "" {
			continue
		}
		expanded[k] = v
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var) string {
	res := s
	// simple ${VAR} expansion; iterate over keys present
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
