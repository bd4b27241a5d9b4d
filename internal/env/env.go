package env

import (
	"os"
	"strings"
)

type Var map[string]string

// Env composes the complete environment handed to a child. Children never
// inherit the supervisor's environment implicitly; the OS environment is only a
// base when FromOS was called.
type Env struct {
	Var  Var // global variables (K->V)
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS uses the current process environment as the base.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
	return e
}

// FromKeys copies only the named variables from the OS environment into the base.
func (e *Env) FromKeys(keys ...string) *Env {
	if e.base == nil {
		e.base = make(Var)
	}
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			e.base[k] = v
		}
	}
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), base: e.base}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	out.Var[k] = v
	return out
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment applying order:
// base, then global e.Var overrides, then perService overrides.
// ${VAR} references are expanded against the composed map in a single pass;
// unknown references are left untouched.
func (e *Env) Merge(perService map[string]string) map[string]string {
	m := make(Var, len(e.base)+len(e.Var)+len(perService))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range perService {
		if k != "" && !strings.Contains(k, "=") {
			m[k] = v
		}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expand(v, m)
	}
	return out
}

// ParsePairs converts "K=V" entries into a map, skipping malformed ones.
func ParsePairs(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
