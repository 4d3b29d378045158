// Package env builds the environment a supervised child starts with.
package env

import (
	"maps"
	"os"
	"slices"
	"strings"
)

type Var map[string]string

// Env layers variables over a base environment. The base is the OS
// environment unless one is given to NewWithBase.
type Env struct {
	Var  Var // shared by every spawn, e.g. from env files
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// NewWithBase uses base instead of os.Environ.
func NewWithBase(base Var) *Env {
	if base == nil {
		base = Var{}
	}
	return &Env{Var: make(Var), base: base}
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge returns the sorted KEY=VALUE list for a child. Later layers win
// over earlier ones, which win over e.Var, which wins over the base.
// ${NAME} in a value is replaced by NAME's merged value; unknown
// references and bare $NAME are kept verbatim.
func (e *Env) Merge(layers ...map[string]string) []string {
	base := e.base
	if base == nil {
		base = Parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var))
	put := func(src map[string]string) {
		for k, v := range src {
			if k != "" {
				m[k] = v
			}
		}
	}
	put(base)
	put(e.Var)
	for _, l := range layers {
		put(l)
	}
	out := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse turns "K=V" entries into a map, skipping entries without a key.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// expand substitutes ${NAME} references in one left-to-right pass.
// Substituted text is not expanded again.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
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
	b.WriteString(s)
	return b.String()
}
