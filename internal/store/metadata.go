package store

import (
	"maps"
	"slices"
)

// Metadata is the execution context accumulated across a stage's
// operations and carried by every snapshot: environment variables, the
// working directory, and the user commands run as.
type Metadata struct {
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	User    string            `json:"user,omitempty"`
}

// Clone returns a copy that shares nothing with m.
func (m Metadata) Clone() Metadata {
	c := m
	if m.Env != nil {
		c.Env = maps.Clone(m.Env)
	}
	return c
}

// Environ renders the environment as sorted KEY=VALUE pairs.
func (m Metadata) Environ() []string {
	env := make([]string, 0, len(m.Env))
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}
