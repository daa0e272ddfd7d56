package store

import (
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/Ruj89/strata/internal/recipe"
)

func TestKeyForDeterministic(t *testing.T) {
	parent := BaseKey("alpine:3.20")
	k1 := KeyFor(parent,
		recipe.Run{Argv: []string{"/bin/sh", "-c", "make"}},
		KeyInputs{Env: []string{"CC=gcc"}, Workdir: "/src"})
	k2 := KeyFor(parent,
		recipe.Run{Argv: []string{"/bin/sh", "-c", "make"}},
		KeyInputs{Env: []string{"CC=gcc"}, Workdir: "/src"})

	if k1 != k2 {
		t.Fatalf("keys differ: %s vs %s", k1, k2)
	}
	if err := k1.Validate(); err != nil {
		t.Fatalf("invalid digest: %v", err)
	}
}

func TestKeyForDiscriminates(t *testing.T) {
	parent := BaseKey("alpine:3.20")
	run := recipe.Run{Argv: []string{"/bin/sh", "-c", "make"}}
	base := KeyFor(parent, run, KeyInputs{})

	tests := []struct {
		name string
		key  digest.Digest
	}{
		{
			name: "different parent",
			key:  KeyFor(BaseKey("alpine:3.21"), run, KeyInputs{}),
		},
		{
			name: "different argv",
			key:  KeyFor(parent, recipe.Run{Argv: []string{"/bin/sh", "-c", "make all"}}, KeyInputs{}),
		},
		{
			name: "different env",
			key:  KeyFor(parent, run, KeyInputs{Env: []string{"CC=clang"}}),
		},
		{
			name: "different workdir",
			key:  KeyFor(parent, run, KeyInputs{Workdir: "/x"}),
		},
		{
			name: "different user",
			key:  KeyFor(parent, run, KeyInputs{User: "nobody"}),
		},
		{
			name: "different source snapshot",
			key:  KeyFor(parent, run, KeyInputs{Source: BaseKey("src")}),
		},
		{
			name: "different context content",
			key:  KeyFor(parent, run, KeyInputs{Content: BaseKey("content")}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key == base {
				t.Fatal("key collision")
			}
		})
	}
}

func TestKeyForCopyKinds(t *testing.T) {
	parent := BaseKey("scratch")
	sc := KeyFor(parent, recipe.StageCopy{Stage: "x", Src: "a", Dest: "b"}, KeyInputs{})
	cc := KeyFor(parent, recipe.ContextCopy{Src: "a", Dest: "b"}, KeyInputs{})
	if sc == cc {
		t.Fatal("stage and context copies share a key")
	}
}

func TestBaseKeyStable(t *testing.T) {
	if BaseKey("alpine:3.20") != BaseKey("alpine:3.20") {
		t.Fatal("base keys differ for equal refs")
	}
	if BaseKey("alpine:3.20") == BaseKey("alpine:3.21") {
		t.Fatal("base keys collide for distinct refs")
	}
}
