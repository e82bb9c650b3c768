package toolchain

import (
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"codelab/pkg/errors"
)

// Registry resolves language identifiers to profiles. Lookup happens
// before any sandbox resources are allocated, so an unsupported
// language fails fast and cheap.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates a registry seeded with the built-in languages.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range builtinProfiles() {
		r.profiles[p.ID] = p
	}
	return r
}

// Lookup returns the profile for a language id. Matching is
// case-insensitive. Unknown languages return a LanguageNotSupported
// coded error.
func (r *Registry) Lookup(language string) (Profile, error) {
	id := strings.ToLower(strings.TrimSpace(language))
	if id == "" {
		return Profile{}, errors.New(errors.LanguageNotSupported).WithMessage("language is empty")
	}

	r.mu.RLock()
	p, ok := r.profiles[id]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, errors.Newf(errors.LanguageNotSupported, "language %q is not supported", language)
	}
	return p, nil
}

// Register adds or replaces a profile.
func (r *Registry) Register(p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New(errors.InvalidParams).WithMessage("profile id is required")
	}
	if strings.TrimSpace(p.RunCmdTpl) == "" {
		return errors.Newf(errors.InvalidCommandTpl, "profile %q has no run command", p.ID)
	}
	if p.TimeMultiplier <= 0 {
		p.TimeMultiplier = 1
	}
	if p.MemoryMultiplier <= 0 {
		p.MemoryMultiplier = 1
	}

	r.mu.Lock()
	r.profiles[strings.ToLower(p.ID)] = p
	r.mu.Unlock()
	return nil
}

// Languages returns the registered language ids, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// LoadFile merges extra profiles from a YAML file into the registry.
// File entries override built-ins with the same id.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.InternalServerError, "read language config %s", path)
	}
	var doc struct {
		Languages []Profile `yaml:"languages"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.Wrapf(err, errors.InternalServerError, "parse language config %s", path)
	}
	for _, p := range doc.Languages {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func builtinProfiles() []Profile {
	return []Profile{
		{
			ID:               "python",
			Name:             "Python 3",
			Version:          "3.11",
			SourceFile:       "main.py",
			RunCmdTpl:        "/usr/bin/python3 {src}",
			TimeMultiplier:   3,
			MemoryMultiplier: 2,
		},
		{
			ID:               "cpp",
			Name:             "C++ 17 (g++)",
			Version:          "17",
			SourceFile:       "main.cpp",
			BinaryFile:       "main",
			CompileCmdTpl:    "/usr/bin/g++ -std=gnu++17 -O2 -pipe -o {bin} {src}",
			RunCmdTpl:        "{bin}",
			TimeMultiplier:   1,
			MemoryMultiplier: 1,
		},
		{
			ID:               "c",
			Name:             "C 11 (gcc)",
			Version:          "11",
			SourceFile:       "main.c",
			BinaryFile:       "main",
			CompileCmdTpl:    "/usr/bin/gcc -std=gnu11 -O2 -pipe -o {bin} {src}",
			RunCmdTpl:        "{bin}",
			TimeMultiplier:   1,
			MemoryMultiplier: 1,
		},
		{
			ID:               "java",
			Name:             "Java 17",
			Version:          "17",
			SourceFile:       "Main.java",
			BinaryFile:       "Main.class",
			CompileCmdTpl:    "/usr/bin/javac {src}",
			RunCmdTpl:        "/usr/bin/java -XX:+UseSerialGC -cp /work Main",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
		},
		{
			ID:               "javascript",
			Name:             "Node.js",
			Version:          "20",
			SourceFile:       "main.js",
			RunCmdTpl:        "/usr/bin/node {src}",
			TimeMultiplier:   3,
			MemoryMultiplier: 2,
		},
	}
}
