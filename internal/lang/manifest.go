package lang

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// Manifest parsers turn a package file into Library candidates, one per
// declared dependency. Names are sorted so output is stable.

func library(name, coordinate, version string) graph.Candidate {
	meta := map[string]string{graph.MetaCoordinate: coordinate}
	if version != "" {
		meta[graph.MetaVersion] = version
	}
	return graph.Candidate{Kind: graph.NodeLibrary, Name: name, Meta: meta}
}

// --- package.json ---

type packageManifest struct {
	Name                 string            `json:"name"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

func parsePackageJSON(file string, src []byte) (*FileResult, error) {
	var m packageManifest
	if err := json.Unmarshal(src, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, file, err)
	}
	deps := make(map[string]string)
	for _, group := range []map[string]string{m.OptionalDependencies, m.PeerDependencies, m.DevDependencies, m.Dependencies} {
		for name, version := range group {
			deps[name] = version
		}
	}
	res := &FileResult{Path: file}
	for _, name := range sortedKeys(deps) {
		res.addEntity(library(name, name+"@"+deps[name], deps[name]))
	}
	return res, nil
}

// --- go.mod ---

func parseGoMod(file string, src []byte) (*FileResult, error) {
	f, err := modfile.ParseLax(file, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, file, err)
	}
	res := &FileResult{Path: file}
	if f.Module != nil {
		res.Module = f.Module.Mod.Path
	}
	reqs := append([]*modfile.Require(nil), f.Require...)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Mod.Path < reqs[j].Mod.Path })
	for _, r := range reqs {
		idx := res.addEntity(library(r.Mod.Path, r.Mod.Path+"@"+r.Mod.Version, r.Mod.Version))
		if r.Syntax != nil {
			res.Entities[idx].StartLine = r.Syntax.Start.Line
			res.Entities[idx].EndLine = r.Syntax.End.Line
		}
	}
	return res, nil
}

// --- Cargo.toml ---

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies      map[string]any `toml:"dependencies"`
	DevDependencies   map[string]any `toml:"dev-dependencies"`
	BuildDependencies map[string]any `toml:"build-dependencies"`
}

func parseCargoToml(file string, src []byte) (*FileResult, error) {
	var m cargoManifest
	if err := toml.Unmarshal(src, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, file, err)
	}
	deps := make(map[string]string)
	for _, group := range []map[string]any{m.BuildDependencies, m.DevDependencies, m.Dependencies} {
		for name, spec := range group {
			deps[name] = cargoVersion(spec)
		}
	}
	res := &FileResult{Path: file, Module: m.Package.Name}
	for _, name := range sortedKeys(deps) {
		coord := name
		if v := deps[name]; v != "" {
			coord += "@" + v
		}
		res.addEntity(library(name, coord, deps[name]))
	}
	return res, nil
}

// cargoVersion reads `dep = "1.0"` and `dep = { version = "1.0", ... }`.
func cargoVersion(spec any) string {
	switch v := spec.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["version"].(string); ok {
			return s
		}
		if s, ok := v["path"].(string); ok {
			return "path:" + s
		}
		if s, ok := v["git"].(string); ok {
			return "git:" + s
		}
	}
	return ""
}

// --- requirements.txt ---

var requirementName = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[^\]]*\])?\s*(.*)$`)

func parseRequirements(file string, src []byte) (*FileResult, error) {
	res := &FileResult{Path: file}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(src))
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Text()
		if i := strings.Index(raw, "#"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "-") {
			continue
		}
		if i := strings.Index(raw, ";"); i >= 0 {
			raw = strings.TrimSpace(raw[:i])
		}
		m := requirementName.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		idx := res.addEntity(library(name, raw, strings.TrimSpace(strings.TrimLeft(m[3], "=<>!~ "))))
		res.Entities[idx].StartLine = line
		res.Entities[idx].EndLine = line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, file, err)
	}
	return res, nil
}

// --- build.gradle.kts ---

var gradleDependency = regexp.MustCompile(
	`\b(implementation|api|compileOnly|runtimeOnly|testImplementation|testRuntimeOnly|` +
		`androidTestImplementation|debugImplementation|kapt|ksp|annotationProcessor|classpath)` +
		`\s*\(\s*(?:(?:platform|enforcedPlatform)\s*\(\s*)?"([^"\s]+:[^"\s]+)"`)

// parseGradleKts reads dependency coordinates declared in a Gradle Kotlin
// DSL build file. Version catalog references (libs.foo) carry no coordinate
// and are skipped.
func parseGradleKts(file string, src []byte) (*FileResult, error) {
	if err := checkBalanced(file, src); err != nil {
		return nil, err
	}
	res := &FileResult{Path: file}
	seen := make(map[string]bool)
	for _, loc := range gradleDependency.FindAllSubmatchIndex(src, -1) {
		coord := string(src[loc[4]:loc[5]])
		if seen[coord] {
			continue
		}
		seen[coord] = true
		parts := strings.Split(coord, ":")
		name := parts[0] + ":" + parts[1]
		version := ""
		if len(parts) > 2 {
			version = parts[2]
		}
		idx := res.addEntity(library(name, coord, version))
		line := bytes.Count(src[:loc[0]], []byte{'\n'}) + 1
		res.Entities[idx].StartLine = line
		res.Entities[idx].EndLine = line
		res.Entities[idx].Meta["configuration"] = string(src[loc[2]:loc[3]])
	}
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
