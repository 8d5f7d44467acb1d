// Package rocks reads the metadata of pre-built ROCKs handed to tests by the
// build workflow through an environment variable.
package rocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/canonical/k8s-test-harness/internal/env"
)

// DefaultMetadataEnv is the variable the build workflow exports ROCK metadata in.
const DefaultMetadataEnv = "BUILT_ROCKS_METADATA"

// Rockcraft platform architectures.
const (
	ArchAMD64 = "amd64"
	ArchI386  = "i386"
	ArchARM64 = "arm64"
)

var goArchToRockcraft = map[string]string{
	"386":   ArchI386,
	"amd64": ArchAMD64,
	"arm64": ArchARM64,
}

// ErrNoBuild is returned when no build matches a lookup.
var ErrNoBuild = errors.New("no matching ROCK build")

// MetaInfo describes a single build of a ROCK for one version and architecture.
type MetaInfo struct {
	Name    string
	Version string
	// RockDir is the directory of the rockcraft.yaml, possibly relative to the repository root.
	RockDir           string
	Arch              string
	Image             string
	RunsOn            []string
	RockcraftRevision string
}

// metaKeys are the JSON keys of a build, all of them required.
var metaKeys = []string{"name", "version", "path", "arch", "image", "rockcraft-revision", "runs-on-labels"}

// UnmarshalJSON decodes a build entry, failing on any missing or null key.
func (m *MetaInfo) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var missing []string
	for _, key := range metaKeys {
		if v, ok := raw[key]; !ok || string(v) == "null" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing ROCK build meta info fields %v from %s", missing, string(data))
	}

	fields := []struct {
		key string
		dst interface{}
	}{
		{"name", &m.Name},
		{"version", &m.Version},
		{"path", &m.RockDir},
		{"arch", &m.Arch},
		{"image", &m.Image},
		{"rockcraft-revision", &m.RockcraftRevision},
		{"runs-on-labels", &m.RunsOn},
	}
	for _, f := range fields {
		if err := json.Unmarshal(raw[f.key], f.dst); err != nil {
			return fmt.Errorf("decoding %q: %w", f.key, err)
		}
	}
	return nil
}

// RockcraftYAMLPath returns the path of the rockcraft.yaml the ROCK was built from.
func (m MetaInfo) RockcraftYAMLPath() string {
	return filepath.Join(m.RockDir, "rockcraft.yaml")
}

func (m MetaInfo) String() string {
	return fmt.Sprintf("%s:%s/%s (%s)", m.Name, m.Version, m.Arch, m.Image)
}

// Parse decodes the JSON list of builds produced by the build workflow.
func Parse(data []byte) ([]MetaInfo, error) {
	var metas []MetaInfo
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("decoding ROCK metadata: %w", err)
	}
	return metas, nil
}

// Builds holds the ROCK builds read from the environment.
type Builds struct {
	source string
	all    []MetaInfo
}

// FromEnv reads the builds from the named variable, DefaultMetadataEnv when empty.
func FromEnv(variable string) (*Builds, error) {
	if variable == "" {
		variable = DefaultMetadataEnv
	}
	raw, err := env.MustGet(variable)
	if err != nil {
		return nil, err
	}
	all, err := Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", variable, err)
	}
	return &Builds{source: variable, all: all}, nil
}

// All returns every build.
func (b *Builds) All() []MetaInfo {
	return b.all
}

// ForRock returns every build of the named ROCK, one per version and architecture.
func (b *Builds) ForRock(name string) []MetaInfo {
	var out []MetaInfo
	for _, m := range b.all {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// ForRockVersion returns the single build of the ROCK for version and arch.
func (b *Builds) ForRockVersion(name, version, arch string) (MetaInfo, error) {
	var matches []MetaInfo
	for _, m := range b.all {
		if m.Name == name && m.Version == version && m.Arch == arch {
			matches = append(matches, m)
		}
	}

	switch len(matches) {
	case 0:
		return MetaInfo{}, fmt.Errorf("%w: failed to find build metadata for ROCK %q with version %q on architecture %q from %s, builds were %v",
			ErrNoBuild, name, version, arch, b.source, b.all)
	case 1:
		return matches[0], nil
	default:
		return MetaInfo{}, fmt.Errorf("found multiple build metadata sets for ROCK %q with version %q on architecture %q from %s, builds were %v",
			name, version, arch, b.source, b.all)
	}
}

// LatestForRock returns the build of the ROCK for arch with the highest semantic version.
// Builds whose version does not parse are ignored.
func (b *Builds) LatestForRock(name, arch string) (MetaInfo, error) {
	type candidate struct {
		meta    MetaInfo
		version *semver.Version
	}
	var candidates []candidate
	for _, m := range b.ForRock(name) {
		if m.Arch != arch {
			continue
		}
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{meta: m, version: v})
	}
	if len(candidates) == 0 {
		return MetaInfo{}, fmt.Errorf("%w: no build of ROCK %q with a semantic version on architecture %q", ErrNoBuild, name, arch)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].version.GreaterThan(candidates[j].version)
	})
	return candidates[0].meta, nil
}

// CurrentPlatformArchitecture returns the rockcraft architecture of the running process.
func CurrentPlatformArchitecture() (string, error) {
	return platformArchitecture(runtime.GOARCH)
}

func platformArchitecture(goarch string) (string, error) {
	arch, ok := goArchToRockcraft[goarch]
	if !ok {
		return "", fmt.Errorf("unknown platform architecture %q, known values are %s, %s and %s", goarch, "386", "amd64", "arm64")
	}
	return arch, nil
}
