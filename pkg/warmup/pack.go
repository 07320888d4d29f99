package warmup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ErrNoPack is returned when no valid content pack was found.
var ErrNoPack = errors.New("warmup: no valid content pack")

// Pack is a versioned warm-up content file.
type Pack struct {
	Version string   `yaml:"version"`
	Texts   []string `yaml:"texts"`
	Targets []string `yaml:"targets,omitempty"`

	Source string `yaml:"-"`
}

// ParsePack decodes a pack and checks its version and content.
func ParsePack(data []byte) (*Pack, *semver.Version, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("decode pack: %w", err)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid pack version %q: %w", p.Version, err)
	}
	if len(normalize(p.Texts)) == 0 {
		return nil, nil, errors.New("pack has no texts")
	}
	return &p, v, nil
}

// LoadPack reads path, a pack file or a directory of *.yaml / *.yml packs,
// and returns the newest valid pack. Invalid packs in a directory are skipped.
func LoadPack(path string) (*Pack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p, _, err := ParsePack(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		p.Source = path
		return p, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var (
		best    *Pack
		bestVer *semver.Version
	)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		file := filepath.Join(path, e.Name())
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		p, v, err := ParsePack(data)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			p.Source = file
			best, bestVer = p, v
		}
	}
	if best == nil {
		return nil, ErrNoPack
	}
	return best, nil
}
