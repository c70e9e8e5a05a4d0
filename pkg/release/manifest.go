package release

import (
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// LoadManifest parses a release manifest. Package dependencies must
// name packages in the same release and must not form a cycle.
func LoadManifest(r io.Reader) (*Version, error) {
	bytes, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading release manifest")
	}
	var v Version
	if err := yaml.Unmarshal(bytes, &v); err != nil {
		return nil, errors.Wrap(err, "parsing release manifest")
	}
	if v.Name == "" || v.Version == "" {
		return nil, errors.New("release manifest must have a name and a version")
	}
	if err := checkPackages(&v); err != nil {
		return nil, errors.Wrapf(err, "release %s", v.Desc())
	}
	for _, p := range v.Packages {
		p.Release = v.Name
	}
	for _, j := range v.Jobs {
		j.Release = v.Name
	}
	return &v, nil
}

func LoadManifestFile(path string) (*Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadManifest(f)
}

func checkPackages(v *Version) error {
	byName := map[string]*Package{}
	for _, p := range v.Packages {
		if _, dup := byName[p.Name]; dup {
			return errors.Errorf("duplicate package %q", p.Name)
		}
		byName[p.Name] = p
	}
	for _, p := range v.Packages {
		for _, d := range p.Dependencies {
			if _, ok := byName[d]; !ok {
				return errors.Errorf("package %q depends on unknown package %q", p.Name, d)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return errors.Errorf("package dependency cycle: %s", strings.Join(append(path, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path[:len(path):len(path)], name)
		for _, d := range byName[name].Dependencies {
			if err := visit(d, path); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, p := range v.Packages {
		if err := visit(p.Name, nil); err != nil {
			return err
		}
	}
	return nil
}
