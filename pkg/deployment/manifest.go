package deployment

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

const latest = "latest"

// Manifest is the part of a deployment manifest compiling needs.
type Manifest struct {
	Name           string                  `yaml:"name"`
	Releases       []ReleaseRef            `yaml:"releases"`
	Stemcells      []StemcellRef           `yaml:"stemcells"`
	InstanceGroups []InstanceGroupManifest `yaml:"instance_groups"`
	Compilation    CompilationConfig       `yaml:"compilation"`
}

type ReleaseRef struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// StemcellRef selects an uploaded stemcell by OS or name, under an
// alias instance groups refer to. Version may be "latest".
type StemcellRef struct {
	Alias   string `yaml:"alias"`
	OS      string `yaml:"os"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type InstanceGroupManifest struct {
	Name     string   `yaml:"name"`
	Stemcell string   `yaml:"stemcell"`
	Jobs     []JobRef `yaml:"jobs"`
}

func LoadManifest(r io.Reader) (*Manifest, error) {
	bytes, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading deployment manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(bytes, &m); err != nil {
		return nil, errors.Wrap(err, "parsing deployment manifest")
	}
	if m.Name == "" {
		return nil, errors.New("deployment manifest has no name")
	}
	m.Compilation.CloudProperties = stringKeys(m.Compilation.CloudProperties).(map[string]interface{})
	m.Compilation.Env = stringKeys(m.Compilation.Env).(map[string]interface{})
	return &m, nil
}

func LoadManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadManifest(f)
}

// Plan is a manifest resolved against what has been uploaded.
type Plan struct {
	Name           string
	Releases       *release.Set
	InstanceGroups []*InstanceGroup
	Compilation    CompilationConfig
}

// Resolve selects the release versions and stemcells the manifest
// names from those available.
func Resolve(m *Manifest, releases []*release.Version, stemcells []stemcell.Stemcell) (*Plan, error) {
	set := release.NewSet()
	for _, ref := range m.Releases {
		v, err := selectRelease(ref, releases)
		if err != nil {
			return nil, err
		}
		set.Add(v)
	}

	byAlias := map[string]stemcell.Stemcell{}
	for _, ref := range m.Stemcells {
		s, err := selectStemcell(ref, stemcells)
		if err != nil {
			return nil, err
		}
		byAlias[ref.Alias] = s
	}

	plan := &Plan{
		Name:        m.Name,
		Releases:    set,
		Compilation: m.Compilation,
	}
	if plan.Compilation.Workers <= 0 {
		plan.Compilation.Workers = 1
	}
	for _, ig := range m.InstanceGroups {
		s, ok := byAlias[ig.Stemcell]
		if !ok {
			return nil, errors.Errorf("instance group %q references unknown stemcell alias %q", ig.Name, ig.Stemcell)
		}
		plan.InstanceGroups = append(plan.InstanceGroups, &InstanceGroup{
			Name:     ig.Name,
			Stemcell: s,
			Jobs:     ig.Jobs,
		})
	}
	return plan, nil
}

func selectRelease(ref ReleaseRef, releases []*release.Version) (*release.Version, error) {
	var candidates []*release.Version
	var versions []string
	for _, v := range releases {
		if v.Name == ref.Name {
			candidates = append(candidates, v)
			versions = append(versions, v.Version)
		}
	}
	want := ref.Version
	if want == latest {
		newest, ok := stemcell.Newest(versions)
		if !ok {
			return nil, errors.Errorf("no versions of release %q uploaded", ref.Name)
		}
		want = newest
	}
	for _, v := range candidates {
		if v.Version == want {
			return v, nil
		}
	}
	return nil, errors.Errorf("release %s/%s not uploaded", ref.Name, ref.Version)
}

func selectStemcell(ref StemcellRef, stemcells []stemcell.Stemcell) (stemcell.Stemcell, error) {
	var candidates []stemcell.Stemcell
	var versions []string
	for _, s := range stemcells {
		if (ref.OS != "" && s.OS == ref.OS) || (ref.Name != "" && s.Name == ref.Name) {
			candidates = append(candidates, s)
			versions = append(versions, s.Version)
		}
	}
	want := ref.Version
	if want == latest {
		want, _ = stemcell.Newest(versions)
	}
	for _, s := range candidates {
		if s.Version == want {
			return s, nil
		}
	}
	return stemcell.Stemcell{}, errors.Errorf("stemcell %s not uploaded", describe(ref))
}

func describe(ref StemcellRef) string {
	if ref.OS != "" {
		return fmt.Sprintf("os %s version %s", ref.OS, ref.Version)
	}
	return fmt.Sprintf("%s/%s", ref.Name, ref.Version)
}

// stringKeys converts the map[interface{}]interface{} values YAML
// decodes into, so properties can be sent on as JSON.
func stringKeys(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[k] = stringKeys(val)
		}
		return m
	case []interface{}:
		for i := range v {
			v[i] = stringKeys(v[i])
		}
		return v
	}
	return v
}
