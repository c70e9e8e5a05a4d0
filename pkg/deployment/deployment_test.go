package deployment

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

const manifest = `
name: shop
releases:
- name: app
  version: latest
stemcells:
- alias: default
  os: ubuntu-bionic
  version: latest
- alias: legacy
  name: bosh-warden-xenial
  version: "621.1"
instance_groups:
- name: web
  stemcell: default
  jobs:
  - name: web
    release: app
- name: worker
  stemcell: legacy
  jobs:
  - name: worker
    release: app
compilation:
  workers: 3
  reuse_compilation_vms: true
  network: private
  cloud_properties:
    instance_type: m5.large
    disks:
    - size: 10
      labels: {tier: fast}
`

func versions() []*release.Version {
	return []*release.Version{
		{Name: "app", Version: "1.9"},
		{Name: "app", Version: "1.10"},
		{Name: "other", Version: "1"},
	}
}

func stemcells() []stemcell.Stemcell {
	return []stemcell.Stemcell{
		{Name: "bosh-warden-bionic", OS: "ubuntu-bionic", Version: "456.3"},
		{Name: "bosh-warden-bionic", OS: "ubuntu-bionic", Version: "456.30"},
		{Name: "bosh-warden-xenial", OS: "ubuntu-xenial", Version: "621.1"},
	}
}

func TestResolve(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(manifest))
	require.NoError(t, err)

	plan, err := Resolve(m, versions(), stemcells())
	require.NoError(t, err)
	assert.Equal(t, "shop", plan.Name)

	app, ok := plan.Releases.Release("app")
	require.True(t, ok)
	assert.Equal(t, "1.10", app.Version)

	require.Len(t, plan.InstanceGroups, 2)
	assert.Equal(t, "456.30", plan.InstanceGroups[0].Stemcell.Version)
	assert.Equal(t, "ubuntu-xenial", plan.InstanceGroups[1].Stemcell.OS)
	assert.Equal(t, []JobRef{{Release: "app", Name: "worker"}}, plan.InstanceGroups[1].Jobs)

	assert.Equal(t, 3, plan.Compilation.Workers)
	assert.True(t, plan.Compilation.ReuseCompilationVMs)
	// properties are passed on to the cloud as JSON
	_, err = json.Marshal(plan.Compilation.CloudProperties)
	assert.NoError(t, err)
}

func TestResolveMissing(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(manifest))
	require.NoError(t, err)

	_, err = Resolve(m, nil, stemcells())
	assert.EqualError(t, err, "no versions of release \"app\" uploaded")

	_, err = Resolve(m, versions(), stemcells()[:2])
	assert.EqualError(t, err, "stemcell bosh-warden-xenial/621.1 not uploaded")

	m.InstanceGroups[0].Stemcell = "nope"
	_, err = Resolve(m, versions(), stemcells())
	assert.Error(t, err)
}

func TestDefaultsToOneWorker(t *testing.T) {
	m, err := LoadManifest(strings.NewReader("name: empty\n"))
	require.NoError(t, err)
	plan, err := Resolve(m, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Compilation.Workers)
}

func TestManifestNeedsName(t *testing.T) {
	_, err := LoadManifest(strings.NewReader("releases: []\n"))
	assert.Error(t, err)
}

func TestUseCompiledPackage(t *testing.T) {
	g := &InstanceGroup{Name: "web"}
	var wg sync.WaitGroup
	for _, name := range []string{"ruby", "nginx", "app"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			g.UseCompiledPackage(&compiledpackage.CompiledPackage{
				Package: compiledpackage.PackageRef{Release: "app", Name: name},
			})
		}(name)
	}
	wg.Wait()

	var names []string
	for _, cp := range g.CompiledPackages() {
		names = append(names, cp.Package.Name)
	}
	assert.Equal(t, []string{"app", "nginx", "ruby"}, names)
}
