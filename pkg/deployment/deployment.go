package deployment

import (
	"sort"
	"sync"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/stemcell"
)

// JobRef names a job in one of the deployment's releases.
type JobRef struct {
	Release string `yaml:"release"`
	Name    string `yaml:"name"`
}

// InstanceGroup is a set of identical instances running the same jobs
// on the same stemcell.
type InstanceGroup struct {
	Name     string
	Stemcell stemcell.Stemcell
	Jobs     []JobRef

	mu       sync.Mutex
	compiled map[string]*compiledpackage.CompiledPackage
}

// UseCompiledPackage records that the group's instances will install
// cp. Compiles finish on several workers at once.
func (g *InstanceGroup) UseCompiledPackage(cp *compiledpackage.CompiledPackage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.compiled == nil {
		g.compiled = map[string]*compiledpackage.CompiledPackage{}
	}
	g.compiled[cp.Package.Release+"/"+cp.Package.Name] = cp
}

// CompiledPackages returns the packages recorded so far, sorted by
// release and name.
func (g *InstanceGroup) CompiledPackages() []*compiledpackage.CompiledPackage {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.compiled))
	for k := range g.compiled {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cps := make([]*compiledpackage.CompiledPackage, 0, len(keys))
	for _, k := range keys {
		cps = append(cps, g.compiled[k])
	}
	return cps
}

// CompilationConfig is how a deployment's packages get compiled.
type CompilationConfig struct {
	Workers             int                    `yaml:"workers"`
	ReuseCompilationVMs bool                   `yaml:"reuse_compilation_vms"`
	Network             string                 `yaml:"network"`
	CloudProperties     map[string]interface{} `yaml:"cloud_properties"`
	Env                 map[string]interface{} `yaml:"env"`
}
