package cloud

import (
	"context"

	"github.com/fleetops/director/pkg/stemcell"
)

// VMSpec is what the director asks a cloud for when it needs a VM.
type VMSpec struct {
	AgentID         string
	Stemcell        stemcell.Stemcell
	CloudProperties map[string]interface{}
	Networks        map[string]interface{}
	Env             map[string]interface{}
}

// Cloud creates and deletes VMs. The VM's agent connects to the
// message bus under the AgentID it was created with.
type Cloud interface {
	CreateVM(ctx context.Context, spec VMSpec) (cid string, err error)
	DeleteVM(ctx context.Context, cid string) error
}
