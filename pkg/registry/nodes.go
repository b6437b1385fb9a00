package registry

import (
	"github.com/dukex/conductor/pkg/nodes/approval"
	"github.com/dukex/conductor/pkg/nodes/httprequest"
	"github.com/dukex/conductor/pkg/nodes/log"
	"github.com/dukex/conductor/pkg/nodes/transform"
	"github.com/jonboulle/clockwork"
)

// RegisterDefaultNodes registers all built-in node factories with the registry.
func (r *Registry) RegisterDefaultNodes(clock clockwork.Clock) {
	r.RegisterNode(httprequest.NewHTTPRequestNodeFactory())
	r.RegisterNode(transform.NewTransformNodeFactory())
	r.RegisterNode(log.NewLogNodeFactory())
	r.RegisterNode(approval.NewApprovalNodeFactory(clock))
}
