// Package policy implements the ordered rule set that reshapes endpoint
// descriptors at configuration time. Policies are pure functions over a typed
// endpoint plus runtime context; they run exactly once per endpoint, in
// registration order, so later policies win conflicts on scalar fields.
package policy

import (
	"strings"

	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/internal/logging"
)

// Context carries the runtime facts policies may condition on. It is fixed at
// startup and never re-evaluated.
type Context struct {
	ServiceName string
	Environment string
	InstanceID  string
}

// Func mutates one endpoint descriptor. Implementations must be idempotent
// and free of side effects beyond the endpoint itself.
type Func func(ctx Context, e *endpoint.Endpoint)

// Policy is a named configuration rule.
type Policy struct {
	Name  string
	Apply Func
}

// New wraps a Func with a name for logging.
func New(name string, fn Func) Policy {
	return Policy{Name: name, Apply: fn}
}

// Engine applies registered policies to endpoints. Registration order is
// evaluation order; that ordering is the documented conflict rule.
type Engine struct {
	policies []Policy
	logger   logging.ServiceLogger
}

// NewEngine returns an empty policy engine.
func NewEngine(logger logging.ServiceLogger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{logger: logger}
}

// Register appends policies to the evaluation order.
func (en *Engine) Register(policies ...Policy) {
	en.policies = append(en.policies, policies...)
}

// Len returns the number of registered policies.
func (en *Engine) Len() int {
	return len(en.policies)
}

// ApplyAll runs every registered policy against every endpoint exactly once.
// Policies run regardless of what earlier policies did.
func (en *Engine) ApplyAll(ctx Context, endpoints []*endpoint.Endpoint) {
	for _, p := range en.policies {
		for _, e := range endpoints {
			if p.Apply == nil {
				continue
			}
			p.Apply(ctx, e)
		}
		en.logger.Debug("Applied endpoint policy", logging.LogFields{
			"policy":    p.Name,
			"endpoints": len(endpoints),
		})
	}
}

// WhenRole guards a policy so it only touches endpoints of the given role.
// The usual guard is RoleApplication, which keeps engine-internal endpoints
// (reply inboxes, dead-letter sinks) out of application rules.
func WhenRole(role endpoint.Role, p Policy) Policy {
	return Policy{
		Name: p.Name + "@role=" + string(role),
		Apply: func(ctx Context, e *endpoint.Endpoint) {
			if e.Role == role {
				p.Apply(ctx, e)
			}
		},
	}
}

// ApplicationOnly guards a policy to application-role endpoints.
func ApplicationOnly(p Policy) Policy {
	return WhenRole(endpoint.RoleApplication, p)
}

// WhenSubjectPrefix guards a policy to endpoints whose subject starts with
// the literal prefix.
func WhenSubjectPrefix(prefix string, p Policy) Policy {
	return Policy{
		Name: p.Name + "@prefix=" + prefix,
		Apply: func(ctx Context, e *endpoint.Endpoint) {
			if strings.HasPrefix(e.Subject, prefix) {
				p.Apply(ctx, e)
			}
		},
	}
}

// WhenDirection guards a policy to listeners or senders.
func WhenDirection(direction endpoint.Direction, p Policy) Policy {
	return Policy{
		Name: p.Name + "@direction=" + string(direction),
		Apply: func(ctx Context, e *endpoint.Endpoint) {
			if e.Direction == direction {
				p.Apply(ctx, e)
			}
		},
	}
}

// ForEnvironment returns the policy set matching the deployment environment.
// Selection happens once, when the engine registers the returned set.
func ForEnvironment(environment string, sets map[string][]Policy) []Policy {
	return sets[environment]
}
