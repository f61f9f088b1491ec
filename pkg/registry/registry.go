// Package registry holds the closed set of tool contracts the kernel is
// willing to execute. Contracts are registered once at startup and looked
// up by name on every call; a call whose tool has no registered contract
// is rejected before any side effect occurs.
//
// An empty registry is valid: everything is rejected as unknown.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// Deterministic error codes for contract boundary violations.
const (
	ErrToolUnknown       = "ERR_TOOL_UNKNOWN"
	ErrToolDuplicate     = "ERR_TOOL_DUPLICATE"
	ErrToolBadVersion    = "ERR_TOOL_BAD_VERSION"
	ErrToolBadRiskClass  = "ERR_TOOL_BAD_RISK_CLASS"
	ErrToolBadSchema     = "ERR_TOOL_BAD_SCHEMA"
	ErrToolParamsInvalid = "ERR_TOOL_PARAMS_INVALID"
)

// ContractError is a typed registry boundary error.
type ContractError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
}

func (e *ContractError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s (tool: %s)", e.Code, e.Message, e.Tool)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type compiledContract struct {
	contract contracts.ToolContract
	schema   *jsonschema.Schema // nil when the contract declares no schema
}

// Registry is a thread-safe tool contract registry.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*compiledContract
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{contracts: make(map[string]*compiledContract)}
}

// Register adds a tool contract. The version must be valid semver, the
// risk class must be a declared tier, and the parameter schema (if any)
// must compile as JSON Schema draft 2020-12. Re-registering a name fails.
func (r *Registry) Register(c contracts.ToolContract) error {
	if strings.TrimSpace(c.Name) == "" {
		return &ContractError{Code: ErrToolUnknown, Message: "contract name is empty"}
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return &ContractError{
			Code:    ErrToolBadVersion,
			Message: fmt.Sprintf("version %q is not valid semver: %v", c.Version, err),
			Tool:    c.Name,
		}
	}
	if !c.Risk.Known() {
		return &ContractError{
			Code:    ErrToolBadRiskClass,
			Message: fmt.Sprintf("risk class %q is not a declared tier", c.Risk),
			Tool:    c.Name,
		}
	}

	var schema *jsonschema.Schema
	if c.ParamSchema != "" {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("aegis://contracts/%s.schema.json", c.Name)
		if err := compiler.AddResource(url, strings.NewReader(c.ParamSchema)); err != nil {
			return &ContractError{
				Code:    ErrToolBadSchema,
				Message: fmt.Sprintf("schema load failed: %v", err),
				Tool:    c.Name,
			}
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return &ContractError{
				Code:    ErrToolBadSchema,
				Message: fmt.Sprintf("schema compile failed: %v", err),
				Tool:    c.Name,
			}
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[c.Name]; exists {
		return &ContractError{
			Code:    ErrToolDuplicate,
			Message: "contract already registered",
			Tool:    c.Name,
		}
	}
	r.contracts[c.Name] = &compiledContract{contract: c, schema: schema}
	return nil
}

// Get returns the contract registered under name.
func (r *Registry) Get(name string) (contracts.ToolContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.contracts[name]
	if !ok {
		return contracts.ToolContract{}, false
	}
	return cc.contract, true
}

// List returns all registered contracts. Used by external operational
// tooling for contract inventories.
func (r *Registry) List() []contracts.ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.ToolContract, 0, len(r.contracts))
	for _, cc := range r.contracts {
		out = append(out, cc.contract)
	}
	return out
}

// ValidateParams checks a call's parameters against the registered
// contract's schema. Unknown tools and schema violations both yield an
// invalid report; the caller must not execute the call in either case.
func (r *Registry) ValidateParams(name string, params map[string]any) contracts.ValidationReport {
	r.mu.RLock()
	cc, ok := r.contracts[name]
	r.mu.RUnlock()

	if !ok {
		return contracts.ValidationReport{
			Valid:  false,
			Errors: []string{fmt.Sprintf("%s: no contract registered for tool %q", ErrToolUnknown, name)},
		}
	}
	if cc.schema == nil {
		return contracts.ValidationReport{Valid: true}
	}

	// jsonschema expects decoded-JSON shapes; a nil params map validates as
	// an empty object.
	instance := any(params)
	if params == nil {
		instance = map[string]any{}
	}
	if err := cc.schema.Validate(instance); err != nil {
		return contracts.ValidationReport{
			Valid:  false,
			Errors: []string{fmt.Sprintf("%s: %v", ErrToolParamsInvalid, err)},
		}
	}
	return contracts.ValidationReport{Valid: true}
}
