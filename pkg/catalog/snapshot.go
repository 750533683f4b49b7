package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/utils"
)

// Kind names a capability family
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Status distinguishes a catalog that was never fetched from an empty one
type Status int

const (
	Uninitialized Status = iota
	Loaded
)

func (s Status) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "uninitialized"
}

// Snapshot is one immutable fetch of the three capability lists. Lists keep
// the server's order.
type Snapshot struct {
	Status     Status
	Generation uint64
	FetchedAt  time.Time

	Tools     []protocol.Tool
	Resources []protocol.Resource
	Prompts   []protocol.Prompt

	tools     map[string]int
	resources map[string]int
	prompts   map[string]int
	schemas   map[string]*jsonschema.Resolved
}

var uninitialized = &Snapshot{Status: Uninitialized}

// Loaded reports whether the snapshot came from a successful refresh
func (s *Snapshot) Loaded() bool {
	return s != nil && s.Status == Loaded
}

// Tool looks up a tool by name
func (s *Snapshot) Tool(name string) (protocol.Tool, bool) {
	if i, ok := s.tools[name]; ok {
		return s.Tools[i], true
	}
	return protocol.Tool{}, false
}

// Resource looks up a resource by URI
func (s *Snapshot) Resource(uri string) (protocol.Resource, bool) {
	if i, ok := s.resources[uri]; ok {
		return s.Resources[i], true
	}
	return protocol.Resource{}, false
}

// Prompt looks up a prompt by name
func (s *Snapshot) Prompt(name string) (protocol.Prompt, bool) {
	if i, ok := s.prompts[name]; ok {
		return s.Prompts[i], true
	}
	return protocol.Prompt{}, false
}

// Has reports whether target is in the snapshot's list for kind
func (s *Snapshot) Has(kind Kind, target string) bool {
	var ok bool
	switch kind {
	case KindTool:
		_, ok = s.tools[target]
	case KindResource:
		_, ok = s.resources[target]
	case KindPrompt:
		_, ok = s.prompts[target]
	}
	return ok
}

// Size returns the number of capabilities of kind
func (s *Snapshot) Size(kind Kind) int {
	switch kind {
	case KindTool:
		return len(s.Tools)
	case KindResource:
		return len(s.Resources)
	case KindPrompt:
		return len(s.Prompts)
	}
	return 0
}

// ValidateToolArguments checks args against the tool's input schema. Tools
// whose schema could not be compiled accept any JSON object.
func (s *Snapshot) ValidateToolArguments(name string, args json.RawMessage) error {
	if _, ok := s.Tool(name); !ok {
		return mcperrors.UnknownCapability(string(KindTool), name)
	}
	if err := utils.ValidateValue(s.schemas[name], args); err != nil {
		return mcperrors.InvalidParams(name, "arguments do not match the input schema", err)
	}
	return nil
}

// ValidatePromptArguments checks that every required prompt argument is set
func (s *Snapshot) ValidatePromptArguments(name string, args map[string]string) error {
	prompt, ok := s.Prompt(name)
	if !ok {
		return mcperrors.UnknownCapability(string(KindPrompt), name)
	}
	for _, required := range prompt.RequiredArguments() {
		if _, ok := args[required]; !ok {
			return mcperrors.MissingParameter(name, required)
		}
	}
	return nil
}
