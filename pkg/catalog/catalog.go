// Package catalog caches the tools, resources and prompts a server
// declares. Each refresh issues the three list operations concurrently and
// swaps in a new immutable Snapshot only when all of them succeed.
package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
	"github.com/ajitpratap0/mcp-session-go/pkg/pagination"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/utils"
)

// Lister issues a JSON-RPC request and returns the raw result
type Lister interface {
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Observer is told the size of each list after a refresh or clear
type Observer interface {
	ObserveCatalogSize(kind string, size int)
}

// Option configures a Catalog
type Option func(*Catalog)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver reports list sizes to o
func WithObserver(o Observer) Option {
	return func(c *Catalog) { c.observer = o }
}

// WithMaxPages bounds the pages followed per list
func WithMaxPages(n int) Option {
	return func(c *Catalog) { c.maxPages = n }
}

// Catalog holds the current snapshot
type Catalog struct {
	current  atomic.Pointer[Snapshot]
	logger   logging.Logger
	observer Observer
	maxPages int

	refreshMu  sync.Mutex
	generation atomic.Uint64
}

// New creates a catalog in the Uninitialized state
func New(opts ...Option) *Catalog {
	c := &Catalog{logger: logging.Nop(), maxPages: pagination.DefaultMaxPages}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(logging.String("component", "catalog"))
	c.current.Store(uninitialized)
	return c
}

// Snapshot returns the current snapshot; it is never nil
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Tools returns the current tool list
func (c *Catalog) Tools() []protocol.Tool { return c.Snapshot().Tools }

// Resources returns the current resource list
func (c *Catalog) Resources() []protocol.Resource { return c.Snapshot().Resources }

// Prompts returns the current prompt list
func (c *Catalog) Prompts() []protocol.Prompt { return c.Snapshot().Prompts }

// Clear returns the catalog to Uninitialized
func (c *Catalog) Clear() {
	c.current.Store(uninitialized)
	c.observe(uninitialized)
}

// Refresh fetches the lists the server advertised in caps and replaces the
// current snapshot with the result. The first failing list cancels the
// others and the previous snapshot is kept.
func (c *Catalog) Refresh(ctx context.Context, lister Lister, caps protocol.ServerCapabilities) (*Snapshot, error) {
	snap, err := c.Fetch(ctx, lister, caps)
	if err != nil {
		return nil, err
	}
	c.Replace(snap)
	return snap, nil
}

// Replace makes snap the current snapshot
func (c *Catalog) Replace(snap *Snapshot) {
	c.current.Store(snap)
	c.observe(snap)
}

// Fetch builds a snapshot from the lists the server advertised in caps
// without making it current. The first failing list cancels the others.
func (c *Catalog) Fetch(ctx context.Context, lister Lister, caps protocol.ServerCapabilities) (*Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	var (
		tools     = []protocol.Tool{}
		resources = []protocol.Resource{}
		prompts   = []protocol.Prompt{}
	)

	g, gctx := errgroup.WithContext(ctx)
	if caps.Has(protocol.CapabilityTools) {
		g.Go(func() error {
			list, err := pagination.CollectN(gctx, c.maxPages, func(ctx context.Context, cursor string) ([]protocol.Tool, string, error) {
				var result protocol.ListToolsResult
				err := fetchList(ctx, lister, protocol.MethodListTools, protocol.ListToolsParams{
					PaginatedParams: protocol.PaginatedParams{Cursor: cursor},
				}, &result)
				return result.Tools, result.NextCursor, err
			})
			if err != nil {
				return mcperrors.CatalogError("tools", err)
			}
			tools = list
			return nil
		})
	}
	if caps.Has(protocol.CapabilityResources) {
		g.Go(func() error {
			list, err := pagination.CollectN(gctx, c.maxPages, func(ctx context.Context, cursor string) ([]protocol.Resource, string, error) {
				var result protocol.ListResourcesResult
				err := fetchList(ctx, lister, protocol.MethodListResources, protocol.ListResourcesParams{
					PaginatedParams: protocol.PaginatedParams{Cursor: cursor},
				}, &result)
				return result.Resources, result.NextCursor, err
			})
			if err != nil {
				return mcperrors.CatalogError("resources", err)
			}
			resources = list
			return nil
		})
	}
	if caps.Has(protocol.CapabilityPrompts) {
		g.Go(func() error {
			list, err := pagination.CollectN(gctx, c.maxPages, func(ctx context.Context, cursor string) ([]protocol.Prompt, string, error) {
				var result protocol.ListPromptsResult
				err := fetchList(ctx, lister, protocol.MethodListPrompts, protocol.ListPromptsParams{
					PaginatedParams: protocol.PaginatedParams{Cursor: cursor},
				}, &result)
				return result.Prompts, result.NextCursor, err
			})
			if err != nil {
				return mcperrors.CatalogError("prompts", err)
			}
			prompts = list
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.WithError(err).Warn("catalog fetch failed",
			logging.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	snap := c.build(tools, resources, prompts)

	c.logger.Debug("catalog fetched",
		logging.Int64("generation", int64(snap.Generation)),
		logging.Int("tools", len(tools)),
		logging.Int("resources", len(resources)),
		logging.Int("prompts", len(prompts)),
		logging.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

func fetchList(ctx context.Context, lister Lister, method string, params, result interface{}) error {
	raw, err := lister.Request(ctx, method, params)
	if err != nil {
		return err
	}
	return utils.JSONToStruct(raw, result)
}

func (c *Catalog) build(tools []protocol.Tool, resources []protocol.Resource, prompts []protocol.Prompt) *Snapshot {
	snap := &Snapshot{
		Status:     Loaded,
		Generation: c.generation.Add(1),
		FetchedAt:  time.Now(),
		Tools:      tools,
		Resources:  resources,
		Prompts:    prompts,
		tools:      make(map[string]int, len(tools)),
		resources:  make(map[string]int, len(resources)),
		prompts:    make(map[string]int, len(prompts)),
		schemas:    make(map[string]*jsonschema.Resolved, len(tools)),
	}

	for i, t := range tools {
		if _, dup := snap.tools[t.Name]; dup {
			c.logger.Warn("duplicate tool name, keeping the first", logging.String("tool", t.Name))
			continue
		}
		snap.tools[t.Name] = i
		resolved, err := utils.CompileSchema(t.InputSchema)
		if err != nil {
			c.logger.WithError(err).Warn("tool input schema rejected, arguments will not be validated",
				logging.String("tool", t.Name),
			)
			continue
		}
		snap.schemas[t.Name] = resolved
	}
	for i, r := range resources {
		if _, dup := snap.resources[r.URI]; dup {
			c.logger.Warn("duplicate resource uri, keeping the first", logging.String("uri", r.URI))
			continue
		}
		snap.resources[r.URI] = i
	}
	for i, p := range prompts {
		if _, dup := snap.prompts[p.Name]; dup {
			c.logger.Warn("duplicate prompt name, keeping the first", logging.String("prompt", p.Name))
			continue
		}
		snap.prompts[p.Name] = i
	}
	return snap
}

func (c *Catalog) observe(s *Snapshot) {
	if c.observer == nil {
		return
	}
	for _, kind := range []Kind{KindTool, KindResource, KindPrompt} {
		c.observer.ObserveCatalogSize(string(kind), s.Size(kind))
	}
}
