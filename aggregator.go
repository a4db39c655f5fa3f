package multimcp

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Aggregator builds and maintains the unified catalog. It queries backends
// concurrently with a bounded per-backend timeout; a backend that fails or
// stalls is simply absent from the catalog, it never blocks the others.
type Aggregator struct {
	catalog     *Catalog
	logger      *slog.Logger
	listTimeout time.Duration

	// onUpdate, when set, observes every catalog delta so the serving
	// layer can mirror it (register/unregister with the MCP server).
	onUpdate func(added, removed []Entry)
}

func NewAggregator(catalog *Catalog, listTimeout time.Duration, logger *slog.Logger) *Aggregator {
	if listTimeout <= 0 {
		listTimeout = 10 * time.Second
	}
	return &Aggregator{
		catalog:     catalog,
		logger:      logger,
		listTimeout: listTimeout,
	}
}

// OnUpdate registers the catalog-delta observer. Must be called before
// aggregation starts.
func (a *Aggregator) OnUpdate(fn func(added, removed []Entry)) {
	a.onUpdate = fn
}

// RefreshAll re-queries every Ready backend concurrently and waits for all
// of them. Failures are logged per backend and tolerated.
func (a *Aggregator) RefreshAll(ctx context.Context, backends []Backend) {
	var g errgroup.Group
	for _, b := range backends {
		if b.State() != StateReady {
			continue
		}
		g.Go(func() error {
			// Errors already logged per backend; partial results stand.
			_ = a.RefreshBackend(ctx, b)
			return nil
		})
	}
	_ = g.Wait()
}

// RefreshBackend re-queries a single backend and atomically replaces its
// slice of the catalog. On listing failure the backend's prior entries are
// withdrawn: stale capabilities are never served.
func (a *Aggregator) RefreshBackend(ctx context.Context, b Backend) error {
	listCtx, cancel := context.WithTimeout(ctx, a.listTimeout)
	defer cancel()

	caps, err := b.ListCapabilities(listCtx)
	if err != nil {
		a.logger.Warn("backend capability listing failed",
			"backend", b.Name(), "error", err)
		removed := a.catalog.RemoveBackend(b.Name())
		a.notify(nil, removed)
		return err
	}

	entries := buildEntries(b.Name(), caps)
	added, removed, rejected := a.catalog.ReplaceBackend(b.Name(), entries)
	for _, e := range rejected {
		a.logger.Warn("capability name collision, entry rejected",
			"backend", b.Name(), "kind", e.Capability, "exposed", e.Exposed)
	}

	a.logger.Info("backend aggregated", "backend", b.Name(),
		"tools", len(caps.Tools), "resources", len(caps.Resources), "prompts", len(caps.Prompts))

	a.notify(added, removed)
	return nil
}

// Drop withdraws a backend's slice, used when it leaves Ready.
func (a *Aggregator) Drop(b Backend) {
	removed := a.catalog.RemoveBackend(b.Name())
	if len(removed) > 0 {
		a.logger.Info("backend capabilities withdrawn",
			"backend", b.Name(), "count", len(removed))
	}
	a.notify(nil, removed)
}

// Lookup resolves an exposed name against the current catalog.
func (a *Aggregator) Lookup(kind Capability, exposed string) (Entry, bool) {
	return a.catalog.Lookup(kind, exposed)
}

// ListAll returns a point-in-time snapshot of one kind.
func (a *Aggregator) ListAll(kind Capability) []Entry {
	return a.catalog.List(kind)
}

func (a *Aggregator) notify(added, removed []Entry) {
	if a.onUpdate != nil && (len(added) > 0 || len(removed) > 0) {
		a.onUpdate(added, removed)
	}
}

// buildEntries applies the namespacing scheme to one backend's
// advertisement. Resources are namespaced by URI since that is what
// clients address them with.
func buildEntries(backend string, caps *Capabilities) []Entry {
	entries := make([]Entry, 0, len(caps.Tools)+len(caps.Resources)+len(caps.Prompts))

	for _, tool := range caps.Tools {
		entries = append(entries, Entry{
			Capability: TOOL,
			Backend:    backend,
			Name:       tool.Name,
			Exposed:    ExposedName(backend, tool.Name),
			Tool:       tool,
		})
	}
	for _, res := range caps.Resources {
		entries = append(entries, Entry{
			Capability: RESOURCE,
			Backend:    backend,
			Name:       res.URI,
			Exposed:    ExposedName(backend, res.URI),
			Resource:   res,
		})
	}
	for _, prompt := range caps.Prompts {
		entries = append(entries, Entry{
			Capability: PROMPT,
			Backend:    backend,
			Name:       prompt.Name,
			Exposed:    ExposedName(backend, prompt.Name),
			Prompt:     prompt,
		})
	}

	return entries
}
