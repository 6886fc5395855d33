package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/configmapsyncd/internal/config"
	"github.com/schaermu/configmapsyncd/internal/desired"
	"github.com/schaermu/configmapsyncd/internal/kube"
)

// ErrActionsFailed is returned when the run completed but at least one
// action could not be applied
var ErrActionsFailed = errors.New("one or more actions failed")

// Summary counts what a run did
type Summary struct {
	Namespaces int
	Created    int
	Replaced   int
	Deleted    int
	Failed     int
}

func (s *Summary) add(other Summary) {
	s.Namespaces += other.Namespaces
	s.Created += other.Created
	s.Replaced += other.Replaced
	s.Deleted += other.Deleted
	s.Failed += other.Failed
}

func (s *Summary) record(outcome Outcome) {
	switch outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeReplaced:
		s.Replaced++
	case OutcomeDeleted, OutcomeAbsent:
		s.Deleted++
	}
}

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	client  kube.Client
	builder *desired.Builder
	applier *Applier
	marker  kube.Marker
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, client kube.Client, logger *slog.Logger, dryRun bool) *Engine {
	marker := kube.Marker{Key: cfg.Sync.ManagedByKey, Value: cfg.Sync.ManagedBy}
	return &Engine{
		cfg:     cfg,
		client:  client,
		builder: desired.NewBuilder(logger, cfg.Sync.DetectText),
		applier: NewApplier(client, marker, cfg.Sync.AdoptUnmanaged, cfg.Sync.OptimisticLocking, logger),
		marker:  marker,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run executes one complete pass over root. The returned summary is non-nil
// whenever the desired state could be built.
func (e *Engine) Run(ctx context.Context, root string) (*Summary, error) {
	e.logger.Info("starting sync",
		"root", root,
		"marker", e.marker.Selector(),
		"concurrency", e.cfg.Sync.Concurrency,
		"dry_run", e.dryRun)

	state, err := e.builder.Build(root)
	if err != nil {
		return nil, fmt.Errorf("failed to build desired state: %w", err)
	}

	namespaces := state.Namespaces()
	results := make([]Summary, len(namespaces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Sync.Concurrency)
	for i, ns := range namespaces {
		g.Go(func() error {
			res, err := e.syncNamespace(gctx, ns, state[ns])
			results[i] = res
			return err
		})
	}
	waitErr := g.Wait()

	summary := &Summary{}
	for _, res := range results {
		summary.add(res)
	}
	e.logSummary(ctx, summary, waitErr)
	if waitErr != nil {
		return summary, waitErr
	}

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d failed", ErrActionsFailed, summary.Failed)
	}
	return summary, nil
}

// syncNamespace reads, plans and applies one namespace. Only errors that
// make the remote store unusable are returned; action failures are counted.
func (e *Engine) syncNamespace(ctx context.Context, ns string, want desired.Set) (Summary, error) {
	res := Summary{Namespaces: 1}
	logger := e.logger.With("namespace", ns)

	if err := desired.ValidateNamespace(ns); err != nil {
		logger.Error("skipping namespace", "error", err)
		res.Failed++
		return res, nil
	}

	logger.Info("fetching configmaps in the cluster")
	all, err := e.client.ListAll(ctx, ns)
	if err != nil {
		return res, err
	}
	owned, err := e.client.ListOwned(ctx, ns)
	if err != nil {
		return res, err
	}

	plan := BuildPlan(want, all, owned)
	upserts, deletes := plan.Counts()
	logger.Info("sync plan",
		"upsert", upserts,
		"delete", deletes,
		"remote", len(all),
		"owned", len(owned))

	if e.dryRun {
		e.logPlanDetails(logger, plan, &res)
		return res, nil
	}

	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome, err := e.applier.Apply(ctx, ns, action)
		if err != nil {
			res.Failed++
			logger.Error("action failed",
				"configmap", action.Name,
				"action", action.Kind.String(),
				"error", err)
			continue
		}
		res.record(outcome)
	}

	return res, nil
}

// logPlanDetails logs detailed plan information for dry-run and counts the
// actions as if they had been applied
func (e *Engine) logPlanDetails(logger *slog.Logger, plan Plan, res *Summary) {
	for _, action := range plan.Actions {
		if action.Kind == Delete {
			logger.Info("[dry-run] would delete", "configmap", action.Name)
			res.Deleted++
			continue
		}

		switch err := action.Object.Validate(); {
		case err != nil:
			logger.Warn("[dry-run] would reject invalid configmap", "configmap", action.Name, "error", err)
			res.Failed++
		case action.Remote == nil:
			logger.Info("[dry-run] would create", "configmap", action.Name,
				"data_keys", len(action.Object.Data),
				"binary_keys", len(action.Object.BinaryData))
			res.Created++
		case !e.marker.Matches(action.Remote.Labels) && !e.cfg.Sync.AdoptUnmanaged:
			logger.Warn("[dry-run] would refuse to replace unmanaged configmap", "configmap", action.Name)
			res.Failed++
		default:
			logger.Info("[dry-run] would replace", "configmap", action.Name,
				"data_keys", len(action.Object.Data),
				"binary_keys", len(action.Object.BinaryData))
			res.Replaced++
		}
	}
}

// logSummary logs the final counts. A run aborted by err still reports what
// it did before stopping.
func (e *Engine) logSummary(ctx context.Context, s *Summary, err error) {
	level := slog.LevelInfo
	attrs := []any{
		"namespaces", s.Namespaces,
		"created", s.Created,
		"replaced", s.Replaced,
		"deleted", s.Deleted,
		"failed", s.Failed,
		"dry_run", e.dryRun,
	}
	if s.Failed > 0 {
		level = slog.LevelError
	}
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, "aborted", true, "error", err)
	}
	e.logger.Log(ctx, level, "sync summary", attrs...)
}
