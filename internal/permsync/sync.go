package permsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pageperm/api/internal/observability"
	"pageperm/api/internal/pagetree"
	"pageperm/api/internal/permissions"
	"pageperm/api/internal/proposal"
	"pageperm/api/internal/store"
)

// Store is the storage the synchronizer reads from and writes through.
type Store interface {
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	GetPageByProposal(ctx context.Context, proposalID string) (store.Page, error)
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	ListSpacePages(ctx context.Context, spaceID string) ([]store.Page, error)
	ListGrants(ctx context.Context, pageIDs []string) ([]permissions.Grant, error)
	GetGrant(ctx context.Context, grantID string) (permissions.Grant, error)
	RunInTx(ctx context.Context, fn func(store.Tx) error) error
}

// Target names the page to synchronize, directly or through its proposal.
type Target struct {
	PageID     string
	ProposalID string
}

func PageTarget(pageID string) Target         { return Target{PageID: pageID} }
func ProposalTarget(proposalID string) Target { return Target{ProposalID: proposalID} }

type TriggerKind string

const (
	TriggerGrantAdded    TriggerKind = "grant_added"
	TriggerGrantRemoved  TriggerKind = "grant_removed"
	TriggerPublicToggled TriggerKind = "public_toggled"
	TriggerStageChanged  TriggerKind = "stage_changed"
)

// Trigger is the change that caused a synchronization. Only the fields of
// its Kind are read.
type Trigger struct {
	Kind    TriggerKind
	Input   permissions.Input
	GrantID string
	Public  bool
	Stage   proposal.Stage
}

func GrantAdded(in permissions.Input) Trigger {
	return Trigger{Kind: TriggerGrantAdded, Input: in}
}

func GrantRemoved(grantID string) Trigger {
	return Trigger{Kind: TriggerGrantRemoved, GrantID: grantID}
}

func PublicToggled(public bool) Trigger {
	return Trigger{Kind: TriggerPublicToggled, Public: public}
}

func StageChanged(stage proposal.Stage) Trigger {
	return Trigger{Kind: TriggerStageChanged, Stage: stage}
}

// Result is the grant set of the target page after a synchronization.
type Result struct {
	Page    store.Page
	Grants  []permissions.Grant
	Created int
	Deleted int
	// Touched lists the pages whose grants changed.
	Touched []string
}

type Synchronizer struct {
	store   Store
	log     logrus.FieldLogger
	metrics *observability.Metrics
	newID   func() string
	now     func() time.Time
}

type Option func(*Synchronizer)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Synchronizer) { s.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Synchronizer) { s.newID = newID }
}

func New(st Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store: st,
		log:   logrus.StandardLogger(),
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synchronize recomputes the grants of the target page and its descendants
// after trigger and applies the result in one transaction. Errors are
// *permissions.Error values; nothing is retried.
func (s *Synchronizer) Synchronize(ctx context.Context, target Target, trigger Trigger) (result Result, err error) {
	started := s.now()
	defer func() {
		s.observe(target, trigger, result, err, s.now().Sub(started))
	}()

	if trigger.Kind == TriggerGrantRemoved {
		return s.removeGrant(ctx, target, trigger.GrantID)
	}

	page, err := s.resolvePage(ctx, target)
	if err != nil {
		return Result{}, err
	}
	state, err := s.loadState(ctx, page)
	if err != nil {
		return Result{}, err
	}

	var (
		plan      Plan
		newStatus *proposal.Stage
	)
	switch trigger.Kind {
	case TriggerGrantAdded:
		if err := validateInput(trigger.Input); err != nil {
			return Result{}, err
		}
		plan, err = GrantAddedPlan(state, trigger.Input, s.newID)
	case TriggerPublicToggled:
		plan, err = PublicPlan(state, trigger.Public, s.newID)
	case TriggerStageChanged:
		var prop store.Proposal
		prop, newStatus, err = s.stageTransition(ctx, page, trigger.Stage)
		if err != nil {
			return Result{}, err
		}
		plan, err = StagePlan(state, prop, trigger.Stage, s.newID)
	default:
		return Result{}, permissions.InvalidState("unknown synchronization trigger %q", trigger.Kind)
	}
	if err != nil {
		return Result{}, treeError(err)
	}

	return s.commit(ctx, page, state, plan, newStatus)
}

func (s *Synchronizer) removeGrant(ctx context.Context, target Target, grantID string) (Result, error) {
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return Result{}, storeError(err, "permission %s not found", grantID)
	}
	if target.PageID != "" && target.PageID != grant.PageID {
		return Result{}, permissions.NotFound("permission %s not found on page %s", grantID, target.PageID)
	}
	page, err := s.store.GetPage(ctx, grant.PageID)
	if err != nil {
		return Result{}, storeError(err, "page %s not found", grant.PageID)
	}
	state, err := s.loadState(ctx, page)
	if err != nil {
		return Result{}, err
	}
	plan, err := GrantRemovedPlan(state, grant)
	if err != nil {
		return Result{}, treeError(err)
	}
	return s.commit(ctx, page, state, plan, nil)
}

func (s *Synchronizer) resolvePage(ctx context.Context, target Target) (store.Page, error) {
	switch {
	case target.ProposalID != "":
		page, err := s.store.GetPageByProposal(ctx, target.ProposalID)
		if err != nil {
			return store.Page{}, storeError(err, "proposal %s not found", target.ProposalID)
		}
		return page, nil
	case target.PageID != "":
		page, err := s.store.GetPage(ctx, target.PageID)
		if err != nil {
			return store.Page{}, storeError(err, "page %s not found", target.PageID)
		}
		return page, nil
	default:
		return store.Page{}, permissions.InvalidState("synchronization target is empty")
	}
}

func (s *Synchronizer) stageTransition(ctx context.Context, page store.Page, to proposal.Stage) (store.Proposal, *proposal.Stage, error) {
	if page.Type != store.PageTypeProposal || page.ProposalID == nil {
		return store.Proposal{}, nil, permissions.InvalidState("page %s is not a proposal", page.ID)
	}
	if !to.Valid() {
		return store.Proposal{}, nil, permissions.InvalidState("unknown proposal stage %d", int(to))
	}
	prop, err := s.store.GetProposal(ctx, *page.ProposalID)
	if err != nil {
		return store.Proposal{}, nil, storeError(err, "proposal %s not found", *page.ProposalID)
	}
	from, err := proposal.ParseStage(prop.Status)
	if err != nil {
		return store.Proposal{}, nil, permissions.InvalidState("proposal %s: %v", prop.ID, err)
	}
	if !proposal.CanTransition(from, to) {
		return store.Proposal{}, nil, permissions.InvalidState("proposal %s cannot move from %s to %s", prop.ID, from, to)
	}
	if from == to {
		return prop, nil, nil
	}
	return prop, &to, nil
}

func (s *Synchronizer) loadState(ctx context.Context, page store.Page) (State, error) {
	pages, err := s.store.ListSpacePages(ctx, page.SpaceID)
	if err != nil {
		return State{}, permissions.StorageFailure(err)
	}
	tree, err := pagetree.Build(pages)
	if err != nil {
		return State{}, treeError(err)
	}
	descendants, err := tree.ResolveDescendants(page.ID)
	if err != nil {
		return State{}, treeError(err)
	}
	pageIDs := make([]string, 0, len(descendants)+1)
	pageIDs = append(pageIDs, page.ID)
	for _, d := range descendants {
		pageIDs = append(pageIDs, d.ID)
	}
	grants, err := s.store.ListGrants(ctx, pageIDs)
	if err != nil {
		return State{}, permissions.StorageFailure(err)
	}
	return State{Page: page, Tree: tree, Grants: grants}, nil
}

func (s *Synchronizer) commit(ctx context.Context, page store.Page, state State, plan Plan, newStatus *proposal.Stage) (Result, error) {
	if !plan.Empty() || newStatus != nil {
		err := s.store.RunInTx(ctx, func(tx store.Tx) error {
			if newStatus != nil {
				if err := tx.UpdateProposalStatus(ctx, *page.ProposalID, newStatus.String()); err != nil {
					return err
				}
			}
			if len(plan.ToDelete) > 0 {
				if err := tx.DeleteGrants(ctx, plan.ToDelete); err != nil {
					return err
				}
			}
			if len(plan.ToCreate) > 0 {
				if err := tx.CreateGrants(ctx, plan.ToCreate); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Result{}, storeError(err, "proposal for page %s not found", page.ID)
		}
	}

	grants, err := s.store.ListGrants(ctx, []string{page.ID})
	if err != nil {
		return Result{}, permissions.StorageFailure(err)
	}
	return Result{
		Page:    page,
		Grants:  grants,
		Created: len(plan.ToCreate),
		Deleted: len(plan.ToDelete),
		Touched: touchedPages(state, plan),
	}, nil
}

func touchedPages(state State, plan Plan) []string {
	pageOf := make(map[string]string, len(state.Grants))
	for _, g := range state.Grants {
		pageOf[g.ID] = g.PageID
	}
	seen := make(map[string]bool)
	var out []string
	add := func(pageID string) {
		if pageID != "" && !seen[pageID] {
			seen[pageID] = true
			out = append(out, pageID)
		}
	}
	for _, id := range plan.ToDelete {
		add(pageOf[id])
	}
	for _, g := range plan.ToCreate {
		add(g.PageID)
	}
	return out
}

func validateInput(in permissions.Input) error {
	if err := in.Validate(); err != nil {
		return permissions.InvalidState("invalid permission: %v", err)
	}
	if in.Assignee.IsPublic() && in.Level != permissions.LevelView {
		return permissions.InvalidState("public permissions must be %s", permissions.LevelView)
	}
	return nil
}

func storeError(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return permissions.NotFound(format, args...)
	}
	return permissions.StorageFailure(err)
}

func treeError(err error) error {
	switch {
	case errors.Is(err, pagetree.ErrCycle):
		return permissions.InvalidState("page tree integrity violation: %v", err)
	case errors.Is(err, pagetree.ErrPageNotFound):
		return permissions.NotFound("%v", err)
	}
	var permErr *permissions.Error
	if errors.As(err, &permErr) {
		return err
	}
	return permissions.StorageFailure(fmt.Errorf("plan synchronization: %w", err))
}

func (s *Synchronizer) observe(target Target, trigger Trigger, result Result, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(permissions.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	if s.metrics != nil {
		s.metrics.SyncRunsTotal.WithLabelValues(string(trigger.Kind), outcome).Inc()
		s.metrics.SyncDuration.WithLabelValues(string(trigger.Kind)).Observe(elapsed.Seconds())
		s.metrics.GrantsCreatedTotal.Add(float64(result.Created))
		s.metrics.GrantsDeletedTotal.Add(float64(result.Deleted))
	}

	entry := s.log.WithFields(logrus.Fields{
		"trigger":     trigger.Kind,
		"page_id":     result.Page.ID,
		"target_page": target.PageID,
		"proposal_id": target.ProposalID,
		"created":     result.Created,
		"deleted":     result.Deleted,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("permission synchronization failed")
		return
	}
	entry.Info("permissions synchronized")
}
