package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"pageperm/api/internal/auth"
	"pageperm/api/internal/config"
	"pageperm/api/internal/observability"
	"pageperm/api/internal/pagetree"
	"pageperm/api/internal/permissions"
	"pageperm/api/internal/permsync"
	"pageperm/api/internal/proposal"
	"pageperm/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

// Anonymous reports a request without a bearer token.
func (s Session) Anonymous() bool {
	return s.UserID == ""
}

// DataStore is the storage the service reads pages, grants and memberships from.
type DataStore interface {
	permsync.Store
	Ping(context.Context) error
	ListUserRoles(ctx context.Context, spaceID, userID string) ([]string, error)
	GetSpaceMember(ctx context.Context, spaceID, userID string) (store.SpaceMember, error)
}

// FlagCache caches computed flags per page and user. GetFlags reports the
// page's invalidation generation; SetFlags drops the write when Invalidate ran
// for the page since that generation was read.
type FlagCache interface {
	GetFlags(ctx context.Context, pageID, userID string) (flags permissions.Flags, generation int64, ok bool, err error)
	SetFlags(ctx context.Context, pageID, userID string, generation int64, flags permissions.Flags) error
	Invalidate(ctx context.Context, pageIDs ...string) error
}

type Service struct {
	cfg     config.Config
	store   DataStore
	sync    *permsync.Synchronizer
	cache   FlagCache
	tokens  *auth.Verifier
	metrics *observability.Metrics
	log     logrus.FieldLogger
	flights singleflight.Group
}

// New wires the service. cache may be nil, in which case computed flags are
// not cached.
func New(cfg config.Config, dataStore DataStore, cache FlagCache, metrics *observability.Metrics, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		sync:    permsync.New(dataStore, permsync.WithLogger(log), permsync.WithMetrics(metrics)),
		cache:   cache,
		tokens:  auth.NewVerifier([]byte(cfg.JWTSecret)),
		metrics: metrics,
		log:     log,
	}
}

func (s *Service) Metrics() *observability.Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// GrantInput is the body of a manual permission change.
type GrantInput struct {
	PermissionLevel string  `json:"permissionLevel"`
	UserID          *string `json:"userId"`
	RoleID          *string `json:"roleId"`
	SpaceID         *string `json:"spaceId"`
	Public          bool    `json:"public"`
}

func (in GrantInput) toInput() (permissions.Input, error) {
	level, err := permissions.ParseLevel(strings.TrimSpace(in.PermissionLevel))
	if err != nil {
		return permissions.Input{}, validationError("%v", err)
	}

	var assignees []permissions.Assignee
	if in.UserID != nil {
		assignees = append(assignees, permissions.User(strings.TrimSpace(*in.UserID)))
	}
	if in.RoleID != nil {
		assignees = append(assignees, permissions.Role(strings.TrimSpace(*in.RoleID)))
	}
	if in.SpaceID != nil {
		assignees = append(assignees, permissions.Space(strings.TrimSpace(*in.SpaceID)))
	}
	if in.Public {
		assignees = append(assignees, permissions.Public())
	}
	if len(assignees) != 1 {
		return permissions.Input{}, validationError("exactly one of userId, roleId, spaceId or public is required")
	}

	input := permissions.Input{Level: level, Assignee: assignees[0]}
	if err := input.Validate(); err != nil {
		return permissions.Input{}, validationError("%v", err)
	}
	return input, nil
}

func (s *Service) ListPagePermissions(ctx context.Context, session Session, pageID string) ([]permissions.Grant, error) {
	page, err := s.getPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	flags, err := s.ComputePagePermissions(ctx, session.UserID, page.ID)
	if err != nil {
		return nil, err
	}
	if !flags.Read {
		return nil, permissions.ActionNotPermitted("you cannot view the permissions of page %s", page.ID)
	}
	grants, err := s.store.ListGrants(ctx, []string{page.ID})
	if err != nil {
		return nil, permissions.StorageFailure(err)
	}
	return grants, nil
}

func (s *Service) AddPagePermission(ctx context.Context, session Session, pageID string, body GrantInput) ([]permissions.Grant, error) {
	input, err := body.toInput()
	if err != nil {
		return nil, err
	}
	if input.Level == permissions.LevelProposalEditor {
		return nil, permissions.ActionNotPermitted("%s can only be granted by the proposal workflow", permissions.LevelProposalEditor)
	}
	if input.Assignee.IsPublic() && input.Level != permissions.LevelView {
		return nil, validationError("only view permissions can be given to the public")
	}

	page, err := s.getPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManualChange(ctx, session, page, input.Assignee); err != nil {
		return nil, err
	}

	result, err := s.sync.Synchronize(ctx, permsync.PageTarget(page.ID), permsync.GrantAdded(input))
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, result.Touched)
	return result.Grants, nil
}

func (s *Service) RemovePagePermission(ctx context.Context, session Session, grantID string) error {
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return notFoundOr(err, "permission %s not found", grantID)
	}
	page, err := s.getPage(ctx, grant.PageID)
	if err != nil {
		return err
	}
	if err := s.authorizeManualChange(ctx, session, page, grant.Assignee); err != nil {
		return err
	}

	result, err := s.sync.Synchronize(ctx, permsync.PageTarget(page.ID), permsync.GrantRemoved(grant.ID))
	if err != nil {
		return err
	}
	s.invalidate(ctx, result.Touched)
	return nil
}

func (s *Service) SetPagePublic(ctx context.Context, session Session, pageID string, public bool) ([]permissions.Grant, error) {
	page, err := s.getPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManualChange(ctx, session, page, permissions.Public()); err != nil {
		return nil, err
	}

	result, err := s.sync.Synchronize(ctx, permsync.PageTarget(page.ID), permsync.PublicToggled(public))
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, result.Touched)
	return result.Grants, nil
}

// authorizeManualChange applies the rules for grants made by hand: public
// grants need edit_isPublic, others need grant_permissions. Pages below a
// proposal follow its stage and refuse every manual change; the proposal page
// itself only accepts public access changes.
func (s *Service) authorizeManualChange(ctx context.Context, session Session, page store.Page, assignee permissions.Assignee) error {
	if session.Anonymous() {
		return permissions.ActionNotPermitted("sign in to change page permissions")
	}
	flags, err := s.ComputePagePermissions(ctx, session.UserID, page.ID)
	if err != nil {
		return err
	}
	if assignee.IsPublic() {
		if !flags.EditIsPublic {
			return permissions.ActionNotPermitted("you cannot change public access of page %s", page.ID)
		}
	} else if !flags.GrantPermissions {
		return permissions.ActionNotPermitted("you cannot manage permissions of page %s", page.ID)
	}

	pages, err := s.store.ListSpacePages(ctx, page.SpaceID)
	if err != nil {
		return permissions.StorageFailure(err)
	}
	tree, err := pagetree.Build(pages)
	if err != nil {
		return permissions.InvalidState("page tree integrity violation: %v", err)
	}
	parent, ok, err := tree.FindParentOfType(page.ID, store.PageTypeProposal)
	if err != nil {
		return permissions.NotFound("%v", err)
	}
	if ok {
		return permissions.ActionNotPermitted("permissions of page %s are inherited from proposal %s", page.ID, parent.ID)
	}
	if page.Type == store.PageTypeProposal && !assignee.IsPublic() {
		return permissions.ActionNotPermitted("permissions of proposal %s follow its stage", page.ID)
	}
	return nil
}

// UpdateProposalStatus moves a proposal to status and synchronizes its page
// permissions in the same transaction.
func (s *Service) UpdateProposalStatus(ctx context.Context, session Session, proposalID, status string) ([]permissions.Grant, error) {
	stage, err := proposal.ParseStage(strings.TrimSpace(status))
	if err != nil {
		return nil, validationError("%v", err)
	}
	if err := s.authorizeProposalChange(ctx, session, proposalID); err != nil {
		return nil, err
	}

	result, err := s.sync.Synchronize(ctx, permsync.ProposalTarget(proposalID), permsync.StageChanged(stage))
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, result.Touched)
	return result.Grants, nil
}

// SyncProposalPermissions recomputes a proposal's grants for its current
// stage. Running it twice changes nothing.
func (s *Service) SyncProposalPermissions(ctx context.Context, session Session, proposalID string) ([]permissions.Grant, error) {
	if err := s.authorizeProposalChange(ctx, session, proposalID); err != nil {
		return nil, err
	}
	prop, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, notFoundOr(err, "proposal %s not found", proposalID)
	}
	stage, err := proposal.ParseStage(prop.Status)
	if err != nil {
		return nil, permissions.InvalidState("proposal %s: %v", prop.ID, err)
	}

	result, err := s.sync.Synchronize(ctx, permsync.ProposalTarget(proposalID), permsync.StageChanged(stage))
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, result.Touched)
	return result.Grants, nil
}

// authorizeProposalChange lets authors and space admins drive a proposal.
func (s *Service) authorizeProposalChange(ctx context.Context, session Session, proposalID string) error {
	if session.Anonymous() {
		return permissions.ActionNotPermitted("sign in to update proposals")
	}
	prop, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return notFoundOr(err, "proposal %s not found", proposalID)
	}
	for _, author := range prop.Authors {
		if author == session.UserID {
			return nil
		}
	}
	member, err := s.store.GetSpaceMember(ctx, prop.SpaceID, session.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return permissions.StorageFailure(err)
	}
	if err == nil && member.IsAdmin {
		return nil
	}
	return permissions.ActionNotPermitted("only authors and space admins can update proposal %s", proposalID)
}

// ComputePagePermissions returns the flags userID holds on pageID: the
// highest level over the user's own grants, grants to their roles, space
// grants when they are a member and public grants. Space admins hold full
// access. An empty userID is an anonymous visitor.
func (s *Service) ComputePagePermissions(ctx context.Context, userID, pageID string) (permissions.Flags, error) {
	cacheable := s.cache != nil && userID != ""
	var generation int64
	if cacheable {
		flags, gen, ok, err := s.cache.GetFlags(ctx, pageID, userID)
		switch {
		case err != nil:
			s.cacheError("get", err)
			cacheable = false
		case ok:
			s.metrics.CacheHitsTotal.Inc()
			return flags, nil
		default:
			s.metrics.CacheMissesTotal.Inc()
			generation = gen
		}
	}

	// Joined callers share the leader's work, so it must not stop when the
	// leader's request is cancelled.
	value, err, _ := s.flights.Do(pageID+"/"+userID, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		flags, err := s.computeFlags(flightCtx, userID, pageID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if err := s.cache.SetFlags(flightCtx, pageID, userID, generation, flags); err != nil {
				s.cacheError("set", err)
			}
		}
		return flags, nil
	})
	if err != nil {
		return permissions.Flags{}, err
	}
	return value.(permissions.Flags), nil
}

func (s *Service) computeFlags(ctx context.Context, userID, pageID string) (permissions.Flags, error) {
	page, err := s.getPage(ctx, pageID)
	if err != nil {
		return permissions.Flags{}, err
	}
	v, err := s.loadViewer(ctx, page.SpaceID, userID)
	if err != nil {
		return permissions.Flags{}, err
	}
	if v.admin {
		return permissions.FlagsFor(permissions.LevelFullAccess), nil
	}
	grants, err := s.store.ListGrants(ctx, []string{page.ID})
	if err != nil {
		return permissions.Flags{}, permissions.StorageFailure(err)
	}
	return permissions.FlagsFor(v.levelOn(grants)), nil
}

// AccessiblePageIDs lists the pages of a space userID can read. Deleted pages
// are left out.
func (s *Service) AccessiblePageIDs(ctx context.Context, userID, spaceID string) ([]string, error) {
	pages, err := s.store.ListSpacePages(ctx, spaceID)
	if err != nil {
		return nil, permissions.StorageFailure(err)
	}
	v, err := s.loadViewer(ctx, spaceID, userID)
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(pages))
	for _, page := range pages {
		if !page.Deleted() {
			live = append(live, page.ID)
		}
	}
	if v.admin {
		return live, nil
	}

	grants, err := s.store.ListGrants(ctx, live)
	if err != nil {
		return nil, permissions.StorageFailure(err)
	}
	byPage := make(map[string][]permissions.Grant)
	for _, g := range grants {
		byPage[g.PageID] = append(byPage[g.PageID], g)
	}

	ids := make([]string, 0, len(live))
	for _, pageID := range live {
		if permissions.FlagsFor(v.levelOn(byPage[pageID])).Read {
			ids = append(ids, pageID)
		}
	}
	return ids, nil
}

// viewer is what grant matching needs to know about a user in one space.
type viewer struct {
	userID string
	member bool
	admin  bool
	roles  map[string]struct{}
}

func (s *Service) loadViewer(ctx context.Context, spaceID, userID string) (viewer, error) {
	v := viewer{userID: userID, roles: make(map[string]struct{})}
	if userID == "" {
		return v, nil
	}
	member, err := s.store.GetSpaceMember(ctx, spaceID, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return v, nil
	case err != nil:
		return viewer{}, permissions.StorageFailure(err)
	}
	v.member = true
	v.admin = member.IsAdmin

	roleIDs, err := s.store.ListUserRoles(ctx, spaceID, userID)
	if err != nil {
		return viewer{}, permissions.StorageFailure(err)
	}
	for _, id := range roleIDs {
		v.roles[id] = struct{}{}
	}
	return v, nil
}

func (v viewer) levelOn(grants []permissions.Grant) permissions.Level {
	level := permissions.LevelNone
	for _, g := range grants {
		if v.applies(g.Assignee) {
			level = permissions.Max(level, g.Level)
		}
	}
	return level
}

func (v viewer) applies(a permissions.Assignee) bool {
	switch a.Kind {
	case permissions.AssigneePublic:
		return true
	case permissions.AssigneeUser:
		return v.userID != "" && a.ID == v.userID
	case permissions.AssigneeRole:
		_, ok := v.roles[a.ID]
		return ok
	case permissions.AssigneeSpace:
		return v.member
	default:
		return false
	}
}

func (s *Service) getPage(ctx context.Context, pageID string) (store.Page, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, notFoundOr(err, "page %s not found", pageID)
	}
	return page, nil
}

func (s *Service) invalidate(ctx context.Context, pageIDs []string) {
	if s.cache == nil || len(pageIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, pageIDs...); err != nil {
		s.cacheError("invalidate", err)
	}
}

func (s *Service) cacheError(operation string, err error) {
	s.metrics.CacheErrorsTotal.WithLabelValues(operation).Inc()
	s.log.WithError(err).WithField("operation", operation).Warn("permission cache unavailable")
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return permissions.NotFound(format, args...)
	}
	return permissions.StorageFailure(err)
}
