package approver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Options configures an Engine.
type Options struct {
	Directory Directory
	Workflows Workflows
	Remote    Remote
	// DefaultRole is used when no active workflow names one.
	DefaultRole Role
	// DisableSelfApproval drops the fallback that makes the counter the reviewer.
	DisableSelfApproval bool
	Logger              *zap.Logger
}

// Engine resolves approvers. It only reads organizational data.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// NewEngine builds an engine; opts.Directory is required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Directory == nil {
		return nil, errors.New("approver: directory is required")
	}
	if opts.DefaultRole == "" {
		opts.DefaultRole = RoleRegionalManager
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts, logger: logger}, nil
}

// Request identifies the count being submitted.
type Request struct {
	CompanyID string
	SiteID    string
	// ReadyBy is the actor who marked the count ready for approval.
	ReadyBy string
	// Breaker guards the remote resolver for this session.
	Breaker *Breaker
}

// Status of a resolution.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
	StatusFailed     Status = "failed"
)

// Resolution is the advisory outcome of a lookup. It never carries a panic or
// a fatal error; callers decide whether to block submission.
type Resolution struct {
	Status   Status
	Approver *Approver
	Role     Role
	Strategy string
	Warnings []string
	Err      error
}

// Message is the user-facing summary of the outcome.
func (r Resolution) Message() string {
	switch r.Status {
	case StatusResolved:
		return fmt.Sprintf("assigned to %s (%s)", r.Approver.Name, r.Approver.RoleLabel)
	case StatusUnresolved:
		return "no approver could be determined; assign manually"
	default:
		return fmt.Sprintf("approver resolution failed: %v", r.Err)
	}
}

// Resolve returns the best-fit reviewer for a stock count at req.SiteID.
func (e *Engine) Resolve(ctx context.Context, req Request) Resolution {
	walk, err := e.prepare(ctx, req)
	if err != nil {
		e.logger.Warn("approver resolution failed",
			zap.String("company", req.CompanyID),
			zap.String("site", req.SiteID),
			zap.Error(err))
		return Resolution{Status: StatusFailed, Err: err}
	}

	res := Resolution{Status: StatusUnresolved}
	walk.Role, res.Warnings = e.requiredRole(ctx, req.CompanyID)
	res.Role = walk.Role

	if a, ok := e.tryRemote(ctx, req, &res); ok {
		res.Status = StatusResolved
		res.Approver = a
		res.Strategy = "remote"
		return res
	}

	for _, strategy := range DefaultStrategies(walk.Role, !e.opts.DisableSelfApproval) {
		a, err := strategy.TryResolve(ctx, walk)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", strategy.Name(), err))
		}
		if a == nil {
			continue
		}
		res.Status = StatusResolved
		res.Approver = a
		res.Strategy = strategy.Name()
		e.logger.Debug("approver resolved",
			zap.String("site", req.SiteID),
			zap.String("strategy", strategy.Name()),
			zap.String("approver", a.ID))
		return res
	}

	e.logger.Info("no approver found",
		zap.String("company", req.CompanyID),
		zap.String("site", req.SiteID),
		zap.String("role", string(walk.Role)))
	res.Err = ErrNoApprover
	return res
}

func (e *Engine) tryRemote(ctx context.Context, req Request, res *Resolution) (*Approver, bool) {
	if e.opts.Remote == nil || !req.Breaker.Allow() {
		return nil, false
	}
	a, err := e.opts.Remote.ResolveApprover(ctx, req.CompanyID, req.SiteID)
	if err != nil {
		req.Breaker.Trip(err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("remote: %v", err))
		e.logger.Warn("remote approver resolver failed; using local walk", zap.Error(err))
		return nil, false
	}
	if a == nil {
		return nil, false
	}
	a.Tier = TierRemote
	return a, true
}

func (e *Engine) prepare(ctx context.Context, req Request) (*Walk, error) {
	companyID := strings.TrimSpace(req.CompanyID)
	siteID := strings.TrimSpace(req.SiteID)
	if companyID == "" || siteID == "" {
		return nil, fmt.Errorf("%w: company and site ids are required", ErrInvalidRequest)
	}
	dir := e.opts.Directory

	company, err := dir.Company(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("company %s: %w", companyID, err)
	}
	site, err := dir.Site(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", siteID, err)
	}
	if site.CompanyID != company.ID {
		return nil, fmt.Errorf("%w: site %s does not belong to company %s", ErrInvalidRequest, siteID, companyID)
	}

	walk := &Walk{Request: req, Company: company, Site: site, Directory: dir}
	if site.AreaID != "" {
		area, err := dir.Area(ctx, site.AreaID)
		switch {
		case err == nil:
			walk.Area = &area
		case errors.Is(err, ErrNotFound):
		default:
			return nil, fmt.Errorf("area %s: %w", site.AreaID, err)
		}
	}
	return walk, nil
}

// requiredRole is the first step role of the company's active stock count
// workflow, else the default role.
func (e *Engine) requiredRole(ctx context.Context, companyID string) (Role, []string) {
	if e.opts.Workflows == nil {
		return e.opts.DefaultRole, nil
	}
	steps, err := e.opts.Workflows.ApprovalSteps(ctx, companyID, ApprovalTypeStockCount)
	if err != nil {
		return e.opts.DefaultRole, []string{fmt.Sprintf("workflow: %v", err)}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	for _, step := range steps {
		if step.Role != "" {
			return ParseRole(string(step.Role)), nil
		}
	}
	return e.opts.DefaultRole, nil
}

// ListEligible gathers candidates from every tier for a human to choose from,
// de-duplicated by profile and sorted by rank then name.
func (e *Engine) ListEligible(ctx context.Context, companyID, siteID string) ([]Approver, error) {
	walk, err := e.prepare(ctx, Request{CompanyID: companyID, SiteID: siteID})
	if err != nil {
		return nil, err
	}
	dir := e.opts.Directory
	found := map[string]Approver{}
	add := func(a *Approver) {
		if a == nil {
			return
		}
		if prev, ok := found[a.ID]; ok && prev.Rank <= a.Rank {
			return
		}
		found[a.ID] = *a
	}
	skip := func(source string, err error) {
		e.logger.Warn("eligible approver lookup failed", zap.String("source", source), zap.Error(err))
	}

	owners, err := dir.CompanyProfiles(ctx, walk.Company.ID, []Role{RoleOwner, RoleAdmin})
	if err != nil {
		skip("company", err)
	}
	for _, p := range owners {
		add(fromProfile(p, "", p.Role.Rank(), TierCompany))
	}

	for _, strategy := range []Strategy{directRegionManager{}, areaRegionManager{}, areaManager{}} {
		a, err := strategy.TryResolve(ctx, walk)
		if err != nil {
			skip(strategy.Name(), err)
		}
		add(a)
	}

	siteProfiles, err := dir.SiteProfiles(ctx, walk.Site.ID, ManagerRoles())
	if err != nil {
		skip("site", err)
	}
	for _, p := range siteProfiles {
		if p.Role.ManagerEquivalent() {
			add(fromProfile(p, "", p.Role.Rank(), TierHierarchy))
		}
	}

	out := make([]Approver, 0, len(found))
	for _, a := range found {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return nameLess(out[i].Name, out[i].ID, out[j].Name, out[j].ID)
	})
	return out, nil
}
