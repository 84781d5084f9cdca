package approver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Walk is the state one resolution shares across strategies.
type Walk struct {
	Request   Request
	Role      Role
	Company   Company
	Site      Site
	Area      *Area
	Directory Directory
}

// Strategy is one fallback tier. A nil approver with a nil error means the
// strategy found nobody and the next one should run.
type Strategy interface {
	Name() string
	Tier() Tier
	TryResolve(ctx context.Context, w *Walk) (*Approver, error)
}

// managerProfile loads the profile assigned as a manager. An unknown profile
// id is a miss rather than an error.
func managerProfile(ctx context.Context, dir Directory, id string) (*Profile, error) {
	if id == "" {
		return nil, nil
	}
	p, err := dir.Profile(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manager profile %s: %w", id, err)
	}
	return &p, nil
}

func regionManager(ctx context.Context, w *Walk, regionID string, tier Tier) (*Approver, error) {
	if regionID == "" {
		return nil, nil
	}
	region, err := w.Directory.Region(ctx, regionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", regionID, err)
	}
	p, err := managerProfile(ctx, w.Directory, region.ManagerID)
	if err != nil || p == nil {
		return nil, err
	}
	return fromProfile(*p, labelled(RoleRegionalManager, region.Name), RoleRegionalManager.Rank(), tier), nil
}

type directRegionManager struct{}

func (directRegionManager) Name() string { return "site_region_manager" }
func (directRegionManager) Tier() Tier   { return TierHierarchy }

func (directRegionManager) TryResolve(ctx context.Context, w *Walk) (*Approver, error) {
	return regionManager(ctx, w, w.Site.RegionID, TierHierarchy)
}

type areaRegionManager struct{}

func (areaRegionManager) Name() string { return "area_region_manager" }
func (areaRegionManager) Tier() Tier   { return TierHierarchy }

func (areaRegionManager) TryResolve(ctx context.Context, w *Walk) (*Approver, error) {
	if w.Area == nil || w.Area.RegionID == "" || w.Area.RegionID == w.Site.RegionID {
		return nil, nil
	}
	return regionManager(ctx, w, w.Area.RegionID, TierHierarchy)
}

type areaManager struct{}

func (areaManager) Name() string { return "area_manager" }
func (areaManager) Tier() Tier   { return TierHierarchy }

func (areaManager) TryResolve(ctx context.Context, w *Walk) (*Approver, error) {
	if w.Area == nil {
		return nil, nil
	}
	p, err := managerProfile(ctx, w.Directory, w.Area.ManagerID)
	if err != nil || p == nil {
		return nil, err
	}
	return fromProfile(*p, labelled(RoleAreaManager, w.Area.Name), RoleAreaManager.Rank(), TierHierarchy), nil
}

type siteManager struct{}

func (siteManager) Name() string { return "site_manager" }
func (siteManager) Tier() Tier   { return TierHierarchy }

func (siteManager) TryResolve(ctx context.Context, w *Walk) (*Approver, error) {
	profiles, err := w.Directory.SiteProfiles(ctx, w.Site.ID, ManagerRoles())
	if err != nil {
		return nil, fmt.Errorf("site %s profiles: %w", w.Site.ID, err)
	}
	best := bestProfile(profiles)
	if best == nil {
		return nil, nil
	}
	return fromProfile(*best, "", best.Role.Rank(), TierHierarchy), nil
}

type companyFallback struct{}

func (companyFallback) Name() string { return "company_manager" }
func (companyFallback) Tier() Tier   { return TierCompany }

func (companyFallback) TryResolve(ctx context.Context, w *Walk) (*Approver, error) {
	profiles, err := w.Directory.CompanyProfiles(ctx, w.Company.ID, ManagerRoles())
	if err != nil {
		return nil, fmt.Errorf("company %s profiles: %w", w.Company.ID, err)
	}
	best := bestProfile(profiles)
	if best == nil {
		return nil, nil
	}
	return fromProfile(*best, "", best.Role.Rank(), TierCompany), nil
}

// selfApproval lets the person who marked the count ready review it.
type selfApproval struct{}

func (selfApproval) Name() string { return "counter" }
func (selfApproval) Tier() Tier   { return TierSelf }

func (selfApproval) TryResolve(ctx context.Context, w *Walk) (*Approver, error) {
	actor := w.Request.ReadyBy
	if actor == "" {
		return nil, nil
	}
	a := &Approver{ID: actor, RoleLabel: "Counter", Rank: RankNone, Tier: TierSelf}
	p, err := w.Directory.Profile(ctx, actor)
	if err == nil {
		a.Name = p.FullName
		a.Email = p.Email
	} else if !errors.Is(err, ErrNotFound) {
		return a, fmt.Errorf("counter profile %s: %w", actor, err)
	}
	return a, nil
}

// hierarchyFor returns the part of the site-to-region chain that can supply
// the required role.
func hierarchyFor(role Role) []Strategy {
	chain := []Strategy{directRegionManager{}, areaRegionManager{}, areaManager{}, siteManager{}}
	switch role.Rank() {
	case 0:
		return nil
	case 2:
		return chain[2:]
	case 3:
		return chain[3:]
	default:
		return chain
	}
}

// DefaultStrategies is the ordered fallback list for a required role.
func DefaultStrategies(role Role, selfApprovalAllowed bool) []Strategy {
	out := hierarchyFor(role)
	out = append(out, companyFallback{})
	if selfApprovalAllowed {
		out = append(out, selfApproval{})
	}
	return out
}

// bestProfile picks the highest ranked manager, then by name and id.
func bestProfile(profiles []Profile) *Profile {
	var eligible []Profile
	for _, p := range profiles {
		if p.Role.ManagerEquivalent() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sortProfiles(eligible)
	return &eligible[0]
}

func sortProfiles(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.Role.Rank() != b.Role.Rank() {
			return a.Role.Rank() < b.Role.Rank()
		}
		return nameLess(a.FullName, a.ID, b.FullName, b.ID)
	})
}

func nameLess(nameA, idA, nameB, idB string) bool {
	la, lb := strings.ToLower(nameA), strings.ToLower(nameB)
	if la != lb {
		return la < lb
	}
	return idA < idB
}
