// Package approver picks the reviewer for a submitted stock count by walking
// the organizational hierarchy (site, area, region, company) through an
// ordered list of fallback strategies.
package approver

import (
	"context"
	"errors"
	"strings"
)

// ApprovalTypeStockCount is the workflow type consulted for stock counts.
const ApprovalTypeStockCount = "stock_count"

var (
	// ErrNotFound is returned by directories for unknown records.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRequest marks a resolution request with missing ids.
	ErrInvalidRequest = errors.New("invalid approver request")
	// ErrNoApprover is carried by unresolved resolutions.
	ErrNoApprover = errors.New("no approver could be determined")
)

// Role is a profile's application role.
type Role string

const (
	RoleOwner           Role = "Owner"
	RoleAdmin           Role = "Admin"
	RoleRegionalManager Role = "Regional Manager"
	RoleAreaManager     Role = "Area Manager"
	RoleSiteManager     Role = "Site Manager"
	RoleGeneralManager  Role = "General Manager"
	RoleManager         Role = "Manager"
	RoleStaff           Role = "Staff"
)

// RankNone sorts after every manager-equivalent role.
const RankNone = 100

var knownRoles = []Role{
	RoleOwner, RoleAdmin, RoleRegionalManager, RoleAreaManager,
	RoleSiteManager, RoleGeneralManager, RoleManager, RoleStaff,
}

// ParseRole matches a stored role label case-insensitively, accepting
// snake_case variants such as "regional_manager".
func ParseRole(raw string) Role {
	norm := strings.Join(strings.Fields(strings.ReplaceAll(strings.TrimSpace(raw), "_", " ")), " ")
	for _, r := range knownRoles {
		if strings.EqualFold(norm, string(r)) {
			return r
		}
	}
	return Role(norm)
}

// Rank orders reviewers: Owner/Admin, Regional, Area, then site-level managers.
func (r Role) Rank() int {
	switch r {
	case RoleOwner, RoleAdmin:
		return 0
	case RoleRegionalManager:
		return 1
	case RoleAreaManager:
		return 2
	case RoleSiteManager, RoleGeneralManager, RoleManager:
		return 3
	default:
		return RankNone
	}
}

// ManagerEquivalent reports whether the role may review a count.
func (r Role) ManagerEquivalent() bool { return r.Rank() < RankNone }

// ManagerRoles lists every manager-equivalent role in rank order.
func ManagerRoles() []Role {
	return []Role{
		RoleOwner, RoleAdmin, RoleRegionalManager, RoleAreaManager,
		RoleSiteManager, RoleGeneralManager, RoleManager,
	}
}

type Company struct {
	ID   string
	Name string
}

type Region struct {
	ID        string
	CompanyID string
	Name      string
	ManagerID string
}

type Area struct {
	ID        string
	CompanyID string
	RegionID  string
	Name      string
	ManagerID string
}

// Site stores its region only when it is assigned directly; otherwise the
// region comes from its area.
type Site struct {
	ID        string
	CompanyID string
	Name      string
	AreaID    string
	RegionID  string
}

// EffectiveRegionID is the direct region, else the area's region.
func (s Site) EffectiveRegionID(area *Area) string {
	if s.RegionID != "" {
		return s.RegionID
	}
	if area != nil {
		return area.RegionID
	}
	return ""
}

type Profile struct {
	ID        string
	CompanyID string
	SiteID    string
	FullName  string
	Email     string
	Role      Role
}

// WorkflowStep is one ordered role step of an approval workflow.
type WorkflowStep struct {
	Order int  `json:"step"`
	Role  Role `json:"role"`
}

// Directory is the read side of the organizational data.
type Directory interface {
	Company(ctx context.Context, id string) (Company, error)
	Site(ctx context.Context, id string) (Site, error)
	Area(ctx context.Context, id string) (Area, error)
	Region(ctx context.Context, id string) (Region, error)
	Profile(ctx context.Context, id string) (Profile, error)
	CompanyProfiles(ctx context.Context, companyID string, roles []Role) ([]Profile, error)
	SiteProfiles(ctx context.Context, siteID string, roles []Role) ([]Profile, error)
}

// Workflows returns the active workflow steps for a company and approval type.
// No steps and a nil error means no workflow is configured.
type Workflows interface {
	ApprovalSteps(ctx context.Context, companyID, approvalType string) ([]WorkflowStep, error)
}

// Remote is a server-side resolver tried before the local walk.
type Remote interface {
	ResolveApprover(ctx context.Context, companyID, siteID string) (*Approver, error)
}

// Tier names the strategy family that produced an approver.
type Tier string

const (
	TierRemote    Tier = "remote"
	TierHierarchy Tier = "hierarchy"
	TierCompany   Tier = "company"
	TierSelf      Tier = "self"
)

// Approver is a resolved reviewer.
type Approver struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	RoleLabel string `json:"role"`
	Rank      int    `json:"rank"`
	Tier      Tier   `json:"tier"`
}

func fromProfile(p Profile, label string, rank int, tier Tier) *Approver {
	if label == "" {
		label = string(p.Role)
	}
	return &Approver{ID: p.ID, Name: p.FullName, Email: p.Email, RoleLabel: label, Rank: rank, Tier: tier}
}

func labelled(role Role, place string) string {
	if place == "" {
		return string(role)
	}
	return string(role) + " (" + place + ")"
}
