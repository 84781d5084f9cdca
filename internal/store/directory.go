package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
)

func (s *Store) CreateCompany(ctx context.Context, c approver.Company) error {
	_, err := s.exec(ctx, `
		INSERT INTO companies (id, name, created_at)
		VALUES (@id, @name, @created_at);
	`, map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"created_at": s.now().Unix(),
	})
	return err
}

func (s *Store) CreateRegion(ctx context.Context, r approver.Region) error {
	_, err := s.exec(ctx, `
		INSERT INTO regions (id, company_id, name, manager_id)
		VALUES (@id, @company_id, @name, @manager_id);
	`, map[string]any{
		"id":         r.ID,
		"company_id": r.CompanyID,
		"name":       r.Name,
		"manager_id": r.ManagerID,
	})
	return err
}

func (s *Store) CreateArea(ctx context.Context, a approver.Area) error {
	_, err := s.exec(ctx, `
		INSERT INTO areas (id, company_id, region_id, name, manager_id)
		VALUES (@id, @company_id, @region_id, @name, @manager_id);
	`, map[string]any{
		"id":         a.ID,
		"company_id": a.CompanyID,
		"region_id":  a.RegionID,
		"name":       a.Name,
		"manager_id": a.ManagerID,
	})
	return err
}

// CreateSite stores a site. Its region is written only when assigned directly.
func (s *Store) CreateSite(ctx context.Context, site approver.Site) error {
	_, err := s.exec(ctx, `
		INSERT INTO sites (id, company_id, name, area_id, region_id)
		VALUES (@id, @company_id, @name, @area_id, @region_id);
	`, map[string]any{
		"id":         site.ID,
		"company_id": site.CompanyID,
		"name":       site.Name,
		"area_id":    site.AreaID,
		"region_id":  site.RegionID,
	})
	return err
}

// MoveSite reassigns a site. Moving it into an area clears any direct region
// so the area's region becomes effective; this is the only write path for
// site placement.
func (s *Store) MoveSite(ctx context.Context, siteID, areaID, regionID string) error {
	if areaID != "" {
		regionID = ""
	}
	res, err := s.exec(ctx, `
		UPDATE sites
		SET area_id = @area_id, region_id = @region_id
		WHERE id = @id;
	`, map[string]any{
		"id":        siteID,
		"area_id":   areaID,
		"region_id": regionID,
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	return nil
}

func (s *Store) CreateProfile(ctx context.Context, p approver.Profile) error {
	_, err := s.exec(ctx, `
		INSERT INTO profiles (id, company_id, site_id, full_name, email, app_role)
		VALUES (@id, @company_id, @site_id, @full_name, @email, @app_role);
	`, map[string]any{
		"id":         p.ID,
		"company_id": p.CompanyID,
		"site_id":    p.SiteID,
		"full_name":  p.FullName,
		"email":      p.Email,
		"app_role":   string(p.Role),
	})
	return err
}

// SetApprovalWorkflow replaces the workflow of one approval type.
func (s *Store) SetApprovalWorkflow(ctx context.Context, companyID, approvalType string, active bool, steps []approver.WorkflowStep) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	isActive := 0
	if active {
		isActive = 1
	}
	_, err = s.exec(ctx, `
		INSERT INTO approval_workflows (company_id, approval_type, is_active, steps_json, updated_at)
		VALUES (@company_id, @approval_type, @is_active, @steps_json, @updated_at)
		ON CONFLICT(company_id, approval_type)
		DO UPDATE SET is_active = excluded.is_active, steps_json = excluded.steps_json, updated_at = excluded.updated_at;
	`, map[string]any{
		"company_id":    companyID,
		"approval_type": approvalType,
		"is_active":     isActive,
		"steps_json":    string(raw),
		"updated_at":    s.now().Unix(),
	})
	return err
}

// ApprovalSteps returns the steps of the active workflow, or nil when there is none.
func (s *Store) ApprovalSteps(ctx context.Context, companyID, approvalType string) ([]approver.WorkflowStep, error) {
	var raw string
	err := s.queryRow(ctx, `
		SELECT steps_json
		FROM approval_workflows
		WHERE company_id = @company_id AND approval_type = @approval_type AND is_active = 1
		LIMIT 1;
	`, map[string]any{"company_id": companyID, "approval_type": approvalType}).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var steps []approver.WorkflowStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("decode workflow steps: %w", err)
	}
	return steps, nil
}

func (s *Store) Company(ctx context.Context, id string) (approver.Company, error) {
	var c approver.Company
	err := s.queryRow(ctx, `
		SELECT id, name FROM companies WHERE id = @id LIMIT 1;
	`, map[string]any{"id": id}).Scan(&c.ID, &c.Name)
	if err != nil {
		return approver.Company{}, notFound(err, "company", id)
	}
	return c, nil
}

func (s *Store) Site(ctx context.Context, id string) (approver.Site, error) {
	var site approver.Site
	err := s.queryRow(ctx, `
		SELECT id, company_id, name, area_id, region_id FROM sites WHERE id = @id LIMIT 1;
	`, map[string]any{"id": id}).Scan(&site.ID, &site.CompanyID, &site.Name, &site.AreaID, &site.RegionID)
	if err != nil {
		return approver.Site{}, notFound(err, "site", id)
	}
	return site, nil
}

func (s *Store) Area(ctx context.Context, id string) (approver.Area, error) {
	var a approver.Area
	err := s.queryRow(ctx, `
		SELECT id, company_id, region_id, name, manager_id FROM areas WHERE id = @id LIMIT 1;
	`, map[string]any{"id": id}).Scan(&a.ID, &a.CompanyID, &a.RegionID, &a.Name, &a.ManagerID)
	if err != nil {
		return approver.Area{}, notFound(err, "area", id)
	}
	return a, nil
}

func (s *Store) Region(ctx context.Context, id string) (approver.Region, error) {
	var r approver.Region
	err := s.queryRow(ctx, `
		SELECT id, company_id, name, manager_id FROM regions WHERE id = @id LIMIT 1;
	`, map[string]any{"id": id}).Scan(&r.ID, &r.CompanyID, &r.Name, &r.ManagerID)
	if err != nil {
		return approver.Region{}, notFound(err, "region", id)
	}
	return r, nil
}

func (s *Store) Profile(ctx context.Context, id string) (approver.Profile, error) {
	var p approver.Profile
	var role string
	err := s.queryRow(ctx, `
		SELECT id, company_id, site_id, full_name, email, app_role FROM profiles WHERE id = @id LIMIT 1;
	`, map[string]any{"id": id}).Scan(&p.ID, &p.CompanyID, &p.SiteID, &p.FullName, &p.Email, &role)
	if err != nil {
		return approver.Profile{}, notFound(err, "profile", id)
	}
	p.Role = approver.ParseRole(role)
	return p, nil
}

// CompanyProfiles lists company profiles holding one of roles.
func (s *Store) CompanyProfiles(ctx context.Context, companyID string, roles []approver.Role) ([]approver.Profile, error) {
	return s.profilesWhere(ctx, "company_id = @scope", companyID, roles)
}

// SiteProfiles lists profiles assigned to a site holding one of roles.
func (s *Store) SiteProfiles(ctx context.Context, siteID string, roles []approver.Role) ([]approver.Profile, error) {
	return s.profilesWhere(ctx, "site_id = @scope", siteID, roles)
}

// profilesWhere matches roles after ParseRole has normalized the stored label.
func (s *Store) profilesWhere(ctx context.Context, clause, scope string, roles []approver.Role) ([]approver.Profile, error) {
	rows, err := s.query(ctx, `
		SELECT id, company_id, site_id, full_name, email, app_role
		FROM profiles
		WHERE `+clause+`
		ORDER BY full_name ASC, id ASC;
	`, map[string]any{"scope": scope})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := make(map[approver.Role]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}
	var out []approver.Profile
	for rows.Next() {
		var p approver.Profile
		var role string
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.SiteID, &p.FullName, &p.Email, &role); err != nil {
			return nil, err
		}
		p.Role = approver.ParseRole(role)
		if _, ok := want[p.Role]; len(want) > 0 && !ok {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
