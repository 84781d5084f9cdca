package stockcli

import (
	"context"
	"fmt"
	"os"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
	"github.com/Bruce-k901/My-App-sub012/internal/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile describes organizations and their catalogues to load into a
// fresh database.
type seedFile struct {
	Companies []seedCompany `yaml:"companies"`
}

type seedCompany struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Profiles  []seedProfile `yaml:"profiles"`
	Regions   []seedRegion  `yaml:"regions"`
	Areas     []seedArea    `yaml:"areas"`
	Sites     []seedSite    `yaml:"sites"`
	Workflow  []seedStep    `yaml:"workflow"`
	Catalogue []seedItem    `yaml:"catalogue"`
	Counts    []seedCount   `yaml:"counts"`
}

type seedRegion struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Manager string `yaml:"manager"`
}

type seedArea struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Region  string `yaml:"region"`
	Manager string `yaml:"manager"`
}

// seedSite names either an area or a direct region, not both.
type seedSite struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Area   string `yaml:"area"`
	Region string `yaml:"region"`
}

type seedStep struct {
	Step int    `yaml:"step"`
	Role string `yaml:"role"`
}

type seedProfile struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
	Site  string `yaml:"site"`
}

type seedItem struct {
	ID       string   `yaml:"id"`
	Site     string   `yaml:"site"`
	Library  string   `yaml:"library"`
	Name     string   `yaml:"name"`
	Unit     string   `yaml:"unit"`
	UnitCost string   `yaml:"unit_cost"`
	OnHand   *float64 `yaml:"on_hand"`
}

type seedCount struct {
	Site string `yaml:"site"`
	Name string `yaml:"name"`
}

func newSeedCmd(g *globals) *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load companies, hierarchy, profiles and catalogue from YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				return fmt.Errorf("%w: --file is required", ErrUsage)
			}
			raw, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var seed seedFile
			if err := yaml.Unmarshal(raw, &seed); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}

			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			for _, c := range seed.Companies {
				ids, err := seedCompanyInto(ctx, e.store, c)
				if err != nil {
					return fmt.Errorf("company %s: %w", c.ID, err)
				}
				fmt.Fprintf(g.out, "seeded company %s\n", c.ID)
				for _, id := range ids {
					fmt.Fprintf(g.out, "opened count %s\n", id)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "seed YAML file")
	return cmd
}

func seedCompanyInto(ctx context.Context, st *store.Store, c seedCompany) ([]string, error) {
	if err := st.CreateCompany(ctx, approver.Company{ID: c.ID, Name: c.Name}); err != nil {
		return nil, err
	}
	for _, p := range c.Profiles {
		if err := st.CreateProfile(ctx, approver.Profile{
			ID:        p.ID,
			CompanyID: c.ID,
			SiteID:    p.Site,
			FullName:  p.Name,
			Email:     p.Email,
			Role:      approver.Role(p.Role),
		}); err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}
	for _, r := range c.Regions {
		region := approver.Region{ID: r.ID, CompanyID: c.ID, Name: r.Name, ManagerID: r.Manager}
		if err := st.CreateRegion(ctx, region); err != nil {
			return nil, fmt.Errorf("region %s: %w", r.ID, err)
		}
	}
	for _, a := range c.Areas {
		area := approver.Area{ID: a.ID, CompanyID: c.ID, RegionID: a.Region, Name: a.Name, ManagerID: a.Manager}
		if err := st.CreateArea(ctx, area); err != nil {
			return nil, fmt.Errorf("area %s: %w", a.ID, err)
		}
	}
	for _, s := range c.Sites {
		if s.Area != "" && s.Region != "" {
			return nil, fmt.Errorf("site %s: set either area or region", s.ID)
		}
		site := approver.Site{ID: s.ID, CompanyID: c.ID, Name: s.Name, AreaID: s.Area, RegionID: s.Region}
		if err := st.CreateSite(ctx, site); err != nil {
			return nil, fmt.Errorf("site %s: %w", s.ID, err)
		}
	}
	if len(c.Workflow) > 0 {
		steps := make([]approver.WorkflowStep, 0, len(c.Workflow))
		for _, step := range c.Workflow {
			steps = append(steps, approver.WorkflowStep{Order: step.Step, Role: approver.ParseRole(step.Role)})
		}
		if err := st.SetApprovalWorkflow(ctx, c.ID, approver.ApprovalTypeStockCount, true, steps); err != nil {
			return nil, fmt.Errorf("workflow: %w", err)
		}
	}
	for _, item := range c.Catalogue {
		var cost decimal.NullDecimal
		if item.UnitCost != "" {
			d, err := decimal.NewFromString(item.UnitCost)
			if err != nil {
				return nil, fmt.Errorf("catalogue %s unit_cost: %w", item.ID, err)
			}
			cost = decimal.NewNullDecimal(d)
		}
		if err := st.AddCatalogueItem(ctx, store.CatalogueItem{
			ID:       item.ID,
			SiteID:   item.Site,
			Library:  item.Library,
			Name:     item.Name,
			Unit:     item.Unit,
			UnitCost: cost,
			OnHand:   item.OnHand,
		}); err != nil {
			return nil, fmt.Errorf("catalogue %s: %w", item.ID, err)
		}
	}

	var opened []string
	for _, count := range c.Counts {
		cs, err := st.CreateSession(ctx, c.ID, count.Site, count.Name)
		if err != nil {
			return nil, fmt.Errorf("count at %s: %w", count.Site, err)
		}
		opened = append(opened, cs.ID)
	}
	return opened, nil
}
