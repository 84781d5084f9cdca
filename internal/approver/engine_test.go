package approver

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	companies map[string]Company
	sites     map[string]Site
	areas     map[string]Area
	regions   map[string]Region
	profiles  []Profile
	siteErr   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		companies: map[string]Company{"co": {ID: "co", Name: "Acme Kitchens"}},
		sites:     map[string]Site{},
		areas:     map[string]Area{},
		regions:   map[string]Region{},
	}
}

func (d *fakeDirectory) Company(_ context.Context, id string) (Company, error) {
	c, ok := d.companies[id]
	if !ok {
		return Company{}, ErrNotFound
	}
	return c, nil
}

func (d *fakeDirectory) Site(_ context.Context, id string) (Site, error) {
	s, ok := d.sites[id]
	if !ok {
		return Site{}, ErrNotFound
	}
	return s, nil
}

func (d *fakeDirectory) Area(_ context.Context, id string) (Area, error) {
	a, ok := d.areas[id]
	if !ok {
		return Area{}, ErrNotFound
	}
	return a, nil
}

func (d *fakeDirectory) Region(_ context.Context, id string) (Region, error) {
	r, ok := d.regions[id]
	if !ok {
		return Region{}, ErrNotFound
	}
	return r, nil
}

func (d *fakeDirectory) Profile(_ context.Context, id string) (Profile, error) {
	for _, p := range d.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return Profile{}, ErrNotFound
}

func (d *fakeDirectory) CompanyProfiles(_ context.Context, companyID string, roles []Role) ([]Profile, error) {
	var out []Profile
	for _, p := range d.profiles {
		if p.CompanyID == companyID && slices.Contains(roles, p.Role) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *fakeDirectory) SiteProfiles(_ context.Context, siteID string, roles []Role) ([]Profile, error) {
	if d.siteErr != nil {
		return nil, d.siteErr
	}
	var out []Profile
	for _, p := range d.profiles {
		if p.SiteID == siteID && slices.Contains(roles, p.Role) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeWorkflows map[string][]WorkflowStep

func (w fakeWorkflows) ApprovalSteps(_ context.Context, companyID, approvalType string) ([]WorkflowStep, error) {
	if approvalType != ApprovalTypeStockCount {
		return nil, nil
	}
	return w[companyID], nil
}

// hierarchy builds a company with one region, one area and one site, all with managers.
func hierarchy() *fakeDirectory {
	d := newFakeDirectory()
	d.regions["north"] = Region{ID: "north", CompanyID: "co", Name: "North", ManagerID: "rm"}
	d.areas["east"] = Area{ID: "east", CompanyID: "co", RegionID: "north", Name: "East", ManagerID: "am"}
	d.sites["s1"] = Site{ID: "s1", CompanyID: "co", Name: "Leeds", AreaID: "east"}
	d.profiles = []Profile{
		{ID: "owner", CompanyID: "co", FullName: "Olive Owner", Role: RoleOwner},
		{ID: "rm", CompanyID: "co", FullName: "Rita Regional", Role: RoleRegionalManager},
		{ID: "am", CompanyID: "co", FullName: "Andy Area", Role: RoleAreaManager},
		{ID: "gm", CompanyID: "co", SiteID: "s1", FullName: "Gail General", Role: RoleGeneralManager},
		{ID: "staff", CompanyID: "co", SiteID: "s1", FullName: "Sam Staff", Role: RoleStaff},
	}
	return d
}

func mustEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e
}

func TestResolveRegionManagerThroughArea(t *testing.T) {
	e := mustEngine(t, Options{Directory: hierarchy()})

	res := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "rm", res.Approver.ID)
	assert.Equal(t, "Regional Manager (North)", res.Approver.RoleLabel)
	assert.Equal(t, RoleRegionalManager, res.Role)
	assert.Equal(t, "area_region_manager", res.Strategy)
}

func TestResolvePrefersDirectRegion(t *testing.T) {
	d := hierarchy()
	d.regions["west"] = Region{ID: "west", CompanyID: "co", Name: "West", ManagerID: "wm"}
	d.profiles = append(d.profiles, Profile{ID: "wm", CompanyID: "co", FullName: "Will West", Role: RoleRegionalManager})
	s := d.sites["s1"]
	s.RegionID = "west"
	d.sites["s1"] = s

	res := mustEngine(t, Options{Directory: d}).Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "wm", res.Approver.ID)
	assert.Equal(t, "Regional Manager (West)", res.Approver.RoleLabel)
}

func TestResolveFallsBackToAreaThenSiteManager(t *testing.T) {
	d := hierarchy()
	r := d.regions["north"]
	r.ManagerID = ""
	d.regions["north"] = r
	e := mustEngine(t, Options{Directory: d})

	res := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1"})
	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "am", res.Approver.ID)
	assert.Equal(t, "Area Manager (East)", res.Approver.RoleLabel)

	a := d.areas["east"]
	a.ManagerID = ""
	d.areas["east"] = a

	res = e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1"})
	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "gm", res.Approver.ID)
	assert.Equal(t, "General Manager", res.Approver.RoleLabel)
	assert.Equal(t, TierHierarchy, res.Approver.Tier)
}

func TestResolveCompanyOwnerWhenSiteIsBare(t *testing.T) {
	d := newFakeDirectory()
	d.sites["bare"] = Site{ID: "bare", CompanyID: "co", Name: "Pop-up"}
	d.profiles = []Profile{
		{ID: "staff", CompanyID: "co", SiteID: "bare", FullName: "Sam Staff", Role: RoleStaff},
		{ID: "owner", CompanyID: "co", FullName: "Olive Owner", Role: RoleOwner},
	}

	res := mustEngine(t, Options{Directory: d}).Resolve(context.Background(), Request{CompanyID: "co", SiteID: "bare"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "owner", res.Approver.ID)
	assert.Equal(t, "Owner", res.Approver.RoleLabel)
	assert.Equal(t, TierCompany, res.Approver.Tier)
}

func TestResolveCompanyFallbackRankOrder(t *testing.T) {
	d := newFakeDirectory()
	d.sites["bare"] = Site{ID: "bare", CompanyID: "co"}
	d.profiles = []Profile{
		{ID: "sm", CompanyID: "co", SiteID: "other", FullName: "Ann Site", Role: RoleSiteManager},
		{ID: "am", CompanyID: "co", FullName: "Bob Area", Role: RoleAreaManager},
		{ID: "rm", CompanyID: "co", FullName: "Cat Regional", Role: RoleRegionalManager},
	}

	res := mustEngine(t, Options{Directory: d}).Resolve(context.Background(), Request{CompanyID: "co", SiteID: "bare"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "rm", res.Approver.ID)
}

func TestResolveWorkflowRoleSelectsEntryPoint(t *testing.T) {
	wf := fakeWorkflows{"co": {{Order: 2, Role: RoleOwner}, {Order: 1, Role: "area_manager"}}}
	e := mustEngine(t, Options{Directory: hierarchy(), Workflows: wf})

	res := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, RoleAreaManager, res.Role)
	assert.Equal(t, "am", res.Approver.ID)
}

func TestResolveOwnerWorkflowSkipsHierarchy(t *testing.T) {
	wf := fakeWorkflows{"co": {{Order: 1, Role: RoleOwner}}}
	e := mustEngine(t, Options{Directory: hierarchy(), Workflows: wf})

	res := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "owner", res.Approver.ID)
}

func TestResolveSelfApprovalFallback(t *testing.T) {
	d := newFakeDirectory()
	d.sites["bare"] = Site{ID: "bare", CompanyID: "co"}
	d.profiles = []Profile{{ID: "counter", CompanyID: "co", SiteID: "bare", FullName: "Cora Counter", Role: RoleStaff}}
	req := Request{CompanyID: "co", SiteID: "bare", ReadyBy: "counter"}

	res := mustEngine(t, Options{Directory: d}).Resolve(context.Background(), req)
	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "counter", res.Approver.ID)
	assert.Equal(t, "Counter", res.Approver.RoleLabel)
	assert.Equal(t, "Cora Counter", res.Approver.Name)
	assert.Equal(t, TierSelf, res.Approver.Tier)

	res = mustEngine(t, Options{Directory: d, DisableSelfApproval: true}).Resolve(context.Background(), req)
	assert.Equal(t, StatusUnresolved, res.Status)
}

func TestResolveUnresolved(t *testing.T) {
	d := newFakeDirectory()
	d.sites["bare"] = Site{ID: "bare", CompanyID: "co"}

	res := mustEngine(t, Options{Directory: d}).Resolve(context.Background(), Request{CompanyID: "co", SiteID: "bare"})

	assert.Equal(t, StatusUnresolved, res.Status)
	assert.Nil(t, res.Approver)
	assert.ErrorIs(t, res.Err, ErrNoApprover)
	assert.Contains(t, res.Message(), "assign manually")
}

func TestResolveFailsOnBadIDs(t *testing.T) {
	d := hierarchy()
	d.companies["other"] = Company{ID: "other"}
	e := mustEngine(t, Options{Directory: d})

	cases := []Request{
		{CompanyID: "", SiteID: "s1"},
		{CompanyID: "co", SiteID: "   "},
		{CompanyID: "co", SiteID: "missing"},
		{CompanyID: "missing", SiteID: "s1"},
		{CompanyID: "other", SiteID: "s1"},
	}
	for _, req := range cases {
		res := e.Resolve(context.Background(), req)
		assert.Equal(t, StatusFailed, res.Status, "request %+v", req)
		assert.Error(t, res.Err)
	}
	assert.ErrorIs(t, e.Resolve(context.Background(), cases[2]).Err, ErrNotFound)
}

func TestResolveIsDeterministic(t *testing.T) {
	d := newFakeDirectory()
	d.sites["s"] = Site{ID: "s", CompanyID: "co"}
	d.profiles = []Profile{
		{ID: "m2", CompanyID: "co", SiteID: "s", FullName: "zed", Role: RoleManager},
		{ID: "m1", CompanyID: "co", SiteID: "s", FullName: "Amy", Role: RoleSiteManager},
		{ID: "m3", CompanyID: "co", SiteID: "s", FullName: "amy", Role: RoleManager},
	}
	e := mustEngine(t, Options{Directory: d})

	first := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s"})
	for i := 0; i < 10; i++ {
		again := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s"})
		assert.Equal(t, first.Approver, again.Approver)
	}
	assert.Equal(t, "m1", first.Approver.ID)
}

func TestResolveRecordsDirectoryErrorsAndContinues(t *testing.T) {
	d := newFakeDirectory()
	d.sites["s"] = Site{ID: "s", CompanyID: "co"}
	d.siteErr = errors.New("connection reset")
	d.profiles = []Profile{{ID: "owner", CompanyID: "co", FullName: "Olive", Role: RoleOwner}}

	res := mustEngine(t, Options{Directory: d}).Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s"})

	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "owner", res.Approver.ID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "connection reset")
}

type flakyRemote struct {
	calls int
	err   error
	found *Approver
}

func (r *flakyRemote) ResolveApprover(context.Context, string, string) (*Approver, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.found, nil
}

func TestRemoteResolverIsGuardedByBreaker(t *testing.T) {
	remote := &flakyRemote{err: errors.New("function missing")}
	e := mustEngine(t, Options{Directory: hierarchy(), Remote: remote})
	breaker := NewBreaker(0)
	req := Request{CompanyID: "co", SiteID: "s1", Breaker: breaker}

	res := e.Resolve(context.Background(), req)
	require.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "rm", res.Approver.ID)
	assert.Error(t, breaker.LastError())

	e.Resolve(context.Background(), req)
	assert.Equal(t, 1, remote.calls, "open breaker must stop retrying the remote resolver")

	other := e.Resolve(context.Background(), Request{CompanyID: "co", SiteID: "s1", Breaker: NewBreaker(0)})
	assert.Equal(t, StatusResolved, other.Status)
	assert.Equal(t, 2, remote.calls, "breakers are per session")

	breaker.Reset()
	remote.err = nil
	remote.found = &Approver{ID: "svc", Name: "Server Pick", RoleLabel: "Regional Manager"}
	res = e.Resolve(context.Background(), req)
	assert.Equal(t, "svc", res.Approver.ID)
	assert.Equal(t, TierRemote, res.Approver.Tier)
}

func TestBreakerCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(time.Minute)
	b.now = func() time.Time { return now }

	b.Trip(errors.New("boom"))
	assert.False(t, b.Allow())
	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
}

func TestListEligibleRanksAndDeduplicates(t *testing.T) {
	d := hierarchy()
	d.profiles = append(d.profiles,
		Profile{ID: "admin", CompanyID: "co", FullName: "Adam Admin", Role: RoleAdmin},
		Profile{ID: "sm", CompanyID: "co", SiteID: "s1", FullName: "Ben Site", Role: RoleSiteManager},
		// The area manager also works the site floor; they appear once at their best rank.
		Profile{ID: "am", CompanyID: "co", SiteID: "s1", FullName: "Andy Area", Role: RoleManager},
	)
	e := mustEngine(t, Options{Directory: d})

	list, err := e.ListEligible(context.Background(), "co", "s1")
	require.NoError(t, err)

	var got []string
	for _, a := range list {
		got = append(got, a.ID)
	}
	assert.Equal(t, []string{"admin", "owner", "rm", "am", "sm", "gm"}, got)
	assert.Equal(t, "Area Manager (East)", list[3].RoleLabel)

	_, err = e.ListEligible(context.Background(), "co", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleRegionalManager, ParseRole("regional_manager"))
	assert.Equal(t, RoleOwner, ParseRole("  OWNER "))
	assert.Equal(t, Role("Chef"), ParseRole("Chef"))
	assert.False(t, ParseRole("Chef").ManagerEquivalent())
}
