package qtdi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/qtdi/settings"
)

func TestPublishResolvesPlaceholderProperty(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		"timerInterval": 4711,
	})))

	reg, err := c.Register("timer", timerDescriptor(),
		WithProperty("interval", "${timerInterval}"),
		WithProperty("label", "worker ${timerInterval}ms"))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	assert.True(t, ok)

	timer := reg.Instance().(*timerService)
	assert.Equal(t, 4711, timer.Interval)
	assert.Equal(t, "worker 4711ms", timer.Label)
	assert.Equal(t, StatePublished, reg.State())
}

func TestPublishPlaceholderDefault(t *testing.T) {
	c := newTestContainer(t)

	reg, err := c.Register("timer", timerDescriptor(),
		WithProperty("interval", "${timerInterval:250}"))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 250, reg.Instance().(*timerService).Interval)
}

func TestPublishUnresolvablePlaceholderFatalWithoutPartial(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("timer", timerDescriptor(),
		WithProperty("interval", "${timerInterval}"))
	require.NoError(t, err)

	_, err = c.Publish(false)
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)
}

func TestPublishConstructionOrderFollowsDependencies(t *testing.T) {
	c := newTestContainer(t)
	var order []string

	beta := DescriptorOf[repository](func(deps []any) (*repository, error) {
		order = append(order, "beta")
		return &repository{DB: deps[0].(*database)}, nil
	}).WithDependencies(MandatoryDependency(TypeOf[*database]()))
	alpha := DescriptorOf[database](func(deps []any) (*database, error) {
		order = append(order, "alpha")
		return &database{}, nil
	})

	// Beta registers first but depends on alpha.
	betaReg, err := c.Register("beta", beta)
	require.NoError(t, err)
	alphaReg, err := c.Register("alpha", alpha)
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"alpha", "beta"}, order)
	assert.Same(t, alphaReg.Instance(), betaReg.Instance().(*repository).DB)
}

func TestPartialPublishLeavesUnsatisfiedPending(t *testing.T) {
	c := newTestContainer(t)

	betaReg, err := c.Register("beta", repositoryDescriptor())
	require.NoError(t, err)

	ok, err := c.Publish(true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateInit, betaReg.State())

	// Registering the missing dependency makes the next publish complete.
	_, err = c.Register("alpha", databaseDescriptor())
	require.NoError(t, err)

	ok, err = c.Publish(true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatePublished, betaReg.State())
}

func TestPublishMissingMandatoryFatalWithoutPartial(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("beta", repositoryDescriptor())
	require.NoError(t, err)

	_, err = c.Publish(false)
	assert.ErrorIs(t, err, ErrDependencyNotFound)
}

func TestPublishAmbiguousMandatoryAlwaysFatal(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("db1", databaseDescriptor())
	require.NoError(t, err)
	_, err = c.Register("db2", databaseDescriptor())
	require.NoError(t, err)
	_, err = c.Register("repo", repositoryDescriptor())
	require.NoError(t, err)

	_, err = c.Publish(true)
	assert.ErrorIs(t, err, ErrAmbiguousDependency)
}

func TestPublishNameNarrowedDependency(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("db1", databaseDescriptor())
	require.NoError(t, err)
	db2, err := c.Register("db2", databaseDescriptor())
	require.NoError(t, err)

	dep := MandatoryDependency(TypeOf[*database]())
	dep.Name = "db2"
	repo := DescriptorOf[repository](func(deps []any) (*repository, error) {
		return &repository{DB: deps[0].(*database)}, nil
	}).WithDependencies(dep)
	repoReg, err := c.Register("repo", repo)
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, db2.Instance(), repoReg.Instance().(*repository).DB)
}

func TestPublishProfileConditionalService(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		KeyActiveProfiles: "unit-test,mock",
	})))
	assert.Equal(t, []string{"unit-test", "mock"}, c.ActiveProfiles())

	reg, err := c.Register("mockService", timerDescriptor(),
		WithCondition(ProfileNotIn("default")))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatePublished, reg.State())

	// Publishing a profile-conditional service freezes the profile set.
	require.NoError(t, c.SetActiveProfiles("default"))
	assert.Equal(t, []string{"unit-test", "mock"}, c.ActiveProfiles())
}

func TestPublishSelectsRegistrationByProfile(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.SetActiveProfiles("production"))

	prod, err := c.Register("base", timerDescriptor(), WithCondition(ProfileIn("production")))
	require.NoError(t, err)
	test, err := c.Register("base", timerDescriptor(), WithCondition(ProfileNotIn("production")))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, StatePublished, prod.State())
	assert.Equal(t, StateInit, test.State())
	assert.Same(t, prod, c.GetRegistration("base"))
}

func TestPublishBeanReference(t *testing.T) {
	c := newTestContainer(t)

	db, err := c.Register("mainDb", databaseDescriptor())
	require.NoError(t, err)
	repo, err := c.Register("repo", DescriptorOf[repository](func(deps []any) (*repository, error) {
		return &repository{}, nil
	}), WithProperty("db", "&mainDb"))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, db.Instance(), repo.Instance().(*repository).DB)
}

func TestPublishServiceGroupExpansion(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		"servers": []any{"alpha", "beta", "gamma"},
	})))

	group, err := c.Register("server", timerDescriptor(),
		WithScope(ScopeServiceGroup),
		WithServiceGroupKey("servers"),
		WithProperty("label", "${servers}"))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, StatePublished, group.State())
	var labels []string
	for _, child := range group.children {
		labels = append(labels, child.Instance().(*timerService).Label)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, labels)
}

func TestPublishInitializerPolicies(t *testing.T) {
	c := newTestContainer(t)

	var events []string
	before := timerDescriptor().WithInit(func(service any, _ Container) error {
		events = append(events, "init-before")
		return nil
	}, InitBeforePublish)
	beforeReg, err := c.Register("before", before)
	require.NoError(t, err)
	sub, err := beforeReg.Subscribe(func(any) { events = append(events, "published-before") }, DeliveryDirect)
	require.NoError(t, err)
	defer sub.Cancel()

	after := timerDescriptor().WithInit(func(service any, _ Container) error {
		events = append(events, "init-after")
		return nil
	}, InitAfterPublish)
	afterReg, err := c.Register("after", after)
	require.NoError(t, err)
	sub2, err := afterReg.Subscribe(func(any) { events = append(events, "published-after") }, DeliveryDirect)
	require.NoError(t, err)
	defer sub2.Cancel()

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"init-before", "published-before", "published-after", "init-after"}, events)
}

type auditProcessor struct {
	seen []string
}

func (p *auditProcessor) Process(reg *Registration, service any, resolved map[string]any) error {
	p.seen = append(p.seen, reg.Name())
	return nil
}

func TestPublishPostProcessorSeesOtherServices(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("timer", timerDescriptor())
	require.NoError(t, err)
	_, err = c.Register("db", databaseDescriptor())
	require.NoError(t, err)
	_, err = c.Register("audit", DescriptorOf[auditProcessor](func(deps []any) (*auditProcessor, error) {
		return &auditProcessor{}, nil
	}))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	audit := c.GetRegistration("audit").Instance().(*auditProcessor)
	assert.ElementsMatch(t, []string{"timer", "db"}, audit.seen)
}

func TestPublishFactoryFailures(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("nilly", NewDescriptor((*database)(nil), func(deps []any) (any, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = c.Publish(false)
	assert.ErrorIs(t, err, ErrFactoryReturnedNil)
}

func TestPublishServiceSettingsSourceFeedsFacade(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("config", DescriptorOf[settings.Map](func(deps []any) (*settings.Map, error) {
		return settings.NewMap("dynamic", map[string]any{"timerInterval": 99}), nil
	}))
	require.NoError(t, err)
	timer, err := c.Register("timer", timerDescriptor(),
		WithProperty("interval", "${timerInterval}"))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, timer.Instance().(*timerService).Interval)
}

func TestPublishGroupPrefix(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		"timers/main/interval": 42,
		"fallback":             7,
	})))

	reg, err := c.Register("timer", timerDescriptor(),
		WithGroup("timers/main"),
		WithProperty("interval", "${interval}"),
		WithProperty("label", "${/fallback}"))
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	timer := reg.Instance().(*timerService)
	assert.Equal(t, 42, timer.Interval)
	assert.Equal(t, "7", timer.Label)
}

func TestPublishPrototypePerInjectionSite(t *testing.T) {
	c := newTestContainer(t)

	_, err := c.Register("proto", databaseDescriptor(), WithScope(ScopePrototype))
	require.NoError(t, err)
	repo1, err := c.Register("repo1", repositoryDescriptor())
	require.NoError(t, err)
	repo2, err := c.Register("repo2", repositoryDescriptor())
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	first := repo1.Instance().(*repository).DB
	second := repo2.Instance().(*repository).DB
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
}

func TestPublishAutowire(t *testing.T) {
	c := newTestContainer(t)

	db, err := c.Register("mainDb", databaseDescriptor())
	require.NoError(t, err)
	repo, err := c.Register("repo", DescriptorOf[repository](func(deps []any) (*repository, error) {
		return &repository{}, nil
	}), WithAutowire())
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, db.Instance(), repo.Instance().(*repository).DB)
}
