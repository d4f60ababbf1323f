package builder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/handoff"
	"github.com/alvesdmateus/dock/internal/builder/strategies"
	"github.com/alvesdmateus/dock/internal/observability"
	"github.com/alvesdmateus/dock/internal/state"
)

// mockTracker implements BuildTracker for testing
type mockTracker struct {
	mu            sync.Mutex
	queued        []*BuildConfiguration
	started       []string
	completed     []string
	failed        []string
	failErr       error
	failResult    *BuildResult
	queueErr      error
	completeErr   error
	lastBuildID   string
	completeCalls int
}

func (m *mockTracker) QueueBuild(ctx context.Context, cfg *BuildConfiguration) (*state.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueErr != nil {
		return nil, m.queueErr
	}
	m.queued = append(m.queued, cfg)
	build := &state.Build{ID: uuid.New(), Status: state.StatusQueued}
	m.lastBuildID = build.ID.String()
	return build, nil
}

func (m *mockTracker) StartBuild(ctx context.Context, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, buildID)
	return nil
}

func (m *mockTracker) CompleteBuild(ctx context.Context, buildID string, result *BuildResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	m.completed = append(m.completed, buildID)
	return m.completeErr
}

func (m *mockTracker) FailBuild(ctx context.Context, buildID string, result *BuildResult, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, buildID)
	m.failErr = err
	m.failResult = result
	return nil
}

func (m *mockTracker) GetBuildByID(ctx context.Context, buildID string) (*state.Build, error) {
	return &state.Build{ID: uuid.MustParse(buildID), Status: state.StatusBuilding}, nil
}

// fakeStrategy returns a canned result
type fakeStrategy struct {
	name   string
	build  func(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error)
	called int
	got    *BuildConfiguration
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Build(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
	f.called++
	f.got = cfg
	return f.build(ctx, cfg)
}

// fakeFactory serves one strategy for every known method
type fakeFactory struct {
	strategy  *fakeStrategy
	requested []buildtypes.Method
}

func (f *fakeFactory) CreateStrategy(method buildtypes.Method) (strategies.Strategy, error) {
	f.requested = append(f.requested, method)
	for _, known := range buildtypes.Methods {
		if method == known {
			f.strategy.name = string(method)
			return f.strategy, nil
		}
	}
	return nil, strategies.ErrUnknownMethod{Method: method}
}

func succeed(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
	return &BuildResult{ReturnCode: buildtypes.ReturnCodeSuccess, ImageID: "sha256:built"}, nil
}

func validConfig() *BuildConfiguration {
	return &BuildConfiguration{
		GitURL:     "https://example.com/repo.git",
		Image:      "myapp:1.0",
		Method:     buildtypes.MethodHostDocker,
		BuildImage: "dock:latest",
	}
}

func newTestService(t *testing.T, build func(context.Context, *BuildConfiguration) (*BuildResult, error), tracker BuildTracker, config ServiceConfig) (*Service, *fakeFactory, *observability.Metrics) {
	t.Helper()

	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	tracer, err := observability.NewTracer(context.Background(), observability.TracingConfig{ServiceName: "test"})
	require.NoError(t, err)

	config.Metrics = metrics
	config.Tracer = tracer

	factory := &fakeFactory{strategy: &fakeStrategy{build: build}}
	return NewService(factory, tracker, config), factory, metrics
}

func TestNewService_Defaults(t *testing.T) {
	tests := []struct {
		name            string
		config          ServiceConfig
		expectedTimeout time.Duration
		expectedMethod  buildtypes.Method
	}{
		{
			name:            "zero values use defaults",
			expectedTimeout: DefaultBuildTimeout,
			expectedMethod:  buildtypes.MethodHostDocker,
		},
		{
			name:            "negative timeout uses default",
			config:          ServiceConfig{BuildTimeout: -5 * time.Minute},
			expectedTimeout: DefaultBuildTimeout,
			expectedMethod:  buildtypes.MethodHostDocker,
		},
		{
			name:            "custom values are preserved",
			config:          ServiceConfig{BuildTimeout: 15 * time.Minute, DefaultMethod: buildtypes.MethodHere},
			expectedTimeout: 15 * time.Minute,
			expectedMethod:  buildtypes.MethodHere,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, _, _ := newTestService(t, succeed, nil, tt.config)
			assert.Equal(t, tt.expectedTimeout, service.buildTimeout)
			assert.Equal(t, tt.expectedMethod, service.method)
		})
	}
}

func TestDefaultBuildTimeout_Value(t *testing.T) {
	assert.Equal(t, 30*time.Minute, DefaultBuildTimeout)
	assert.EqualError(t, ErrBuildTimeout, "build timeout exceeded")
}

func TestService_BuildSuccess(t *testing.T) {
	tracker := &mockTracker{}
	service, factory, metrics := newTestService(t, succeed, tracker, ServiceConfig{})

	result, err := service.Build(context.Background(), validConfig())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, buildtypes.ReturnCodeSuccess, result.ReturnCode)
	assert.Equal(t, "sha256:built", result.ImageID)
	assert.Equal(t, []buildtypes.Method{buildtypes.MethodHostDocker}, factory.requested)

	require.Len(t, tracker.queued, 1)
	assert.Equal(t, []string{tracker.lastBuildID}, tracker.started)
	assert.Equal(t, []string{tracker.lastBuildID}, tracker.completed)
	assert.Empty(t, tracker.failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BuildsTotal.WithLabelValues("hostdocker", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BuildsInProgress))
}

func TestService_BuildWithoutTracker(t *testing.T) {
	service, _, _ := newTestService(t, succeed, nil, ServiceConfig{})

	result, err := service.Build(context.Background(), validConfig())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

func TestService_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *BuildConfiguration)
	}{
		{"missing git url", func(cfg *BuildConfiguration) { cfg.GitURL = "" }},
		{"missing image", func(cfg *BuildConfiguration) { cfg.Image = "" }},
		{"missing build image", func(cfg *BuildConfiguration) { cfg.BuildImage = "" }},
		{"unknown method", func(cfg *BuildConfiguration) { cfg.Method = "kubernetes" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &mockTracker{}
			service, factory, _ := newTestService(t, succeed, tracker, ServiceConfig{})

			cfg := validConfig()
			tt.modify(cfg)

			result, err := service.Build(context.Background(), cfg)
			require.Error(t, err)
			require.NotNil(t, result)

			assert.True(t, buildtypes.IsConfigError(err))
			assert.Equal(t, buildtypes.ReturnCodeFailure, result.ReturnCode)
			assert.Equal(t, err.Error(), result.Message)
			assert.Zero(t, factory.strategy.called)
			assert.Empty(t, tracker.queued)
			assert.Empty(t, tracker.started)
		})
	}
}

func TestService_FailedBuildIsData(t *testing.T) {
	tracker := &mockTracker{}
	service, _, metrics := newTestService(t, func(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
		return &BuildResult{ReturnCode: buildtypes.ReturnCodeNoImage, Message: "Dockerfile not found"}, nil
	}, tracker, ServiceConfig{DefaultMethod: buildtypes.MethodHere})

	cfg := validConfig()
	cfg.Method = ""
	cfg.BuildImage = ""

	result, err := service.Build(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, buildtypes.ReturnCodeNoImage, result.ReturnCode)
	assert.Equal(t, []string{tracker.lastBuildID}, tracker.failed)
	assert.NoError(t, tracker.failErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BuildsTotal.WithLabelValues("here", "failure")))
}

func TestService_HandoffFailure(t *testing.T) {
	handoffErr := handoff.ErrHandoff{Path: "/tmp/results.json", Op: "read", Err: errors.New("no such file")}
	service, _, metrics := newTestService(t, func(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
		return buildtypes.FailedResult(handoffErr), handoffErr
	}, nil, ServiceConfig{})

	result, err := service.Build(context.Background(), validConfig())
	require.Error(t, err)

	var target handoff.ErrHandoff
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, buildtypes.ReturnCodeFailure, result.ReturnCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HandoffFailures.WithLabelValues("hostdocker")))
}

func TestService_NilResultBecomesFailure(t *testing.T) {
	service, _, _ := newTestService(t, func(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
		return nil, nil
	}, nil, ServiceConfig{})

	result, err := service.Build(context.Background(), validConfig())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, buildtypes.ReturnCodeFailure, result.ReturnCode)
	assert.Contains(t, result.Message, "returned no result")
}

func TestService_Timeout(t *testing.T) {
	tracker := &mockTracker{}
	service, _, _ := newTestService(t, func(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
		<-ctx.Done()
		return buildtypes.FailedResult(ctx.Err()), ctx.Err()
	}, tracker, ServiceConfig{BuildTimeout: 20 * time.Millisecond})

	result, err := service.Build(context.Background(), validConfig())
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrBuildTimeout)
	assert.Equal(t, buildtypes.ReturnCodeFailure, result.ReturnCode)
	assert.Contains(t, result.Message, "maximum duration of 20ms")
	assert.ErrorIs(t, tracker.failErr, ErrBuildTimeout)
}

func TestService_TrackingFailuresDoNotChangeOutcome(t *testing.T) {
	tracker := &mockTracker{queueErr: errors.New("database is locked")}
	service, factory, _ := newTestService(t, succeed, tracker, ServiceConfig{})

	result, err := service.Build(context.Background(), validConfig())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, factory.strategy.called)
	assert.Zero(t, tracker.completeCalls)

	tracker = &mockTracker{completeErr: errors.New("connection reset")}
	service, _, _ = newTestService(t, succeed, tracker, ServiceConfig{})

	result, err = service.Build(context.Background(), validConfig())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, tracker.completeCalls)
}

func TestService_AppliesDefaults(t *testing.T) {
	service, factory, _ := newTestService(t, succeed, nil, ServiceConfig{
		DefaultMethod:     buildtypes.MethodPrivileged,
		DefaultBuildImage: "registry.example.com/dock:2",
	})

	cfg := validConfig()
	cfg.Method = ""
	cfg.BuildImage = ""

	_, err := service.Build(context.Background(), cfg)
	require.NoError(t, err)

	got := factory.strategy.got
	require.NotNil(t, got)
	assert.Equal(t, buildtypes.MethodPrivileged, got.Method)
	assert.Equal(t, "registry.example.com/dock:2", got.BuildImage)
	// the caller's configuration is left untouched
	assert.Empty(t, cfg.Method)
}

func TestService_DispatchRecordedBuild(t *testing.T) {
	tracker := &mockTracker{}
	service, _, _ := newTestService(t, succeed, tracker, ServiceConfig{})
	buildID := uuid.New().String()

	result, err := service.Dispatch(context.Background(), buildID, validConfig())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Empty(t, tracker.queued)
	assert.Equal(t, []string{buildID}, tracker.started)
	assert.Equal(t, []string{buildID}, tracker.completed)
}

func TestService_DispatchRejectedBuildIsRecorded(t *testing.T) {
	tracker := &mockTracker{}
	service, factory, _ := newTestService(t, succeed, tracker, ServiceConfig{})
	buildID := uuid.New().String()

	cfg := validConfig()
	cfg.Method = "nope"

	result, err := service.Dispatch(context.Background(), buildID, cfg)
	require.Error(t, err)
	assert.True(t, buildtypes.IsConfigError(err))
	assert.Equal(t, buildtypes.ReturnCodeFailure, result.ReturnCode)
	assert.Zero(t, factory.strategy.called)
	assert.Empty(t, tracker.started)
	assert.Equal(t, []string{buildID}, tracker.failed)
}

// stubBuilder is an in-process builder with a fixed result
type stubBuilder struct {
	result *BuildResult
}

func (b stubBuilder) Build(ctx context.Context, cfg *BuildConfiguration) *BuildResult {
	return b.result
}

func setupTracker(t *testing.T) (*Tracker, *state.Repository) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, state.AutoMigrate(db))

	repo := state.NewRepository(db)
	return NewTracker(repo), repo
}

func TestService_HereBuildIsRecorded(t *testing.T) {
	tests := []struct {
		name           string
		result         *BuildResult
		expectedStatus string
		expectedCode   int
	}{
		{
			name:           "success",
			result:         &BuildResult{ImageID: "sha256:abc", Logs: []string{"Step 1/2", "Step 2/2"}},
			expectedStatus: state.StatusCompleted,
			expectedCode:   buildtypes.ReturnCodeSuccess,
		},
		{
			name:           "no image",
			result:         &BuildResult{ReturnCode: 1, Message: "clone failed"},
			expectedStatus: state.StatusFailed,
			expectedCode:   buildtypes.ReturnCodeNoImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, repo := setupTracker(t)
			factory := strategies.NewStrategyFactory(nil, stubBuilder{result: tt.result}, strategies.Config{})
			service := NewService(factory, tracker, ServiceConfig{
				Metrics: observability.NewMetricsWithRegistry("test", prometheus.NewRegistry()),
			})

			cfg := validConfig()
			cfg.Method = buildtypes.MethodHere
			cfg.BuildImage = ""

			result, err := service.Build(context.Background(), cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, result.ReturnCode)

			builds, err := repo.ListBuilds(context.Background(), "", 10, 0)
			require.NoError(t, err)
			require.Len(t, builds, 1)

			build := builds[0]
			assert.Equal(t, tt.expectedStatus, build.Status)
			assert.Equal(t, "here", build.Method)
			assert.Equal(t, "myapp:1.0", build.Image)
			assert.Equal(t, 1, build.Attempts)
			require.NotNil(t, build.ReturnCode)
			assert.Equal(t, tt.expectedCode, *build.ReturnCode)
			assert.NotNil(t, build.StartedAt)
			assert.NotNil(t, build.CompletedAt)
			assert.Contains(t, build.Config, `"git_url":"https://example.com/repo.git"`)
		})
	}
}
