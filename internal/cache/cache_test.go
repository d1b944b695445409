package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/glmharness/internal/cache"
	"github.com/kiranshivaraju/glmharness/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Job Status ---

func TestSetGetJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	status := models.Running(0.4)
	status.Handle = "job-7"
	status.Kind = models.JobKindParse

	require.NoError(t, rc.SetJobStatus(ctx, status, 10*time.Second))

	got, found, err := rc.GetJobStatus(ctx, "job-7")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, status, got)
}

func TestSetJobStatus_DropsResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	status := models.Succeeded(models.Payload{"destination_key": "train.hex"})
	status.Handle = "job-8"
	require.NoError(t, rc.SetJobStatus(ctx, status, 10*time.Second))

	got, found, err := rc.GetJobStatus(ctx, "job-8")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.JobStateSucceeded, got.State)
	assert.Nil(t, got.Result)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	status, found, err := rc.GetJobStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, models.JobStatus{}, status)
}

// --- Run Report ---

func TestSetGetRunReport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	report := models.RunReport{
		ID:        uuid.New(),
		StartedAt: time.Date(2024, 2, 17, 9, 0, 0, 0, time.UTC),
		Trials: []models.TrialReport{{
			Index:     0,
			TrainFile: "mnist_training.csv.gz",
			TestFile:  "mnist_testing.csv.gz",
			Fatal:     "parse: job timed out",
		}},
	}
	require.NoError(t, rc.SetRunReport(ctx, report, time.Minute))

	got, found, err := rc.GetRunReport(ctx, report.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, report.ID, got.ID)
	assert.Equal(t, 1, got.FatalCount())

	_, found, err = rc.GetRunReport(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.PollCountKey(uuid.New(), models.JobKindFit)

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.PollCountKey(uuid.New(), models.JobKindScore)

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	assert.Equal(t, "job:mock-parse-1", cache.JobStatusKey("mock-parse-1"))
}

func TestPollCountKey(t *testing.T) {
	runID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "polls:22222222-2222-2222-2222-222222222222:glm", cache.PollCountKey(runID, models.JobKindFit))
}

func TestRunReportKey(t *testing.T) {
	runID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	assert.Equal(t, "run:33333333-3333-3333-3333-333333333333:report", cache.RunReportKey(runID))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	runID := uuid.New()

	keys := map[string]bool{
		cache.JobStatusKey(models.JobHandle(runID.String())): true,
		cache.PollCountKey(runID, models.JobKindImport):      true,
		cache.PollCountKey(runID, models.JobKindParse):       true,
		cache.RunReportKey(runID):                            true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
