package store_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/store"
)

func TestSQLite(t *testing.T) {
	s, err := store.Open(t.Context(), model.StoreConfig{
		Driver: model.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "cloudscan.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	testStore(t, s)
}

func TestMySQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.4",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "secret",
				"MYSQL_DATABASE":      "cloudscan",
			},
			WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	var s *store.Store
	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/cloudscan", host, port.Port())
	require.Eventually(t, func() bool {
		s, err = store.Open(ctx, model.StoreConfig{Driver: model.DriverMySQL, DSN: dsn})
		return err == nil
	}, time.Minute, time.Second)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	testStore(t, s)
}

func finding(t *testing.T, doc string) model.Finding {
	t.Helper()
	var f model.Finding
	require.NoError(t, json.Unmarshal([]byte(doc), &f))
	return f
}

func testStore(t *testing.T, s *store.Store) {
	ctx := t.Context()
	require.NoError(t, s.Ping(ctx))

	t.Run("scans", func(t *testing.T) {
		base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
		aws := model.ScanResult{
			ID:        "scan-aws",
			Provider:  model.ProviderAWS,
			Date:      base,
			AccountID: "123456789012",
			Region:    "us-east-1",
			Target:    "us-east-1",
			Findings: []model.Finding{
				finding(t, `{"AwsAccountId":"123456789012","Severity":{"Label":"HIGH"},"Count":1}`),
			},
		}
		gcp := model.ScanResult{
			ID:        "scan-gcp",
			Provider:  model.ProviderGCP,
			Date:      base.Add(time.Hour),
			AccountID: model.Unknown,
			Region:    "global",
			Target:    "proj",
			Findings:  []model.Finding{},
		}

		id, err := s.SaveScanResult(ctx, aws)
		require.NoError(t, err)
		require.Equal(t, aws.ID, id)
		_, err = s.SaveScanResult(ctx, gcp)
		require.NoError(t, err)

		_, err = s.SaveScanResult(ctx, aws)
		require.ErrorIs(t, err, store.ErrAlreadyExists)
		require.Equal(t, model.KindPersistence, model.KindOf(err))

		got, err := s.GetScanResult(ctx, aws.ID)
		require.NoError(t, err)
		require.Equal(t, aws.AccountID, got.AccountID)
		require.True(t, aws.Date.Equal(got.Date))
		require.Len(t, got.Findings, 1)
		require.Equal(t, aws.Findings[0].Keys(), got.Findings[0].Keys())
		require.Equal(t, "high", got.Findings[0].Severity())

		_, err = s.GetScanResult(ctx, "missing")
		require.ErrorIs(t, err, model.ErrNotFound)

		all, err := s.ListScanResults(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, "scan-gcp", all[0].ID)

		onlyAWS, err := s.ListScanResults(ctx, model.ProviderAWS)
		require.NoError(t, err)
		require.Len(t, onlyAWS, 1)
		require.Equal(t, 1, onlyAWS[0].FindingsCount)
	})

	t.Run("jobs", func(t *testing.T) {
		created := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
		first := model.JobRecord{
			ID:        "job-1",
			Provider:  model.ProviderGCP,
			Target:    "proj",
			Status:    model.JobQueued,
			CreatedAt: created,
			UpdatedAt: created,
		}
		second := first
		second.ID = "job-2"
		second.CreatedAt = created.Add(time.Minute)

		require.NoError(t, s.SaveJobRecord(ctx, first))
		require.NoError(t, s.SaveJobRecord(ctx, second))

		first.Status = model.JobCompleted
		first.Progress = 100
		first.Result = &model.JobResult{ScanID: "scan-gcp", FindingsCount: 0}
		first.UpdatedAt = created.Add(2 * time.Minute)
		require.NoError(t, s.UpdateJobRecord(ctx, first))

		second.Status = model.JobFailed
		second.Progress = 100
		second.Error = &model.JobError{Kind: model.KindScan, Message: "exit code 1"}
		require.NoError(t, s.UpdateJobRecord(ctx, second))

		missing := first
		missing.ID = "job-missing"
		require.ErrorIs(t, s.UpdateJobRecord(ctx, missing), model.ErrNotFound)

		jobs, err := s.ListJobRecords(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, "job-2", jobs[0].ID)
		require.Equal(t, second.Error, jobs[0].Error)
		require.Nil(t, jobs[0].Result)
		require.Equal(t, first.Result, jobs[1].Result)
		require.Equal(t, model.JobCompleted, jobs[1].Status)
		require.True(t, first.UpdatedAt.Equal(jobs[1].UpdatedAt))
	})
}
