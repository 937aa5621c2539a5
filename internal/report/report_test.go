package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerport/internal/config"
	"github.com/JonMunkholm/ledgerport/internal/core"
)

func sampleReport() *core.RunReport {
	start := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	return &core.RunReport{
		RunID:       "run-1",
		Entity:      "Invoice",
		StartedAt:   start,
		FinishedAt:  start.Add(90 * time.Second),
		Outcome:     core.OutcomeCompleted,
		Initialized: 3,
		Built:       2,
		Skipped:     1,
		Posted:      map[core.Status]int{core.StatusSuccess: 1, core.StatusFailed: 1},
		Summary: core.Summary{
			Entity: "Invoice",
			Total:  3,
			Counts: map[core.Status]int64{core.StatusSuccess: 1, core.StatusFailed: 1, core.StatusSkipped: 1},
		},
		Failures: []core.FailureDetail{{
			SourceID: "7", Status: core.StatusFailed, RetryCount: 1,
			Reason:   "status=400 | code=6000\nline two",
			Guidance: core.UserMessage{Action: "Fix the source record"},
		}},
	}
}

func TestFileSink_ExportRun(t *testing.T) {
	dir := t.TempDir()
	r := sampleReport()

	loc, err := ExportRun(context.Background(), FileSink{Dir: dir}, r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "runs", "Invoice", "20240309T140506Z-run-1.json"), loc)

	b, err := os.ReadFile(loc)
	require.NoError(t, err)
	var got core.RunReport
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 1, got.Posted[core.StatusFailed])

	_, err = os.Stat(loc + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCompletion(t *testing.T) {
	tests := []struct {
		name    string
		source  int64
		success int64
		exists  int64
		want    string
	}{
		{"empty source", 0, 0, 0, "0"},
		{"third", 3, 1, 0, "33.33"},
		{"done", 4, 3, 1, "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := core.EntityProgress{SourceCount: tt.source, Summary: core.Summary{Counts: map[core.Status]int64{
				core.StatusSuccess: tt.success, core.StatusExists: tt.exists,
			}}}
			got := Completion(p)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestWriteProgress(t *testing.T) {
	var buf bytes.Buffer
	rows := []core.EntityProgress{
		{Entity: "Vendor", SourceCount: 2, Summary: core.Summary{Total: 2, Counts: map[core.Status]int64{core.StatusSuccess: 2}}},
		{Entity: "Invoice", SourceCount: 4, Summary: core.Summary{Total: 1, Counts: map[core.Status]int64{core.StatusReady: 1}}},
	}
	require.NoError(t, WriteProgress(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "DONE %")
	assert.Contains(t, lines[1], "Vendor")
	assert.Contains(t, lines[1], "100.00")
	assert.Contains(t, lines[2], "0.00")
}

func TestWriteRun(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRun(&buf, sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "Invoice run run-1: completed in 1m30s")
	assert.Contains(t, out, "initialized 3, built 2, skipped 1")
	assert.Contains(t, out, "posted: success 1, exists 0, failed 1")
	assert.Contains(t, out, "code=6000 line two")
	assert.Contains(t, out, "Fix the source record")
}

func TestWriteHistory(t *testing.T) {
	start := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, WriteHistory(&buf, []core.RunRecord{{
		RunID: "r9", Entity: "Vendor", StartedAt: start, FinishedAt: start.Add(42 * time.Second),
		Outcome: core.OutcomeFailed, Posted: 4, Succeeded: 3, Failed: 1,
	}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "OUTCOME")
	assert.Contains(t, lines[1], "2024-03-09T14:05:06Z")
	assert.Contains(t, lines[1], "Vendor")
	assert.Contains(t, lines[1], "failed")
	assert.Contains(t, lines[1], "42s")
}

func TestExportProgress(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	snap := NewProgressSnapshot(now, []core.EntityProgress{
		{Entity: "Vendor", SourceCount: 1, Summary: core.Summary{Counts: map[core.Status]int64{core.StatusExists: 1}}},
	})

	loc, err := ExportProgress(context.Background(), FileSink{Dir: dir}, snap)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "progress", "20240309T000000Z.json"), loc)

	b, err := os.ReadFile(loc)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	entity := got["entities"].([]any)[0].(map[string]any)
	assert.Equal(t, "Vendor", entity["entity"])
	assert.Equal(t, true, entity["complete"])
	assert.Equal(t, "100", entity["percentage"])
}

func TestOpen(t *testing.T) {
	sink, err := Open(context.Background(), config.ReportConfig{Sink: "none"})
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = Open(context.Background(), config.ReportConfig{Sink: "file", Dir: "out"})
	require.NoError(t, err)
	assert.Equal(t, FileSink{Dir: "out"}, sink)

	_, err = Open(context.Background(), config.ReportConfig{Sink: "s3"})
	require.Error(t, err)

	_, err = Open(context.Background(), config.ReportConfig{Sink: "ftp"})
	require.Error(t, err)
}

func TestS3Sink_Put(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotType string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), b
		mu.Unlock()
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket:    "reports",
		Prefix:    "ledgerport/",
		Region:    "us-east-1",
		Endpoint:  ts.URL,
		PathStyle: true,
	}, func(o *s3.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")
		o.HTTPClient = ts.Client()
	})
	require.NoError(t, err)

	loc, err := ExportRun(context.Background(), sink, sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "s3://reports/ledgerport/runs/Invoice/20240309T140506Z-run-1.json", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/reports/ledgerport/runs/Invoice/20240309T140506Z-run-1.json", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Contains(t, string(gotBody), `"runId": "run-1"`)
}

func TestS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	require.Error(t, err)
}
