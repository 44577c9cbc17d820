package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_router/internal/models"
)

func sampleRecords(n int) []models.UsageRecord {
	records := make([]models.UsageRecord, n)
	for i := range records {
		records[i] = models.UsageRecord{
			ReservationID: "res-" + string(rune('a'+i)),
			TenantID:      "acme",
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			TaskType:      "chat",
			TokensIn:      100,
			TokensOut:     50,
			ActualCost:    0.0001,
			Success:       true,
			Timestamp:     time.Date(2026, 5, 14, 10, 0, i, 0, time.UTC),
		}
	}
	return records
}

func readLines(t *testing.T, path string) []models.UsageRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []models.UsageRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r models.UsageRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileWriter_WritesJSONLines(t *testing.T) {
	template := filepath.Join(t.TempDir(), "usage-%s.jsonl")
	w, err := NewFileWriter(template, 1<<20, 5)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.WriteBatch(ctx, sampleRecords(3)))
	require.NoError(t, w.WriteBatch(ctx, nil))

	lines := readLines(t, w.CurrentFile())
	require.Len(t, lines, 3)
	assert.Equal(t, "res-a", lines[0].ReservationID)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.WriteBatch(ctx, sampleRecords(1)))
}

func TestFileWriter_RotatesAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "usage-%s.jsonl")
	w, err := NewFileWriter(template, 200, 2)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, w.WriteBatch(ctx, sampleRecords(1)))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "usage-*.jsonl"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
	assert.Contains(t, matches, w.CurrentFile())
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Writer_WriteBatch(t *testing.T) {
	client := &fakeS3{objects: map[string]string{}}
	w := newS3Writer(client, S3Config{Bucket: "archive", Prefix: "usage/", PodName: "router-0"})
	w.now = func() time.Time { return time.Date(2026, 5, 14, 14, 30, 22, 123456789, time.UTC) }

	require.NoError(t, w.WriteBatch(context.Background(), sampleRecords(2)))

	body, ok := client.objects["archive/usage/2026/05/14/router-0-20260514-143022-123456789.jsonl"]
	require.True(t, ok, "objects: %v", client.objects)
	assert.Len(t, strings.Split(strings.TrimSpace(body), "\n"), 2)

	t.Run("empty batch uploads nothing", func(t *testing.T) {
		require.NoError(t, w.WriteBatch(context.Background(), nil))
		assert.Len(t, client.objects, 1)
	})

	t.Run("upload failure is returned", func(t *testing.T) {
		client.err = errors.New("access denied")
		assert.Error(t, w.WriteBatch(context.Background(), sampleRecords(1)))
	})
}

func TestNewS3Writer_RequiresBucket(t *testing.T) {
	_, err := NewS3Writer(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}

// TestS3Writer_MinIO runs against a live MinIO when MINIO_ENDPOINT is set:
//
//	docker run -d -p 9000:9000 -e MINIO_ROOT_USER=minioadmin -e MINIO_ROOT_PASSWORD=minioadmin minio/minio server /data
//	MINIO_ENDPOINT=http://localhost:9000 go test ./internal/archive -run MinIO
func TestS3Writer_MinIO(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}

	ctx := context.Background()
	cfg := S3Config{
		Bucket:    "test-llm-router-usage",
		Region:    "us-east-1",
		Prefix:    "usage/",
		PodName:   "test",
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
	w, err := NewS3Writer(ctx, cfg)
	require.NoError(t, err)

	client := w.client.(*s3.Client)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})
		require.NoError(t, err)
	}

	require.NoError(t, w.WriteBatch(ctx, sampleRecords(3)))
}
