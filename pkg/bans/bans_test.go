package bans

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-test/deep"
)

// Creates a fresh SQLite database per test.
func setUpStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bans.db"))
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAddLookupRemove(t *testing.T) {
	s := setUpStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, Ban{Username: "Griefer", Reason: "griefing"}); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	reason, banned, err := s.Lookup(ctx, "griefer")
	if err != nil {
		t.Fatalf("Lookup error = %v", err)
	}
	if !banned || reason != "griefing" {
		t.Errorf("Lookup = (%q, %v), want (griefing, true)", reason, banned)
	}

	// Re-adding replaces the reason.
	if err := s.Add(ctx, Ban{Username: "griefer", Reason: "repeat offence"}); err != nil {
		t.Fatalf("second Add error = %v", err)
	}
	b, err := s.Get(ctx, "GRIEFER")
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if b.Reason != "repeat offence" {
		t.Errorf("Reason = %q, want %q", b.Reason, "repeat offence")
	}
	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Errorf("List len = %d, want 1", len(list))
	}

	if err := s.Remove(ctx, "griefer"); err != nil {
		t.Fatalf("Remove error = %v", err)
	}
	if _, banned, _ := s.Lookup(ctx, "griefer"); banned {
		t.Error("still banned after Remove")
	}
	if err := s.Remove(ctx, "griefer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove error = %v, want %v", err, ErrNotFound)
	}
	if _, err := s.Get(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want %v", err, ErrNotFound)
	}
}

func TestStoreExpiry(t *testing.T) {
	s := setUpStore(t)
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	soon := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	_ = s.Add(ctx, Ban{Username: "temp", Reason: "cool off", ExpiresAt: &soon})
	_ = s.Add(ctx, Ban{Username: "served", Reason: "old", ExpiresAt: &past})

	if _, banned, _ := s.Lookup(ctx, "temp"); !banned {
		t.Error("temp not banned before expiry")
	}
	if _, banned, _ := s.Lookup(ctx, "served"); banned {
		t.Error("served still banned after expiry")
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge error = %v", err)
	}
	if n != 1 {
		t.Errorf("Purge = %d, want 1", n)
	}
}

func TestStoreReplace(t *testing.T) {
	s := setUpStore(t)
	ctx := context.Background()
	_ = s.Add(ctx, Ban{Username: "old", Reason: "x"})

	if err := s.Replace(ctx, []Ban{{Username: "A_one", Reason: "a"}, {Username: "b_two", Reason: "b"}}); err != nil {
		t.Fatalf("Replace error = %v", err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	var names []string
	for _, b := range list {
		names = append(names, b.Username)
	}
	if diff := deep.Equal(names, []string{"a_one", "b_two"}); diff != nil {
		t.Error(diff)
	}

	if err := s.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace(nil) error = %v", err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Errorf("List after clear = %v", list)
	}
}

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3SourceRoundTrip(t *testing.T) {
	api := newFakeS3()
	src := NewS3Source(api, "bucket", "")
	ctx := context.Background()

	got, err := src.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch of missing snapshot error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Fetch of missing snapshot = %v, want empty", got)
	}

	created := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	want := []Ban{{Username: "griefer", Reason: "griefing", CreatedAt: created}}
	if err := src.Publish(ctx, want); err != nil {
		t.Fatalf("Publish error = %v", err)
	}
	if _, ok := api.objects["bucket/gsnet/bans.yaml"]; !ok {
		t.Fatal("snapshot not stored under the default key")
	}
	got, err = src.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch error = %v", err)
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestS3SourceBadSnapshot(t *testing.T) {
	api := newFakeS3()
	api.objects["bucket/bans.yaml"] = []byte("bans: [this is: not: valid")
	if _, err := NewS3Source(api, "bucket", "bans.yaml").Fetch(context.Background()); err == nil {
		t.Error("Fetch of malformed snapshot succeeded")
	}
}

func TestPullPush(t *testing.T) {
	api := newFakeS3()
	src := NewS3Source(api, "bucket", "bans.yaml")
	ctx := context.Background()

	primary := setUpStore(t)
	_ = primary.Add(ctx, Ban{Username: "alpha", Reason: "a"})
	_ = primary.Add(ctx, Ban{Username: "beta", Reason: "b"})
	if n, err := Push(ctx, primary, src); err != nil || n != 2 {
		t.Fatalf("Push = (%d, %v), want (2, nil)", n, err)
	}

	replica := setUpStore(t)
	if n, err := Pull(ctx, src, replica); err != nil || n != 2 {
		t.Fatalf("Pull = (%d, %v), want (2, nil)", n, err)
	}
	if reason, banned, _ := replica.Lookup(ctx, "beta"); !banned || reason != "b" {
		t.Errorf("replica Lookup(beta) = (%q, %v)", reason, banned)
	}
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Config{Bucket: "b", Endpoint: "http://localhost:9000", UsePathStyle: true})
	opts := c.Options()
	if opts.Region != "us-east-1" {
		t.Errorf("Region = %q, want us-east-1", opts.Region)
	}
	if aws.ToString(opts.BaseEndpoint) != "http://localhost:9000" {
		t.Errorf("BaseEndpoint = %q", aws.ToString(opts.BaseEndpoint))
	}
	if _, ok := opts.Credentials.(aws.AnonymousCredentials); !ok {
		t.Errorf("Credentials = %T, want anonymous", opts.Credentials)
	}

	signed := NewS3Client(S3Config{AccessKeyID: "id", SecretAccessKey: "secret"}).Options()
	creds, err := signed.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve error = %v", err)
	}
	if creds.AccessKeyID != "id" {
		t.Errorf("AccessKeyID = %q, want id", creds.AccessKeyID)
	}
}

type countingList struct {
	calls int
	err   error
}

func (l *countingList) Lookup(_ context.Context, username string) (string, bool, error) {
	l.calls++
	if l.err != nil {
		return "", false, l.err
	}
	return "reason", username == "bad", nil
}

func TestCached(t *testing.T) {
	inner := &countingList{}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, banned, _ := c.Lookup(ctx, "BAD"); !banned {
			t.Fatal("BAD not banned")
		}
		if _, banned, _ := c.Lookup(ctx, "good"); banned {
			t.Fatal("good banned")
		}
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}

	c.Invalidate("bad")
	_, _, _ = c.Lookup(ctx, "bad")
	if inner.calls != 3 {
		t.Errorf("inner calls after Invalidate = %d, want 3", inner.calls)
	}

	c.Flush()
	inner.err = errors.New("down")
	if _, _, err := c.Lookup(ctx, "good"); err == nil {
		t.Error("error not propagated")
	}
	inner.err = nil
	_, _, _ = c.Lookup(ctx, "good")
	if inner.calls != 5 {
		t.Errorf("errors were cached: inner calls = %d, want 5", inner.calls)
	}
}
