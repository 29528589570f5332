package natskv_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/botleague/internal/adapter/natskv"
	"github.com/Strob0t/botleague/internal/port/recordstore/recordstoretest"
)

func TestStoreCompliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	nc, err := nats.Connect(url, nats.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	ctx := context.Background()
	bucket := "TEST_RECORDS_" + uuid.NewString()[:8]
	s, err := natskv.Open(ctx, js, bucket, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), bucket) })

	recordstoretest.RunComplianceTests(t, s, "")
}

func TestOpenRejectsInvalidBucket(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	_, err = natskv.Open(context.Background(), js, "bad bucket", 1)
	if err == nil {
		t.Fatal("expected error for invalid bucket name")
	}
	if !errors.Is(err, jetstream.ErrInvalidBucketName) {
		t.Logf("open failed with %v", err)
	}
}
