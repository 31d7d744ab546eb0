package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"campusride/internal/domain"
	"campusride/internal/repository"
)

// newTestClient connects to the Redis named by CAMPUSRIDE_TEST_REDIS_ADDR.
// The tests are skipped when it is unset.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CAMPUSRIDE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAMPUSRIDE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testDriverID(t *testing.T, client *redis.Client) string {
	t.Helper()
	id := "test-driver-" + uuid.New().String()
	t.Cleanup(func() {
		ctx := context.Background()
		client.ZRem(ctx, driverLocationKey, id)
		client.Del(ctx, driverMetaPrefix+id)
	})
	return id
}

func TestLocationStore_OlderRecordIgnored(t *testing.T) {
	client := newTestClient(t)
	store := NewLocationStore(client)
	ctx := context.Background()
	id := testDriverID(t, client)

	now := time.Now().Truncate(time.Millisecond)
	newer := domain.Point{Lat: 6.8905, Lng: 3.7205}
	older := domain.Point{Lat: 6.8930, Lng: 3.7250}

	if err := store.UpsertDriver(ctx, domain.DriverLocationRecord{DriverID: id, Point: newer, IsOnline: true, IsActive: true, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertDriver(ctx, domain.DriverLocationRecord{DriverID: id, Point: older, IsOnline: true, IsActive: true, UpdatedAt: now.Add(-5 * time.Second)}); err != nil {
		t.Fatalf("late upsert: %v", err)
	}

	got := findDriver(t, store, newer, id)
	if got == nil {
		t.Fatal("expected the driver near the newer position")
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("expected updated_at %v, got %v", now, got.UpdatedAt)
	}
}

func TestLocationStore_OfflineSurvivesLateReport(t *testing.T) {
	client := newTestClient(t)
	store := NewLocationStore(client)
	ctx := context.Background()
	id := testDriverID(t, client)
	p := domain.Point{Lat: 6.8905, Lng: 3.7205}

	now := time.Now().Truncate(time.Millisecond)
	if err := store.UpsertDriver(ctx, domain.DriverLocationRecord{DriverID: id, Point: p, IsOnline: true, IsActive: true, UpdatedAt: now.Add(-10 * time.Second)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetDriverOnline(ctx, id, false, now); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if err := store.UpsertDriver(ctx, domain.DriverLocationRecord{DriverID: id, Point: p, IsOnline: true, IsActive: true, UpdatedAt: now.Add(-5 * time.Second)}); err != nil {
		t.Fatalf("late upsert: %v", err)
	}

	got := findDriver(t, store, p, id)
	if got == nil {
		t.Fatal("expected the record to be kept")
	}
	if got.IsOnline || got.IsActive {
		t.Errorf("expected offline, got online=%v active=%v", got.IsOnline, got.IsActive)
	}

	// Offline with an earlier timestamp does not move updated_at back.
	if err := store.SetDriverOnline(ctx, id, false, now.Add(-time.Minute)); err != nil {
		t.Fatalf("offline again: %v", err)
	}
	if got := findDriver(t, store, p, id); got == nil || !got.UpdatedAt.Equal(now) {
		t.Errorf("expected updated_at to stay %v, got %+v", now, got)
	}
}

func TestLocationStore_SetDriverOnlineUnknownDriver(t *testing.T) {
	client := newTestClient(t)
	store := NewLocationStore(client)

	err := store.SetDriverOnline(context.Background(), "test-driver-"+uuid.New().String(), false, time.Now())
	if err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func findDriver(t *testing.T, store *LocationStore, center domain.Point, id string) *domain.DriverLocationRecord {
	t.Helper()
	records, err := store.QueryNear(context.Background(), center, 50, repository.NearFilter{})
	if err != nil {
		t.Fatalf("query near: %v", err)
	}
	for i := range records {
		if records[i].DriverID == id {
			return &records[i]
		}
	}
	return nil
}
