package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hearth.zone/internal/geo"
	"hearth.zone/internal/zone"
)

const testCell = geo.Cell("891f1d48a93ffff")

// zoneDir is a ZoneDirectory stub with an activation counter.
type zoneDir struct {
	mu        sync.Mutex
	residents int64
}

func (d *zoneDir) Get(ctx context.Context, id string) (zone.Zone, error) {
	return zone.Zone{ID: id, Locator: geo.CellLocator(testCell)}, nil
}

func (d *zoneDir) IncrementResidents(ctx context.Context, id string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.residents++
	return d.residents, nil
}

func (d *zoneDir) count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.residents
}

func newTestService(t *testing.T, clock *time.Time) (*Service, *InMemory, *zoneDir, string) {
	t.Helper()
	store := NewInMemory()
	zones := &zoneDir{}
	svc := NewService(store, zones, WithClock(func() time.Time { return *clock }))
	d, err := svc.Enroll(context.Background(), "fp-hash-1", "zone-1")
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, zones, d.Token
}

func insideEvidence(local time.Time) PresenceEvidence {
	return PresenceEvidence{Cell: testCell, LocalTime: local}
}

func humanBurst(at time.Time) []AccelSample {
	mags := []float64{1.0, 1.5, 1.0, 3.0, 1.0, 4.0}
	bearings := []float64{0, 10, 50, 55, 60, 65}
	out := make([]AccelSample, len(mags))
	for i := range mags {
		out[i] = AccelSample{X: mags[i], Bearing: bearings[i], At: at}
	}
	return out
}

func TestEnrollStartsVerifying(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, _, token := newTestService(t, &clock)

	d, err := svc.Get(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusVerifying {
		t.Errorf("status = %s, want verifying", d.Status)
	}
	if len(token) != 32 {
		t.Errorf("token length = %d, want 32", len(token))
	}
	if d.NightsConfirmed != 0 || d.MovementDays != 0 {
		t.Errorf("fresh device has evidence: nights=%d days=%d", d.NightsConfirmed, d.MovementDays)
	}
	if d.SubscriptionType != SubscriptionPaid {
		t.Errorf("subscription = %s, want paid", d.SubscriptionType)
	}
}

func TestRecordPresenceOutsideNightWindow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store, _, token := newTestService(t, &clock)

	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := svc.RecordPresence(context.Background(), token, insideEvidence(noon))
	if !errors.Is(err, ErrOutsideNightWindow) {
		t.Fatalf("expected ErrOutsideNightWindow, got %v", err)
	}

	logs := store.PresenceLogs()
	if len(logs) != 1 || logs[0].Reason != "outside_night_window" {
		t.Fatalf("attempt not logged: %+v", logs)
	}
}

func TestRecordPresenceCountsOncePerNight(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	svc, _, _, token := newTestService(t, &clock)
	ctx := context.Background()

	evening := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	nights, err := svc.RecordPresence(ctx, token, insideEvidence(evening))
	if err != nil {
		t.Fatal(err)
	}
	if nights != 1 {
		t.Fatalf("nights = %d, want 1", nights)
	}

	// 01:30 the next calendar day belongs to the same night
	afterMidnight := time.Date(2026, 3, 2, 1, 30, 0, 0, time.UTC)
	nights, err = svc.RecordPresence(ctx, token, insideEvidence(afterMidnight))
	if err != nil {
		t.Fatal(err)
	}
	if nights != 1 {
		t.Fatalf("nights = %d after same-night recheck, want 1", nights)
	}
}

func TestRecordPresenceLocationMismatch(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	svc, store, _, token := newTestService(t, &clock)

	ev := PresenceEvidence{
		Cell:      geo.Cell("8928308280fffff"), // some other cell
		LocalTime: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC),
	}
	nights, err := svc.RecordPresence(context.Background(), token, ev)
	if err != nil {
		t.Fatal(err)
	}
	if nights != 0 {
		t.Fatalf("nights = %d after mismatch, want 0", nights)
	}

	logs := store.PresenceLogs()
	if len(logs) != 1 || logs[0].Reason != "location_mismatch" || logs[0].Success {
		t.Fatalf("mismatch not logged: %+v", logs)
	}
}

func TestRecordPresenceConcurrentSameNight(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	svc, _, _, token := newTestService(t, &clock)
	ev := insideEvidence(time.Date(2026, 3, 1, 23, 15, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.RecordPresence(context.Background(), token, ev)
		}()
	}
	wg.Wait()

	d, err := svc.Get(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if d.NightsConfirmed != 1 {
		t.Fatalf("nights = %d after concurrent checks, want 1", d.NightsConfirmed)
	}
}

func TestAbsencePausesButNeverResets(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	svc, _, _, token := newTestService(t, &clock)
	ctx := context.Background()

	for day := 1; day <= 3; day++ {
		local := time.Date(2026, 3, day, 23, 0, 0, 0, time.UTC)
		if _, err := svc.RecordPresence(ctx, token, insideEvidence(local)); err != nil {
			t.Fatal(err)
		}
	}

	// six missed nights, well past grace, then the device comes back
	resumed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	nights, err := svc.RecordPresence(ctx, token, insideEvidence(resumed))
	if err != nil {
		t.Fatal(err)
	}
	if nights != 4 {
		t.Fatalf("nights = %d after resume, want 4 (no reset)", nights)
	}

	d, err := svc.Get(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if d.PausedSince != nil {
		t.Error("pause marker should clear on a counted night")
	}
}

func TestRecordMovementDayNeedsTwoWindows(t *testing.T) {
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, _, _, token := newTestService(t, &clock)
	ctx := context.Background()

	days, res, err := svc.RecordMovement(ctx, token, humanBurst(clock))
	if err != nil {
		t.Fatal(err)
	}
	if res.Class != ClassHuman {
		t.Fatalf("class = %s, want human", res.Class)
	}
	if days != 0 {
		t.Fatalf("days = %d after one window, want 0", days)
	}

	clock = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) // second quarter-day window
	days, _, err = svc.RecordMovement(ctx, token, humanBurst(clock))
	if err != nil {
		t.Fatal(err)
	}
	if days != 1 {
		t.Fatalf("days = %d after two windows, want 1", days)
	}

	clock = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC) // third window, same day
	days, _, err = svc.RecordMovement(ctx, token, humanBurst(clock))
	if err != nil {
		t.Fatal(err)
	}
	if days != 1 {
		t.Fatalf("days = %d after third window, want still 1", days)
	}
}

func TestRecordMovementNonHumanIsDropped(t *testing.T) {
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, _, _, token := newTestService(t, &clock)

	flat := []AccelSample{{X: 9.81}, {X: 9.81}, {X: 9.81}, {X: 9.81}}
	days, res, err := svc.RecordMovement(context.Background(), token, flat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Class == ClassHuman {
		t.Fatal("stationary burst classified as human")
	}
	if days != 0 {
		t.Fatalf("days = %d after stationary burst, want 0", days)
	}
}

func TestActivationRequiresBothEvidenceTracks(t *testing.T) {
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, _, zones, token := newTestService(t, &clock)
	ctx := context.Background()

	// ten confirmed movement days
	for day := 1; day <= MovementDaysRequired; day++ {
		clock = time.Date(2026, 3, day, 8, 0, 0, 0, time.UTC)
		if _, _, err := svc.RecordMovement(ctx, token, humanBurst(clock)); err != nil {
			t.Fatal(err)
		}
		clock = time.Date(2026, 3, day, 14, 0, 0, 0, time.UTC)
		if _, _, err := svc.RecordMovement(ctx, token, humanBurst(clock)); err != nil {
			t.Fatal(err)
		}
	}

	// thirteen nights: still verifying
	for day := 1; day <= NightsRequired-1; day++ {
		local := time.Date(2026, 3, day, 23, 0, 0, 0, time.UTC)
		if _, err := svc.RecordPresence(ctx, token, insideEvidence(local)); err != nil {
			t.Fatal(err)
		}
	}
	d, err := svc.Get(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusVerifying {
		t.Fatalf("status = %s with 13 nights, want verifying", d.Status)
	}
	if zones.count() != 0 {
		t.Fatalf("residents = %d before activation, want 0", zones.count())
	}

	// the fourteenth night completes both tracks
	local := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	if _, err := svc.RecordPresence(ctx, token, insideEvidence(local)); err != nil {
		t.Fatal(err)
	}
	d, err = svc.Get(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusActive {
		t.Fatalf("status = %s after full evidence, want active", d.Status)
	}
	if zones.count() != 1 {
		t.Fatalf("residents = %d, want 1", zones.count())
	}

	// further evidence must not activate or count twice
	extra := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	if _, err := svc.RecordPresence(ctx, token, insideEvidence(extra)); err != nil {
		t.Fatal(err)
	}
	if zones.count() != 1 {
		t.Fatalf("residents = %d after extra evidence, want still 1", zones.count())
	}
}

func TestConcurrentEvidenceCompletionActivates(t *testing.T) {
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, _, zones, token := newTestService(t, &clock)
	ctx := context.Background()

	// nine movement days and thirteen nights, one step short on each track
	for day := 1; day <= MovementDaysRequired-1; day++ {
		clock = time.Date(2026, 3, day, 8, 0, 0, 0, time.UTC)
		if _, _, err := svc.RecordMovement(ctx, token, humanBurst(clock)); err != nil {
			t.Fatal(err)
		}
		clock = time.Date(2026, 3, day, 14, 0, 0, 0, time.UTC)
		if _, _, err := svc.RecordMovement(ctx, token, humanBurst(clock)); err != nil {
			t.Fatal(err)
		}
	}
	for day := 1; day <= NightsRequired-1; day++ {
		local := time.Date(2026, 3, day, 23, 0, 0, 0, time.UTC)
		if _, err := svc.RecordPresence(ctx, token, insideEvidence(local)); err != nil {
			t.Fatal(err)
		}
	}

	clock = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	if _, _, err := svc.RecordMovement(ctx, token, humanBurst(clock)); err != nil {
		t.Fatal(err)
	}

	// the final night and the final movement window land at the same time;
	// whichever commits second must see both tracks complete
	clock = time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)
	final := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = svc.RecordPresence(ctx, token, insideEvidence(final))
	}()
	go func() {
		defer wg.Done()
		_, _, _ = svc.RecordMovement(ctx, token, humanBurst(clock))
	}()
	wg.Wait()

	d, err := svc.Get(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if d.NightsConfirmed != NightsRequired || d.MovementDays != MovementDaysRequired {
		t.Fatalf("nights=%d days=%d after final evidence", d.NightsConfirmed, d.MovementDays)
	}
	if d.Status != StatusActive {
		t.Fatalf("status = %s, want active", d.Status)
	}
	if zones.count() != 1 {
		t.Fatalf("residents = %d, want exactly 1", zones.count())
	}
}

func TestRecordPresenceRevokedDevice(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	svc, store, _, token := newTestService(t, &clock)
	ctx := context.Background()

	if err := store.SetStatus(ctx, token, StatusRevoked); err != nil {
		t.Fatal(err)
	}
	_, err := svc.RecordPresence(ctx, token, insideEvidence(clock))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestExpiredSubscriptionIsNotAuthorized(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	svc, store, _, token := newTestService(t, &clock)
	ctx := context.Background()

	expired := clock.Add(-24 * time.Hour)
	if err := store.SetSubscription(ctx, token, SubscriptionSubsidized, expired); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RecordPresence(ctx, token, insideEvidence(clock)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("presence with lapsed subscription: expected ErrNotAuthorized, got %v", err)
	}
	if _, _, err := svc.RecordMovement(ctx, token, humanBurst(clock)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("movement with lapsed subscription: expected ErrNotAuthorized, got %v", err)
	}

	// renewing the subscription restores evidence intake
	if err := store.SetSubscription(ctx, token, SubscriptionSubsidized, clock.Add(30*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordPresence(ctx, token, insideEvidence(clock)); err != nil {
		t.Fatalf("presence after renewal: %v", err)
	}
}

func TestNightKeyOf(t *testing.T) {
	cases := []struct {
		at       time.Time
		key      string
		inWindow bool
	}{
		{time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), "2026-03-01", true},
		{time.Date(2026, 3, 2, 1, 30, 0, 0, time.UTC), "2026-03-01", true},
		{time.Date(2026, 3, 2, 5, 59, 0, 0, time.UTC), "2026-03-01", true},
		{time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), "2026-03-02", false},
		{time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), "2026-03-02", false},
		{time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), "2026-03-02", true},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			key, in := nightKeyOf(c.at)
			if key != c.key || in != c.inWindow {
				t.Fatalf("nightKeyOf(%v) = (%s,%v), want (%s,%v)", c.at, key, in, c.key, c.inWindow)
			}
		})
	}
}
