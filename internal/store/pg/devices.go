package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"hearth.zone/internal/device"
)

var _ device.Store = (*Store)(nil)

func (s *Store) FindDevice(ctx context.Context, token string) (device.Device, error) {
	var (
		d           device.Device
		subUntil    sql.NullTime
		billingRef  sql.NullString
		lastNight   sql.NullString
		pausedSince sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select token, zone_id, status, nights_confirmed, movement_days, created_at,
		       verification_start, subscription_type, subscription_until, billing_ref,
		       last_night_key, paused_since
		from devices where token=$1
	`, token).Scan(&d.Token, &d.ZoneID, &d.Status, &d.NightsConfirmed, &d.MovementDays,
		&d.CreatedAt, &d.VerificationStart, &d.SubscriptionType, &subUntil, &billingRef,
		&lastNight, &pausedSince)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Device{}, device.ErrNotFound
	}
	if err != nil {
		return device.Device{}, err
	}
	if subUntil.Valid {
		d.SubscriptionUntil = subUntil.Time
	}
	if billingRef.Valid {
		d.BillingRef = billingRef.String
	}
	if lastNight.Valid {
		d.LastNightKey = lastNight.String
	}
	if pausedSince.Valid {
		t := pausedSince.Time
		d.PausedSince = &t
	}
	return d, nil
}

func (s *Store) CreateDevice(ctx context.Context, d device.Device) error {
	res, err := s.db.ExecContext(ctx, `
		insert into devices(token, prefix, zone_id, status, nights_confirmed, movement_days,
		                    created_at, verification_start, subscription_type)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (token) do nothing
	`, d.Token, d.Prefix(), d.ZoneID, d.Status, d.NightsConfirmed, d.MovementDays,
		d.CreatedAt, d.VerificationStart, d.SubscriptionType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.ErrAlreadyEnrolled
	}
	return nil
}

func (s *Store) TokensByPrefix(ctx context.Context, prefixHex string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select token from devices where prefix=$1
	`, strings.ToLower(prefixHex))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ActiveInZone(ctx context.Context, zoneID string) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		select token from devices where zone_id=$1 and status='active' order by created_at
	`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]device.Device, 0, len(tokens))
	for _, t := range tokens {
		d, err := s.FindDevice(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ConfirmNight counts a night at most once per local calendar night. The
// dedup row insert and the counter bump share a transaction; the increment is
// a SQL-side expression, never read-modify-write.
func (s *Store) ConfirmNight(ctx context.Context, token, nightKey string) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into presence_nights(token, night_key) values ($1,$2)
		on conflict do nothing
	`, token, nightKey)
	if err != nil {
		return 0, false, err
	}
	inserted, _ := res.RowsAffected()

	var nights int
	if inserted == 0 {
		err = tx.QueryRowContext(ctx, `select nights_confirmed from devices where token=$1`, token).Scan(&nights)
	} else {
		err = tx.QueryRowContext(ctx, `
			update devices
			set nights_confirmed = least(nights_confirmed + 1, $2), last_night_key = $3
			where token=$1
			returning nights_confirmed
		`, token, device.NightsRequired, nightKey).Scan(&nights)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, device.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return nights, inserted == 1, nil
}

func (s *Store) RecordMovementWindow(ctx context.Context, token, dayKey string, window int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into movement_windows(token, day_key, win) values ($1,$2,$3)
		on conflict do nothing
	`, token, dayKey, window); err != nil {
		return 0, err
	}

	var n int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from movement_windows where token=$1 and day_key=$2
	`, token, dayKey).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ConfirmMovementDay(ctx context.Context, token, dayKey string) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into movement_days(token, day_key) values ($1,$2)
		on conflict do nothing
	`, token, dayKey)
	if err != nil {
		return 0, false, err
	}
	inserted, _ := res.RowsAffected()

	var days int
	if inserted == 0 {
		err = tx.QueryRowContext(ctx, `select movement_days from devices where token=$1`, token).Scan(&days)
	} else {
		err = tx.QueryRowContext(ctx, `
			update devices
			set movement_days = least(movement_days + 1, $2)
			where token=$1
			returning movement_days
		`, token, device.MovementDaysRequired).Scan(&days)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, device.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return days, inserted == 1, nil
}

// Activate is a compare-and-set: only the caller that flips verifying to
// active sees an affected row.
func (s *Store) Activate(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update devices set status='active' where token=$1 and status='verifying'
	`, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) SetStatus(ctx context.Context, token string, status device.Status) error {
	return s.execOne(ctx, `update devices set status=$2 where token=$1`, token, string(status))
}

func (s *Store) SetPaused(ctx context.Context, token string, since *time.Time) error {
	var v sql.NullTime
	if since != nil {
		v = sql.NullTime{Time: *since, Valid: true}
	}
	return s.execOne(ctx, `update devices set paused_since=$2 where token=$1`, token, v)
}

func (s *Store) SetSubscription(ctx context.Context, token, subType string, until time.Time) error {
	return s.execOne(ctx, `
		update devices set subscription_type=$2, subscription_until=$3, verification_start=now()
		where token=$1
	`, token, subType, until)
}

func (s *Store) AppendPresenceLog(ctx context.Context, e device.PresenceLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into presence_log(token, zone_id, night_key, success, reason, at)
		values ($1,$2,$3,$4,nullif($5,''),$6)
	`, e.Token, e.ZoneID, e.NightKey, e.Success, e.Reason, e.At)
	return err
}

func (s *Store) AppendMovementLog(ctx context.Context, e device.MovementLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into movement_log(token, day_key, win, class, at)
		values ($1,$2,$3,$4,$5)
	`, e.Token, e.DayKey, e.Window, string(e.Class), e.At)
	return err
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.ErrNotFound
	}
	return nil
}
