package pg

import (
	"context"
	"database/sql"
	"errors"

	"hearth.zone/internal/threat"
	"hearth.zone/internal/vouch"
)

var (
	_ vouch.Store  = (*Store)(nil)
	_ threat.Store = (*Store)(nil)
)

// --- vouch network ---

func (s *Store) FindRequest(ctx context.Context, token string) (vouch.SubsidyRequest, error) {
	var r vouch.SubsidyRequest
	err := s.db.QueryRowContext(ctx, `
		select device_token, zone_id, qr_payload, vouch_count, status, expires_at, created_at
		from subsidy_requests where device_token=$1
	`, token).Scan(&r.DeviceToken, &r.ZoneID, &r.QRPayload, &r.VouchCount, &r.Status, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vouch.SubsidyRequest{}, vouch.ErrNoPendingRequest
	}
	if err != nil {
		return vouch.SubsidyRequest{}, err
	}
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, r vouch.SubsidyRequest) error {
	res, err := s.db.ExecContext(ctx, `
		insert into subsidy_requests(device_token, zone_id, qr_payload, vouch_count, status, expires_at, created_at)
		values ($1,$2,$3,0,$4,$5,$6)
		on conflict (device_token) do update
		set zone_id=excluded.zone_id, qr_payload=excluded.qr_payload, vouch_count=0,
		    status=excluded.status, expires_at=excluded.expires_at, created_at=excluded.created_at
		where subsidy_requests.status <> 'pending'
		   or subsidy_requests.expires_at <= excluded.created_at
	`, r.DeviceToken, r.ZoneID, r.QRPayload, r.Status, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vouch.ErrRequestExists
	}
	return nil
}

// AddVouch records the edge and bumps the pending request's count in one
// transaction. The unique pair index rejects duplicates; the count update is
// an atomic SQL expression.
func (s *Store) AddVouch(ctx context.Context, v vouch.Vouch) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into vouches(id, voucher_token, vouchee_token, zone_id, created_at)
		values ($1,$2,$3,$4,$5)
		on conflict (voucher_token, vouchee_token) do nothing
	`, v.ID, v.VoucherToken, v.VoucheeToken, v.ZoneID, v.CreatedAt)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, vouch.ErrDuplicateVouch
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		update subsidy_requests set vouch_count = vouch_count + 1
		where device_token=$1 and status='pending'
		returning vouch_count
	`, v.VoucheeToken).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, vouch.ErrNoPendingRequest
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// ActivateRequest flips pending to activated; only one racing caller wins.
func (s *Store) ActivateRequest(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update subsidy_requests set status='activated'
		where device_token=$1 and status='pending'
	`, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) HasVouched(ctx context.Context, voucher, vouchee string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from vouches where voucher_token=$1 and vouchee_token=$2
	`, voucher, vouchee).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) VouchCountInYear(ctx context.Context, voucher string, year int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from vouches
		where voucher_token=$1 and extract(year from created_at) = $2
	`, voucher, year).Scan(&n)
	return n, err
}

// --- threat telemetry ---

func (s *Store) Append(ctx context.Context, r threat.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into threat_records(id, fingerprint_hash, ip, threat_type, severity, action_taken, at)
		values ($1,nullif($2,''),nullif($3,''),$4,$5,$6,$7)
	`, r.ID, r.FingerprintHash, r.IP, r.ThreatType, string(r.Severity), r.ActionTaken, r.At)
	return err
}
