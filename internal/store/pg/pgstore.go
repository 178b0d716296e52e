package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"hearth.zone/internal/badge"
	"hearth.zone/internal/geo"
	"hearth.zone/internal/zone"
)

// Store implements the domain store interfaces on Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ zone.Store      = (*Store)(nil)
	_ badge.SeedStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (tests use sqlmock here).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- zones ---

func (s *Store) FindByID(ctx context.Context, id string) (zone.Zone, error) {
	return s.scanZone(s.db.QueryRowContext(ctx, `
		select id, name, cell, resolution, boundary_hashes, theme_colors, motion_tag, residents, created_at
		from zones where id=$1
	`, id))
}

func (s *Store) FindByCell(ctx context.Context, cell geo.Cell) (zone.Zone, error) {
	return s.scanZone(s.db.QueryRowContext(ctx, `
		select id, name, cell, resolution, boundary_hashes, theme_colors, motion_tag, residents, created_at
		from zones where cell=$1
	`, string(cell)))
}

func (s *Store) Create(ctx context.Context, z zone.Zone) (zone.Zone, error) {
	if len(z.ThemeColors) < 2 || len(z.ThemeColors) > 3 {
		return zone.Zone{}, zone.ErrInvalidTheme
	}
	colors, err := json.Marshal(z.ThemeColors)
	if err != nil {
		return zone.Zone{}, err
	}
	hashes, err := json.Marshal(z.Locator.BoundaryHashes)
	if err != nil {
		return zone.Zone{}, err
	}

	var cell sql.NullString
	if z.Locator.Kind == geo.LocatorGeoCell {
		cell = sql.NullString{String: string(z.Locator.Cell), Valid: true}
	}

	// unique index on cell: the loser of a creation race gets the winner's
	// row. The index is partial, so the conflict target must repeat its
	// predicate for Postgres to infer it.
	res, err := s.db.ExecContext(ctx, `
		insert into zones(id, name, cell, resolution, boundary_hashes, theme_colors, motion_tag, residents, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,0,$8)
		on conflict (cell) where cell is not null do nothing
	`, z.ID, z.Name, cell, z.Locator.Resolution, hashes, colors, z.MotionTag, z.CreatedAt)
	if err != nil {
		return zone.Zone{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 && cell.Valid {
		return s.FindByCell(ctx, z.Locator.Cell)
	}
	return z, nil
}

func (s *Store) IncrementResidents(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		update zones set residents = residents + 1 where id=$1 returning residents
	`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, zone.ErrNotFound
	}
	return n, err
}

func (s *Store) ListAll(ctx context.Context) ([]zone.Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, cell, resolution, boundary_hashes, theme_colors, motion_tag, residents, created_at
		from zones order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []zone.Zone
	for rows.Next() {
		z, err := s.scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanZone(row rowScanner) (zone.Zone, error) {
	var (
		z          zone.Zone
		cell       sql.NullString
		resolution int
		hashesJSON []byte
		colorsJSON []byte
	)
	err := row.Scan(&z.ID, &z.Name, &cell, &resolution, &hashesJSON, &colorsJSON, &z.MotionTag, &z.Residents, &z.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return zone.Zone{}, zone.ErrNotFound
	}
	if err != nil {
		return zone.Zone{}, err
	}
	if err := json.Unmarshal(colorsJSON, &z.ThemeColors); err != nil {
		return zone.Zone{}, err
	}
	if cell.Valid {
		z.Locator = geo.Locator{Kind: geo.LocatorGeoCell, Cell: geo.Cell(cell.String), Resolution: resolution}
	} else {
		var hashes []string
		if err := json.Unmarshal(hashesJSON, &hashes); err != nil {
			return zone.Zone{}, err
		}
		z.Locator = geo.LegacyLocator(hashes)
	}
	return z, nil
}

// --- badge seeds ---

func (s *Store) FindSeed(ctx context.Context, zoneID string, validFrom time.Time) (badge.Seed, bool, error) {
	var seed badge.Seed
	err := s.db.QueryRowContext(ctx, `
		select zone_id, value, valid_from, valid_until
		from badge_seeds where zone_id=$1 and valid_from=$2
	`, zoneID, validFrom).Scan(&seed.ZoneID, &seed.Value, &seed.ValidFrom, &seed.ValidUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return badge.Seed{}, false, nil
	}
	if err != nil {
		return badge.Seed{}, false, err
	}
	return seed, true, nil
}

func (s *Store) SaveSeed(ctx context.Context, seed badge.Seed) error {
	// expired seeds are kept for audit, so conflicts only mean a replica
	// derived the same window first
	_, err := s.db.ExecContext(ctx, `
		insert into badge_seeds(zone_id, value, valid_from, valid_until)
		values ($1,$2,$3,$4)
		on conflict (zone_id, valid_from) do nothing
	`, seed.ZoneID, seed.Value, seed.ValidFrom, seed.ValidUntil)
	return err
}
