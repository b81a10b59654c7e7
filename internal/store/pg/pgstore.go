package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"entitlements.org/internal/enrollment"
	"entitlements.org/internal/entitlement"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ entitlement.Store = (*Store)(nil)

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

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const selectEntitlement = `
	select e.uuid, e.user_id, e.course_uuid, e.mode, coalesce(e.order_number, ''),
	       e.created, e.modified, e.expired_at,
	       e.enrollment_id, e.enrollment_course_run, e.enrollment_created,
	       coalesce(e.pending_course_run, ''),
	       p.id, p.expiration_period_days, p.refund_period_days, p.regain_period_days, p.site
	from entitlements e
	left join entitlement_policies p on p.id = e.policy_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (entitlement.Entitlement, error) {
	var (
		e                         entitlement.Entitlement
		expiredAt, enrCreated     sql.NullTime
		enrID, enrRun, policySite sql.NullString
		policyID                  sql.NullInt64
		expDays, refDays, regDays sql.NullInt32
	)
	err := row.Scan(
		&e.UUID, &e.UserID, &e.CourseUUID, &e.Mode, &e.OrderNumber,
		&e.Created, &e.Modified, &expiredAt,
		&enrID, &enrRun, &enrCreated,
		&e.PendingCourseRunID,
		&policyID, &expDays, &refDays, &regDays, &policySite,
	)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	if expiredAt.Valid {
		t := expiredAt.Time.UTC()
		e.ExpiredAt = &t
	}
	if enrRun.Valid {
		e.Enrollment = &enrollment.Enrollment{
			ID:          enrID.String,
			UserID:      e.UserID,
			CourseRunID: enrRun.String,
			Mode:        e.Mode,
			IsActive:    true,
			Created:     enrCreated.Time.UTC(),
		}
	}
	if policyID.Valid {
		e.Policy = &entitlement.Policy{
			ID:                   policyID.Int64,
			ExpirationPeriodDays: int(expDays.Int32),
			RefundPeriodDays:     int(refDays.Int32),
			RegainPeriodDays:     int(regDays.Int32),
			Site:                 policySite.String,
		}
	}
	e.Created = e.Created.UTC()
	e.Modified = e.Modified.UTC()
	return e, nil
}

func (s *Store) CreateEntitlement(ctx context.Context, e entitlement.Entitlement) (entitlement.Entitlement, error) {
	_, err := s.db.ExecContext(ctx, `
		insert into entitlements(uuid, user_id, course_uuid, mode, order_number, created, modified, policy_id)
		values ($1, $2, $3, $4, nullif($5, ''), $6, $7, $8)
	`, e.UUID, e.UserID, e.CourseUUID, e.Mode, e.OrderNumber, e.Created, e.Modified, policyRef(e.Policy))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return entitlement.Entitlement{}, fmt.Errorf("%w: entitlement %s already exists", entitlement.ErrValidation, e.UUID)
			case pgErrForeignKeyViolation:
				return entitlement.Entitlement{}, entitlement.ErrPolicyNotFound
			}
		}
		return entitlement.Entitlement{}, err
	}
	return e, nil
}

func (s *Store) GetEntitlement(ctx context.Context, id uuid.UUID) (entitlement.Entitlement, error) {
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, selectEntitlement+` where e.uuid = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	return e, err
}

func (s *Store) ListEntitlements(ctx context.Context, f entitlement.Filter) ([]entitlement.Entitlement, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	rows, err := s.db.QueryContext(ctx, selectEntitlement+`
		where ($1 = '' or e.user_id = $1)
		order by e.id asc
		limit $2 offset $3
	`, f.UserID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]entitlement.Entitlement, 0)
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpdateEntitlement locks the row with select ... for update, applies fn and
// writes the mutable columns back before committing.
func (s *Store) UpdateEntitlement(ctx context.Context, id uuid.UUID, fn func(*entitlement.Entitlement) error) (entitlement.Entitlement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntitlement(tx.QueryRowContext(ctx, selectEntitlement+` where e.uuid = $1 for update of e`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Entitlement{}, err
	}

	if err := fn(&e); err != nil {
		return entitlement.Entitlement{}, err
	}
	e.UUID = id

	var (
		expiredAt  sql.NullTime
		enrID      sql.NullString
		enrRun     sql.NullString
		enrCreated sql.NullTime
	)
	if e.ExpiredAt != nil {
		expiredAt = sql.NullTime{Time: *e.ExpiredAt, Valid: true}
	}
	if e.Enrollment != nil {
		enrID = sql.NullString{String: e.Enrollment.ID, Valid: true}
		enrRun = sql.NullString{String: e.Enrollment.CourseRunID, Valid: true}
		enrCreated = sql.NullTime{Time: e.Enrollment.Created, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		update entitlements
		set modified = $2, expired_at = $3,
		    enrollment_id = $4, enrollment_course_run = $5, enrollment_created = $6,
		    pending_course_run = nullif($7, ''), policy_id = $8
		where uuid = $1
	`, id, e.Modified, expiredAt, enrID, enrRun, enrCreated, e.PendingCourseRunID, policyRef(e.Policy)); err != nil {
		return entitlement.Entitlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return entitlement.Entitlement{}, err
	}
	return e, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p entitlement.Policy) (entitlement.Policy, error) {
	err := s.db.QueryRowContext(ctx, `
		insert into entitlement_policies(expiration_period_days, refund_period_days, regain_period_days, site)
		values ($1, $2, $3, nullif($4, ''))
		returning id
	`, p.ExpirationPeriodDays, p.RefundPeriodDays, p.RegainPeriodDays, p.Site).Scan(&p.ID)
	if err != nil {
		return entitlement.Policy{}, err
	}
	return p, nil
}

func (s *Store) GetPolicy(ctx context.Context, id int64) (entitlement.Policy, error) {
	return s.scanPolicy(s.db.QueryRowContext(ctx, `
		select id, expiration_period_days, refund_period_days, regain_period_days, coalesce(site, '')
		from entitlement_policies where id = $1
	`, id))
}

// PolicyForSite returns the newest policy scoped to site.
func (s *Store) PolicyForSite(ctx context.Context, site string) (entitlement.Policy, error) {
	return s.scanPolicy(s.db.QueryRowContext(ctx, `
		select id, expiration_period_days, refund_period_days, regain_period_days, coalesce(site, '')
		from entitlement_policies where site = $1
		order by id desc
		limit 1
	`, site))
}

func (s *Store) scanPolicy(row *sql.Row) (entitlement.Policy, error) {
	var p entitlement.Policy
	err := row.Scan(&p.ID, &p.ExpirationPeriodDays, &p.RefundPeriodDays, &p.RegainPeriodDays, &p.Site)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Policy{}, entitlement.ErrPolicyNotFound
	}
	if err != nil {
		return entitlement.Policy{}, err
	}
	return p, nil
}

// --- helpers ---
func policyRef(p *entitlement.Policy) sql.NullInt64 {
	if p == nil || p.ID == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: p.ID, Valid: true}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
