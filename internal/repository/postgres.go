package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/channel-hub/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const channelColumns = `id, owner_id, role, balance, status, nonce, created_at, updated_at, closed_at`

func scanChannel(row pgx.Row) (*model.Channel, error) {
	var (
		ch      model.Channel
		role    string
		status  string
		balance int64
		nonce   int64
	)
	if err := row.Scan(&ch.ID, &ch.OwnerID, &role, &balance, &status, &nonce, &ch.CreatedAt, &ch.UpdatedAt, &ch.ClosedAt); err != nil {
		return nil, err
	}
	ch.Role = model.Role(role)
	ch.Status = model.ChannelStatus(status)
	ch.Balance = model.Amount(balance)
	ch.Nonce = uint64(nonce)
	return &ch, nil
}

// CreateChannel сохраняет новый канал. Уникальность активного канала обеспечивает частичный индекс.
func (r *PostgresRepository) CreateChannel(ctx context.Context, ch *model.Channel) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO channels (`+channelColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.OwnerID, string(ch.Role), int64(ch.Balance), string(ch.Status), int64(ch.Nonce),
		ch.CreatedAt, ch.UpdatedAt, ch.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s/%s", ErrActiveChannelExists, ch.Role, ch.OwnerID)
		}
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// GetChannel возвращает канал по идентификатору.
func (r *PostgresRepository) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	ch, err := scanChannel(r.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return ch, nil
}

// FindActiveChannel возвращает активный канал владельца в указанной роли.
func (r *PostgresRepository) FindActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error) {
	ch, err := scanChannel(r.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE owner_id = $1 AND role = $2 AND status = $3`,
		ownerID, string(role), string(model.ChannelStatusActive),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrChannelNotFound, role, ownerID)
		}
		return nil, fmt.Errorf("find active channel: %w", err)
	}
	return ch, nil
}

// ListChannels возвращает каналы с указанной ролью и статусом; пустые значения не фильтруют.
func (r *PostgresRepository) ListChannels(ctx context.Context, role model.Role, status model.ChannelStatus) ([]model.Channel, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE ($1 = '' OR role = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at`,
		string(role), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	var res []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		res = append(res, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UpdateChannels атомарно применяет fn к каналам ids. Строки блокируются в порядке
// идентификаторов, чтобы встречные переводы не приводили к взаимной блокировке.
func (r *PostgresRepository) UpdateChannels(ctx context.Context, ids []string, fn ChannelUpdateFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx,
			`SELECT `+channelColumns+` FROM channels WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			uniqueSorted(ids),
		)
		if err != nil {
			return fmt.Errorf("lock channels: %w", err)
		}

		locked := make(map[string]*model.Channel, len(ids))
		for rows.Next() {
			ch, err := scanChannel(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan channel: %w", err)
			}
			locked[ch.ID] = ch
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		channels := make([]*model.Channel, 0, len(ids))
		for _, id := range ids {
			ch, ok := locked[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
			}
			c := *ch
			channels = append(channels, &c)
		}

		if err := fn(channels); err != nil {
			return err
		}

		for _, ch := range channels {
			_, err := tx.Exec(ctx,
				`UPDATE channels SET balance = $2, status = $3, nonce = $4, updated_at = $5, closed_at = $6 WHERE id = $1`,
				ch.ID, int64(ch.Balance), string(ch.Status), int64(ch.Nonce), ch.UpdatedAt, ch.ClosedAt,
			)
			if err != nil {
				return fmt.Errorf("update channel: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// TotalBalance возвращает сумму балансов всех каналов.
func (r *PostgresRepository) TotalBalance(ctx context.Context) (model.Amount, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0)::BIGINT FROM channels`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum balances: %w", err)
	}
	return model.Amount(total), nil
}

// AddPayment сохраняет проведённый платёж.
func (r *PostgresRepository) AddPayment(ctx context.Context, p *model.ClearedPayment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (id, payer_id, payee_id, amount, source_channel_id, created_at, status, job_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
		p.ID, p.PayerID, p.PayeeID, int64(p.Amount), p.SourceChannelID, p.Timestamp, string(p.Status), p.JobID,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// ListPayments возвращает платежи получателя в порядке проведения.
func (r *PostgresRepository) ListPayments(ctx context.Context, payeeID string) ([]model.ClearedPayment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payer_id, payee_id, amount, source_channel_id, created_at, status, COALESCE(job_id, '')
		 FROM payments
		 WHERE payee_id = $1
		 ORDER BY created_at`,
		payeeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.ClearedPayment
	for rows.Next() {
		var (
			p      model.ClearedPayment
			amount int64
			status string
		)
		if err := rows.Scan(&p.ID, &p.PayerID, &p.PayeeID, &amount, &p.SourceChannelID, &p.Timestamp, &status, &p.JobID); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Amount = model.Amount(amount)
		p.Status = model.PaymentStatus(status)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// MarkPayments переводит платежи получателя из статуса from в статус to и возвращает их число.
func (r *PostgresRepository) MarkPayments(ctx context.Context, payeeID, jobID string, from, to model.PaymentStatus) (int, error) {
	newJobID := jobID
	if to == model.PaymentStatusCleared {
		newJobID = ""
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if from == model.PaymentStatusCleared {
		tag, err = r.pool.Exec(ctx,
			`UPDATE payments SET status = $3, job_id = NULLIF($4, '') WHERE payee_id = $1 AND status = $2`,
			payeeID, string(from), string(to), newJobID,
		)
	} else {
		tag, err = r.pool.Exec(ctx,
			`UPDATE payments SET status = $3, job_id = NULLIF($5, '') WHERE payee_id = $1 AND status = $2 AND job_id = $4`,
			payeeID, string(from), string(to), jobID, newJobID,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("update payments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const jobColumns = `id, payee_id, payee_external_name, status, stage, total_amount, payments_count,
	error, failure_reason, warnings, start_time, end_time, external_tx_refs`

func jobArgs(job *model.SettlementJob) ([]any, error) {
	refs, err := json.Marshal(job.ExternalTxRefs)
	if err != nil {
		return nil, fmt.Errorf("marshal tx refs: %w", err)
	}
	warnings, err := json.Marshal(job.Warnings)
	if err != nil {
		return nil, fmt.Errorf("marshal warnings: %w", err)
	}
	return []any{
		job.ID, job.PayeeID, job.PayeeExternalName, string(job.Status), string(job.Stage),
		int64(job.TotalAmount), job.PaymentsCount, job.Error, string(job.FailureReason),
		string(warnings), job.StartTime, job.EndTime, string(refs),
	}, nil
}

func scanJob(row pgx.Row) (*model.SettlementJob, error) {
	var (
		job      model.SettlementJob
		status   string
		stage    string
		reason   string
		total    int64
		warnings []byte
		refs     []byte
	)
	err := row.Scan(&job.ID, &job.PayeeID, &job.PayeeExternalName, &status, &stage, &total, &job.PaymentsCount,
		&job.Error, &reason, &warnings, &job.StartTime, &job.EndTime, &refs)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.Stage = model.Stage(stage)
	job.FailureReason = model.FailureReason(reason)
	job.TotalAmount = model.Amount(total)
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &job.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	if err := json.Unmarshal(refs, &job.ExternalTxRefs); err != nil {
		return nil, fmt.Errorf("unmarshal tx refs: %w", err)
	}
	if job.ExternalTxRefs == nil {
		job.ExternalTxRefs = make(map[string]string)
	}
	return &job, nil
}

// CreateJob сохраняет новое задание расчёта.
func (r *PostgresRepository) CreateJob(ctx context.Context, job *model.SettlementJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO settlement_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13::jsonb)`,
		args...,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob заменяет сохранённое состояние задания.
func (r *PostgresRepository) UpdateJob(ctx context.Context, job *model.SettlementJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE settlement_jobs SET
			payee_id = $2, payee_external_name = $3, status = $4, stage = $5, total_amount = $6,
			payments_count = $7, error = $8, failure_reason = $9, warnings = $10::jsonb,
			start_time = $11, end_time = $12, external_tx_refs = $13::jsonb
		 WHERE id = $1`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	return nil
}

// GetJob возвращает задание по идентификатору.
func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*model.SettlementJob, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM settlement_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs возвращает все задания, новые первыми.
func (r *PostgresRepository) ListJobs(ctx context.Context) ([]model.SettlementJob, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM settlement_jobs ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var res []model.SettlementJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		res = append(res, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
