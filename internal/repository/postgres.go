// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
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

	"github.com/mmeshcher/loyalty-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMerchantNotFound возвращается, если мерчант не найден.
var (
	ErrMerchantNotFound = errors.New("merchant not found")
	// ErrBusinessNotFound возвращается, если торговая точка не найдена.
	ErrBusinessNotFound = errors.New("business not found")
	// ErrEventNotFound возвращается, если событие не найдено.
	ErrEventNotFound = errors.New("event not found")
	// ErrMemberNotFound возвращается, если клиент не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMembershipNotFound возвращается, если клиент не состоит в программе мерчанта.
	ErrMembershipNotFound = errors.New("merchant membership not found")
	// ErrQuotaExceeded возвращается, если лимит участников мерчанта исчерпан.
	ErrQuotaExceeded = errors.New("member quota exceeded")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyClaimed возвращается при повторной попытке получить годовую награду.
	ErrAlreadyClaimed = errors.New("reward already claimed this year")
	// ErrTokenNotFound возвращается, если API-токен не найден или отозван.
	ErrTokenNotFound = errors.New("api token not found")
	// ErrWalletNotFound возвращается, если у мерчанта нет кастодиального кошелька.
	ErrWalletNotFound = errors.New("merchant wallet not found")
)

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим конфликты сериализации и дедлоки, остальное отдаём наверх.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
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

// GetMerchant возвращает мерчанта по идентификатору.
func (r *PostgresRepository) GetMerchant(ctx context.Context, id int64) (*model.Merchant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, plan, additional_member_slots, previous_plan, grace_deadline,
		        vip_threshold, super_threshold, welcome_bonus, visit_points, signing_secret,
		        reward_window_days,
		        birthday_enabled, birthday_points,
		        anniversary_enabled, anniversary_points,
		        member_anniversary_enabled, member_anniversary_points,
		        created_at
		 FROM merchants WHERE id = $1`,
		id,
	)

	var m model.Merchant
	var prevPlan *string
	err := row.Scan(
		&m.ID, &m.Name, &m.Plan, &m.AdditionalMemberSlots, &prevPlan, &m.GraceDeadline,
		&m.VIPThreshold, &m.SuperThreshold, &m.WelcomeBonus, &m.VisitPoints, &m.SigningSecret,
		&m.RewardWindowDays,
		&m.BirthdayEnabled, &m.BirthdayPoints,
		&m.AnniversaryEnabled, &m.AnniversaryPoints,
		&m.MemberAnnivEnabled, &m.MemberAnnivPoints,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}

	if prevPlan != nil {
		p := model.Plan(*prevPlan)
		m.PreviousPlan = &p
	}

	return &m, nil
}

// UpdateMerchantPlan сохраняет новый план мерчанта и состояние льготного периода.
func (r *PostgresRepository) UpdateMerchantPlan(ctx context.Context, id int64, plan model.Plan, previousPlan *model.Plan, graceDeadline *time.Time) error {
	var prev *string
	if previousPlan != nil {
		s := string(*previousPlan)
		prev = &s
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE merchants SET plan = $2, previous_plan = $3, grace_deadline = $4 WHERE id = $1`,
		id, string(plan), prev, graceDeadline,
	)
	if err != nil {
		return fmt.Errorf("update merchant plan: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMerchantNotFound
	}
	return nil
}

// AddAddonSlots увеличивает количество дополнительных слотов мерчанта и возвращает итоговое значение.
func (r *PostgresRepository) AddAddonSlots(ctx context.Context, id int64, slots int) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`UPDATE merchants SET additional_member_slots = additional_member_slots + $2
		 WHERE id = $1
		 RETURNING additional_member_slots`,
		id, slots,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMerchantNotFound
		}
		return 0, fmt.Errorf("add addon slots: %w", err)
	}
	return total, nil
}

// GetBusiness возвращает торговую точку по идентификатору.
func (r *PostgresRepository) GetBusiness(ctx context.Context, id int64) (*model.Business, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, merchant_id, name, is_active FROM businesses WHERE id = $1`,
		id,
	)

	var b model.Business
	if err := row.Scan(&b.ID, &b.MerchantID, &b.Name, &b.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}

	return &b, nil
}

// GetEvent возвращает событие по идентификатору.
func (r *PostgresRepository) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, merchant_id, name, points, scan_window_start, scan_window_end, is_active
		 FROM events WHERE id = $1`,
		id,
	)

	var e model.Event
	if err := row.Scan(&e.ID, &e.MerchantID, &e.Name, &e.Points, &e.ScanWindowStart, &e.ScanWindowEnd, &e.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	return &e, nil
}

// GetMemberByEmail возвращает клиента по адресу электронной почты.
func (r *PostgresRepository) GetMemberByEmail(ctx context.Context, email string) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, birth_month, birth_day, anniversary_month, anniversary_day, created_at
		 FROM members WHERE email = $1`,
		email,
	)

	var m model.Member
	err := row.Scan(&m.ID, &m.Email, &m.Name, &m.BirthMonth, &m.BirthDay, &m.AnniversaryMonth, &m.AnniversaryDay, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}

	return &m, nil
}

// GetMerchantMember возвращает агрегат участия клиента в программе мерчанта.
func (r *PostgresRepository) GetMerchantMember(ctx context.Context, merchantID, memberID int64) (*model.MerchantMember, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, merchant_id, member_id, points, tier,
		        birthday_claim_year, anniversary_claim_year, member_anniversary_claim_year,
		        referral_code, joined_at
		 FROM merchant_members WHERE merchant_id = $1 AND member_id = $2`,
		merchantID, memberID,
	)

	var mm model.MerchantMember
	err := row.Scan(
		&mm.ID, &mm.MerchantID, &mm.MemberID, &mm.Points, &mm.Tier,
		&mm.BirthdayClaimYear, &mm.AnniversaryClaimYear, &mm.MemberAnnivClaimYear,
		&mm.ReferralCode, &mm.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("get merchant member: %w", err)
	}

	return &mm, nil
}

// CountMerchantMembers возвращает текущее количество участников программы мерчанта.
func (r *PostgresRepository) CountMerchantMembers(ctx context.Context, merchantID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM merchant_members WHERE merchant_id = $1`,
		merchantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count merchant members: %w", err)
	}
	return count, nil
}

// UpdateTierIfCurrent повышает уровень участника, только если сохранённый уровень
// не изменился с момента чтения. Возвращает признак успешного обновления.
func (r *PostgresRepository) UpdateTierIfCurrent(ctx context.Context, merchantMemberID int64, newTier, currentTier model.Tier) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE merchant_members SET tier = $2 WHERE id = $1 AND tier = $3`,
		merchantMemberID, string(newTier), string(currentTier),
	)
	if err != nil {
		return false, fmt.Errorf("update tier: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// AwardParams описывает параметры атомарного начисления баллов.
type AwardParams struct {
	MerchantID     int64
	MemberID       int64
	BusinessID     *int64
	EventID        *int64
	ScanDay        *time.Time
	Amount         int64
	Reason         string
	IdempotencyKey *string
	WelcomeBonus   int64
	MemberLimit    int64
}

// AwardOutcome содержит итог атомарного начисления.
type AwardOutcome struct {
	MerchantMemberID int64
	MemberCreated    bool
	// Duplicate означает, что начисление уже было выполнено ранее:
	// по отметке сканирования либо по ключу идемпотентности.
	Duplicate   bool
	TotalPoints int64
	Tier        model.Tier
}

// Award атомарно выполняет начисление баллов: проверка повторного сканирования,
// ленивое создание участника с приветственным бонусом, инкремент баланса и
// добавление записи в журнал выполняются в одной транзакции.
func (r *PostgresRepository) Award(ctx context.Context, p AwardParams) (*AwardOutcome, error) {
	var outcome *AwardOutcome
	err := r.withRetry(ctx, func() error {
		var txErr error
		outcome, txErr = r.award(ctx, p)
		return txErr
	})
	return outcome, err
}

func (r *PostgresRepository) award(ctx context.Context, p AwardParams) (*AwardOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Повторный запрос с тем же ключом идемпотентности возвращает прежний результат.
	if p.IdempotencyKey != nil {
		var existingID int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM reward_transactions
			 WHERE merchant_id = $2 AND idempotency_key = $1`,
			*p.IdempotencyKey, p.MerchantID,
		).Scan(&existingID)
		if err == nil {
			out, err := duplicateOutcome(ctx, tx, p.MerchantID, p.MemberID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit tx: %w", err)
			}
			return out, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("select by idempotency key: %w", err)
		}
	}

	// Отметка сканирования служит compare-and-swap против двойного начисления:
	// уникальный индекс не даст двум конкурентным сканам пройти одновременно.
	if p.BusinessID != nil || p.EventID != nil {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO scans (member_id, merchant_id, business_id, event_id, scan_day, points, mint_status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT DO NOTHING
			 RETURNING id`,
			p.MemberID, p.MerchantID, p.BusinessID, p.EventID, p.ScanDay, p.Amount, string(model.MintStatusPending),
		).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				out, err := duplicateOutcome(ctx, tx, p.MerchantID, p.MemberID)
				if err != nil {
					return nil, err
				}
				if err := tx.Commit(ctx); err != nil {
					return nil, fmt.Errorf("commit tx: %w", err)
				}
				return out, nil
			}
			return nil, fmt.Errorf("insert scan: %w", err)
		}
	}

	out := &AwardOutcome{}

	// Блокируем строку участника для сериализации начислений и списаний.
	var memberRowID int64
	var currentPoints int64
	var currentTier string
	err = tx.QueryRow(ctx,
		`SELECT id, points, tier FROM merchant_members
		 WHERE merchant_id = $1 AND member_id = $2
		 FOR UPDATE`,
		p.MerchantID, p.MemberID,
	).Scan(&memberRowID, &currentPoints, &currentTier)

	if errors.Is(err, pgx.ErrNoRows) {
		memberRowID, currentPoints, err = r.createMerchantMember(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		currentTier = string(model.TierBase)
		out.MemberCreated = true
	} else if err != nil {
		return nil, fmt.Errorf("lock merchant member: %w", err)
	}

	newPoints := currentPoints + p.Amount
	_, err = tx.Exec(ctx,
		`UPDATE merchant_members SET points = $2 WHERE id = $1`,
		memberRowID, newPoints,
	)
	if err != nil {
		return nil, fmt.Errorf("update points: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_transactions (merchant_member_id, merchant_id, business_id, type, amount, reason, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		memberRowID, p.MerchantID, p.BusinessID, string(model.TransactionEarn), p.Amount, p.Reason, p.IdempotencyKey,
	)
	if err != nil {
		// Проигравший гонку по ключу идемпотентности: победитель уже записал
		// транзакцию между нашей проверкой и вставкой. Транзакция после ошибки
		// неработоспособна, поэтому прежний результат читаем через пул.
		if p.IdempotencyKey != nil && isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return duplicateOutcome(ctx, r.pool, p.MerchantID, p.MemberID)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if p.BusinessID != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO business_members (business_id, member_id, visit_count, first_visit_at, last_visit_at)
			 VALUES ($1, $2, 1, now(), now())
			 ON CONFLICT (business_id, member_id)
			 DO UPDATE SET visit_count = business_members.visit_count + 1, last_visit_at = now()`,
			*p.BusinessID, p.MemberID,
		)
		if err != nil {
			return nil, fmt.Errorf("update visit counter: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	out.MerchantMemberID = memberRowID
	out.TotalPoints = newPoints
	out.Tier = model.Tier(currentTier)
	return out, nil
}

// createMerchantMember создаёт агрегат участия с нулевым балансом, проверяет квоту
// мерчанта и применяет приветственный бонус ровно один раз.
func (r *PostgresRepository) createMerchantMember(ctx context.Context, tx pgx.Tx, p AwardParams) (int64, int64, error) {
	var count int64
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM merchant_members WHERE merchant_id = $1`,
		p.MerchantID,
	).Scan(&count)
	if err != nil {
		return 0, 0, fmt.Errorf("count merchant members: %w", err)
	}

	if count >= p.MemberLimit {
		return 0, 0, ErrQuotaExceeded
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO merchant_members (merchant_id, member_id, points, tier, referral_code)
		 VALUES ($1, $2, 0, $3, encode(gen_random_bytes(6), 'hex'))
		 RETURNING id`,
		p.MerchantID, p.MemberID, string(model.TierBase),
	).Scan(&id)
	if err != nil {
		return 0, 0, fmt.Errorf("create merchant member: %w", err)
	}

	if p.WelcomeBonus <= 0 {
		return id, 0, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE merchant_members SET points = points + $2 WHERE id = $1`,
		id, p.WelcomeBonus,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("apply welcome bonus: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_transactions (merchant_member_id, merchant_id, business_id, type, amount, reason)
		 VALUES ($1, $2, $3, $4, $5, 'welcome bonus')`,
		id, p.MerchantID, p.BusinessID, string(model.TransactionEarn), p.WelcomeBonus,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert welcome transaction: %w", err)
	}

	return id, p.WelcomeBonus, nil
}

// rowQuerier покрывает пул и транзакцию: итог повторного начисления
// читается и внутри транзакции, и после её отката.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func duplicateOutcome(ctx context.Context, q rowQuerier, merchantID, memberID int64) (*AwardOutcome, error) {
	var id, points int64
	var tier string
	err := q.QueryRow(ctx,
		`SELECT id, points, tier FROM merchant_members WHERE merchant_id = $1 AND member_id = $2`,
		merchantID, memberID,
	).Scan(&id, &points, &tier)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("select current balance: %w", err)
	}

	return &AwardOutcome{
		MerchantMemberID: id,
		Duplicate:        true,
		TotalPoints:      points,
		Tier:             model.Tier(tier),
	}, nil
}

// Redeem атомарно списывает баллы участника. Использует блокировку строки
// для предотвращения параллельных списаний, превышающих баланс.
func (r *PostgresRepository) Redeem(ctx context.Context, merchantID, memberID, amount int64, reason string) (int64, error) {
	var total int64
	err := r.withRetry(ctx, func() error {
		var txErr error
		total, txErr = r.redeem(ctx, merchantID, memberID, amount, reason)
		return txErr
	})
	return total, err
}

func (r *PostgresRepository) redeem(ctx context.Context, merchantID, memberID, amount int64, reason string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var rowID, points int64
	err = tx.QueryRow(ctx,
		`SELECT id, points FROM merchant_members
		 WHERE merchant_id = $1 AND member_id = $2
		 FOR UPDATE`,
		merchantID, memberID,
	).Scan(&rowID, &points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMembershipNotFound
		}
		return 0, fmt.Errorf("lock merchant member: %w", err)
	}

	if amount > points {
		return 0, ErrInsufficientBalance
	}

	newPoints := points - amount
	_, err = tx.Exec(ctx,
		`UPDATE merchant_members SET points = $2 WHERE id = $1`,
		rowID, newPoints,
	)
	if err != nil {
		return 0, fmt.Errorf("update points: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_transactions (merchant_member_id, merchant_id, type, amount, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		rowID, merchantID, string(model.TransactionRedeem), -amount, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return newPoints, nil
}

// ClaimSpecial атомарно фиксирует получение годовой награды: маркер года
// обновляется условно, чтобы повторная попытка в том же году не прошла.
// Возвращает итог начисления с текущим уровнем для последующего пересчёта.
func (r *PostgresRepository) ClaimSpecial(ctx context.Context, kind model.SpecialRewardKind, merchantID, memberID int64, year int, amount int64, reason string) (*AwardOutcome, error) {
	var column string
	switch kind {
	case model.RewardBirthday:
		column = "birthday_claim_year"
	case model.RewardAnniversary:
		column = "anniversary_claim_year"
	case model.RewardMemberAnniversary:
		column = "member_anniversary_claim_year"
	default:
		return nil, fmt.Errorf("unknown reward kind: %s", kind)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var rowID, points int64
	var tier string
	err = tx.QueryRow(ctx,
		`UPDATE merchant_members SET `+column+` = $3
		 WHERE merchant_id = $1 AND member_id = $2
		   AND (`+column+` IS NULL OR `+column+` < $3)
		 RETURNING id, points, tier`,
		merchantID, memberID, year,
	).Scan(&rowID, &points, &tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо участия нет, либо маркер года уже установлен.
			var exists bool
			checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM merchant_members WHERE merchant_id = $1 AND member_id = $2)`,
				merchantID, memberID,
			).Scan(&exists)
			if checkErr != nil {
				return nil, fmt.Errorf("check membership: %w", checkErr)
			}
			if !exists {
				return nil, ErrMembershipNotFound
			}
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("set claim year: %w", err)
	}

	newPoints := points + amount
	_, err = tx.Exec(ctx,
		`UPDATE merchant_members SET points = $2 WHERE id = $1`,
		rowID, newPoints,
	)
	if err != nil {
		return nil, fmt.Errorf("update points: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_transactions (merchant_member_id, merchant_id, type, amount, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		rowID, merchantID, string(model.TransactionEarn), amount, reason,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &AwardOutcome{
		MerchantMemberID: rowID,
		TotalPoints:      newPoints,
		Tier:             model.Tier(tier),
	}, nil
}

// PendingScan описывает сканирование, ожидающее передачи в систему расчётов.
type PendingScan struct {
	ScanID     int64
	MemberID   int64
	MerchantID int64
	Points     int64
}

// GetPendingScans возвращает сканирования, для которых ещё не выполнен расчёт.
func (r *PostgresRepository) GetPendingScans(ctx context.Context, limit int) ([]PendingScan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, member_id, merchant_id, points
		 FROM scans
		 WHERE mint_status IN ($1, $2)
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.MintStatusPending), string(model.MintStatusFailed),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending scans: %w", err)
	}
	defer rows.Close()

	var res []PendingScan
	for rows.Next() {
		var s PendingScan
		if err := rows.Scan(&s.ScanID, &s.MemberID, &s.MerchantID, &s.Points); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateScanMint обновляет статус расчёта по сканированию.
func (r *PostgresRepository) UpdateScanMint(ctx context.Context, scanID int64, status model.MintStatus, txHash, mintErr *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE scans SET mint_status = $2, mint_tx_hash = $3, mint_error = $4 WHERE id = $1`,
		scanID, string(status), txHash, mintErr,
	)
	if err != nil {
		return fmt.Errorf("update scan mint: %w", err)
	}
	return nil
}

// GetAPITokenByHash возвращает действующий API-токен по хэшу.
func (r *PostgresRepository) GetAPITokenByHash(ctx context.Context, hash []byte) (*model.APIToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, merchant_id, token_hash, scopes, is_active, created_at
		 FROM api_tokens WHERE token_hash = $1 AND is_active = true`,
		hash,
	)

	var t model.APIToken
	err := row.Scan(&t.ID, &t.MerchantID, &t.TokenHash, &t.Scopes, &t.IsActive, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get api token: %w", err)
	}

	return &t, nil
}

// Wallet описывает кастодиальный кошелёк мерчанта.
type Wallet struct {
	MerchantID          int64
	EncryptedKey        []byte
	Balance             int64
	LowBalanceAlertSent bool
}

// GetWallet возвращает кошелёк мерчанта.
func (r *PostgresRepository) GetWallet(ctx context.Context, merchantID int64) (*Wallet, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT merchant_id, encrypted_key, balance, low_balance_alert_sent
		 FROM merchant_wallets WHERE merchant_id = $1`,
		merchantID,
	)

	var w Wallet
	if err := row.Scan(&w.MerchantID, &w.EncryptedKey, &w.Balance, &w.LowBalanceAlertSent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	return &w, nil
}

// ApplyMintToWallet уменьшает баланс кошелька на сумму выплаты и возвращает остаток.
func (r *PostgresRepository) ApplyMintToWallet(ctx context.Context, merchantID, amount int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`UPDATE merchant_wallets SET balance = balance - $2 WHERE merchant_id = $1 RETURNING balance`,
		merchantID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWalletNotFound
		}
		return 0, fmt.Errorf("apply mint to wallet: %w", err)
	}
	return balance, nil
}

// SetWalletAlert выставляет флаг отправленного уведомления о низком балансе.
func (r *PostgresRepository) SetWalletAlert(ctx context.Context, merchantID int64, sent bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE merchant_wallets SET low_balance_alert_sent = $2 WHERE merchant_id = $1`,
		merchantID, sent,
	)
	if err != nil {
		return fmt.Errorf("set wallet alert: %w", err)
	}
	return nil
}
