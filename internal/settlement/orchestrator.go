// Package settlement выводит накопленные балансы получателей через мост в хранилище.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/channel-hub/internal/events"
	"github.com/mmeshcher/channel-hub/internal/ledger"
	"github.com/mmeshcher/channel-hub/internal/lock"
	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/monitor"
	"github.com/mmeshcher/channel-hub/internal/repository"
	"github.com/mmeshcher/channel-hub/internal/retry"
)

var (
	// ErrSettlementInProgress возвращается, если расчёт этого получателя уже выполняется.
	ErrSettlementInProgress = errors.New("settlement already in progress")
	// ErrJobNotFound возвращается, если задание не найдено.
	ErrJobNotFound = repository.ErrJobNotFound
	// ErrShuttingDown возвращается, если оркестратор остановлен и новые расчёты не принимаются.
	ErrShuttingDown = errors.New("settlement orchestrator is shutting down")

	// ErrNotDue возвращается, если по расписанию получателя расчёт ещё не наступил.
	ErrNotDue = errors.New("settlement is not due")
	// ErrNothingToSettle возвращается при нулевом балансе канала получателя.
	ErrNothingToSettle = errors.New("nothing to settle")
	// ErrNoChannel возвращается, если у получателя нет активного канала.
	ErrNoChannel = errors.New("payee has no active channel")
	// ErrPreferencesUnavailable возвращается, если настройки получателя не удалось прочитать.
	ErrPreferencesUnavailable = errors.New("settlement preferences unavailable")
)

// JobError описывает неуспешное завершение задания расчёта.
type JobError struct {
	Reason model.FailureReason
	Stage  model.Stage
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("settlement failed at %s (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Ledger операции реестра каналов, нужные расчёту.
type Ledger interface {
	ActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error)
	ListActive(ctx context.Context, role model.Role) ([]model.Channel, error)
	CloseChannelAt(ctx context.Context, channelID string, expectedNonce uint64) (*model.ChannelClosure, error)
}

// JobStore хранилище заданий расчёта.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.SettlementJob) error
	UpdateJob(ctx context.Context, job *model.SettlementJob) error
	GetJob(ctx context.Context, id string) (*model.SettlementJob, error)
	ListJobs(ctx context.Context) ([]model.SettlementJob, error)
}

// PaymentMarker переводит платежи получателя между статусами.
type PaymentMarker interface {
	MarkPayments(ctx context.Context, payeeID, jobID string, from, to model.PaymentStatus) (int, error)
}

// PreferenceRegistry реестр псевдонимов и настроек расчёта.
type PreferenceRegistry interface {
	// Lookup возвращает nil без ошибки, если настроек нет.
	Lookup(ctx context.Context, alias string) (*model.Preference, error)
	// ReverseResolve возвращает пустую строку, если псевдоним не зарегистрирован.
	ReverseResolve(ctx context.Context, ownerID string) (string, error)
}

// BridgeProvider переводит средства в целевую сеть.
type BridgeProvider interface {
	Bridge(ctx context.Context, amount model.Amount, fromChainHint, toChain string) (string, error)
}

// VaultService зачисляет средства в хранилище получателя.
type VaultService interface {
	Deposit(ctx context.Context, vaultAddress, payeeID string, amount model.Amount, idempotencyKey string) (string, error)
}

// Locker неблокирующая блокировка по ключу.
type Locker interface {
	TryLock(ctx context.Context, key string) (lock.Release, bool, error)
}

// Config параметры расчёта.
type Config struct {
	BridgeMaxAttempts int
	BridgeBackoffBase time.Duration
	BridgeBackoffMax  time.Duration
	CallTimeout       time.Duration
	DestChain         string
	DefaultVault      string
	ScheduleWindow    time.Duration
}

// Deps зависимости оркестратора.
type Deps struct {
	Ledger    Ledger
	Jobs      JobStore
	Payments  PaymentMarker
	Registry  PreferenceRegistry
	Bridge    BridgeProvider
	Vault     VaultService
	Publisher events.Publisher
	Locker    Locker
	Metrics   *monitor.Metrics
	Logger    *zap.Logger
}

// Orchestrator проводит задания расчёта через фиксированную последовательность этапов.
type Orchestrator struct {
	ledger    Ledger
	jobs      JobStore
	payments  PaymentMarker
	registry  PreferenceRegistry
	bridge    BridgeProvider
	vault     VaultService
	publisher events.Publisher
	locker    Locker
	metrics   *monitor.Metrics
	logger    *zap.Logger
	retrier   *retry.Executor
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup
}

// NewOrchestrator создаёт оркестратор расчётов.
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if cfg.BridgeMaxAttempts < 1 {
		cfg.BridgeMaxAttempts = 3
	}
	if cfg.BridgeBackoffBase <= 0 {
		cfg.BridgeBackoffBase = 500 * time.Millisecond
	}
	if cfg.BridgeBackoffMax <= 0 {
		cfg.BridgeBackoffMax = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ScheduleWindow <= 0 {
		cfg.ScheduleWindow = DefaultScheduleWindow
	}

	locker := d.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		ledger:    d.Ledger,
		jobs:      d.Jobs,
		payments:  d.Payments,
		registry:  d.Registry,
		bridge:    d.Bridge,
		vault:     d.Vault,
		publisher: d.Publisher,
		locker:    locker,
		metrics:   d.Metrics,
		logger:    logger,
		retrier:   retry.NewExecutor(cfg.BridgeBackoffBase, cfg.BridgeBackoffMax),
		cfg:       cfg,
		now:       time.Now,
	}
}

// SettleMerchant выполняет расчёт получателя. При force расписание не проверяется,
// а сбой реестра настроек не прерывает расчёт.
// При неуспехе возвращается задание вместе с *JobError.
func (o *Orchestrator) SettleMerchant(ctx context.Context, payeeID string, force bool) (*model.SettlementJob, error) {
	if !o.track() {
		return nil, ErrShuttingDown
	}
	defer o.inflight.Done()

	release, ok, err := o.locker.TryLock(ctx, payeeID)
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettlementInProgress, payeeID)
	}
	defer release()

	job := &model.SettlementJob{
		ID:             uuid.NewString(),
		PayeeID:        payeeID,
		Status:         model.JobStatusPending,
		Stage:          model.StageInit,
		StartTime:      o.now().UTC(),
		ExternalTxRefs: map[string]string{},
	}
	if err := o.jobs.CreateJob(ctx, job.Clone()); err != nil {
		return nil, fmt.Errorf("create settlement job: %w", err)
	}

	started := time.Now()
	job.Status = model.JobStatusProcessing
	o.save(ctx, job)

	err = o.run(ctx, job, force)
	o.metrics.ObserveJob(job, time.Since(started))

	return job.Clone(), err
}

func (o *Orchestrator) run(ctx context.Context, job *model.SettlementJob, force bool) error {
	o.advance(ctx, job, model.StageReadingPreferences)
	pref, err := o.preferences(ctx, job, force)
	if err != nil {
		return o.fail(ctx, job, model.ReasonPreferencesUnavailable, err)
	}
	if !force {
		due, err := IsDue(*pref, o.now(), o.cfg.ScheduleWindow)
		if err != nil {
			return o.fail(ctx, job, model.ReasonPreferencesUnavailable, fmt.Errorf("%w: %w", ErrPreferencesUnavailable, err))
		}
		if !due {
			return o.fail(ctx, job, model.ReasonNotDue, fmt.Errorf("%w: %s schedule", ErrNotDue, pref.Schedule))
		}
	}

	o.advance(ctx, job, model.StageAggregating)
	ch, err := o.ledger.ActiveChannel(ctx, job.PayeeID, model.RolePayee)
	if err != nil {
		if errors.Is(err, ledger.ErrChannelNotFound) {
			return o.fail(ctx, job, model.ReasonNoChannel, fmt.Errorf("%w: %s", ErrNoChannel, job.PayeeID))
		}
		return o.fail(ctx, job, model.ReasonInternal, fmt.Errorf("resolve payee channel: %w", err))
	}
	if ch.Balance == 0 {
		return o.fail(ctx, job, model.ReasonNothingToSettle, ErrNothingToSettle)
	}
	count, err := o.payments.MarkPayments(ctx, job.PayeeID, job.ID, model.PaymentStatusCleared, model.PaymentStatusSettling)
	if err != nil {
		return o.fail(ctx, job, model.ReasonInternal, fmt.Errorf("mark payments settling: %w", err))
	}
	job.TotalAmount = ch.Balance
	job.PaymentsCount = count

	o.advance(ctx, job, model.StageClosingChannel)
	if err := ctx.Err(); err != nil {
		o.revertPayments(ctx, job)
		return o.fail(ctx, job, model.ReasonChannelCloseFailed, err)
	}
	// Закрытие с проверкой nonce: платёж, проведённый после агрегации, оставляет канал открытым.
	closure, err := o.ledger.CloseChannelAt(ctx, ch.ID, ch.Nonce)
	if err != nil {
		o.revertPayments(ctx, job)
		return o.fail(ctx, job, model.ReasonChannelCloseFailed, fmt.Errorf("close channel %s: %w", ch.ID, err))
	}

	// Канал закрыт: задание доводится до конечного состояния независимо от отмены вызывающего.
	ctx = context.WithoutCancel(ctx)

	job.ExternalTxRefs[model.TxRefChannelClose] = closure.TxRef
	o.publish(ctx, job, events.ChannelSettled{
		JobID:     job.ID,
		PayeeID:   job.PayeeID,
		ChannelID: closure.ChannelID,
		Amount:    job.TotalAmount,
		TxRef:     closure.TxRef,
	})

	o.advance(ctx, job, model.StageBridging)
	bridgeRef, err := retry.Do(ctx, o.retrier, o.cfg.BridgeMaxAttempts, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		ref, err := o.bridge.Bridge(callCtx, job.TotalAmount, pref.ChainHint, o.cfg.DestChain)
		o.metrics.ObserveBridgeAttempt(err)
		if err != nil {
			o.logger.Warn("bridge attempt failed", zap.String("job", job.ID), zap.Error(err))
		}
		return ref, err
	})
	if err != nil {
		return o.fail(ctx, job, model.ReasonBridgeFailed, err)
	}
	job.ExternalTxRefs[model.TxRefBridge] = bridgeRef

	o.advance(ctx, job, model.StageDepositing)
	o.deposit(ctx, job, pref)

	o.advance(ctx, job, model.StageNotifying)
	o.publish(ctx, job, events.SettlementComplete{
		JobID:          job.ID,
		PayeeID:        job.PayeeID,
		Alias:          job.PayeeExternalName,
		Amount:         job.TotalAmount,
		ExternalTxRefs: copyRefs(job.ExternalTxRefs),
	})

	if _, err := o.payments.MarkPayments(ctx, job.PayeeID, job.ID, model.PaymentStatusSettling, model.PaymentStatusSettled); err != nil {
		job.Warnings = append(job.Warnings, fmt.Sprintf("mark payments settled: %v", err))
	}

	end := o.now().UTC()
	job.Stage = model.StageComplete
	job.Status = model.JobStatusCompleted
	job.EndTime = &end
	o.save(ctx, job)

	o.logger.Info("settlement completed",
		zap.String("job", job.ID),
		zap.String("payee", job.PayeeID),
		zap.Stringer("amount", job.TotalAmount),
		zap.Int("warnings", len(job.Warnings)),
	)
	return nil
}

// track регистрирует запуск расчёта; после Wait новые расчёты не принимаются.
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return false
	}
	o.inflight.Add(1)
	return true
}

// Wait запрещает новые расчёты и ждёт завершения уже запущенных.
// Задания, успевшие закрыть канал, доводятся до конечного состояния.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	o.inflight.Wait()
}

// preferences читает настройки получателя. Отсутствие псевдонима или настроек означает расчёт без расписания.
func (o *Orchestrator) preferences(ctx context.Context, job *model.SettlementJob, force bool) (*model.Preference, error) {
	pref, alias, err := o.lookup(ctx, job.PayeeID)
	job.PayeeExternalName = alias
	if err != nil {
		if !force {
			return nil, fmt.Errorf("%w: %w", ErrPreferencesUnavailable, err)
		}
		job.Warnings = append(job.Warnings, fmt.Sprintf("preferences unavailable, using defaults: %v", err))
		def := DefaultPreference()
		return &def, nil
	}
	return pref, nil
}

func (o *Orchestrator) lookup(ctx context.Context, payeeID string) (*model.Preference, string, error) {
	def := DefaultPreference()
	if o.registry == nil {
		return &def, "", nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	alias, err := o.registry.ReverseResolve(callCtx, payeeID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve alias: %w", err)
	}
	if alias == "" {
		return &def, "", nil
	}

	pref, err := o.registry.Lookup(callCtx, alias)
	if err != nil {
		return nil, alias, fmt.Errorf("lookup preferences: %w", err)
	}
	if pref == nil {
		return &def, alias, nil
	}
	return pref, alias, nil
}

func (o *Orchestrator) deposit(ctx context.Context, job *model.SettlementJob, pref *model.Preference) {
	vaultAddress := pref.VaultAddress
	if vaultAddress == "" {
		vaultAddress = o.cfg.DefaultVault
	}
	if vaultAddress == "" || o.vault == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	ref, err := o.vault.Deposit(callCtx, vaultAddress, job.PayeeID, job.TotalAmount, job.ID)
	if err != nil {
		o.metrics.ObserveVaultDepositFailed()
		o.logger.Warn("vault deposit failed", zap.String("job", job.ID), zap.String("vault", vaultAddress), zap.Error(err))
		job.Warnings = append(job.Warnings, fmt.Sprintf("vault deposit to %s failed: %v", vaultAddress, err))
		return
	}
	job.ExternalTxRefs[model.TxRefVaultDeposit] = ref
}

// advance переводит задание на следующий этап и сохраняет его.
func (o *Orchestrator) advance(ctx context.Context, job *model.SettlementJob, stage model.Stage) {
	if stage.Index() <= job.Stage.Index() {
		return
	}
	job.Stage = stage
	o.save(ctx, job)
}

func (o *Orchestrator) fail(ctx context.Context, job *model.SettlementJob, reason model.FailureReason, err error) error {
	ctx = context.WithoutCancel(ctx)

	end := o.now().UTC()
	job.Status = model.JobStatusFailed
	job.FailureReason = reason
	job.Error = err.Error()
	job.EndTime = &end
	o.save(ctx, job)

	o.publish(ctx, job, events.SettlementFailed{
		JobID:   job.ID,
		PayeeID: job.PayeeID,
		Stage:   job.Stage,
		Reason:  reason,
		Error:   job.Error,
	})

	if reason.IsBusiness() {
		o.logger.Info("settlement skipped", zap.String("job", job.ID), zap.String("reason", string(reason)))
	} else {
		o.logger.Error("settlement failed",
			zap.String("job", job.ID),
			zap.String("payee", job.PayeeID),
			zap.String("stage", string(job.Stage)),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
	}

	return &JobError{Reason: reason, Stage: job.Stage, Err: err}
}

func (o *Orchestrator) revertPayments(ctx context.Context, job *model.SettlementJob) {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.payments.MarkPayments(ctx, job.PayeeID, job.ID, model.PaymentStatusSettling, model.PaymentStatusCleared); err != nil {
		o.logger.Error("revert settling payments", zap.String("job", job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) save(ctx context.Context, job *model.SettlementJob) {
	if err := o.jobs.UpdateJob(context.WithoutCancel(ctx), job.Clone()); err != nil {
		o.logger.Error("save settlement job", zap.String("job", job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, job *model.SettlementJob, e events.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Warn("publish settlement event", zap.String("job", job.ID), zap.String("type", string(e.EventType())), zap.Error(err))
	}
}

func copyRefs(refs map[string]string) map[string]string {
	out := make(map[string]string, len(refs))
	for k, v := range refs {
		out[k] = v
	}
	return out
}

// ShouldSettleNow сообщает, наступило ли время расчёта получателя и есть ли что выводить.
func (o *Orchestrator) ShouldSettleNow(ctx context.Context, payeeID string) (bool, error) {
	ch, err := o.ledger.ActiveChannel(ctx, payeeID, model.RolePayee)
	if err != nil {
		if errors.Is(err, ledger.ErrChannelNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve payee channel: %w", err)
	}
	if ch.Balance == 0 {
		return false, nil
	}

	pref, _, err := o.lookup(ctx, payeeID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPreferencesUnavailable, err)
	}
	return IsDue(*pref, o.now(), o.cfg.ScheduleWindow)
}

// GetJob возвращает задание по идентификатору.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*model.SettlementJob, error) {
	return o.jobs.GetJob(ctx, id)
}

// ListJobs возвращает все задания, новые первыми.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]model.SettlementJob, error) {
	return o.jobs.ListJobs(ctx)
}

// ListActiveJobs возвращает задания в статусах pending и processing.
func (o *Orchestrator) ListActiveJobs(ctx context.Context) ([]model.SettlementJob, error) {
	jobs, err := o.jobs.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.SettlementJob, 0, len(jobs))
	for i := range jobs {
		if jobs[i].IsActive() {
			active = append(active, jobs[i])
		}
	}
	return active, nil
}

// Stats агрегирует статистику по заданиям.
func (o *Orchestrator) Stats(ctx context.Context) (model.Stats, error) {
	jobs, err := o.jobs.ListJobs(ctx)
	if err != nil {
		return model.Stats{}, err
	}

	var st model.Stats
	for i := range jobs {
		st.Total++
		switch jobs[i].Status {
		case model.JobStatusCompleted:
			st.Completed++
			st.TotalSettled += jobs[i].TotalAmount
		case model.JobStatusFailed:
			st.Failed++
		case model.JobStatusProcessing:
			st.Active++
		case model.JobStatusPending:
			st.Active++
			st.Pending++
		}
	}
	return st, nil
}
