package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmeshcher/channel-hub/internal/model"
)

type activeKey struct {
	owner string
	role  model.Role
}

// MemoryRepository хранит каналы, платежи и задания в памяти процесса.
// Все изменения каналов выполняются под одной блокировкой, поэтому читатель
// всегда видит перевод целиком или не видит его вовсе.
type MemoryRepository struct {
	channelsMu sync.RWMutex
	channels   map[string]*model.Channel
	active     map[activeKey]string

	paymentsMu sync.RWMutex
	payments   []*model.ClearedPayment

	jobsMu sync.RWMutex
	jobs   map[string]*model.SettlementJob
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		channels: make(map[string]*model.Channel),
		active:   make(map[activeKey]string),
		jobs:     make(map[string]*model.SettlementJob),
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateChannel сохраняет новый канал.
func (r *MemoryRepository) CreateChannel(ctx context.Context, ch *model.Channel) error {
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()

	key := activeKey{owner: ch.OwnerID, role: ch.Role}
	if ch.IsActive() {
		if _, ok := r.active[key]; ok {
			return fmt.Errorf("%w: %s/%s", ErrActiveChannelExists, ch.Role, ch.OwnerID)
		}
	}

	c := *ch
	r.channels[c.ID] = &c
	if c.IsActive() {
		r.active[key] = c.ID
	}
	return nil
}

// GetChannel возвращает копию канала по идентификатору.
func (r *MemoryRepository) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	c := *ch
	return &c, nil
}

// FindActiveChannel возвращает активный канал владельца в указанной роли.
func (r *MemoryRepository) FindActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error) {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()

	id, ok := r.active[activeKey{owner: ownerID, role: role}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrChannelNotFound, role, ownerID)
	}
	c := *r.channels[id]
	return &c, nil
}

// ListChannels возвращает каналы с указанной ролью и статусом; пустые значения не фильтруют.
func (r *MemoryRepository) ListChannels(ctx context.Context, role model.Role, status model.ChannelStatus) ([]model.Channel, error) {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()

	res := make([]model.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if role != "" && ch.Role != role {
			continue
		}
		if status != "" && ch.Status != status {
			continue
		}
		res = append(res, *ch)
	}
	return res, nil
}

// UpdateChannels атомарно применяет fn к копиям каналов ids.
func (r *MemoryRepository) UpdateChannels(ctx context.Context, ids []string, fn ChannelUpdateFunc) error {
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()

	copies := make([]*model.Channel, 0, len(ids))
	for _, id := range ids {
		ch, ok := r.channels[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		c := *ch
		copies = append(copies, &c)
	}

	if err := fn(copies); err != nil {
		return err
	}

	for _, c := range copies {
		prev := r.channels[c.ID]
		key := activeKey{owner: prev.OwnerID, role: prev.Role}
		if prev.IsActive() && !c.IsActive() && r.active[key] == c.ID {
			delete(r.active, key)
		}
		stored := *c
		r.channels[c.ID] = &stored
	}
	return nil
}

// TotalBalance возвращает сумму балансов всех каналов по согласованному снимку.
func (r *MemoryRepository) TotalBalance(ctx context.Context) (model.Amount, error) {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()

	var total model.Amount
	for _, ch := range r.channels {
		total += ch.Balance
	}
	return total, nil
}

// AddPayment сохраняет проведённый платёж.
func (r *MemoryRepository) AddPayment(ctx context.Context, p *model.ClearedPayment) error {
	r.paymentsMu.Lock()
	defer r.paymentsMu.Unlock()

	c := *p
	r.payments = append(r.payments, &c)
	return nil
}

// ListPayments возвращает платежи получателя в порядке проведения.
func (r *MemoryRepository) ListPayments(ctx context.Context, payeeID string) ([]model.ClearedPayment, error) {
	r.paymentsMu.RLock()
	defer r.paymentsMu.RUnlock()

	var res []model.ClearedPayment
	for _, p := range r.payments {
		if p.PayeeID == payeeID {
			res = append(res, *p)
		}
	}
	return res, nil
}

// MarkPayments переводит платежи получателя из статуса from в статус to и возвращает их число.
// Из статуса cleared берутся все платежи получателя, иначе только платежи задания jobID.
func (r *MemoryRepository) MarkPayments(ctx context.Context, payeeID, jobID string, from, to model.PaymentStatus) (int, error) {
	r.paymentsMu.Lock()
	defer r.paymentsMu.Unlock()

	n := 0
	for _, p := range r.payments {
		if p.PayeeID != payeeID || p.Status != from {
			continue
		}
		if from != model.PaymentStatusCleared && p.JobID != jobID {
			continue
		}
		p.Status = to
		if to == model.PaymentStatusCleared {
			p.JobID = ""
		} else {
			p.JobID = jobID
		}
		n++
	}
	return n, nil
}

// CreateJob сохраняет новое задание расчёта.
func (r *MemoryRepository) CreateJob(ctx context.Context, job *model.SettlementJob) error {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob заменяет сохранённое состояние задания.
func (r *MemoryRepository) UpdateJob(ctx context.Context, job *model.SettlementJob) error {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	if _, ok := r.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob возвращает копию задания.
func (r *MemoryRepository) GetJob(ctx context.Context, id string) (*model.SettlementJob, error) {
	r.jobsMu.RLock()
	defer r.jobsMu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs возвращает все задания, новые первыми.
func (r *MemoryRepository) ListJobs(ctx context.Context) ([]model.SettlementJob, error) {
	r.jobsMu.RLock()
	res := make([]model.SettlementJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		res = append(res, *job.Clone())
	}
	r.jobsMu.RUnlock()

	sortJobsNewestFirst(res)
	return res, nil
}
