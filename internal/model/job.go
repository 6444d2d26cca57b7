package model

import "time"

// JobStatus описывает статус задания расчёта.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Stage этап саги расчёта.
type Stage string

const (
	StageInit               Stage = "init"
	StageReadingPreferences Stage = "reading_preferences"
	StageAggregating        Stage = "aggregating"
	StageClosingChannel     Stage = "closing_channel"
	StageBridging           Stage = "bridging"
	StageDepositing         Stage = "depositing"
	StageNotifying          Stage = "notifying"
	StageComplete           Stage = "complete"
)

// StageOrder фиксированный порядок этапов расчёта.
var StageOrder = []Stage{
	StageInit,
	StageReadingPreferences,
	StageAggregating,
	StageClosingChannel,
	StageBridging,
	StageDepositing,
	StageNotifying,
	StageComplete,
}

// Index возвращает позицию этапа в StageOrder или -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// FailureReason машинно-читаемая причина неуспешного расчёта.
type FailureReason string

const (
	ReasonNotDue                 FailureReason = "not_due"
	ReasonNothingToSettle        FailureReason = "nothing_to_settle"
	ReasonNoChannel              FailureReason = "no_channel"
	ReasonPreferencesUnavailable FailureReason = "preferences_unavailable"
	ReasonChannelCloseFailed     FailureReason = "channel_close_failed"
	ReasonBridgeFailed           FailureReason = "bridge_failed"
	ReasonInProgress             FailureReason = "in_progress"
	ReasonInternal               FailureReason = "internal"
)

// IsBusiness сообщает, что причина относится к бизнес-расписанию, а не к сбою инфраструктуры.
func (r FailureReason) IsBusiness() bool {
	return r == ReasonNotDue || r == ReasonNothingToSettle
}

// Ключи внешних ссылок задания.
const (
	TxRefChannelClose = "channelClose"
	TxRefBridge       = "bridge"
	TxRefVaultDeposit = "vaultDeposit"
)

// SettlementJob одна попытка вывести баланс получателя в расчёт.
type SettlementJob struct {
	ID                string            `json:"id"`
	PayeeID           string            `json:"payeeId"`
	PayeeExternalName string            `json:"payeeExternalName,omitempty"`
	Status            JobStatus         `json:"status"`
	Stage             Stage             `json:"stage"`
	TotalAmount       Amount            `json:"totalAmount"`
	PaymentsCount     int               `json:"paymentsCount"`
	Error             string            `json:"error,omitempty"`
	FailureReason     FailureReason     `json:"failureReason,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	StartTime         time.Time         `json:"startTime"`
	EndTime           *time.Time        `json:"endTime,omitempty"`
	ExternalTxRefs    map[string]string `json:"externalTxRefs"`
}

// IsTerminal сообщает, завершено ли задание.
func (j *SettlementJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// IsActive сообщает, выполняется ли задание.
func (j *SettlementJob) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// Clone возвращает глубокую копию задания.
func (j *SettlementJob) Clone() *SettlementJob {
	c := *j
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	if j.Warnings != nil {
		c.Warnings = append([]string(nil), j.Warnings...)
	}
	c.ExternalTxRefs = make(map[string]string, len(j.ExternalTxRefs))
	for k, v := range j.ExternalTxRefs {
		c.ExternalTxRefs[k] = v
	}
	return &c
}

// Stats агрегированная статистика по заданиям.
type Stats struct {
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Active       int    `json:"active"`
	Pending      int    `json:"pending"`
	TotalSettled Amount `json:"totalSettled"`
}

// Schedule расписание расчёта получателя.
type Schedule string

const (
	ScheduleInstant Schedule = "instant"
	ScheduleDaily   Schedule = "daily"
	ScheduleWeekly  Schedule = "weekly"
)

// Preference настройки расчёта, полученные из реестра.
type Preference struct {
	Schedule     Schedule `json:"schedule"`
	ScheduleTime string   `json:"scheduleTime,omitempty"`
	ScheduleDay  string   `json:"scheduleDay,omitempty"`
	VaultAddress string   `json:"vaultAddress,omitempty"`
	ChainHint    string   `json:"chainHint,omitempty"`
}
