// Package repository содержит хранилища каналов, платежей и заданий расчёта.
package repository

import (
	"errors"
	"sort"

	"github.com/mmeshcher/channel-hub/internal/model"
)

var (
	// ErrChannelNotFound возвращается, если канал не найден.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrActiveChannelExists возвращается при попытке открыть второй активный канал для пары владелец/роль.
	ErrActiveChannelExists = errors.New("active channel already exists")
	// ErrJobNotFound возвращается, если задание расчёта не найдено.
	ErrJobNotFound = errors.New("settlement job not found")
	// ErrJobExists возвращается при повторном создании задания с тем же идентификатором.
	ErrJobExists = errors.New("settlement job already exists")
)

// ChannelUpdateFunc изменяет копии каналов внутри атомарной операции.
// Ошибка отменяет изменения всех каналов.
type ChannelUpdateFunc func(channels []*model.Channel) error

func uniqueSorted(ids []string) []string {
	res := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

func sortJobsNewestFirst(jobs []model.SettlementJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].StartTime.After(jobs[j].StartTime)
	})
}
