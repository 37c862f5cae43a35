package model

import "time"

// Причины отказа в квоте.
const (
	QuotaReasonBandwidth = "bandwidth_exceeded"
	QuotaReasonCount     = "download_count_exceeded"
)

// QuotaLimits — суточные лимиты пользователя. 0 — без ограничения.
type QuotaLimits struct {
	BandwidthLimit int64
	DownloadLimit  int64
}

// QuotaCounter — счётчики пользователя за сутки (user_id, day).
type QuotaCounter struct {
	UserID        string
	Day           string
	BytesUsed     int64
	DownloadCount int64
}

// QuotaDecision — результат CheckAndConsume.
type QuotaDecision struct {
	Allowed bool
	// Reason — причина отказа (пусто при Allowed)
	Reason string
	// Counter — счётчики после списания (nil при отказе)
	Counter *QuotaCounter
}

// QuotaUsage — использование квоты за текущие сутки.
type QuotaUsage struct {
	UserID         string
	Day            string
	BytesUsed      int64
	DownloadCount  int64
	BandwidthLimit int64
	DownloadLimit  int64
	ResetsAt       time.Time
}

// RemainingBytes возвращает остаток трафика; -1 — без ограничения.
func (u QuotaUsage) RemainingBytes() int64 {
	if u.BandwidthLimit == 0 {
		return -1
	}
	return max(u.BandwidthLimit-u.BytesUsed, 0)
}

// RemainingDownloads возвращает остаток скачиваний; -1 — без ограничения.
func (u QuotaUsage) RemainingDownloads() int64 {
	if u.DownloadLimit == 0 {
		return -1
	}
	return max(u.DownloadLimit-u.DownloadCount, 0)
}
