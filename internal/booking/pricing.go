package booking

import (
	"fmt"
	"time"

	"github.com/panditbooking/booking/pkg/decimal"
)

// minorScale paise
const minorScale = 2

// Quote 预订时一次性计算的价格快照（最小单位）
type Quote struct {
	BaseAmount     int64
	PlatformFee    int64
	TotalAmount    int64
	ProviderPayout int64
}

// Price 平台费 = round(fee × pct / 100, 2 位小数)；总额 = fee + 平台费；服务者收入 = fee − 平台费
func Price(fee int64, commissionPercent *decimal.Decimal) (Quote, error) {
	if fee < 0 {
		return Quote{}, fmt.Errorf("negative fee %d", fee)
	}
	if commissionPercent == nil || commissionPercent.IsNegative() || commissionPercent.Cmp(decimal.FromInt(100)) > 0 {
		return Quote{}, fmt.Errorf("commission percent must be within [0, 100], got %s", commissionPercent)
	}
	base := decimal.FromMinor(fee, minorScale)
	platform := base.Percent(commissionPercent, minorScale)
	return Quote{
		BaseAmount:     fee,
		PlatformFee:    platform.ToMinor(minorScale),
		TotalAmount:    base.Add(platform).ToMinor(minorScale),
		ProviderPayout: base.Sub(platform).ToMinor(minorScale),
	}, nil
}

// Apply 写入价格快照
func (q Quote) Apply(b *Booking) {
	b.BaseAmount = q.BaseAmount
	b.PlatformFee = q.PlatformFee
	b.TotalAmount = q.TotalAmount
	b.ProviderPayout = q.ProviderPayout
}

// AcceptDeadline 服务开始前 window 时长为接单截止
func AcceptDeadline(scheduledAt time.Time, window time.Duration) time.Time {
	return scheduledAt.Add(-window)
}

// FormatAmount 最小单位转展示金额，如 110000 → "1100.00"
func FormatAmount(minor int64) string {
	return decimal.FromMinor(minor, minorScale).StringFixed(minorScale)
}

// ParseAmount "1500.50" → 150050
func ParseAmount(s string) (int64, error) {
	d, err := decimal.New(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", s)
	}
	return d.ToMinor(minorScale), nil
}
