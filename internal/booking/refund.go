package booking

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/panditbooking/booking/pkg/decimal"
)

// RefundRequest 计算退款所需的全部输入
type RefundRequest struct {
	Captured    int64 // 已扣款金额
	ScheduledAt time.Time
	Now         time.Time
	Initiator   Role
}

// RefundPolicy 退款额只取决于距服务开始的时间和发起方
type RefundPolicy interface {
	RefundAmount(req RefundRequest) int64
}

// RefundTier 提前量 >= MinNotice 时退 Percent%
type RefundTier struct {
	MinNotice time.Duration `yaml:"min_notice"`
	Percent   int           `yaml:"percent"`
}

// TieredPolicy 按提前量分档；FullRefundFor 中的角色（服务者拒单、管理员、系统过期）全额退款
type TieredPolicy struct {
	Tiers         []RefundTier `yaml:"tiers"`
	FullRefundFor []Role       `yaml:"full_refund_for"`
}

// NewTieredPolicy 默认：提前 fullBefore 以上全额，否则 partialPercent%
func NewTieredPolicy(fullBefore time.Duration, partialPercent int) (*TieredPolicy, error) {
	p := &TieredPolicy{
		Tiers: []RefundTier{
			{MinNotice: fullBefore, Percent: 100},
			{MinNotice: 0, Percent: partialPercent},
		},
		FullRefundFor: []Role{RoleProvider, RoleAdmin, RoleSystem},
	}
	return p, p.normalize()
}

// LoadTieredPolicy 从 YAML 文件读取分档
func LoadTieredPolicy(path string) (*TieredPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read refund policy: %w", err)
	}
	return ParseTieredPolicy(raw)
}

func ParseTieredPolicy(raw []byte) (*TieredPolicy, error) {
	var p TieredPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse refund policy: %w", err)
	}
	return &p, p.normalize()
}

func (p *TieredPolicy) normalize() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("refund policy needs at least one tier")
	}
	for _, t := range p.Tiers {
		if t.Percent < 0 || t.Percent > 100 {
			return fmt.Errorf("refund tier percent must be within [0, 100], got %d", t.Percent)
		}
		if t.MinNotice < 0 {
			return fmt.Errorf("refund tier min_notice must not be negative")
		}
	}
	sort.SliceStable(p.Tiers, func(i, j int) bool {
		return p.Tiers[i].MinNotice > p.Tiers[j].MinNotice
	})
	return nil
}

func (p *TieredPolicy) RefundAmount(req RefundRequest) int64 {
	if req.Captured <= 0 {
		return 0
	}
	for _, r := range p.FullRefundFor {
		if r == req.Initiator {
			return req.Captured
		}
	}
	notice := req.ScheduledAt.Sub(req.Now)
	// 服务开始后取消按最低档
	pct := p.Tiers[len(p.Tiers)-1].Percent
	for _, t := range p.Tiers {
		if notice >= t.MinNotice {
			pct = t.Percent
			break
		}
	}
	if pct >= 100 {
		return req.Captured
	}
	return decimal.FromMinor(req.Captured, minorScale).
		Percent(decimal.FromInt(int64(pct)), minorScale).
		ToMinor(minorScale)
}
