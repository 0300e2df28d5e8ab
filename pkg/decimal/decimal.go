// Package decimal 金额精度计算（big.Int 定点数）
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal 高精度十进制数，不可变
type Decimal struct {
	value *big.Int // 内部值（最小单位整数）
	scale int      // 小数位数
}

// Zero 零值
var Zero = &Decimal{value: big.NewInt(0), scale: 0}

// New 从字符串创建，如 "1500.50"
func New(s string) (*Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}
	raw := s

	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if !digits(intPart) || !digits(fracPart) || intPart+fracPart == "" {
		return nil, fmt.Errorf("invalid decimal: %s", raw)
	}
	if intPart == "" {
		intPart = "0"
	}

	value, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal: %s", raw)
	}
	if negative {
		value.Neg(value)
	}

	return &Decimal{value: value, scale: len(fracPart)}, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MustNew 从字符串创建，panic on error
func MustNew(s string) *Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt 从整数创建
func FromInt(v int64) *Decimal {
	return &Decimal{value: big.NewInt(v), scale: 0}
}

// FromMinor 从最小单位整数创建，如 paise (scale=2)
func FromMinor(v int64, scale int) *Decimal {
	return &Decimal{value: big.NewInt(v), scale: scale}
}

// String 转字符串（去除尾部零）
func (d *Decimal) String() string {
	if d == nil || d.value == nil {
		return "0"
	}

	s := d.value.String()
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	if d.scale == 0 {
		if negative {
			return "-" + s
		}
		return s
	}

	for len(s) <= d.scale {
		s = "0" + s
	}
	pos := len(s) - d.scale
	result := strings.TrimRight(s[:pos]+"."+s[pos:], "0")
	result = strings.TrimRight(result, ".")

	if negative && result != "0" {
		return "-" + result
	}
	return result
}

// StringFixed 固定小数位输出（四舍五入）
func (d *Decimal) StringFixed(scale int) string {
	r := d.Round(scale)
	s := new(big.Int).Abs(r.value).String()
	for len(s) <= scale {
		s = "0" + s
	}
	if scale > 0 {
		s = s[:len(s)-scale] + "." + s[len(s)-scale:]
	}
	if r.value.Sign() < 0 {
		return "-" + s
	}
	return s
}

// Cmp 比较：-1 (d < other), 0 (d == other), 1 (d > other)
func (d *Decimal) Cmp(other *Decimal) int {
	d1, d2 := d.alignScale(other)
	return d1.value.Cmp(d2.value)
}

// Add 加法
func (d *Decimal) Add(other *Decimal) *Decimal {
	d1, d2 := d.alignScale(other)
	return &Decimal{value: new(big.Int).Add(d1.value, d2.value), scale: d1.scale}
}

// Sub 减法
func (d *Decimal) Sub(other *Decimal) *Decimal {
	d1, d2 := d.alignScale(other)
	return &Decimal{value: new(big.Int).Sub(d1.value, d2.value), scale: d1.scale}
}

// Mul 乘法
func (d *Decimal) Mul(other *Decimal) *Decimal {
	return &Decimal{value: new(big.Int).Mul(d.value, other.value), scale: d.scale + other.scale}
}

// Div 除法（指定精度，向零截断）；除数为零返回 0
func (d *Decimal) Div(other *Decimal, scale int) *Decimal {
	if other.value.Sign() == 0 {
		return &Decimal{value: big.NewInt(0), scale: scale}
	}
	dividend := d.setScale(scale + other.scale).value
	return &Decimal{value: new(big.Int).Quo(dividend, other.value), scale: scale}
}

// Percent 返回 d × pct / 100，保留 scale 位并四舍五入
func (d *Decimal) Percent(pct *Decimal, scale int) *Decimal {
	return d.Mul(pct).Div(FromInt(100), scale+1).Round(scale)
}

// Neg 取负
func (d *Decimal) Neg() *Decimal {
	return &Decimal{value: new(big.Int).Neg(d.value), scale: d.scale}
}

// IsZero 是否为零
func (d *Decimal) IsZero() bool {
	return d.value.Sign() == 0
}

// IsNegative 是否为负
func (d *Decimal) IsNegative() bool {
	return d.value.Sign() < 0
}

// Truncate 截断到指定精度（向零）
func (d *Decimal) Truncate(scale int) *Decimal {
	if scale >= d.scale {
		return d
	}
	return d.setScale(scale)
}

// Round 四舍五入到指定精度（half away from zero）
func (d *Decimal) Round(scale int) *Decimal {
	if scale >= d.scale {
		return d.setScale(scale)
	}
	divisor := pow10(d.scale - scale)
	q, r := new(big.Int).QuoRem(d.value, divisor, new(big.Int))
	twice := new(big.Int).Mul(new(big.Int).Abs(r), big.NewInt(2))
	if twice.Cmp(divisor) >= 0 {
		if d.value.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return &Decimal{value: q, scale: scale}
}

// ToMinor 转为最小单位整数（四舍五入）
func (d *Decimal) ToMinor(scale int) int64 {
	return d.Round(scale).value.Int64()
}

// alignScale 对齐精度
func (d *Decimal) alignScale(other *Decimal) (*Decimal, *Decimal) {
	if d.scale == other.scale {
		return d, other
	}
	if d.scale > other.scale {
		return d, other.setScale(d.scale)
	}
	return d.setScale(other.scale), other
}

// setScale 设置精度（缩小时向零截断）
func (d *Decimal) setScale(scale int) *Decimal {
	if scale == d.scale {
		return d
	}
	result := new(big.Int).Set(d.value)
	if diff := scale - d.scale; diff > 0 {
		result.Mul(result, pow10(diff))
	} else {
		result.Quo(result, pow10(-diff))
	}
	return &Decimal{value: result, scale: scale}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Min 返回较小值
func Min(a, b *Decimal) *Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
