package booking

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"time"
)

const (
	numberPrefix   = "PB"
	numberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	numberSuffix   = 5
)

// NumberGenerator 生成 PB-YYYY-XXXXX 形式的订单号
type NumberGenerator struct {
	rand io.Reader
}

func NewNumberGenerator(r io.Reader) *NumberGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &NumberGenerator{rand: r}
}

func (g *NumberGenerator) Next(now time.Time) (string, error) {
	buf := make([]byte, numberSuffix)
	out := make([]byte, numberSuffix)
	// 拒绝采样，避免取模偏差
	limit := byte(256 - 256%len(numberAlphabet))
	for i := 0; i < numberSuffix; {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out[i] = numberAlphabet[int(b)%len(numberAlphabet)]
			i++
			if i == numberSuffix {
				break
			}
		}
	}
	return fmt.Sprintf("%s-%d-%s", numberPrefix, now.UTC().Year(), out), nil
}

var numberPattern = regexp.MustCompile(`^PB-[0-9]{4}-[A-Z0-9]{5}$`)

// ValidNumber 校验订单号格式
func ValidNumber(s string) bool {
	return numberPattern.MatchString(s)
}
