// Package license генерирует и проверяет лицензионные ключи плагинов.
//
// Ключ имеет вид FAMILY-XXXX-XXXX-XXXX-CCCC, где три сегмента X состоят из случайных
// символов [0-9A-Z], а сегмент C, контрольная сумма: сумма ASCII-кодов двенадцати
// символов, записанная в base36 (по модулю 36^4, с дополнением нулями до 4 символов).
package license

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	alphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	segmentLen    = 4
	randomSegs    = 3
	checksumRange = 36 * 36 * 36 * 36
)

// ErrInvalidFamily возвращается при попытке выпустить ключ для пустого или некорректного семейства.
var ErrInvalidFamily = errors.New("invalid license family")

// Generate выпускает новый ключ для указанного семейства.
func Generate(family string) (string, error) {
	if !validFamily(family) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFamily, family)
	}

	segs := make([]string, 0, randomSegs+2)
	segs = append(segs, family)

	var body strings.Builder
	for i := 0; i < randomSegs; i++ {
		seg, err := randomSegment()
		if err != nil {
			return "", fmt.Errorf("generate segment: %w", err)
		}
		segs = append(segs, seg)
		body.WriteString(seg)
	}
	segs = append(segs, Checksum(body.String()))

	return strings.Join(segs, "-"), nil
}

// Validate проверяет формат ключа, семейство и контрольную сумму.
func Validate(key, family string) bool {
	parts := strings.Split(strings.TrimSpace(key), "-")
	if len(parts) != randomSegs+2 {
		return false
	}
	if parts[0] != family {
		return false
	}
	for _, p := range parts[1 : 1+randomSegs] {
		if !validSegment(p, false) {
			return false
		}
	}
	if !validSegment(parts[len(parts)-1], true) {
		return false
	}
	body := strings.Join(parts[1:1+randomSegs], "")
	return strings.EqualFold(Checksum(body), parts[len(parts)-1])
}

// Family возвращает семейство ключа или пустую строку, если ключ не разбирается.
func Family(key string) string {
	i := strings.IndexByte(key, '-')
	if i <= 0 {
		return ""
	}
	return key[:i]
}

// Checksum вычисляет контрольный сегмент для строки символов.
func Checksum(body string) string {
	sum := 0
	for i := 0; i < len(body); i++ {
		sum += int(body[i])
	}
	s := strings.ToUpper(strconv.FormatInt(int64(sum%checksumRange), 36))
	if len(s) < segmentLen {
		s = strings.Repeat("0", segmentLen-len(s)) + s
	}
	return s
}

func randomSegment() (string, error) {
	b := make([]byte, segmentLen)
	limit := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// Строчные буквы допустимы только в контрольном сегменте: он сравнивается без учёта регистра.
func validSegment(s string, allowLower bool) bool {
	if len(s) != segmentLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'Z':
		case allowLower && c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

func validFamily(family string) bool {
	if family == "" {
		return false
	}
	for i := 0; i < len(family); i++ {
		c := family[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
