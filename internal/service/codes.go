package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/giftcard-ledger/internal/validation"
)

// generateCode возвращает случайный код вида XXXX-XXXX. Алфавит из 32 символов,
// поэтому младшие пять бит байта дают равномерный выбор.
func generateCode() (string, error) {
	buf := make([]byte, validation.CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	var b strings.Builder
	b.Grow(validation.CodeLength + 1)
	for i, v := range buf {
		if i == validation.CodeLength/2 {
			b.WriteByte('-')
		}
		b.WriteByte(validation.CodeAlphabet[int(v)%len(validation.CodeAlphabet)])
	}
	return b.String(), nil
}

func newInvoiceNumber(now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("INV-%d-%d-%s", now.Year(), now.UnixMilli(), strings.ToUpper(hex.EncodeToString(buf))), nil
}
