// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/google/uuid"
)

// CodeAlphabet содержит символы кода погашения без легко путаемых 0/O и 1/I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength задаёт число значащих символов кода без дефиса.
const CodeLength = 8

// IsValidRedemptionCode проверяет формат кода XXXX-XXXX.
func IsValidRedemptionCode(code string) bool {
	if len(code) != CodeLength+1 || code[CodeLength/2] != '-' {
		return false
	}

	for i := 0; i < len(code); i++ {
		if i == CodeLength/2 {
			continue
		}
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return false
		}
	}

	return true
}

// IsAccessToken проверяет, что строка является токеном доступа в формате UUID.
func IsAccessToken(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeIdentifier приводит введённый на кассе идентификатор к каноническому виду.
// Коды вводят вручную, поэтому регистр и пробелы не важны, а дефис можно опустить.
// Возвращает false, если строка не похожа ни на код, ни на токен.
func NormalizeIdentifier(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	if IsAccessToken(s) {
		return strings.ToLower(s), true
	}

	code := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(code) == CodeLength && !strings.Contains(code, "-") {
		code = code[:CodeLength/2] + "-" + code[CodeLength/2:]
	}
	if !IsValidRedemptionCode(code) {
		return "", false
	}
	return code, true
}
