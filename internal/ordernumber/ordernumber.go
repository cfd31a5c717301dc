// Package ordernumber содержит генерацию и валидацию номеров заказов.
package ordernumber

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
	"unicode"
)

const suffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const suffixLength = 6

var (
	numberPattern = regexp.MustCompile(`^\d{4}-\d{4}-\d{2}-\d{2}-[A-Z0-9]{6}$`)
	prefixPattern = regexp.MustCompile(`^\d{4}-\d{4}-\d{2}-\d{2}-[A-Z0-9]{6}`)
)

// Generate формирует номер заказа вида {последние 4 цифры телефона}-{гггг-мм-дд}-{6 случайных символов}.
// Уникальность гарантирует ограничение БД, генератор даёт лишь достаточную энтропию.
func Generate(phone string, now time.Time) (string, error) {
	digits := lastDigits(phone, 4)
	if len(digits) < 4 {
		return "", fmt.Errorf("phone has fewer than 4 digits")
	}

	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i := range buf {
		buf[i] = suffixAlphabet[int(buf[i])%len(suffixAlphabet)]
	}

	return fmt.Sprintf("%s-%s-%s", digits, now.Format("2006-01-02"), string(buf)), nil
}

// IsValid проверяет соответствие номера заказа ожидаемому формату.
func IsValid(number string) bool {
	return numberPattern.MatchString(number)
}

// ExtractFromTransactionID выделяет номер заказа из идентификатора платёжной
// транзакции: идентификаторы строятся добавлением суффикса к номеру заказа.
func ExtractFromTransactionID(transactionID string) (string, bool) {
	number := prefixPattern.FindString(transactionID)
	if number == "" {
		return "", false
	}
	return number, true
}

func lastDigits(s string, n int) string {
	var digits []rune
	for _, ch := range s {
		if unicode.IsDigit(ch) {
			digits = append(digits, ch)
		}
	}
	if len(digits) < n {
		return string(digits)
	}
	return string(digits[len(digits)-n:])
}
