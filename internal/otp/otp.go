// Package otp содержит генерацию и проверку одноразовых кодов входа по телефону.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// CodeLength — количество цифр в коде.
	CodeLength = 6
	// CodeTTL — срок жизни кода.
	CodeTTL = 5 * time.Minute
	// MaxVerifyAttempts — число попыток ввода кода до его аннулирования.
	MaxVerifyAttempts = 5
	// RequestWindow и MaxRequestsPerWindow ограничивают частоту выдачи кодов
	// на один номер. Счётчик ведётся в хранилище, а не в памяти процесса.
	RequestWindow        = time.Hour
	MaxRequestsPerWindow = 5
)

// GenerateCode возвращает случайный числовой код фиксированной длины.
func GenerateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < CodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

// HashCode возвращает bcrypt-хеш кода для хранения.
func HashCode(code string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}
	return hash, nil
}

// VerifyCode сравнивает введённый код с хешем.
func VerifyCode(hash []byte, code string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil
}

// Sender отправляет код на номер телефона. Транспорт доставки (WhatsApp и т.п.)
// подключается снаружи; сервис зависит только от этого контракта.
type Sender interface {
	SendCode(phone, code string) error
}
