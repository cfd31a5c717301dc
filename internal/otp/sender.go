package otp

import "go.uber.org/zap"

// LogSender пишет код входа в лог вместо отправки по SMS или WhatsApp.
// Используется при локальной разработке и в тестовых стендах.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender создаёт отправитель кодов, пишущий в лог.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// SendCode реализует Sender.
func (s *LogSender) SendCode(phone, code string) error {
	s.logger.Info("otp code issued",
		zap.String("phone", phone),
		zap.String("code", code),
	)
	return nil
}
