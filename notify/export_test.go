package notify

import "net/smtp"

func SetSendMail(s *SMTPSender, fn func(string, smtp.Auth, string, []string, []byte) error) {
	s.sendMail = fn
}
