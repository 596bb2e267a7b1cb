package middleware

import "strings"

// MaskToken маскирует токен в логах (не светить полный токен платформы).
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
