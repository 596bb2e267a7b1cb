package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// LocalTokenHeader — заголовок с токеном локального API.
const LocalTokenHeader = "X-Local-Token"

// LocalOnly пропускает запрос с loopback/приватного IP или с верным X-Local-Token.
// Демон держит токен пользователя к платформе, поэтому наружу API не экспонируется.
// Пустой token отключает проверку заголовка (остаётся только проверка адреса).
func LocalOnly(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := r.Header.Get(LocalTokenHeader)
				if got == "" {
					got = r.URL.Query().Get("token")
				}
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if ip := clientIP(r); ip != "" && isPrivateIP(ip) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

// clientIP берёт адрес из RemoteAddr (chi RealIP уже подставил X-Real-Ip/X-Forwarded-For).
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
