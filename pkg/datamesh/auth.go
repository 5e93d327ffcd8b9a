package datamesh

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth header names.
const (
	headerToken = "X-DATAMESH-TOKEN"
	headerUser  = "X-DATAMESH-USER"
)

// authHeaders builds the fixed auth header set for a token. Bearer tokens
// pass through as-is with the user identity lifted from the JWT subject;
// plain API tokens are sent both as an Authorization token and the datamesh
// token header.
func authHeaders(token string) http.Header {
	h := http.Header{}
	if token == "" {
		return h
	}
	if strings.HasPrefix(token, "Bearer ") {
		h.Set("Authorization", token)
		if sub := jwtSubject(strings.TrimPrefix(token, "Bearer ")); sub != "" {
			h.Set(headerUser, sub)
		}
		return h
	}
	h.Set("Authorization", "Token "+token)
	h.Set(headerToken, token)
	return h
}

// jwtSubject extracts the subject claim without verifying the signature; the
// service does its own verification, the client only labels requests.
func jwtSubject(raw string) string {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
