package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

var errNoToken = errors.New("missing token")

// MechanicClaims is the JWT body a mechanic authenticates with.
type MechanicClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Auth mints and verifies HS256 mechanic tokens. With an empty secret it
// runs open: the bearer value itself is taken as the mechanic ID.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Mint signs a token for m valid for ttl.
func (a *Auth) Mint(m types.Mechanic, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return string(m.ID), nil
	}
	now := time.Now()
	claims := MechanicClaims{
		Name: m.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   string(m.ID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Identify resolves the caller from "Authorization: Bearer" or ?token=.
func (a *Auth) Identify(r *http.Request) (types.Mechanic, error) {
	tok := r.URL.Query().Get("token")
	if hdr := r.Header.Get("Authorization"); hdr != "" && strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
		tok = strings.TrimSpace(hdr[7:])
	}
	if tok == "" {
		return types.Mechanic{}, errNoToken
	}
	return a.parse(tok)
}

func (a *Auth) parse(tok string) (types.Mechanic, error) {
	if len(a.secret) == 0 {
		return types.Mechanic{ID: types.MechanicID(tok)}, nil
	}
	claims := &MechanicClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !t.Valid || claims.Subject == "" {
		return types.Mechanic{}, errors.New("invalid token")
	}
	return types.Mechanic{ID: types.MechanicID(claims.Subject), Name: claims.Name}, nil
}

type ctxKey struct{}

// middleware rejects unauthenticated requests and stores the caller.
func (a *Auth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := a.Identify(r)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, m)))
	})
}

func caller(r *http.Request) types.Mechanic {
	m, _ := r.Context().Value(ctxKey{}).(types.Mechanic)
	return m
}
