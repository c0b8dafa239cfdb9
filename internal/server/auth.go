package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("caller is not allowed to perform this operation")
)

type callerKey struct{}

// WithCaller returns ctx carrying an authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller, or ErrUnauthenticated.
func CallerFrom(ctx context.Context) (common.Address, error) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	if !ok {
		return common.Address{}, ErrUnauthenticated
	}
	return caller, nil
}

// Authenticator validates HS256 bearer tokens. The `sub` claim is the
// caller's hex address.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret []byte, issuer string) *Authenticator {
	return &Authenticator{secret: secret, issuer: issuer, now: time.Now}
}

// Caller validates an Authorization header value and returns the caller.
func (a *Authenticator) Caller(authHeader string) (common.Address, error) {
	if authHeader == "" {
		return common.Address{}, fmt.Errorf("%w: missing Authorization header", ErrUnauthenticated)
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return common.Address{}, fmt.Errorf("%w: invalid Authorization header format", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return common.Address{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", ErrUnauthenticated)
	}
	return common.HexToAddress(claims.Subject), nil
}

// Issue signs a token for caller. Used by operator tooling and tests.
func (a *Authenticator) Issue(caller common.Address, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// UnaryInterceptor attaches the caller when a valid token is present.
// Requests without a token pass through; mutating methods reject them.
func (a *Authenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return handler(ctx, req)
	}
	caller, err := a.Caller(values[0])
	if err != nil {
		return nil, toStatus(err)
	}
	return handler(WithCaller(ctx, caller), req)
}
