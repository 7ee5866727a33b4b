package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authContextKey struct{}

// AdminClaims is the token payload issued by the platform's auth
// service. Validation only happens here; issuance is external.
type AdminClaims struct {
	RestaurantID string `json:"restaurant_id"`
	Role         string `json:"role"`
	jwt.RegisteredClaims
}

func AuthMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}

		// An empty secret would accept tokens signed with the empty
		// key; admin access stays closed until one is configured.
		if secret == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin access disabled")
			return
		}

		tokenString := bearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return nil, false
	}
	claims, ok := value.(*AdminClaims)
	return claims, ok
}

// requireRestaurant rejects admin requests whose token is scoped to a
// different restaurant. Unauthenticated requests reaching here are
// public-endpoint reads of admin data and are refused outright.
func requireRestaurant(w http.ResponseWriter, r *http.Request, restaurantID string) bool {
	if isPublicEndpoint(r) {
		return true
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if claims.RestaurantID != "" && claims.RestaurantID != restaurantID {
		writeError(w, http.StatusForbidden, "access_denied", "restaurant access denied")
		return false
	}
	return true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/calls":
		return r.Method == http.MethodPost
	default:
		return r.Method == http.MethodOptions
	}
}
