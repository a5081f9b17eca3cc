package auth

import "context"

type contextKey string

const authContextKey contextKey = "meshforge_auth"

// AuthInfo holds authenticated identity information extracted from an API key.
type AuthInfo struct {
	KeyID                string
	Name                 string
	Owner                string
	RPMLimit             *int
	DailyGenerationLimit *int
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}

// KeyID returns the authenticated key id, or "" for anonymous requests.
func KeyID(ctx context.Context) string {
	if info, ok := AuthFromContext(ctx); ok {
		return info.KeyID
	}
	return ""
}
