package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	contextUserKey   = "wallet.user"
	contextLocaleKey = "wallet.locale"

	LocaleEN = "en"
	LocaleBN = "bn"
)

// SessionClaims são as claims emitidas pelo serviço de autenticação
type SessionClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SessionAuth valida o bearer token HS256 e coloca o usuário no contexto
func SessionAuth(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated."})
			return
		}

		claims := &SessionClaims{}
		_, err := parser.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(token *jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			logger.Debug("[AUTH] invalid session token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated."})
			return
		}

		userID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || userID <= 0 {
			logger.Debug("[AUTH] invalid subject", zap.String("sub", claims.Subject))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated."})
			return
		}

		c.Set(contextUserKey, &User{ID: userID, Name: claims.Name, Email: claims.Email})
		c.Next()
	}
}

// Locale resolve o idioma por X-Locale ou Accept-Language
func Locale() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(contextLocaleKey, resolveLocale(c.GetHeader("X-Locale"), c.GetHeader("Accept-Language")))
		c.Next()
	}
}

func resolveLocale(explicit, acceptLanguage string) string {
	if l := normalizeLocale(explicit); l != "" {
		return l
	}
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if l := normalizeLocale(tag); l != "" {
			return l
		}
	}
	return LocaleEN
}

func normalizeLocale(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch {
	case tag == LocaleEN || strings.HasPrefix(tag, LocaleEN+"-"):
		return LocaleEN
	case tag == LocaleBN || strings.HasPrefix(tag, LocaleBN+"-"):
		return LocaleBN
	default:
		return ""
	}
}

var errNoSessionUser = errors.New("no authenticated user in context")

func currentUser(c *gin.Context) (*User, error) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil, errNoSessionUser
	}
	user, ok := v.(*User)
	if !ok {
		return nil, errNoSessionUser
	}
	return user, nil
}

func currentLocale(c *gin.Context) string {
	if l := c.GetString(contextLocaleKey); l != "" {
		return l
	}
	return LocaleEN
}
