package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/markm8/grading-api/internal/utils"
)

// JWTProtected validates the bearer token and resolves the student it was
// issued to. Every protected route relies on the resolved student id for
// essay ownership and credit account scoping, so a token without a usable
// subject is rejected outright rather than passed through anonymous.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		studentID, err := studentIDFromClaims(claims)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "token missing subject")
		}
		c.Locals("user_id", studentID)

		if role := roleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

// studentIDFromClaims resolves the student the token was issued to. The auth
// provider writes the id into "sub"; older tokens used "student_id" or
// "user_id" and are still accepted.
func studentIDFromClaims(claims jwt.MapClaims) (uint, error) {
	for _, key := range []string{"sub", "student_id", "user_id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if id, err := parseStudentID(value); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no resolvable subject claim")
}

func parseStudentID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 1 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil || parsed == 0 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(parsed), nil
	case int:
		if v < 1 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	default:
		return 0, fmt.Errorf("unsupported subject type")
	}
}

// roleFromClaims picks the first non-empty role. Admin and billing staff
// carry a "role" claim; student tokens usually carry none.
func roleFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"role", "roles"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if role := strings.ToLower(strings.TrimSpace(v)); role != "" {
				return role
			}
		case []interface{}:
			for _, item := range v {
				if str, ok := item.(string); ok {
					if role := strings.ToLower(strings.TrimSpace(str)); role != "" {
						return role
					}
				}
			}
		}
	}
	return ""
}
