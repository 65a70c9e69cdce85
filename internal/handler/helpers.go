package handler

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Params(key))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	return coerceUserID(c.Locals("user_id"))
}

// userIDFromConn reads the authenticated student id carried across the
// websocket upgrade. Fiber copies request locals onto the connection.
func userIDFromConn(conn *websocket.Conn) uint {
	return coerceUserID(conn.Locals("user_id"))
}

func coerceUserID(v interface{}) uint {
	if v == nil {
		return 0
	}
	if id, ok := v.(uint); ok {
		return id
	}
	if id, ok := v.(int); ok {
		if id < 0 {
			return 0
		}
		return uint(id)
	}
	return 0
}
