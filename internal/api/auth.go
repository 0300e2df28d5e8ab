package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/pkg/auth"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/response"
)

const actorKey = "actor"

// authenticate 校验 Bearer JWT 并把调用方放入 gin 上下文。
// 浏览器 websocket 无法设置请求头，升级请求允许使用 access_token 查询参数。
func (s *server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			s.unauthenticated(c, "missing bearer token")
			return
		}
		if s.tokens == nil {
			s.unauthenticated(c, "authentication is not configured")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			s.log.WithContext(c.Request.Context()).WithError(err).Debug("reject bearer token")
			s.unauthenticated(c, msg)
			return
		}
		actor, err := actorFromClaims(claims)
		if err != nil {
			s.unauthenticated(c, err.Error())
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return strings.TrimSpace(c.Query("access_token"))
	}
	return ""
}

func actorFromClaims(claims *auth.Claims) (booking.Actor, error) {
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return booking.Actor{}, errors.New("token subject is not a valid id")
	}
	actor := booking.Actor{ID: id, Role: booking.Role(strings.ToLower(claims.Role))}
	switch actor.Role {
	case booking.RoleCustomer, booking.RoleProvider, booking.RoleAdmin:
	default:
		return booking.Actor{}, errors.New("token role is not allowed")
	}
	if claims.ProviderID != "" {
		pid, err := uuid.Parse(claims.ProviderID)
		if err != nil {
			return booking.Actor{}, errors.New("token provider id is not a valid id")
		}
		actor.ProviderID = pid
	}
	return actor, nil
}

func actorFrom(c *gin.Context) booking.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(booking.Actor)
	return actor
}

func (s *server) unauthenticated(c *gin.Context, msg string) {
	response.WriteErrorCode(c.Writer, c.Request, commonerrors.CodeUnauthenticated, msg)
	c.Abort()
}
