package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"visual-search/pkg/config"
	"visual-search/pkg/utils"
)

const identityKey = "admin"

type adminLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AdminAuth 管理接口的 JWT 鉴权：单一管理员账号，密码来自配置
type AdminAuth struct {
	jwt *jwt.HertzJWTMiddleware
}

// NewAdminAuth 根据配置创建 JWT 中间件
func NewAdminAuth(cfg config.MiddlewareConfig) (*AdminAuth, error) {
	if cfg.JWTKey == "" {
		return nil, errors.New("开启 auth 需要配置 jwt_key")
	}
	if cfg.AdminPassword == "" {
		return nil, errors.New("开启 auth 需要配置 admin_password")
	}
	// 环境变量未设置时占位符原样保留，不能当作密钥使用
	if config.IsUnresolved(cfg.JWTKey) {
		return nil, fmt.Errorf("jwt_key 引用的环境变量未设置: %s", cfg.JWTKey)
	}
	if config.IsUnresolved(cfg.AdminPassword) {
		return nil, fmt.Errorf("admin_password 引用的环境变量未设置: %s", cfg.AdminPassword)
	}
	user := utils.CoalesceString(cfg.AdminUser, "admin")

	mw, err := jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "visual-search",
		Key:         []byte(cfg.JWTKey),
		Timeout:     utils.ParseDuration(cfg.JWTTimeout, time.Hour),
		MaxRefresh:  utils.ParseDuration(cfg.JWTMaxRefresh, time.Hour),
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if name, ok := data.(string); ok {
				return jwt.MapClaims{identityKey: name}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			return jwt.ExtractClaims(ctx, c)[identityKey]
		},
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var login adminLogin
			if err := c.BindJSON(&login); err != nil || login.Username == "" {
				return nil, jwt.ErrMissingLoginValues
			}
			if login.Username != user ||
				subtle.ConstantTimeCompare([]byte(login.Password), []byte(cfg.AdminPassword)) != 1 {
				return nil, jwt.ErrFailedAuthentication
			}
			return login.Username, nil
		},
		Authorizator: func(data interface{}, ctx context.Context, c *app.RequestContext) bool {
			name, ok := data.(string)
			return ok && name == user
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
	if err != nil {
		return nil, err
	}
	return &AdminAuth{jwt: mw}, nil
}

// LoginHandler 签发 token
func (a *AdminAuth) LoginHandler() app.HandlerFunc {
	return a.jwt.LoginHandler
}

// Guard 校验 Authorization: Bearer <token>
func (a *AdminAuth) Guard() app.HandlerFunc {
	return a.jwt.MiddlewareFunc()
}
