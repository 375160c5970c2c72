// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"visual-search/pkg/config"
)

// Middleware 中间件管理器
type Middleware struct {
	cfg     config.APIConfig
	limiter *rate.Limiter
	auth    *AdminAuth
}

// NewMiddleware 创建中间件管理器；未开启 auth 时 admin 路由不做鉴权
func NewMiddleware(cfg config.APIConfig) (*Middleware, error) {
	m := &Middleware{cfg: cfg}
	if cfg.Middleware.RateLimit && cfg.Middleware.RateLimitRPS > 0 {
		rps := cfg.Middleware.RateLimitRPS
		m.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if cfg.Middleware.Auth {
		auth, err := NewAdminAuth(cfg.Middleware)
		if err != nil {
			return nil, err
		}
		m.auth = auth
	}
	return m, nil
}

// AdminAuth 返回 admin 鉴权，未开启时为 nil
func (m *Middleware) AdminAuth() *AdminAuth {
	return m.auth
}

// CORS CORS 中间件；未开启时直接放行
func (m *Middleware) CORS() app.HandlerFunc {
	enabled := m.cfg.CORS.Enable
	allowed := m.cfg.CORS.AllowOrigins
	return func(ctx context.Context, c *app.RequestContext) {
		if !enabled {
			c.Next(ctx)
			return
		}
		origin := string(c.Request.Header.Peek("Origin"))
		c.Header("Access-Control-Allow-Origin", pickOrigin(allowed, origin))
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

func pickOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return o
		}
	}
	return allowed[0]
}

// RateLimit 全局令牌桶限流；未开启时直接放行
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if m.limiter != nil && !m.limiter.Allow() {
			c.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]string{
				"error": "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next(ctx)
	}
}

// Logger 访问日志
func (m *Middleware) Logger() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		hlog.CtxInfof(ctx, "%s %s %d %s %s",
			c.Method(), c.Path(), c.Response.StatusCode(), c.ClientIP(), time.Since(start))
	}
}
