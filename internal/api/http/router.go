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

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"visual-search/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	global     []app.HandlerFunc
}

// NewRouter 创建新的路由器
func NewRouter(handler *Handler, middleware *middleware.Middleware) *Router {
	return &Router{
		handler:    handler,
		middleware: middleware,
	}
}

// Use 追加全局中间件（如链路追踪），需在 Build 前调用
func (r *Router) Use(mw ...app.HandlerFunc) {
	r.global = append(r.global, mw...)
}

// Build 创建 Hertz 实例并注册路由；opts 用于追加 tracer、请求体上限等
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	h.Use(r.global...)

	if r.middleware != nil {
		h.Use(r.middleware.CORS(), r.middleware.Logger())
	}

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	if r.middleware != nil {
		api.Use(r.middleware.RateLimit())
	}
	{
		api.GET("/health", r.handler.HealthCheck)
		api.POST("/search", r.handler.Search)
		api.GET("/products/:id", r.handler.GetProduct)
		api.GET("/products/:id/stats", r.handler.GetProductStats)
		api.POST("/feedback", r.handler.Feedback)
		api.GET("/stats", r.handler.Stats)
	}

	admin := api.Group("/admin")
	if r.middleware != nil {
		if auth := r.middleware.AdminAuth(); auth != nil {
			admin.POST("/login", auth.LoginHandler())
			admin.Use(auth.Guard())
		}
	}
	{
		admin.POST("/items", r.handler.AddItem)
		admin.POST("/tasks", r.handler.EnqueueItem)
		admin.GET("/tasks/:id", r.handler.GetTask)
		admin.POST("/persist", r.handler.PersistIndex)
		admin.POST("/reload", r.handler.ReloadIndex)
		admin.POST("/products/:id/boost", r.handler.BoostProduct)
	}

	return h
}
