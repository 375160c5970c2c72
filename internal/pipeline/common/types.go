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

package common

import (
	"context"
	"strings"
	"time"

	"visual-search/internal/storage/metadata"
)

// PipelineContext 单次检索请求的执行上下文，在各阶段之间传递
type PipelineContext struct {
	Context   context.Context
	ID        string
	Request   *SearchRequest
	Modifier  Modifier
	Attrs     map[int64]*metadata.Item // 一次批量查询得到的候选属性，缺失的 id 不在其中
	StartTime time.Time
	EndTime   time.Time
	Error     error
}

// NewPipelineContext 创建新的 Pipeline 上下文
func NewPipelineContext(ctx context.Context, id string) *PipelineContext {
	return &PipelineContext{
		Context:   ctx,
		ID:        id,
		Attrs:     make(map[int64]*metadata.Item),
		StartTime: time.Now(),
	}
}

// Finish 记录结束时间与最终错误
func (c *PipelineContext) Finish(err error) {
	c.EndTime = time.Now()
	c.Error = err
}

// Elapsed 已结束时返回总耗时，否则返回到目前为止的耗时
func (c *PipelineContext) Elapsed() time.Duration {
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// Candidate 检索候选：商品 id 与当前阶段的分数
type Candidate struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// SearchFilter 结构化过滤条件，空字段不做约束
type SearchFilter struct {
	PriceMin   *float64 `json:"price_min,omitempty"`
	PriceMax   *float64 `json:"price_max,omitempty"`
	Brand      string   `json:"brand,omitempty"`
	Material   string   `json:"material,omitempty"`
	Color      string   `json:"color,omitempty"`
	FrameStyle string   `json:"frame_style,omitempty"`
}

// IsEmpty 没有任何约束
func (f *SearchFilter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return f.PriceMin == nil && f.PriceMax == nil &&
		strings.TrimSpace(f.Brand) == "" && strings.TrimSpace(f.Material) == "" &&
		strings.TrimSpace(f.Color) == "" && strings.TrimSpace(f.FrameStyle) == ""
}

// Modifier 从自由文本中解析出的属性偏好，每类最多一个值
type Modifier struct {
	Color    string `json:"color,omitempty"`
	Material string `json:"material,omitempty"`
	Style    string `json:"style,omitempty"`
}

// IsEmpty 没有任何偏好
func (m Modifier) IsEmpty() bool {
	return m.Color == "" && m.Material == "" && m.Style == ""
}

// SearchRequest 检索请求
type SearchRequest struct {
	Embedding    []float32     `json:"embedding"`
	K            int           `json:"k"`
	Filter       *SearchFilter `json:"filter,omitempty"`
	TextModifier string        `json:"text_modifier,omitempty"`
}

// ScoredItem 最终结果项；Item 为 nil 表示属性缺失
type ScoredItem struct {
	ID    int64          `json:"id"`
	Score float64        `json:"similarity_score"`
	Item  *metadata.Item `json:"-"`
}

// SearchResponse 检索响应；TotalResults 为截断前的候选数
type SearchResponse struct {
	Results      []ScoredItem  `json:"results"`
	TotalResults int           `json:"total_results"`
	Modifier     *Modifier     `json:"attributes,omitempty"`
	ProcessTime  time.Duration `json:"-"`
}

// PipelineStage 候选列表上的一个处理阶段，只缩减或重排，不新增候选
type PipelineStage interface {
	Name() string
	Execute(ctx *PipelineContext, input []Candidate) ([]Candidate, error)
}
