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

package query

import (
	"context"
	"fmt"

	"visual-search/internal/pipeline/common"
	"visual-search/internal/storage/vector"
)

// Index 检索所需的向量索引能力
type Index interface {
	Search(ctx context.Context, query []float32, k, overFetch int) ([]vector.Hit, error)
}

// Retriever 检索器：在向量索引上取出放大后的候选集
type Retriever struct {
	name      string
	index     Index
	overFetch int
}

// NewRetriever 创建新的检索器；overFetch <= 0 时使用 3
func NewRetriever(index Index, overFetch int) *Retriever {
	if overFetch <= 0 {
		overFetch = 3
	}
	return &Retriever{
		name:      "index",
		index:     index,
		overFetch: overFetch,
	}
}

// Name 返回组件名称
func (r *Retriever) Name() string {
	return r.name
}

// Validate 验证请求
func (r *Retriever) Validate(req *common.SearchRequest) error {
	if req == nil {
		return common.ErrInvalidInput
	}
	if len(req.Embedding) == 0 {
		return common.NewValidationError("embedding", common.ErrEmptyEmbedding.Error())
	}
	if r.index == nil {
		return fmt.Errorf("向量索引未初始化")
	}
	return nil
}

// Retrieve 执行检索，返回按相似度降序的候选
func (r *Retriever) Retrieve(ctx *common.PipelineContext, k int) ([]common.Candidate, error) {
	if err := r.Validate(ctx.Request); err != nil {
		return nil, common.NewPipelineError(r.name, "输入验证失败", err)
	}
	hits, err := r.index.Search(ctx.Context, ctx.Request.Embedding, k, r.overFetch)
	if err != nil {
		// 保留索引错误本身，维度不符等仍可被识别为请求错误
		return nil, common.NewPipelineError(r.name, "向量检索失败", fmt.Errorf("%w: %w", common.ErrRetrievalFailed, err))
	}
	cands := make([]common.Candidate, len(hits))
	for i, h := range hits {
		cands[i] = common.Candidate{ID: h.ID, Score: h.Score}
	}
	return cands, nil
}
