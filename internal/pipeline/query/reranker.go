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
	"visual-search/internal/pipeline/common"
)

// DefaultSimilarityThreshold 低于该相似度的候选视为无关
const DefaultSimilarityThreshold = 0.3

// ThresholdStage 相似度下限过滤。k-NN 总会返回结果，稀疏索引下需要挡掉近乎随机的匹配
type ThresholdStage struct {
	name      string
	threshold float64
}

// NewThresholdStage 创建阈值阶段；threshold <= 0 时使用 0.3
func NewThresholdStage(threshold float64) *ThresholdStage {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &ThresholdStage{name: "threshold", threshold: threshold}
}

// Name 返回阶段名称
func (s *ThresholdStage) Name() string {
	return s.name
}

// Execute 丢弃分数低于阈值的候选，保持原顺序
func (s *ThresholdStage) Execute(ctx *common.PipelineContext, input []common.Candidate) ([]common.Candidate, error) {
	out := make([]common.Candidate, 0, len(input))
	for _, c := range input {
		if c.Score >= s.threshold {
			out = append(out, c)
		}
	}
	return out, nil
}

// Truncate 截断到 k 条，k <= 0 时不截断
func Truncate(c []common.Candidate, k int) []common.Candidate {
	if k > 0 && len(c) > k {
		return c[:k]
	}
	return c
}
