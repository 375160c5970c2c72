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

package vision

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable 未配置视觉服务
var ErrUnavailable = errors.New("vision service not configured")

// Extractor 图像向量提取：输入原始图片，输出固定维度向量
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
	// Name 返回模型名称
	Name() string
}

// Classifier 款式/颜色识别，输入图像向量
type Classifier interface {
	Classify(ctx context.Context, embedding []float32) (*Attributes, error)
	// Name 返回模型名称
	Name() string
}

// Attributes 识别出的属性标签及置信度
type Attributes struct {
	Style           string  `json:"style"`
	StyleConfidence float64 `json:"style_confidence"`
	Color           string  `json:"color"`
	ColorConfidence float64 `json:"color_confidence"`
}

// Tags 拼接为商品的 style_tags 字段
func (a *Attributes) Tags() string {
	if a == nil {
		return ""
	}
	var parts []string
	for _, s := range []string{a.Style, a.Color} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}
