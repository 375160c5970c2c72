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

package model

import (
	"fmt"
	"sort"
	"sync"

	"visual-search/internal/model/vision"
	"visual-search/pkg/config"
)

// VisionFactory 根据配置创建向量提取与属性识别；dimension 为索引维度
type VisionFactory func(cfg config.VisionConfig, dimension int) (vision.Extractor, vision.Classifier, error)

// Registry 视觉模型注册表，按 provider 名称解析实现，便于替换模型服务
var (
	visionRegistry = make(map[string]VisionFactory)
	registryMu     sync.RWMutex
)

func init() {
	RegisterVision("http", func(cfg config.VisionConfig, dimension int) (vision.Extractor, vision.Classifier, error) {
		c, err := vision.NewHTTPClient(cfg, dimension)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	})
	RegisterVision("stub", func(cfg config.VisionConfig, dimension int) (vision.Extractor, vision.Classifier, error) {
		return &vision.StubExtractor{Dimension: dimension}, &vision.StubClassifier{}, nil
	})
}

// RegisterVision 注册视觉模型实现，同名覆盖
func RegisterVision(name string, f VisionFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	visionRegistry[name] = f
}

// GetVision 按名称获取视觉模型工厂
func GetVision(name string) (VisionFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := visionRegistry[name]
	if !ok {
		return nil, fmt.Errorf("Vision not registered: %s", name)
	}
	return f, nil
}

// VisionProviders 已注册的 provider 名称
func VisionProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(visionRegistry))
	for n := range visionRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewVision 按配置创建视觉模型。未指定 provider 时：配置了 endpoint 用 http，
// 打开 stub 用 stub，否则返回 nil（图片检索不可用）
func NewVision(cfg config.VisionConfig, dimension int) (vision.Extractor, vision.Classifier, error) {
	name := cfg.Provider
	if name == "" {
		switch {
		case cfg.Endpoint != "":
			name = "http"
		case cfg.Stub:
			name = "stub"
		default:
			return nil, nil, nil
		}
	}
	f, err := GetVision(name)
	if err != nil {
		return nil, nil, err
	}
	return f(cfg, dimension)
}
