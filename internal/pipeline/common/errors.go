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
	"errors"
	"fmt"
)

// 管线错误分类，调用方用 errors.Is 判断
var (
	ErrInvalidInput    = errors.New("无效的输入")
	ErrEmptyEmbedding  = errors.New("查询向量为空")
	ErrRetrievalFailed = errors.New("向量检索失败")
	ErrEmbeddingFailed = errors.New("向量化失败")
	ErrIndexingFailed  = errors.New("写入索引失败")
)

// PipelineError 携带出错阶段的名称，HTTP 层据此在响应中标出 stage
type PipelineError struct {
	Stage   string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError 以阶段名包装 err
func NewPipelineError(stage, message string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Message: message, Err: err}
}

// StageOf 返回错误链上最外层的阶段名
func StageOf(err error) (string, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return "", false
}

// ValidationError 请求字段校验失败，对应 400
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// FieldOf 返回校验失败的字段名；err 不含 ValidationError 时 ok 为 false
func FieldOf(err error) (field string, ok bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field, true
	}
	return "", false
}
