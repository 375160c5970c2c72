package vision

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// StubExtractor 由图片内容哈希生成确定性向量，仅用于本地开发与测试
type StubExtractor struct {
	Dimension int
}

// Name 占位
func (s *StubExtractor) Name() string {
	return "stub"
}

// Extract 相同图片总是得到相同向量
func (s *StubExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("图片为空")
	}
	if s.Dimension <= 0 {
		return nil, fmt.Errorf("stub extractor 未设置维度")
	}
	out := make([]float32, s.Dimension)
	seed := sha256.Sum256(image)
	block := seed
	for i := range out {
		if i > 0 && i%8 == 0 {
			block = sha256.Sum256(block[:])
		}
		v := binary.LittleEndian.Uint32(block[(i%8)*4:])
		out[i] = float32(v)/float32(math.MaxUint32) - 0.5
	}
	return out, nil
}

var (
	stubStyles = []string{"Aviator", "Wayfarer", "Round", "Square", "Cat Eye", "Rimless"}
	stubColors = []string{"Black", "Tortoise", "Transparent", "Metal", "Colorful"}
)

// StubClassifier 按向量分量取最大值对应的标签，结果确定
type StubClassifier struct{}

// Name 占位
func (s *StubClassifier) Name() string {
	return "stub"
}

// Classify 前 len(stubStyles) 个分量决定款式，其后的分量决定颜色
func (s *StubClassifier) Classify(ctx context.Context, embedding []float32) (*Attributes, error) {
	if len(embedding) < len(stubStyles)+len(stubColors) {
		return nil, fmt.Errorf("向量维度 %d 过小", len(embedding))
	}
	style, sc := argmax(embedding[:len(stubStyles)])
	color, cc := argmax(embedding[len(stubStyles) : len(stubStyles)+len(stubColors)])
	return &Attributes{
		Style:           stubStyles[style],
		StyleConfidence: sc,
		Color:           stubColors[color],
		ColorConfidence: cc,
	}, nil
}

// argmax 返回最大分量下标与其 softmax 概率
func argmax(v []float32) (int, float64) {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	var sum float64
	for _, x := range v {
		sum += math.Exp(float64(x - v[best]))
	}
	return best, 1 / sum
}
