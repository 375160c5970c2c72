package vision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"visual-search/pkg/config"
	"visual-search/pkg/utils"
)

// HTTPClient 通过 HTTP 调用外部视觉服务：
// POST {endpoint}/embed 提交 base64 图片返回向量，POST {endpoint}/classify 提交向量返回属性
type HTTPClient struct {
	baseURL   string
	apiKey    string
	dimension int
	client    *resty.Client
}

// NewHTTPClient 创建视觉服务客户端；dimension > 0 时校验返回向量的维度
func NewHTTPClient(cfg config.VisionConfig, dimension int) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, ErrUnavailable
	}
	client := resty.New()
	client.SetTimeout(utils.ParseDuration(cfg.Timeout, 30*time.Second))
	client.SetRetryCount(3)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:    cfg.APIKey,
		dimension: dimension,
		client:    client,
	}, nil
}

// Name 返回模型名称
func (c *HTTPClient) Name() string {
	return "http:" + c.baseURL
}

func (c *HTTPClient) request(ctx context.Context) *resty.Request {
	req := c.client.R().SetContext(ctx)
	if c.apiKey != "" {
		req.SetAuthToken(c.apiKey)
	}
	return req
}

// Extract 提取图像向量
func (c *HTTPClient) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("图片为空")
	}
	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	resp, err := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"image": image}).
		SetResult(&result).
		Post(c.baseURL + "/embed")
	if err != nil {
		return nil, fmt.Errorf("调用向量提取服务失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("向量提取服务返回错误: %d %s", resp.StatusCode(), resp.String())
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("向量提取服务没有返回结果")
	}
	if c.dimension > 0 && len(result.Embedding) != c.dimension {
		return nil, fmt.Errorf("向量维度 %d 与索引维度 %d 不一致", len(result.Embedding), c.dimension)
	}
	return result.Embedding, nil
}

// Classify 识别款式与颜色
func (c *HTTPClient) Classify(ctx context.Context, embedding []float32) (*Attributes, error) {
	var result Attributes
	resp, err := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"embedding": embedding}).
		SetResult(&result).
		Post(c.baseURL + "/classify")
	if err != nil {
		return nil, fmt.Errorf("调用属性识别服务失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("属性识别服务返回错误: %d %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}
