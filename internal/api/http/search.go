package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"visual-search/internal/model/vision"
	"visual-search/internal/pipeline/common"
	pkgerrors "visual-search/pkg/errors"
)

// searchBody JSON 检索请求；multipart 请求使用同名表单字段
type searchBody struct {
	Embedding    []float32 `json:"embedding"`
	K            int       `json:"k"`
	PriceMin     *float64  `json:"price_min"`
	PriceMax     *float64  `json:"price_max"`
	Brand        string    `json:"brand"`
	Material     string    `json:"material"`
	Color        string    `json:"color"`
	FrameStyle   string    `json:"frame_style"`
	TextModifier string    `json:"text_modifier"`
}

func (b *searchBody) toRequest() *common.SearchRequest {
	f := &common.SearchFilter{
		PriceMin:   b.PriceMin,
		PriceMax:   b.PriceMax,
		Brand:      strings.TrimSpace(b.Brand),
		Material:   strings.TrimSpace(b.Material),
		Color:      strings.TrimSpace(b.Color),
		FrameStyle: strings.TrimSpace(b.FrameStyle),
	}
	if f.IsEmpty() {
		f = nil
	}
	return &common.SearchRequest{
		Embedding:    b.Embedding,
		K:            b.K,
		Filter:       f,
		TextModifier: b.TextModifier,
	}
}

type resultItem struct {
	ID              int64   `json:"id"`
	ImagePath       string  `json:"image_path,omitempty"`
	Brand           string  `json:"brand,omitempty"`
	Price           float64 `json:"price"`
	Material        string  `json:"material,omitempty"`
	StyleTags       string  `json:"style_tags,omitempty"`
	SimilarityScore float64 `json:"similarity_score"`
}

type searchResponse struct {
	QueryImage      string             `json:"query_image,omitempty"`
	ImageAttributes *vision.Attributes `json:"image_attributes,omitempty"`
	Attributes      *common.Modifier   `json:"attributes,omitempty"`
	Results         []resultItem       `json:"results"`
	TotalResults    int                `json:"total_results"`
	ProcessTimeMs   int64              `json:"process_time_ms"`
}

// Search 以图搜图：JSON 携带查询向量，或 multipart 上传 image 由 Extractor 提取
func (h *Handler) Search(ctx context.Context, c *app.RequestContext) {
	if h.search == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	var (
		body  searchBody
		out   searchResponse
		isImg = bytes.HasPrefix(c.ContentType(), []byte(consts.MIMEMultipartPOSTForm))
	)
	if isImg {
		name, attrs, err := h.bindImageSearch(ctx, c, &body)
		if err != nil {
			writeError(c, err)
			return
		}
		out.QueryImage = name
		out.ImageAttributes = attrs
	} else if err := c.BindJSON(&body); err != nil {
		badRequest(c, "请求体不是合法 JSON: "+err.Error())
		return
	}

	resp, err := h.search.Search(ctx, body.toRequest())
	if err != nil {
		writeError(c, err)
		return
	}
	out.Attributes = resp.Modifier
	out.TotalResults = resp.TotalResults
	out.ProcessTimeMs = resp.ProcessTime.Milliseconds()
	out.Results = make([]resultItem, len(resp.Results))
	for i, r := range resp.Results {
		item := resultItem{ID: r.ID, SimilarityScore: r.Score}
		if r.Item != nil {
			item.ImagePath = r.Item.ImagePath
			item.Brand = r.Item.Brand
			item.Price = r.Item.Price
			item.Material = r.Item.Material
			item.StyleTags = r.Item.StyleTags
		}
		out.Results[i] = item
	}
	c.JSON(consts.StatusOK, out)
}

// bindImageSearch 读取上传图片并提取向量；属性识别失败不影响检索
func (h *Handler) bindImageSearch(ctx context.Context, c *app.RequestContext, body *searchBody) (string, *vision.Attributes, error) {
	if h.extractor == nil {
		return "", nil, vision.ErrUnavailable
	}
	fh, err := c.FormFile("image")
	if err != nil {
		return "", nil, common.NewValidationError("image", "缺少上传图片")
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	img, err := io.ReadAll(f)
	if err != nil {
		return "", nil, err
	}
	if len(img) == 0 {
		return "", nil, common.NewValidationError("image", "上传图片为空")
	}
	if err := bindSearchForm(c, body); err != nil {
		return "", nil, err
	}

	emb, err := h.extractor.Extract(ctx, img)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", common.ErrEmbeddingFailed, err)
	}
	body.Embedding = emb

	var attrs *vision.Attributes
	if h.classifier != nil {
		if attrs, err = h.classifier.Classify(ctx, emb); err != nil {
			hlog.CtxWarnf(ctx, "属性识别失败，忽略: %v", err)
			attrs = nil
		}
	}
	return fh.Filename, attrs, nil
}

func bindSearchForm(c *app.RequestContext, body *searchBody) error {
	if v := strings.TrimSpace(c.PostForm("k")); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return common.NewValidationError("k", "必须为整数")
		}
		body.K = k
	}
	for _, p := range []struct {
		field string
		dst   **float64
	}{{"price_min", &body.PriceMin}, {"price_max", &body.PriceMax}} {
		v := strings.TrimSpace(c.PostForm(p.field))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return common.NewValidationError(p.field, "必须为数字")
		}
		*p.dst = &f
	}
	body.Brand = c.PostForm("brand")
	body.Material = c.PostForm("material")
	body.Color = c.PostForm("color")
	body.FrameStyle = c.PostForm("frame_style")
	body.TextModifier = c.PostForm("text_modifier")
	return nil
}
