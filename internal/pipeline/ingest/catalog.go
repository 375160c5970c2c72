package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"visual-search/internal/storage/object"
)

// 单行目录最大长度，足够容纳 2048 维向量
const maxCatalogLine = 16 << 20

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// CatalogEntry 商品目录中的一条记录。Embedding 为空时由 Extractor 从图片提取，
// StyleTags 为空且配置了 Classifier 时自动识别
type CatalogEntry struct {
	ImagePath string    `json:"image_path"`
	Brand     string    `json:"brand"`
	Price     float64   `json:"price"`
	Material  string    `json:"material"`
	StyleTags string    `json:"style_tags"`
	Embedding []float32 `json:"embedding,omitempty"`
	Image     []byte    `json:"image,omitempty"` // 直接提交的图片内容，优先于 ImagePath 读取
}

// Validate 校验必填字段
func (e *CatalogEntry) Validate() error {
	if strings.TrimSpace(e.ImagePath) == "" {
		return fmt.Errorf("image_path 不能为空")
	}
	if e.Price < 0 {
		return fmt.Errorf("price 不能为负数: %v", e.Price)
	}
	return nil
}

// ReadCatalog 逐行解析 JSONL 目录，空行跳过。解析失败的行以 err 交给 fn，
// fn 返回错误时停止读取
func ReadCatalog(r io.Reader, fn func(line int, entry *CatalogEntry, err error) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxCatalogLine)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var entry CatalogEntry
		err := json.Unmarshal([]byte(raw), &entry)
		if err == nil {
			err = entry.Validate()
		}
		if err != nil {
			err = fmt.Errorf("第 %d 行: %w", line, err)
			if ferr := fn(line, nil, err); ferr != nil {
				return ferr
			}
			continue
		}
		if err := fn(line, &entry, nil); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ListImages 列出图片目录下的图片文件，按路径排序
func ListImages(ctx context.Context, images object.Store) ([]string, error) {
	infos, err := images.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		if imageExts[strings.ToLower(path.Ext(info.Path))] {
			out = append(out, info.Path)
		}
	}
	return out, nil
}
