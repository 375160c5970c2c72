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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("VSEARCH_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// newClient 管理接口的 token 取自 VSEARCH_ADMIN_TOKEN
func newClient(baseURL string) *resty.Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
	if tok := os.Getenv("VSEARCH_ADMIN_TOKEN"); tok != "" {
		c.SetAuthToken(tok)
	}
	return c
}

// apiError 非预期状态码
type apiError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

func call(req *resty.Request, method, path string, want ...int) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := req.SetResult(&out).Execute(method, path)
	if err != nil {
		return nil, err
	}
	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	for _, code := range want {
		if resp.StatusCode() == code {
			return out, nil
		}
	}
	return nil, &apiError{Method: method, Path: path, Status: resp.StatusCode(), Body: resp.String()}
}

func getHealth(c *resty.Client) (map[string]interface{}, error) {
	return call(c.R(), http.MethodGet, "/api/health")
}

func getStats(c *resty.Client) (map[string]interface{}, error) {
	return call(c.R(), http.MethodGet, "/api/stats")
}

func getProduct(c *resty.Client, id int64) (map[string]interface{}, error) {
	return call(c.R(), http.MethodGet, "/api/products/"+strconv.FormatInt(id, 10))
}

func getProductStats(c *resty.Client, id int64) (map[string]interface{}, error) {
	return call(c.R(), http.MethodGet, "/api/products/"+strconv.FormatInt(id, 10)+"/stats")
}

func postFeedback(c *resty.Client, id int64, relevant bool, queryContext string) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"product_id":    id,
		"is_relevant":   relevant,
		"query_context": queryContext,
	}
	return call(c.R().SetBody(body), http.MethodPost, "/api/feedback")
}

func postSearch(c *resty.Client, embedding []float32, k int, modifier string) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"embedding":     embedding,
		"k":             k,
		"text_modifier": modifier,
	}
	return call(c.R().SetBody(body), http.MethodPost, "/api/search")
}

// postImageSearch 上传图片检索，需服务端配置视觉模型
func postImageSearch(c *resty.Client, imagePath string, k int, modifier string) (map[string]interface{}, error) {
	form := map[string]string{"k": strconv.Itoa(k)}
	if modifier != "" {
		form["text_modifier"] = modifier
	}
	req := c.R().
		SetFile("image", imagePath).
		SetFormData(form)
	return call(req, http.MethodPost, "/api/search")
}

func adminLogin(c *resty.Client, user, password string) (string, error) {
	out, err := call(c.R().SetBody(map[string]string{"username": user, "password": password}),
		http.MethodPost, "/api/admin/login")
	if err != nil {
		return "", err
	}
	tok, _ := out["token"].(string)
	if tok == "" {
		return "", fmt.Errorf("登录响应缺少 token")
	}
	return tok, nil
}

func adminPost(c *resty.Client, path string) (map[string]interface{}, error) {
	return call(c.R(), http.MethodPost, "/api/admin/"+path)
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
