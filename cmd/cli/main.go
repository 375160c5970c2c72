package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"visual-search/pkg/config"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], newClient(apiBaseURL()), os.Stdout, os.Stderr))
}

func run(argv []string, c *resty.Client, stdout, stderr io.Writer) int {
	if len(argv) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := argv[0], argv[1:]

	show := func(out map[string]interface{}, err error) int {
		if err != nil {
			fmt.Fprintf(stderr, "%s 失败: %v\n", cmd, err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	}

	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "vsearch cli "+version)
		return 0
	case "health":
		return show(getHealth(c))
	case "config":
		return runConfig(args, stdout, stderr)
	case "stats":
		return show(getStats(c))
	case "product":
		id, ok := parseID(args, "product <id> [stats]", stderr)
		if !ok {
			return 1
		}
		if len(args) > 1 && args[1] == "stats" {
			return show(getProductStats(c, id))
		}
		return show(getProduct(c, id))
	case "feedback":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: vsearch feedback <id> <true|false> [query_context]")
			return 1
		}
		id, ok := parseID(args, "feedback <id> <true|false>", stderr)
		if !ok {
			return 1
		}
		relevant, err := strconv.ParseBool(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "is_relevant 必须为 true 或 false: %s\n", args[1])
			return 1
		}
		return show(postFeedback(c, id, relevant, strings.Join(args[2:], " ")))
	case "search":
		return runSearch(c, args, stdout, stderr)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: vsearch login <user> <password>")
			return 1
		}
		tok, err := adminLogin(c, args[0], args[1])
		if err != nil {
			fmt.Fprintf(stderr, "登录失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, tok)
		return 0
	case "persist", "reload":
		return show(adminPost(c, cmd))
	case "boost":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: vsearch boost <id> <factor>")
			return 1
		}
		id, ok := parseID(args, "boost <id> <factor>", stderr)
		if !ok {
			return 1
		}
		factor, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Fprintf(stderr, "factor 必须为数字: %s\n", args[1])
			return 1
		}
		return show(call(c.R().SetBody(map[string]float64{"factor": factor}),
			"POST", "/api/admin/products/"+strconv.FormatInt(id, 10)+"/boost"))
	case "server":
		if len(args) > 0 && args[0] == "start" {
			return runGo(stdout, stderr, "./cmd/api", args[1:]...)
		}
		fmt.Fprintln(stderr, "Usage: vsearch server start [-config path]")
		return 1
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			return runGo(stdout, stderr, "./cmd/worker", args[1:]...)
		}
		fmt.Fprintln(stderr, "Usage: vsearch worker start [-catalog file] [-images] [-reset] [-queue]")
		return 1
	default:
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: vsearch <command> [args]")
	fmt.Fprintln(w, "  version                          - 显示版本")
	fmt.Fprintln(w, "  health                           - 健康检查")
	fmt.Fprintln(w, "  config [path]                    - 显示配置概要")
	fmt.Fprintln(w, "  stats                            - 商品、反馈与索引统计")
	fmt.Fprintln(w, "  product <id> [stats]             - 商品详情或反馈统计")
	fmt.Fprintln(w, "  feedback <id> <true|false> [ctx] - 提交相关性反馈")
	fmt.Fprintln(w, "  search <embedding.json|image> [k] [modifier] - 检索")
	fmt.Fprintln(w, "  login <user> <password>          - 获取管理 token（写入 VSEARCH_ADMIN_TOKEN）")
	fmt.Fprintln(w, "  persist | reload                 - 持久化 / 重新加载索引")
	fmt.Fprintln(w, "  boost <id> <factor>              - 人工调整商品相关度")
	fmt.Fprintln(w, "  server start                     - 启动 API 服务（go run ./cmd/api）")
	fmt.Fprintln(w, "  worker start                     - 执行一次入库（go run ./cmd/worker）")
}

func parseID(args []string, usage string, stderr io.Writer) (int64, bool) {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: vsearch "+usage)
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(stderr, "非法的商品 id: %s\n", args[0])
		return 0, false
	}
	return id, true
}

// runSearch .json 文件视为查询向量，其余视为图片
func runSearch(c *resty.Client, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: vsearch search <embedding.json|image> [k] [modifier]")
		return 1
	}
	k := 10
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "k 必须为整数: %s\n", args[1])
			return 1
		}
		k = n
	}
	modifier := strings.Join(args[min(2, len(args)):], " ")

	var (
		out map[string]interface{}
		err error
	)
	if strings.EqualFold(filepath.Ext(args[0]), ".json") {
		var emb []float32
		emb, err = readEmbedding(args[0])
		if err == nil {
			out, err = postSearch(c, emb, k, modifier)
		}
	} else {
		out, err = postImageSearch(c, args[0], k, modifier)
	}
	if err != nil {
		fmt.Fprintf(stderr, "search 失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func readEmbedding(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var emb []float32
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, fmt.Errorf("%s 不是浮点数组: %w", path, err)
	}
	return emb, nil
}

func runConfig(args []string, stdout, stderr io.Writer) int {
	path := "configs/api.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.addr=%s:%d\n", cfg.API.Host, cfg.API.Port)
	fmt.Fprintf(stdout, "index.dimension=%d\n", cfg.Index.Dimension)
	fmt.Fprintf(stdout, "index.name=%s\n", cfg.Index.Name)
	fmt.Fprintf(stdout, "storage.metadata.type=%s\n", cfg.Storage.Metadata.Type)
	fmt.Fprintf(stdout, "storage.object.type=%s\n", cfg.Storage.Object.Type)
	fmt.Fprintf(stdout, "storage.cache.type=%s\n", cfg.Storage.Cache.Type)
	fmt.Fprintf(stdout, "search.similarity_threshold=%v\n", cfg.Search.SimilarityThreshold)
	return 0
}

func runGo(stdout, stderr io.Writer, pkg string, args ...string) int {
	c := exec.Command("go", append([]string{"run", pkg}, args...)...)
	c.Stdout = stdout
	c.Stderr = stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", pkg, err)
		return 1
	}
	return 0
}
