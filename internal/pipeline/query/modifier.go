package query

import (
	"strings"

	"visual-search/internal/pipeline/common"
	"visual-search/internal/storage/metadata"
)

// DefaultModifierBoost 满足全部偏好的候选分数乘数
const DefaultModifierBoost = 1.05

// keywordGroup 一个规范标签及其触发关键词
type keywordGroup struct {
	label    string
	keywords []string
}

// 扫描顺序固定，每类取第一个命中的组
var (
	colorKeywords = []keywordGroup{
		{"Tortoise", []string{"tortoise", "tortoiseshell", "brown", "patterned"}},
		{"Black", []string{"black", "dark"}},
		{"Brown", []string{"brown", "tortoise"}},
		{"Transparent", []string{"transparent", "clear", "see-through"}},
		{"Metal", []string{"metal", "metallic", "silver", "gold", "bronze"}},
		{"Colorful", []string{"colorful", "colored", "bright", "vibrant"}},
	}
	materialKeywords = []keywordGroup{
		{"Metal", []string{"metal", "metallic", "steel"}},
		{"Titanium", []string{"titanium"}},
		{"Acetate", []string{"acetate"}},
		{"Plastic", []string{"plastic"}},
	}
	styleKeywords = []keywordGroup{
		{"Aviator", []string{"aviator", "pilot"}},
		{"Wayfarer", []string{"wayfarer", "classic"}},
		{"Round", []string{"round", "circular"}},
		{"Square", []string{"square", "angular"}},
		{"Cat Eye", []string{"cat eye", "cat-eye"}},
		{"Rimless", []string{"rimless", "rim-less", "frameless"}},
		{"Rectangle", []string{"rectangle", "rectangular"}},
		{"Browline", []string{"browline", "clubmaster"}},
	}

	// 匹配属性时，标签可由任一同义词满足
	synonyms = map[string][]string{
		"tortoise":    {"tortoise", "tortoiseshell", "brown", "patterned", "acetate"},
		"black":       {"black", "dark"},
		"metal":       {"metal", "metallic", "titanium", "steel"},
		"transparent": {"transparent", "clear", "acetate"},
		"cat eye":     {"cat eye", "cat-eye", "cateye"},
		"rimless":     {"rimless", "rim-less", "frameless"},
	}
)

// ModifierParser 解析自由文本中的颜色、材质、款式偏好
type ModifierParser struct {
	name  string
	boost float64
}

// NewModifierParser 创建解析器；boost <= 0 时使用 1.05
func NewModifierParser(boost float64) *ModifierParser {
	if boost <= 0 {
		boost = DefaultModifierBoost
	}
	return &ModifierParser{name: "modifier", boost: boost}
}

// Parse 小写化后按固定顺序扫描关键词表，每类第一个命中即确定
func (p *ModifierParser) Parse(text string) common.Modifier {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return common.Modifier{}
	}
	return common.Modifier{
		Color:    firstMatch(text, colorKeywords),
		Material: firstMatch(text, materialKeywords),
		Style:    firstMatch(text, styleKeywords),
	}
}

func firstMatch(text string, groups []keywordGroup) string {
	for _, g := range groups {
		for _, kw := range g.keywords {
			if strings.Contains(text, kw) {
				return g.label
			}
		}
	}
	return ""
}

// Apply 只保留满足全部偏好的候选并乘以 boost，再稳定降序排序。
// 没有属性记录的候选无法判断，一并去掉。
func (p *ModifierParser) Apply(cands []common.Candidate, mod common.Modifier, attrs map[int64]*metadata.Item) []common.Candidate {
	if mod.IsEmpty() {
		return cands
	}
	out := make([]common.Candidate, 0, len(cands))
	for _, c := range cands {
		item, ok := attrs[c.ID]
		if !ok || item == nil || !matchesModifier(item, mod) {
			continue
		}
		out = append(out, common.Candidate{ID: c.ID, Score: c.Score * p.boost})
	}
	common.SortByScore(out)
	return out
}

func matchesModifier(item *metadata.Item, mod common.Modifier) bool {
	tags := strings.ToLower(item.StyleTags)
	material := strings.ToLower(item.Material)
	if mod.Color != "" && !containsTerm(mod.Color, tags, material) {
		return false
	}
	if mod.Material != "" && !containsTerm(mod.Material, material, tags) {
		return false
	}
	if mod.Style != "" && !containsTerm(mod.Style, tags) {
		return false
	}
	return true
}

// containsTerm 标签本身或其任一同义词出现在某个字段中
func containsTerm(label string, fields ...string) bool {
	term := strings.ToLower(label)
	candidates := synonyms[term]
	if len(candidates) == 0 {
		candidates = []string{term}
	}
	for _, f := range fields {
		for _, s := range candidates {
			if strings.Contains(f, s) {
				return true
			}
		}
	}
	return false
}

// Name 返回阶段名称
func (p *ModifierParser) Name() string {
	return p.name
}

// Execute 对上下文中已解析的偏好执行 Apply
func (p *ModifierParser) Execute(ctx *common.PipelineContext, input []common.Candidate) ([]common.Candidate, error) {
	return p.Apply(input, ctx.Modifier, ctx.Attrs), nil
}
