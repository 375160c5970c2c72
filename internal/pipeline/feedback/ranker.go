package feedback

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"visual-search/internal/pipeline/common"
	"visual-search/internal/storage/metadata"
	pkgerrors "visual-search/pkg/errors"
	"visual-search/pkg/log"
	"visual-search/pkg/metrics"
	"visual-search/pkg/utils"
)

const (
	shardCount = 64

	// 正反馈上调快于负反馈下调
	positiveDecay = 0.9
	negativeDecay = 0.95

	DefaultSimilarityWeight = 0.7
	DefaultRelevanceWeight  = 0.3
)

// UpdateScore 对相关度做一次指数滑动平均，结果截断到 [0,1]
func UpdateScore(score float64, relevant bool) float64 {
	if relevant {
		return utils.Clamp01(score*positiveDecay + 1.0*(1-positiveDecay))
	}
	return utils.Clamp01(score*negativeDecay + 0.0*(1-negativeDecay))
}

// Ranker 维护商品相关度，并在检索时与相似度融合
type Ranker struct {
	store  metadata.Store
	simW   float64
	relW   float64
	shards [shardCount]sync.Mutex
	logger *log.Logger
}

// NewRanker 创建 Ranker；权重均 <= 0 时使用 0.7/0.3
func NewRanker(store metadata.Store, simWeight, relWeight float64, logger *log.Logger) *Ranker {
	if simWeight <= 0 && relWeight <= 0 {
		simWeight, relWeight = DefaultSimilarityWeight, DefaultRelevanceWeight
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Ranker{store: store, simW: simWeight, relW: relWeight, logger: logger}
}

func (r *Ranker) shard(id int64) *sync.Mutex {
	return &r.shards[uint64(id)%shardCount]
}

// Record 记录一次反馈并更新商品相关度。
// 商品不存在时事件仍会保存，返回 ErrNotFound。
func (r *Ranker) Record(ctx context.Context, itemID int64, relevant bool, queryContext string) (*metadata.Item, error) {
	ev := &metadata.FeedbackEvent{
		ID:           uuid.NewString(),
		ItemID:       itemID,
		Relevant:     relevant,
		QueryContext: queryContext,
	}
	if err := r.store.RecordFeedback(ctx, ev); err != nil {
		return nil, pkgerrors.Wrap(err, "保存反馈事件失败")
	}
	metrics.FeedbackTotal.WithLabelValues(strconv.FormatBool(relevant)).Inc()

	mu := r.shard(itemID)
	mu.Lock()
	defer mu.Unlock()

	item, err := r.store.Update(ctx, itemID, func(it *metadata.Item) error {
		it.RelevanceScore = UpdateScore(it.RelevanceScore, relevant)
		if relevant {
			it.ClickCount++
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("更新相关度失败", "product_id", itemID, "feedback_id", ev.ID, "error", err)
		return nil, err
	}
	r.logger.Debug("记录反馈", "product_id", itemID, "relevant", relevant, "relevance_score", item.RelevanceScore)
	return item, nil
}

// Boost 人工提升商品相关度，结果不超过 1
func (r *Ranker) Boost(ctx context.Context, itemID int64, factor float64) (*metadata.Item, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("%w: boost factor must be positive, got %v", pkgerrors.ErrInvalidArg, factor)
	}
	mu := r.shard(itemID)
	mu.Lock()
	defer mu.Unlock()

	return r.store.Update(ctx, itemID, func(it *metadata.Item) error {
		it.RelevanceScore = utils.Clamp01(it.RelevanceScore * factor)
		return nil
	})
}

// Stats 商品点击与反馈统计
func (r *Ranker) Stats(ctx context.Context, itemID int64) (*metadata.ItemStats, error) {
	return metadata.NewRepository(r.store).ItemStats(ctx, itemID)
}

// Blend 融合相似度与相关度后稳定降序排序；attrs 中缺失的商品保留原始相似度
func (r *Ranker) Blend(cands []common.Candidate, attrs map[int64]*metadata.Item) []common.Candidate {
	out := make([]common.Candidate, len(cands))
	for i, c := range cands {
		out[i] = c
		if it, ok := attrs[c.ID]; ok && it != nil {
			out[i].Score = c.Score*r.simW + it.RelevanceScore*r.relW
		}
	}
	common.SortByScore(out)
	return out
}

// Name 返回阶段名称
func (r *Ranker) Name() string {
	return "blend"
}

// Execute 作为检索管线的最后一个排序阶段
func (r *Ranker) Execute(ctx *common.PipelineContext, input []common.Candidate) ([]common.Candidate, error) {
	return r.Blend(input, ctx.Attrs), nil
}
