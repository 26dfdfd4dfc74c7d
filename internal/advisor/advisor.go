package advisor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/parash93/kdm-procurex-backend/internal/cache"
	"github.com/parash93/kdm-procurex-backend/internal/domain"
)

// Engine scores products that are candidates for a new purchase order.
// Results are advisory and cached briefly; the engine never touches stock.
type Engine struct {
	cache      cache.ReorderCache
	cacheTTL   time.Duration
	minUrgency float64
	targetDays int
}

func NewEngine(cacheStore cache.ReorderCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopReorderCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		cache:      cacheStore,
		cacheTTL:   cacheTTL,
		minUrgency: 0.35,
		targetDays: 30,
	}
}

// Input carries the snapshots the engine scores over. Inbound is the
// undelivered remainder of placed orders per product; consumed30d is the
// SUBTRACT movement total over the trailing month.
type Input struct {
	Products    []domain.Product
	OnHand      map[string]int
	Inbound     map[string]int
	Consumed30d map[string]int
}

func (e *Engine) Suggest(ctx context.Context, input Input) []domain.ReorderSuggestion {
	cacheKey := buildCacheKey(input)
	if cached, ok, err := e.cache.GetSuggestions(ctx, cacheKey); err == nil && ok {
		return cached
	}

	suggestions := make([]domain.ReorderSuggestion, 0, len(input.Products))
	for _, product := range input.Products {
		if product.Status != domain.EntityStatusActive {
			continue
		}

		onHand := input.OnHand[product.ID]
		inbound := input.Inbound[product.ID]
		consumed := input.Consumed30d[product.ID]
		dailyRate := float64(consumed) / 30.0

		// Days of cover counting stock already on order.
		coverDays := math.Inf(1)
		if dailyRate > 0 {
			coverDays = float64(onHand+inbound) / dailyRate
		} else if onHand+inbound == 0 {
			coverDays = 0
		}

		stockPressure := clamp(1.0-coverDays/float64(e.targetDays), 0, 1)
		leadTimeRisk := clamp(float64(product.MinDeliveryDays)/30.0, 0, 1)
		inboundCover := 0.0
		if consumed > 0 {
			inboundCover = clamp(float64(inbound)/float64(consumed), 0, 1)
		}
		demandSignal := clamp(dailyRate/10.0, 0, 1)

		urgency :=
			0.45*stockPressure +
				0.25*leadTimeRisk +
				0.20*demandSignal -
				0.10*inboundCover

		urgency = clamp(urgency, 0, 1)
		if urgency < e.minUrgency {
			continue
		}

		suggested := int(math.Ceil(dailyRate*float64(e.targetDays))) - onHand - inbound
		if suggested < 1 {
			suggested = consumed
		}
		if suggested < 1 {
			continue
		}

		suggestions = append(suggestions, domain.ReorderSuggestion{
			ProductID:         product.ID,
			ProductName:       product.Name,
			OnHand:            onHand,
			InboundQuantity:   inbound,
			SuggestedQuantity: suggested,
			Urgency:           round2(urgency),
			ReasonCode:        deriveReason(stockPressure, leadTimeRisk, demandSignal),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Urgency != suggestions[j].Urgency {
			return suggestions[i].Urgency > suggestions[j].Urgency
		}
		return suggestions[i].ProductID < suggestions[j].ProductID
	})

	_ = e.cache.SetSuggestions(ctx, cacheKey, suggestions, e.cacheTTL)
	return suggestions
}

func deriveReason(stockPressure float64, leadTimeRisk float64, demandSignal float64) string {
	type reasonWeight struct {
		code  string
		value float64
	}

	reasons := []reasonWeight{
		{code: "stock_running_low", value: stockPressure},
		{code: "long_lead_time", value: leadTimeRisk},
		{code: "steady_consumption", value: demandSignal},
	}

	sort.Slice(reasons, func(i, j int) bool {
		return reasons[i].value > reasons[j].value
	})
	return reasons[0].code
}

func buildCacheKey(input Input) string {
	parts := make([]string, 0, len(input.Products)+1)
	for _, product := range input.Products {
		parts = append(parts, fmt.Sprintf("%s:%d:%d:%d",
			product.ID, input.OnHand[product.ID], input.Inbound[product.ID], input.Consumed30d[product.ID]))
	}
	sort.Strings(parts)

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "procurex:reorder:" + hex.EncodeToString(hash[:])
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
