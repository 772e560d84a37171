package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/fox-gonic/fox"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (api *Api) setupShieldRouters(router *fox.Engine) {
	router.GET("/v1/shields", api.ListShields)
	router.POST("/v1/shields", api.CreateShield)
	router.DELETE("/v1/shields/:id", api.DeleteShield)
}

func (api *Api) setupScopeRouters(router *fox.Engine) {
	router.GET("/v1/scopes", api.ListScopes)
	router.POST("/v1/scopes", api.CreateScope)
	router.DELETE("/v1/scopes/:module/:target", api.DeleteScope)
}

type shieldRequest struct {
	BkBizID             int64                      `json:"bk_biz_id"`
	Category            string                     `json:"category" binding:"required,oneof=dimension strategy alert scope"`
	DimensionConditions []model.DimensionCondition `json:"dimension_conditions"`
	StrategyID          int64                      `json:"strategy_id"`
	Fingerprint         string                     `json:"fingerprint"`
	BeginTime           int64                      `json:"begin_time" binding:"gte=0"`
	EndTime             int64                      `json:"end_time" binding:"gte=0"`
	Description         string                     `json:"description"`
}

func (r *shieldRequest) toShield(now int64) (*model.Shield, error) {
	switch r.Category {
	case model.ShieldStrategy:
		if r.StrategyID <= 0 {
			return nil, model.Invalidf("strategy shield needs strategy_id")
		}
	case model.ShieldAlert:
		if r.Fingerprint == "" {
			return nil, model.Invalidf("alert shield needs fingerprint")
		}
	case model.ShieldDimension, model.ShieldScope:
		if len(r.DimensionConditions) == 0 {
			return nil, model.Invalidf("%s shield needs dimension_conditions", r.Category)
		}
	}
	s := &model.Shield{
		ID:                  uuid.NewString(),
		BkBizID:             r.BkBizID,
		Category:            r.Category,
		DimensionConditions: r.DimensionConditions,
		StrategyID:          r.StrategyID,
		Fingerprint:         r.Fingerprint,
		BeginTime:           r.BeginTime,
		EndTime:             r.EndTime,
		Description:         r.Description,
	}
	if s.BeginTime == 0 {
		s.BeginTime = now
	}
	if s.EndTime != 0 && s.EndTime <= s.BeginTime {
		return nil, model.Invalidf("end_time must be after begin_time")
	}
	return s, nil
}

func (api *Api) ListShields(c *fox.Context) {
	shields, err := api.deps.Store.ListShields(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	sort.Slice(shields, func(i, j int) bool { return shields[i].BeginTime < shields[j].BeginTime })
	c.JSON(http.StatusOK, map[string]any{"items": shields, "total": len(shields)})
}

func (api *Api) CreateShield(c *fox.Context) {
	var req shieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "Invalid request body: "+err.Error())
		return
	}
	s, err := req.toShield(time.Now().Unix())
	if err != nil {
		handleError(c, err)
		return
	}
	if err := api.deps.Store.PutShield(c.Request.Context(), s); err != nil {
		log.Error().Err(err).Str("shield_id", s.ID).Msg("save shield failed")
		handleError(c, err)
		return
	}
	log.Info().Str("shield_id", s.ID).Str("category", s.Category).Int64("bk_biz_id", s.BkBizID).
		Str("operator", operator(c, "")).Msg("shield created")
	c.JSON(http.StatusCreated, s)
}

func (api *Api) DeleteShield(c *fox.Context) {
	id := c.Param("id")
	if err := api.deps.Store.DeleteShield(c.Request.Context(), id); err != nil {
		handleError(c, err)
		return
	}
	log.Info().Str("shield_id", id).Str("operator", operator(c, "")).Msg("shield deleted")
	c.JSON(http.StatusOK, map[string]any{"status": "success", "id": id})
}

type scopeRequest struct {
	Module    string   `json:"module" binding:"required"`
	Target    string   `json:"target" binding:"required"`
	Values    []string `json:"values" binding:"required,min=1"`
	BeginTime int64    `json:"begin_time" binding:"gte=0"`
	Duration  int64    `json:"duration" binding:"required,gt=0"`
	Reason    string   `json:"reason"`
}

func (api *Api) ListScopes(c *fox.Context) {
	scopes, err := api.deps.Store.ListScopes(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": scopes, "total": len(scopes)})
}

// CreateScope declares a fault influence window; only registered scope strategies are accepted.
func (api *Api) CreateScope(c *fox.Context) {
	var req scopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "Invalid request body: "+err.Error())
		return
	}
	s := &model.Scope{Module: req.Module, Target: req.Target, Values: req.Values,
		BeginTime: req.BeginTime, Duration: req.Duration, Reason: req.Reason}
	if s.BeginTime == 0 {
		s.BeginTime = time.Now().Unix()
	}
	if api.deps.Scopes != nil {
		if err := api.deps.Scopes.Validate(s); err != nil {
			handleError(c, err)
			return
		}
	}
	if err := api.deps.Store.PutScope(c.Request.Context(), s); err != nil {
		log.Error().Err(err).Str("scope", s.Key().String()).Msg("save scope failed")
		handleError(c, err)
		return
	}
	log.Info().Str("scope", s.Key().String()).Int64("duration", s.Duration).
		Str("operator", operator(c, "")).Msg("scope declared")
	c.JSON(http.StatusCreated, s)
}

func (api *Api) DeleteScope(c *fox.Context) {
	key := model.ScopeKey{Module: c.Param("module"), Target: c.Param("target")}
	if err := api.deps.Store.DeleteScope(c.Request.Context(), key); err != nil {
		handleError(c, err)
		return
	}
	log.Info().Str("scope", key.String()).Str("operator", operator(c, "")).Msg("scope deleted")
	c.JSON(http.StatusOK, map[string]any{"status": "success", "scope": key.String()})
}
