package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/promptembed/internal/middleware"
)

type RouterDeps struct {
	Prompts         *PromptHandler
	Cache           *CacheHandler
	EmbedRateWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/encoder", deps.Prompts.Encoder)
	api.POST("/prompt/parse", deps.Prompts.Parse)
	api.POST("/prompt/schedule", deps.Prompts.Schedule)
	api.POST("/prompt/embed", middleware.RateLimit(deps.EmbedRateWindow), deps.Prompts.Embed)

	api.GET("/cache/stats", deps.Cache.Stats)
	api.POST("/cache/clear", deps.Cache.Clear)
	api.GET("/cache/fragments", deps.Cache.Fragments)
	api.POST("/cache/fragments/purge", deps.Cache.PurgeFragments)
}
