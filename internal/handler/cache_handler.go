package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	appErr "github.com/xxxsen/promptembed/internal/pkg/errors"
	"github.com/xxxsen/promptembed/internal/pkg/response"
	"github.com/xxxsen/promptembed/internal/service"
)

type CacheHandler struct {
	prompts *service.PromptService
}

func NewCacheHandler(prompts *service.PromptService) *CacheHandler {
	return &CacheHandler{prompts: prompts}
}

func (h *CacheHandler) Stats(c *gin.Context) {
	response.Success(c, h.prompts.CacheStats())
}

func (h *CacheHandler) Clear(c *gin.Context) {
	response.Success(c, h.prompts.ClearCache(c.Request.Context()))
}

func (h *CacheHandler) Fragments(c *gin.Context) {
	st, ok := h.prompts.FragmentStats()
	if !ok {
		handleError(c, fmt.Errorf("%w: fragment cache not enabled", appErr.ErrNotFound))
		return
	}
	response.Success(c, st)
}

func (h *CacheHandler) PurgeFragments(c *gin.Context) {
	st, err := h.prompts.PurgeFragments(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, st)
}
