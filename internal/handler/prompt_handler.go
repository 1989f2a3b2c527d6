package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/promptembed/internal/pkg/errcode"
	"github.com/xxxsen/promptembed/internal/pkg/response"
	"github.com/xxxsen/promptembed/internal/service"
)

type PromptHandler struct {
	prompts *service.PromptService
}

func NewPromptHandler(prompts *service.PromptService) *PromptHandler {
	return &PromptHandler{prompts: prompts}
}

type parseRequest struct {
	Text string `json:"text"`
}

type scheduleRequest struct {
	Text  string `json:"text"`
	Steps int    `json:"steps"`
}

func (h *PromptHandler) Parse(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	encoders, err := h.prompts.Parse(c.Request.Context(), req.Text)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"encoders": encoders})
}

func (h *PromptHandler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	res, err := h.prompts.Schedule(c.Request.Context(), req.Text, req.Steps)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *PromptHandler) Embed(c *gin.Context) {
	var req service.EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	res, err := h.prompts.Embed(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *PromptHandler) Encoder(c *gin.Context) {
	response.Success(c, h.prompts.Capabilities())
}
