package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vantorre/antigravity-relay/internal/cloudcode"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	log  *logging.Logger
	ctrl *cloudcode.Controller
}

func NewModelsHandler(log *logging.Logger, ctrl *cloudcode.Controller) *ModelsHandler {
	return &ModelsHandler{log: log, ctrl: ctrl}
}

// ListModels returns the upstream model catalog, falling back to the static
// descriptor table when upstream enumeration is unavailable.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	models, err := h.ctrl.ListModels(c.Request.Context())
	if err != nil {
		h.log.Error("[API] Model listing failed: %v", err)
		writeError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, models)
}
