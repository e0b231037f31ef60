package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/autoprint/internal/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PrinterHandler struct {
	engine Engine
}

func NewPrinterHandler(engine Engine) *PrinterHandler {
	return &PrinterHandler{engine: engine}
}

func (h *PrinterHandler) ListPrinterLoads(c *gin.Context) {
	loads := h.engine.PrinterLoads()
	c.JSON(http.StatusOK, gin.H{"printers": loads, "total": len(loads)})
}

func (h *PrinterHandler) PausePrinter(c *gin.Context) {
	h.setActive(c, false)
}

func (h *PrinterHandler) ResumePrinter(c *gin.Context) {
	h.setActive(c, true)
}

func (h *PrinterHandler) setActive(c *gin.Context, active bool) {
	id := c.Param("id")
	err := h.engine.SetPrinterActive(c.Request.Context(), id, active, actorFor(c, ""))
	if err != nil {
		if errors.Is(err, core.ErrPrinterNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Printer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "state_error",
			Message: "Failed to change printer state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"printer_id": id,
		"active":     active,
	})
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers/load", h.ListPrinterLoads)
	r.POST("/printers/:id/pause", h.PausePrinter)
	r.POST("/printers/:id/resume", h.ResumePrinter)
}
