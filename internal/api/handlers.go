package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/busyboredom/acceptxmr/internal/gateway"
	"github.com/busyboredom/acceptxmr/internal/models"
)

// NewInvoiceRequest represents the JSON body for invoice creation.
type NewInvoiceRequest struct {
	// Piconeros is the requested amount (1 XMR = 10^12 piconeros).
	Piconeros             uint64 `json:"piconeros" binding:"required"`
	ConfirmationsRequired uint64 `json:"confirmations_required"`
	ExpirationIn          uint64 `json:"expiration_in" binding:"required"`
	Description           string `json:"description"`
	Callback              string `json:"callback" binding:"omitempty,url"`
}

// NewInvoiceResponse represents the success response for invoice creation.
type NewInvoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
}

// newInvoice is a handler for POST /invoice.
func (s *HTTPServer) newInvoice(c *gin.Context) {
	var req NewInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body ", "error ", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	id, err := s.gateway.NewInvoice(req.Piconeros, req.ConfirmationsRequired, req.ExpirationIn, req.Description, req.Callback)
	if err != nil {
		if errors.Is(err, gateway.ErrCallbackQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to create invoice ", "error ", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create invoice"})
		return
	}
	c.JSON(http.StatusOK, NewInvoiceResponse{InvoiceID: id.String()})
}

// getInvoice is a handler for GET /invoice?id=.
func (s *HTTPServer) getInvoice(c *gin.Context) {
	id, ok := invoiceIDFromQuery(c)
	if !ok {
		return
	}
	invoice, err := s.gateway.GetInvoice(id)
	if err != nil {
		s.logger.Error("Failed to get invoice ", "error ", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get invoice"})
		return
	}
	if invoice == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// removeInvoice is a handler for DELETE /invoice?id=.
func (s *HTTPServer) removeInvoice(c *gin.Context) {
	id, ok := invoiceIDFromQuery(c)
	if !ok {
		return
	}
	old, err := s.gateway.RemoveInvoice(id)
	if err != nil {
		s.logger.Error("Failed to remove invoice ", "error ", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove invoice"})
		return
	}
	if old == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
		return
	}
	c.JSON(http.StatusOK, old)
}

// listInvoices is a handler for GET /invoices.
func (s *HTTPServer) listInvoices(c *gin.Context) {
	ids, err := s.gateway.InvoiceIDs()
	if err != nil {
		s.logger.Error("Failed to list invoices ", "error ", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list invoices"})
		return
	}
	encoded := make([]string, 0, len(ids))
	for _, id := range ids {
		encoded = append(encoded, id.String())
	}
	c.JSON(http.StatusOK, gin.H{"invoice_ids": encoded})
}

// status is a handler for GET /status.
func (s *HTTPServer) status(c *gin.Context) {
	status, lastErr := s.gateway.Status()
	response := gin.H{"status": status.String()}
	if lastErr != nil {
		response["error"] = lastErr.Error()
	}
	c.JSON(http.StatusOK, response)
}

// health is a handler for GET /health.
func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

func invoiceIDFromQuery(c *gin.Context) (models.InvoiceID, bool) {
	raw := c.Query("id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing invoice id"})
		return models.InvoiceID{}, false
	}
	id, err := models.ParseInvoiceID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid invoice id: " + err.Error()})
		return models.InvoiceID{}, false
	}
	return id, true
}
