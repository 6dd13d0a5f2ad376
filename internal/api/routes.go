package api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.POST("/api/v1/invoice", s.newInvoice)
	s.router.GET("/api/v1/invoice", s.getInvoice)
	s.router.DELETE("/api/v1/invoice", s.removeInvoice)
	s.router.GET("/api/v1/invoices", s.listInvoices)
	s.router.GET("/api/v1/status", s.status)
	s.router.GET("/api/v1/health", s.health)
}
