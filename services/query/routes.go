// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all StatQuery routes with the router group.
//
// Description:
//
//	Registers the /v1 query endpoints. The router group should already
//	have any required middleware applied.
//
// Endpoints:
//
//	POST /v1/query - Full route, resolve, and dispatch of one intent
//	POST /v1/resolve - Resolve one (provider, phrase) pair, no dispatch
//	POST /v1/route - Routing decisions only, no resolution
//	POST /v1/admin/reload - Atomically swap in a rebuilt catalog snapshot
//	GET  /v1/health - Health check
//
// Example:
//
//	service := query.NewService(tables, cat, engine, resolver, coordinator, logger)
//	handlers := query.NewHandlers(service, snapshotDir)
//
//	v1 := router.Group("/v1")
//	query.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/query", handlers.HandleQuery)
	rg.POST("/resolve", handlers.HandleResolve)
	rg.POST("/route", handlers.HandleRoute)
	rg.GET("/health", handlers.HandleHealth)

	admin := rg.Group("/admin")
	{
		admin.POST("/reload", handlers.HandleReload)
	}
}
