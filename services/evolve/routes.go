// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolve

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all engine routes with the router.
//
// Description:
//
//	Registers all /v1/evolve/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/evolve/health - Liveness and class count
//	GET  /v1/evolve/stats - Upgrade counters
//	GET  /v1/evolve/types - List live versions
//	GET  /v1/evolve/types/:name - Live version detail and source
//	GET  /v1/evolve/types/:name/history - Archived versions
//	POST /v1/evolve/classes - Define new classes
//	POST /v1/evolve/transactions - Run an edit batch
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	ev := rg.Group("/evolve")
	{
		ev.GET("/health", handlers.HandleHealth)
		ev.GET("/stats", handlers.HandleStats)

		ev.GET("/types", handlers.HandleListTypes)
		ev.GET("/types/:name", handlers.HandleGetType)
		ev.GET("/types/:name/history", handlers.HandleHistory)

		ev.POST("/classes", handlers.HandleDefine)
		ev.POST("/transactions", handlers.HandleTransaction)
	}
}
