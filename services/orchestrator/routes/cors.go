// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// corsMaxAge is how long browsers may cache a preflight answer.
const corsMaxAge = 10 * time.Minute

// CORSConfig builds the gin-contrib/cors settings for origins.
//
// # Description
//
// "*" anywhere in origins allows every origin. Otherwise origins is an
// allow-list; trailing slashes are ignored. Preflight OPTIONS requests are
// answered with 204 and never reach the handlers, and a request from an
// origin outside the list is refused with 403.
func CORSConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       corsMaxAge,
	}
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			return cfg
		}
		cfg.AllowOrigins = append(cfg.AllowOrigins, o)
	}
	return cfg
}

// CORS returns the cross-origin middleware for origins.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware to install with router.Use.
//   - error: An origin that is neither "*" nor an http(s) URL.
func CORS(origins []string) (gin.HandlerFunc, error) {
	cfg := CORSConfig(origins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cors.New(cfg), nil
}
