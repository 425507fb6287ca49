// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatserver runs the streaming chat backend.
//
// # Usage
//
//	# Write a default config file, then edit it
//	chatserver init-config --config chatserver.yaml
//
//	# Serve on the configured port
//	OPENAI_API_KEY=sk-... chatserver serve --config chatserver.yaml
//
//	# Print the resolved configuration and validate it
//	chatserver check-config
//
// Configuration is layered: file, then .env, then environment, then flags.
// See the config package for the environment variable names.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
