// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// tillerd is the Tiller orchestration daemon: one HTTP server fronting
// every configured model backend.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "tillerd",
		Short: "The Tiller model orchestration daemon",
		Long: `tillerd serves a unified generation API over heterogeneous model
backends: local Ollama and llama.cpp servers alongside remote
OpenAI-compatible providers, with routing, ensembles and streaming.`,
		RunE: runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default ~/.tiller/tiller.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
