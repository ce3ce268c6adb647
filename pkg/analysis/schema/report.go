// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"time"
)

// Report is the on-disk report document served from the media tree.
type Report struct {
	Metadata        ReportHeader     `json:"metadata"`
	AnalysisResults *AnalysisResults `json:"analysis_results"`
}

// ReportHeader carries provenance for a report document.
type ReportHeader struct {
	CreatedAt time.Time    `json:"created_at"`
	Package   PackageInfo  `json:"package"`
	Analysis  AnalysisInfo `json:"analysis"`
	API       APIInfo      `json:"api"`
}

// PackageInfo identifies the analyzed package.
type PackageInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Ecosystem string `json:"ecosystem"`
	PURL      string `json:"purl"`
}

// AnalysisInfo records the lifecycle of the analysis run.
type AnalysisInfo struct {
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// APIInfo identifies the producer of the report.
type APIInfo struct {
	Version     string `json:"version"`
	Endpoint    string `json:"endpoint"`
	GeneratedBy string `json:"generated_by"`
}

// AnalysisResults summarizes observed sandbox behavior by phase.
type AnalysisResults struct {
	Install PhaseResult `json:"install"`
	Execute PhaseResult `json:"execute"`
	// Yara carries rule-match output verbatim when the sandbox produced it.
	Yara json.RawMessage `json:"yara_analysis,omitempty"`
}

// PhaseResult aggregates the activity observed during one sandbox phase.
type PhaseResult struct {
	NumFiles              int          `json:"num_files"`
	NumCommands           int          `json:"num_commands"`
	NumNetworkConnections int          `json:"num_network_connections"`
	NumSystemCalls        int          `json:"num_system_calls"`
	Files                 FileActivity `json:"files"`
	DNS                   []string     `json:"dns"`
	IPs                   []SocketInfo `json:"ips"`
	Commands              [][]string   `json:"commands"`
	Syscalls              []string     `json:"syscalls"`
}

// FileActivity groups touched paths by access mode.
type FileActivity struct {
	Read   []string `json:"read"`
	Write  []string `json:"write"`
	Delete []string `json:"delete"`
}

// SocketInfo is one network connection endpoint. The capitalized keys
// mirror the sandbox result format.
type SocketInfo struct {
	Address   string `json:"Address"`
	Port      int    `json:"Port"`
	Hostnames string `json:"Hostnames"`
}
