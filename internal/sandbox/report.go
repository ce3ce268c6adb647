// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/pakaremon/packamal/pkg/analysis/schema"
)

// Sandbox result files nest per-phase records under "Analysis". Entries
// inside a phase may be null.
type rawPhase struct {
	Files    []rawFile     `json:"Files"`
	Commands []*rawCommand `json:"Commands"`
	Sockets  []*rawSocket  `json:"Sockets"`
	DNS      []*rawDNS     `json:"DNS"`
	Syscalls []*string     `json:"Syscalls"`
}

type rawFile struct {
	Path   string `json:"Path"`
	Read   bool   `json:"Read"`
	Write  bool   `json:"Write"`
	Delete bool   `json:"Delete"`
}

type rawCommand struct {
	Command []string `json:"Command"`
}

type rawSocket struct {
	Address   string   `json:"Address"`
	Port      int      `json:"Port"`
	Hostnames []string `json:"Hostnames"`
}

type rawDNS struct {
	Queries []rawQuery `json:"Queries"`
}

type rawQuery struct {
	Hostname string `json:"Hostname"`
}

// Strace records each syscall twice, as Enter and Exit lines.
var syscallEnter = regexp.MustCompile(`^Enter:\s*(.*)`)

// ParseResults decodes a sandbox result file into report form. The execute
// phase falls back to the "import" phase when the sandbox recorded nothing
// under "execute", which happens for ecosystems whose sandbox runs an import
// step instead.
func ParseResults(data []byte) (*schema.AnalysisResults, error) {
	var raw struct {
		Analysis map[string]json.RawMessage `json:"Analysis"`
		Yara     json.RawMessage            `json:"yara_analysis"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding analysis output")
	}

	install, err := decodePhase(raw.Analysis["install"])
	if err != nil {
		return nil, errors.Wrap(err, "decoding install phase")
	}
	executeRaw, ok := raw.Analysis["execute"]
	if !ok || emptyDocument(executeRaw) {
		executeRaw = raw.Analysis["import"]
	}
	execute, err := decodePhase(executeRaw)
	if err != nil {
		return nil, errors.Wrap(err, "decoding execute phase")
	}

	return &schema.AnalysisResults{
		Install: summarizePhase(install),
		Execute: summarizePhase(execute),
		Yara:    raw.Yara,
	}, nil
}

func decodePhase(raw json.RawMessage) (rawPhase, error) {
	var p rawPhase
	if len(raw) == 0 || emptyDocument(raw) {
		return p, nil
	}
	return p, json.Unmarshal(raw, &p)
}

// emptyDocument reports whether raw is absent, null, or an empty object.
func emptyDocument(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}"))
}

func summarizePhase(p rawPhase) schema.PhaseResult {
	out := schema.PhaseResult{
		NumFiles:              len(p.Files),
		NumCommands:           len(p.Commands),
		NumNetworkConnections: len(p.Sockets),
		NumSystemCalls:        len(p.Syscalls) / 2,
		Files: schema.FileActivity{
			Read:   []string{},
			Write:  []string{},
			Delete: []string{},
		},
		DNS:      []string{},
		IPs:      []schema.SocketInfo{},
		Commands: [][]string{},
		Syscalls: []string{},
	}
	for _, f := range p.Files {
		if f.Read {
			out.Files.Read = append(out.Files.Read, f.Path)
		}
		if f.Write {
			out.Files.Write = append(out.Files.Write, f.Path)
		}
		if f.Delete {
			out.Files.Delete = append(out.Files.Delete, f.Path)
		}
	}
	for _, d := range p.DNS {
		if d == nil {
			continue
		}
		for _, q := range d.Queries {
			out.DNS = append(out.DNS, q.Hostname)
		}
	}
	for _, s := range p.Sockets {
		if s == nil {
			continue
		}
		out.IPs = append(out.IPs, schema.SocketInfo{
			Address:   s.Address,
			Port:      s.Port,
			Hostnames: strings.Join(s.Hostnames, " "),
		})
	}
	for _, c := range p.Commands {
		if c == nil {
			continue
		}
		out.Commands = append(out.Commands, c.Command)
	}
	for _, s := range p.Syscalls {
		if s == nil {
			continue
		}
		if m := syscallEnter.FindStringSubmatch(*s); m != nil {
			out.Syscalls = append(out.Syscalls, m[1])
		}
	}
	return out
}
