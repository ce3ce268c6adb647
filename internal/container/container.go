// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package container manages sandbox containers through the docker CLI.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pakaremon/packamal/internal/executor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Info mirrors the fields surfaced from docker inspect.
type Info struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Image      string `json:"image"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	ExitCode   int    `json:"exit_code"`
	Running    bool   `json:"running"`
	Paused     bool   `json:"paused"`
	Restarting bool   `json:"restarting"`
}

// RunningContainer is one row of docker ps output.
type RunningContainer struct {
	ID     string `json:"id"`
	Image  string `json:"image"`
	Status string `json:"status"`
	Name   string `json:"name"`
}

// Manager drives container lifecycle operations.
type Manager struct {
	exec executor.CommandExecutor
	log  *zap.Logger
}

// NewManager returns a manager that shells out through exec.
func NewManager(exec executor.CommandExecutor, log *zap.Logger) *Manager {
	return &Manager{exec: exec, log: log}
}

func (m *Manager) run(ctx context.Context, out *bytes.Buffer, args ...string) error {
	var sink bytes.Buffer
	if out == nil {
		out = &sink
	}
	return m.exec.Execute(ctx, executor.CommandOptions{Output: out}, "docker", args...)
}

// RunningContainers lists live containers. Lookup failures degrade to an
// empty list.
func (m *Manager) RunningContainers(ctx context.Context) []RunningContainer {
	var out bytes.Buffer
	err := m.run(ctx, &out, "ps", "--format", "{{.ID}}\t{{.Image}}\t{{.Status}}\t{{.Names}}")
	if err != nil {
		m.log.Error("listing containers failed", zap.Error(err))
		return nil
	}
	var containers []RunningContainer
	for _, line := range strings.Split(out.String(), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 4 {
			continue
		}
		containers = append(containers, RunningContainer{
			ID:     fields[0],
			Image:  fields[1],
			Status: fields[2],
			Name:   fields[3],
		})
	}
	return containers
}

// Stop halts a container, first gracefully within the grace window, then
// with a kill. It reports whether the container ended up stopped.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) bool {
	secs := int(grace.Seconds())
	err := m.run(ctx, nil, "stop", "--time", strconv.Itoa(secs), id)
	if err == nil {
		m.log.Info("container stopped", zap.String("container_id", id))
		return true
	}
	m.log.Warn("graceful stop failed, killing", zap.String("container_id", id), zap.Error(err))
	if err := m.run(ctx, nil, "kill", id); err != nil {
		m.log.Error("container kill failed", zap.String("container_id", id), zap.Error(err))
		return false
	}
	m.log.Info("container killed", zap.String("container_id", id))
	return true
}

// Remove deletes a container, forcing if requested. It reports success.
func (m *Manager) Remove(ctx context.Context, id string, force bool) bool {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	if err := m.run(ctx, nil, args...); err != nil {
		m.log.Error("container remove failed", zap.String("container_id", id), zap.Error(err))
		return false
	}
	return true
}

// Inspect fetches one container's state.
func (m *Manager) Inspect(ctx context.Context, id string) (*Info, error) {
	var out bytes.Buffer
	if err := m.run(ctx, &out, "inspect", id); err != nil {
		return nil, errors.Wrapf(err, "inspecting container %s", id)
	}
	var raw []struct {
		ID     string `json:"Id"`
		Name   string `json:"Name"`
		Config struct {
			Image string `json:"Image"`
		} `json:"Config"`
		State struct {
			Status     string `json:"Status"`
			StartedAt  string `json:"StartedAt"`
			FinishedAt string `json:"FinishedAt"`
			ExitCode   int    `json:"ExitCode"`
			Running    bool   `json:"Running"`
			Paused     bool   `json:"Paused"`
			Restarting bool   `json:"Restarting"`
		} `json:"State"`
	}
	if err := json.Unmarshal(out.Bytes(), &raw); err != nil {
		return nil, errors.Wrapf(err, "decoding inspect output for %s", id)
	}
	if len(raw) == 0 {
		return nil, errors.Errorf("no such container %s", id)
	}
	c := raw[0]
	return &Info{
		ID:         c.ID,
		Name:       strings.TrimPrefix(c.Name, "/"),
		Image:      c.Config.Image,
		Status:     c.State.Status,
		StartedAt:  c.State.StartedAt,
		FinishedAt: c.State.FinishedAt,
		ExitCode:   c.State.ExitCode,
		Running:    c.State.Running,
		Paused:     c.State.Paused,
		Restarting: c.State.Restarting,
	}, nil
}

// IsRunning reports whether the container exists and is running. Unknown
// containers are simply not running.
func (m *Manager) IsRunning(ctx context.Context, id string) bool {
	info, err := m.Inspect(ctx, id)
	if err != nil {
		return false
	}
	return info.Running
}

// Logs returns up to tail lines of container output. Failures are folded
// into the returned text so callers can attach it to diagnostics as-is.
func (m *Manager) Logs(ctx context.Context, id string, tail int) string {
	var out bytes.Buffer
	if err := m.run(ctx, &out, "logs", "--tail", strconv.Itoa(tail), id); err != nil {
		return fmt.Sprintf("Error retrieving logs: %v", err)
	}
	return out.String()
}

// CleanupStopped prunes stopped containers and returns how many were
// removed.
func (m *Manager) CleanupStopped(ctx context.Context) int {
	var out bytes.Buffer
	if err := m.run(ctx, &out, "container", "prune", "-f"); err != nil {
		m.log.Error("container prune failed", zap.Error(err))
		return 0
	}
	return countPruned(out.String())
}

// countPruned counts the container ids listed under the prune banner.
func countPruned(output string) int {
	count := 0
	counting := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Deleted Containers:"):
			counting = true
		case counting && line == "":
			counting = false
		case counting && strings.HasPrefix(line, "Total reclaimed space"):
			counting = false
		case counting:
			count++
		}
	}
	return count
}

// Container ids surface in sandbox output in a handful of shapes; the
// patterns are tried in order of specificity.
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`container_id=([a-f0-9]{64})`),
	regexp.MustCompile(`container_id=([a-f0-9]{12})`),
	regexp.MustCompile(`--name\s+([a-f0-9]{12})`),
	regexp.MustCompile(`([a-f0-9]{12})`),
}

// ExtractContainerID pulls a container id out of one line of command
// output, returning "" when none is present.
func ExtractContainerID(line string) string {
	for _, pattern := range idPatterns {
		if match := pattern.FindStringSubmatch(line); match != nil {
			return match[1]
		}
	}
	return ""
}
