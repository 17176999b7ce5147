package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.2.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"a1b2c3d" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go runtime version"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Slot models
type SlotData struct {
	ID         int       `json:"id" example:"0" doc:"Slot index"`
	State      string    `json:"state" example:"RUNNING" doc:"IDLE, INITIALIZING, RUNNING or DEINITIALIZING"`
	Generation uint64    `json:"generation" example:"3" doc:"Number of times the slot has been claimed"`
	PID        int       `json:"pid,omitempty" example:"4242" doc:"Pid of the spawned process"`
	WorkerPID  int       `json:"worker_pid,omitempty" example:"4243" doc:"Pid of the shell-wrapped worker"`
	ShellPID   int       `json:"shell_pid,omitempty" example:"4241" doc:"Pid of the wrapping shell"`
	Since      time.Time `json:"since,omitzero" doc:"When the slot entered its current state"`
}

type SlotListData struct {
	Slots   []SlotData `json:"slots" doc:"All slots in index order"`
	Running int        `json:"running" example:"2" doc:"Number of non-idle slots"`
	Total   int        `json:"total" example:"3" doc:"Pool capacity"`
}

type SlotListResponse struct {
	Body SlotListData
}

type SlotRequest struct {
	ID int `path:"id" minimum:"0" example:"0" doc:"Slot index"`
}

type SlotResponse struct {
	Body SlotData
}

// Log models
type LogEntryData struct {
	Timestamp  time.Time      `json:"timestamp" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

type LogsRequest struct {
	Module string `query:"module" example:"supervisor" doc:"Only return entries from this module"`
	Limit  int    `query:"limit" minimum:"0" example:"100" doc:"Return at most this many of the newest entries; 0 means all"`
}

type LogStreamRequest struct {
	Module string `query:"module" doc:"Only stream entries from this module"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Buffered log entries, oldest first"`
	Count   int            `json:"count" example:"100" doc:"Number of entries returned"`
}

type LogsResponse struct {
	Body LogsData
}
