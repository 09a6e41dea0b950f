package deviceapi

import (
	"strconv"

	"github.com/zemfyre/edge-agent/internal/model"
)

// deviceResponse answers GET /v2/device.
type deviceResponse struct {
	UUID         string `json:"uuid"`
	Provisioned  bool   `json:"provisioned"`
	APIVersion   int    `json:"api_version"`
	AgentVersion string `json:"agent_version"`
	OSVersion    string `json:"os_version"`
}

// applicationsStateResponse answers GET /v2/applications/state, reusing
// CurrentState's shape keyed by appId as strings to match JSON object
// conventions on the wire.
type applicationsStateResponse map[string]appStateEntry

type appStateEntry struct {
	AppName  string               `json:"app_name"`
	Services []serviceStateEntry `json:"services"`
}

type serviceStateEntry struct {
	ServiceID   int    `json:"service_id"`
	ServiceName string `json:"service_name"`
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	StartedAt   int64  `json:"started_at"`
	Degraded    bool   `json:"degraded"`
}

func currentStateToResponse(cs model.CurrentState) applicationsStateResponse {
	resp := make(applicationsStateResponse, len(cs.Apps))
	for appID, app := range cs.Apps {
		services := make([]serviceStateEntry, 0, len(app.Services))
		for _, svc := range app.Services {
			services = append(services, serviceStateEntry{
				ServiceID:   svc.ServiceID,
				ServiceName: svc.ServiceName,
				ContainerID: svc.ContainerID,
				Status:      string(svc.Status),
				CreatedAt:   svc.CreatedAt,
				StartedAt:   svc.StartedAt,
				Degraded:    svc.Degraded,
			})
		}
		resp[strconv.Itoa(appID)] = appStateEntry{AppName: app.AppName, Services: services}
	}
	return resp
}

// logEntry is the wire shape for one line returned by GET /v2/logs.
type logEntry struct {
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	Level       string `json:"level"`
	ServiceID   int    `json:"serviceId,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	IsStdErr    bool   `json:"isStdErr"`
}

func logMessagesToEntries(msgs []model.LogMessage) []logEntry {
	entries := make([]logEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, logEntry{
			Message:     m.Message,
			Timestamp:   m.Timestamp,
			Level:       string(m.Level),
			ServiceID:   m.ServiceID,
			ServiceName: m.ServiceName,
			IsStdErr:    m.IsStdErr,
		})
	}
	return entries
}
