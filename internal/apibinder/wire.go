package apibinder

import (
	"strconv"

	"github.com/zemfyre/edge-agent/internal/model"
)

// targetEnvelope is the body of a 200 response to GET /device/{uuid}/state:
// a single entry keyed by the device's own uuid.
type targetEnvelope map[string]targetBody

type targetBody struct {
	Apps    map[string]appWire     `json:"apps"`
	Config  map[string]interface{} `json:"config"`
	Version int                    `json:"version"`
}

type appWire struct {
	AppID    int           `json:"appId"`
	AppName  string        `json:"appName"`
	Services []serviceWire `json:"services"`
}

type serviceWire struct {
	ServiceID   int               `json:"serviceId"`
	ServiceName string            `json:"serviceName"`
	ImageName   string            `json:"imageName"`
	Config      serviceConfigWire `json:"config"`
}

type serviceConfigWire struct {
	Image       string            `json:"image"`
	Ports       []string          `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Restart     string            `json:"restart,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// toTargetState converts the body addressed to deviceUUID into the
// device-local model, using prevVersion+1 when the cloud omits version.
func (b targetBody) toTargetState(etag string, prevVersion int) model.TargetState {
	apps := make(map[int]model.App, len(b.Apps))
	for _, a := range b.Apps {
		app := model.App{AppID: a.AppID, AppName: a.AppName}
		for _, s := range a.Services {
			app.Services = append(app.Services, model.Service{
				ServiceID:   s.ServiceID,
				ServiceName: s.ServiceName,
				ImageName:   s.ImageName,
				Config: model.ServiceConfig{
					Image:       s.Config.Image,
					Ports:       s.Config.Ports,
					Environment: s.Config.Environment,
					Volumes:     s.Config.Volumes,
					Networks:    s.Config.Networks,
					Restart:     s.Config.Restart,
					Command:     s.Config.Command,
					Labels:      s.Config.Labels,
				},
			})
		}
		apps[a.AppID] = app
	}

	version := b.Version
	if version == 0 {
		version = prevVersion + 1
	}

	config := b.Config
	if config == nil {
		config = map[string]interface{}{}
	}

	return model.TargetState{Apps: apps, Config: config, Version: version, ETag: etag}
}

// reportEnvelope is the body of PATCH /device/state.
type reportEnvelope map[string]reportBody

type reportBody struct {
	Apps     map[string]appStateWire `json:"apps"`
	Config   map[string]interface{}  `json:"config,omitempty"`
	IsOnline bool                    `json:"is_online"`

	CPUUsage     *float64         `json:"cpu_usage,omitempty"`
	MemoryUsage  *uint64          `json:"memory_usage,omitempty"`
	MemoryTotal  *uint64          `json:"memory_total,omitempty"`
	StorageUsage *uint64          `json:"storage_usage,omitempty"`
	StorageTotal *uint64          `json:"storage_total,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	Uptime       *uint64          `json:"uptime,omitempty"`
	LocalIP      string           `json:"local_ip,omitempty"`
	TopProcesses []processSample  `json:"top_processes,omitempty"`

	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

type appStateWire struct {
	AppID    int                `json:"appId"`
	Services []serviceStateWire `json:"services"`
}

type serviceStateWire struct {
	ServiceID   int    `json:"serviceId"`
	ContainerID string `json:"containerId,omitempty"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
}

type processSample struct {
	PID     int32   `json:"pid"`
	Name    string  `json:"name"`
	CPU     float64 `json:"cpuPercent"`
	MemPct  float32 `json:"memoryPercent"`
}

func currentStateToReportBody(cs model.CurrentState) reportBody {
	apps := make(map[string]appStateWire, len(cs.Apps))
	for id, app := range cs.Apps {
		services := make([]serviceStateWire, 0, len(app.Services))
		for _, svc := range app.Services {
			services = append(services, serviceStateWire{
				ServiceID:   svc.ServiceID,
				ContainerID: svc.ContainerID,
				Status:      string(svc.Status),
				CreatedAt:   svc.CreatedAt,
				StartedAt:   svc.StartedAt,
				Degraded:    svc.Degraded,
			})
		}
		apps[strconv.Itoa(id)] = appStateWire{AppID: app.AppID, Services: services}
	}

	config := cs.Config
	if config == nil {
		config = map[string]interface{}{}
	}

	return reportBody{Apps: apps, Config: config, IsOnline: true}
}
