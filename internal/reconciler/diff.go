// Package reconciler computes the minimum step set that converges a
// device's current container/network state to its target state, and
// orchestrates execution of that plan against a runtime adapter, per
// spec §4.1.
package reconciler

import (
	"sort"

	"github.com/zemfyre/edge-agent/internal/model"
)

type serviceKey struct {
	appID     int
	serviceID int
}

// Plan computes the ordered Step sequence that converges current into
// target: all CreateNetwork steps, then container mutations, then all
// RemoveNetwork steps. Within the container-mutation phase, a changed
// service is stopped, removed, re-fetched, and restarted in that order;
// an unchanged service produces no steps (idempotence, per spec §8).
func Plan(current model.CurrentState, target model.TargetState) []model.Step {
	var creates, removes, containerSteps []model.Step

	desiredNetworks := desiredNetworkSet(target)
	currentNetworks := currentNetworkSet(current)

	for key := range desiredNetworks {
		if !currentNetworks[key] {
			creates = append(creates, model.Step{Kind: model.StepCreateNetwork, Network: key})
		}
	}
	for key := range currentNetworks {
		if !desiredNetworks[key] {
			removes = append(removes, model.Step{Kind: model.StepRemoveNetwork, Network: key})
		}
	}
	sortNetworkSteps(creates)
	sortNetworkSteps(removes)

	targetServices := indexTargetServices(target)
	currentServices := indexCurrentServices(current)

	var keys []serviceKey
	for k := range unionKeys(targetServices, currentServices) {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].appID != keys[j].appID {
			return keys[i].appID < keys[j].appID
		}
		return keys[i].serviceID < keys[j].serviceID
	})

	for _, key := range keys {
		want, wantOK := targetServices[key]
		have, haveOK := currentServices[key]

		switch {
		case wantOK && !haveOK:
			containerSteps = append(containerSteps,
				model.Step{Kind: model.StepFetch, Image: want.ImageName},
				model.Step{Kind: model.StepStartContainer, AppID: key.appID, Service: want},
			)
		case wantOK && haveOK:
			if !servicesEqual(want, have.Service) {
				containerSteps = append(containerSteps,
					model.Step{Kind: model.StepStopContainer, ContainerID: have.ContainerID},
					model.Step{Kind: model.StepRemoveContainer, ContainerID: have.ContainerID},
					model.Step{Kind: model.StepFetch, Image: want.ImageName},
					model.Step{Kind: model.StepStartContainer, AppID: key.appID, Service: want},
				)
			}
		case !wantOK && haveOK:
			containerSteps = append(containerSteps,
				model.Step{Kind: model.StepStopContainer, ContainerID: have.ContainerID},
				model.Step{Kind: model.StepRemoveContainer, ContainerID: have.ContainerID},
			)
		}
	}

	steps := make([]model.Step, 0, len(creates)+len(containerSteps)+len(removes))
	steps = append(steps, creates...)
	steps = append(steps, containerSteps...)
	steps = append(steps, removes...)
	return steps
}

func desiredNetworkSet(target model.TargetState) map[model.Network]bool {
	set := map[model.Network]bool{}
	for appID, app := range target.Apps {
		for _, svc := range app.Services {
			for _, n := range svc.Config.Networks {
				set[model.Network{AppID: appID, Name: n}] = true
			}
		}
	}
	return set
}

func currentNetworkSet(current model.CurrentState) map[model.Network]bool {
	set := map[model.Network]bool{}
	for appID, app := range current.Apps {
		for _, svc := range app.Services {
			for _, n := range svc.Config.Networks {
				set[model.Network{AppID: appID, Name: n}] = true
			}
		}
	}
	return set
}

func sortNetworkSteps(steps []model.Step) {
	sort.Slice(steps, func(i, j int) bool {
		a, b := steps[i].Network, steps[j].Network
		if a.AppID != b.AppID {
			return a.AppID < b.AppID
		}
		return a.Name < b.Name
	})
}

func indexTargetServices(target model.TargetState) map[serviceKey]model.Service {
	out := map[serviceKey]model.Service{}
	for appID, app := range target.Apps {
		for _, svc := range app.Services {
			out[serviceKey{appID: appID, serviceID: svc.ServiceID}] = svc
		}
	}
	return out
}

func indexCurrentServices(current model.CurrentState) map[serviceKey]model.ServiceRuntime {
	out := map[serviceKey]model.ServiceRuntime{}
	for appID, app := range current.Apps {
		for _, svc := range app.Services {
			out[serviceKey{appID: appID, serviceID: svc.ServiceID}] = svc
		}
	}
	return out
}

func unionKeys(a map[serviceKey]model.Service, b map[serviceKey]model.ServiceRuntime) map[serviceKey]bool {
	out := map[serviceKey]bool{}
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// servicesEqual applies the normalization rules from spec §4.1: empty and
// nil collections compare equal; environment is compared only over keys
// the target explicitly sets (runtime-injected vars are ignored); ports
// are deduplicated and order-independent; image is compared byte for
// byte, so a digest-pinned reference differs from a tag reference even
// when they resolve to the same image.
func servicesEqual(target, current model.Service) bool {
	if target.ImageName != current.ImageName {
		return false
	}
	if !stringSetEqual(target.Config.Ports, current.Config.Ports) {
		return false
	}
	if !envSubsetEqual(target.Config.Environment, current.Config.Environment) {
		return false
	}
	if !stringSetEqual(target.Config.Volumes, current.Config.Volumes) {
		return false
	}
	if !stringSetEqual(target.Config.Networks, current.Config.Networks) {
		return false
	}
	if target.Config.Restart != current.Config.Restart {
		return false
	}
	if !stringSliceEqual(target.Config.Command, current.Config.Command) {
		return false
	}
	return true
}

func stringSetEqual(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return stringSliceEqual(as, bs)
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// envSubsetEqual compares two environment maps only over the keys target
// declares; current may carry additional runtime-injected variables
// (PATH, HOSTNAME, …) without producing a diff.
func envSubsetEqual(target, current map[string]string) bool {
	for k, v := range target {
		if current[k] != v {
			return false
		}
	}
	return true
}
