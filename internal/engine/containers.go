package engine

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"

	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/store"
)

// containerName returns the Docker name for a service's container.
func containerName(stackName string, svc plan.Service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return stackName + "-" + svc.Name
}

// nameMap translates compose-scoped network and volume names into the
// Docker names the stack actually owns. External resources keep their
// literal names and are never created or removed by the engine.
type nameMap struct {
	networks map[string]string
	volumes  map[string]string
}

func buildNameMap(stackName string, p *plan.Plan) nameMap {
	nm := nameMap{
		networks: make(map[string]string, len(p.Networks)),
		volumes:  make(map[string]string, len(p.Volumes)),
	}
	for _, n := range p.Networks {
		if n.External {
			nm.networks[n.Name] = n.Name
			continue
		}
		nm.networks[n.Name] = stackName + "_" + n.Name
	}
	for _, v := range p.Volumes {
		if v.External {
			nm.volumes[v.Name] = v.Name
			continue
		}
		nm.volumes[v.Name] = stackName + "_" + v.Name
	}
	return nm
}

// stackLabels merges the managed-stack labels over the service's own.
// These labels are how the health monitor and remove find containers.
func stackLabels(d store.Deployment, version, serviceName string, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+5)
	for k, v := range extra {
		labels[k] = v
	}
	labels[plan.LabelDeployment] = d.ID
	labels[plan.LabelStack] = d.StackName
	labels[plan.LabelService] = serviceName
	labels[plan.LabelManaged] = "true"
	labels[plan.LabelVersion] = version
	return labels
}

// buildContainerSpec converts one planned service into the create arguments
// for the Docker API.
func buildContainerSpec(d store.Deployment, version string, svc plan.Service, names nameMap) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed := make(network.PortSet)
	bindings := make(network.PortMap)
	for _, pb := range svc.Ports {
		port, err := network.ParsePort(pb.ContainerPort + "/" + pb.Protocol)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("service %s: port %q: %w", svc.Name, pb.ContainerPort+"/"+pb.Protocol, err)
		}
		exposed[port] = struct{}{}
		if pb.HostPort == "" && pb.HostIP == "" {
			continue
		}
		binding := network.PortBinding{HostPort: pb.HostPort}
		if pb.HostIP != "" {
			addr, err := netip.ParseAddr(pb.HostIP)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("service %s: host ip %q: %w", svc.Name, pb.HostIP, err)
			}
			binding.HostIP = addr
		}
		bindings[port] = append(bindings[port], binding)
	}

	env := make([]string, 0, len(svc.Env))
	for k, v := range svc.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:      svc.Image,
		Env:        env,
		Labels:     stackLabels(d, version, svc.Name, svc.Labels),
		Cmd:        svc.Command,
		Entrypoint: svc.Entrypoint,
		User:       svc.User,
		WorkingDir: svc.WorkingDir,
	}
	if len(exposed) > 0 {
		cfg.ExposedPorts = exposed
	}
	if svc.Healthcheck != nil {
		cfg.Healthcheck = healthConfig(svc.Healthcheck)
	}

	mounts := make([]mount.Mount, 0, len(svc.Mounts))
	for _, m := range svc.Mounts {
		mounts = append(mounts, mountSpec(m, names))
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: restartPolicy(svc.Restart),
	}
	if len(mounts) > 0 {
		hostCfg.Mounts = mounts
	}
	if len(bindings) > 0 {
		hostCfg.PortBindings = bindings
	}
	if svc.MemLimit > 0 {
		hostCfg.Memory = svc.MemLimit
	}
	if svc.CPUs > 0 {
		hostCfg.NanoCPUs = int64(svc.CPUs * 1e9)
	}

	return cfg, hostCfg, networkingConfig(svc, names), nil
}

func mountSpec(m plan.Mount, names nameMap) mount.Mount {
	switch m.Kind {
	case plan.MountBind:
		return mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
	case plan.MountAnonymous:
		return mount.Mount{Type: mount.TypeVolume, Target: m.Target}
	default:
		source := m.Source
		if mapped, ok := names.volumes[m.Source]; ok {
			source = mapped
		}
		return mount.Mount{Type: mount.TypeVolume, Source: source, Target: m.Target, ReadOnly: m.ReadOnly}
	}
}

// networkingConfig attaches the container to its stack networks with the
// service name as alias, the way compose does.
func networkingConfig(svc plan.Service, names nameMap) *network.NetworkingConfig {
	attached := svc.Networks
	if len(attached) == 0 {
		attached = []string{"default"}
	}
	endpoints := make(map[string]*network.EndpointSettings, len(attached))
	for _, n := range attached {
		name := n
		if mapped, ok := names.networks[n]; ok {
			name = mapped
		}
		endpoints[name] = &network.EndpointSettings{Aliases: []string{svc.Name}}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}

func healthConfig(hc *plan.Healthcheck) *container.HealthConfig {
	if hc.Disable {
		return &container.HealthConfig{Test: []string{"NONE"}}
	}
	return &container.HealthConfig{
		Test:        hc.Test,
		Interval:    hc.Interval,
		Timeout:     hc.Timeout,
		Retries:     hc.Retries,
		StartPeriod: hc.StartPeriod,
	}
}

func restartPolicy(restart string) container.RestartPolicy {
	switch {
	case restart == "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case restart == "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	case strings.HasPrefix(restart, "on-failure"):
		p := container.RestartPolicy{Name: container.RestartPolicyOnFailure}
		if _, after, ok := strings.Cut(restart, ":"); ok {
			if n, err := strconv.Atoi(after); err == nil {
				p.MaximumRetryCount = n
			}
		}
		return p
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

// portStrings renders a service's published ports for the deployment record.
func portStrings(ports []plan.PortBinding) []string {
	out := make([]string, 0, len(ports))
	for _, pb := range ports {
		if pb.HostPort == "" {
			continue
		}
		s := pb.HostPort + ":" + pb.ContainerPort + "/" + pb.Protocol
		if pb.HostIP != "" {
			s = pb.HostIP + ":" + s
		}
		out = append(out, s)
	}
	return out
}
