// Package plan normalizes rendered compose text into a service plan: the
// ordered services, init containers, networks, volumes and images a
// deployment operation works through. The planner validates and sorts; it
// never talks to Docker.
package plan

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"github.com/readystack/readystackgo/internal/errdefs"
)

// Container labels the engine writes and the planner/monitor read.
const (
	LabelDeployment = "rsgo.deployment"
	LabelStack      = "rsgo.stack"
	LabelService    = "rsgo.service"
	LabelManaged    = "rsgo.managed"
	LabelVersion    = "rsgo.version"

	LabelInitOrder         = "rsgo.init.order"
	LabelInitFailurePolicy = "rsgo.init.failurePolicy"
)

// Init container failure policies.
const (
	FailureAbort    = "abort"
	FailureContinue = "continue"
)

// PortBinding is one published port of a service.
type PortBinding struct {
	HostIP        string
	HostPort      string
	ContainerPort string
	Protocol      string
}

// Healthcheck mirrors the compose healthcheck block.
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
	Disable     bool
}

// MountKind distinguishes how a mount source is interpreted.
type MountKind int

const (
	MountVolume MountKind = iota
	MountBind
	MountAnonymous
)

// Mount is one volume or bind mount of a service.
type Mount struct {
	Kind     MountKind
	Source   string
	Target   string
	ReadOnly bool
}

// Service is one normalized service node.
type Service struct {
	Name          string
	Image         string
	ContainerName string
	Env           map[string]string
	Ports         []PortBinding
	DependsOn     []string
	Healthcheck   *Healthcheck
	Labels        map[string]string
	Mounts        []Mount
	Networks      []string
	Command       []string
	Entrypoint    []string
	Restart       string
	MemLimit      int64
	CPUs          float64
	User          string
	WorkingDir    string
}

// InitContainer is a one-shot service that runs to completion before the
// main services start.
type InitContainer struct {
	Service
	Order         int
	FailurePolicy string
}

// Network is a stack-scoped network to ensure before services start.
type Network struct {
	Name       string
	Driver     string
	DriverOpts map[string]string
	External   bool
	Labels     map[string]string
}

// Volume is a named volume referenced by the stack.
type Volume struct {
	Name       string
	Driver     string
	DriverOpts map[string]string
	External   bool
	Labels     map[string]string
}

// Plan is the normalized output of the planner.
type Plan struct {
	Services []Service       // topological order, dependencies first
	Inits    []InitContainer // ascending by order
	Layers   [][]string      // service names per dependency layer
	Networks []Network
	Volumes  []Volume
	Images   []string // unique, sorted
}

// Service returns the named service node.
func (p *Plan) Service(name string) (*Service, bool) {
	for i := range p.Services {
		if p.Services[i].Name == name {
			return &p.Services[i], true
		}
	}
	return nil, false
}

// Options carries caller policy for plan validation.
type Options struct {
	// VolumeAllowList holds absolute path prefixes under which bind mounts
	// are permitted. An empty list forbids all host binds.
	VolumeAllowList []string
}

// Build parses rendered compose text and normalizes it into a Plan. All
// rejections surface as PlanInvalid except host paths outside the allow
// list, which surface as PathNotPermitted.
func Build(composeText string, opts Options) (*Plan, error) {
	cf, err := parseCompose(composeText)
	if err != nil {
		return nil, errdefs.PlanInvalid("%v", err)
	}
	if len(cf.Services) == 0 {
		return nil, errdefs.PlanInvalid("compose file defines no services")
	}

	names := make([]string, 0, len(cf.Services))
	for name := range cf.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	var services []Service
	var inits []InitContainer
	initNames := make(map[string]bool)
	for _, name := range names {
		raw := cf.Services[name]
		svc, err := buildService(name, raw)
		if err != nil {
			return nil, err
		}

		orderStr, isInit := raw.Labels[LabelInitOrder]
		if !isInit {
			services = append(services, svc)
			continue
		}
		order, err := strconv.Atoi(strings.TrimSpace(orderStr))
		if err != nil {
			return nil, errdefs.PlanInvalid("service %s: %s=%q is not an integer", name, LabelInitOrder, orderStr)
		}
		policy := raw.Labels[LabelInitFailurePolicy]
		if policy == "" {
			policy = FailureAbort
		}
		if policy != FailureAbort && policy != FailureContinue {
			return nil, errdefs.PlanInvalid("service %s: %s=%q must be %s or %s", name, LabelInitFailurePolicy, policy, FailureAbort, FailureContinue)
		}
		if raw.Restart != "" && raw.Restart != "no" {
			return nil, errdefs.PlanInvalid("init container %s must not set restart policy %q", name, raw.Restart)
		}
		inits = append(inits, InitContainer{Service: svc, Order: order, FailurePolicy: policy})
		initNames[name] = true
	}

	sort.SliceStable(inits, func(i, j int) bool {
		if inits[i].Order != inits[j].Order {
			return inits[i].Order < inits[j].Order
		}
		return inits[i].Name < inits[j].Name
	})

	// Init containers always complete before services start, so edges into
	// them are dropped; edges to unknown names are rejected.
	serviceNames := make(map[string]bool, len(services))
	for _, svc := range services {
		serviceNames[svc.Name] = true
	}
	for i := range services {
		var kept []string
		for _, dep := range services[i].DependsOn {
			switch {
			case serviceNames[dep]:
				kept = append(kept, dep)
			case initNames[dep]:
			default:
				return nil, errdefs.PlanInvalid("service %s depends on unknown service %q", services[i].Name, dep)
			}
		}
		services[i].DependsOn = kept
	}

	if err := checkHostPorts(services); err != nil {
		return nil, err
	}
	if err := checkBindPaths(services, inits, opts.VolumeAllowList); err != nil {
		return nil, err
	}

	order, layers, err := topoLayers(services)
	if err != nil {
		return nil, err
	}
	ordered := make([]Service, 0, len(services))
	for _, name := range order {
		svc, _ := findService(services, name)
		ordered = append(ordered, *svc)
	}

	p := &Plan{
		Services: ordered,
		Inits:    inits,
		Layers:   layers,
		Networks: collectNetworks(cf, ordered, inits),
		Volumes:  collectVolumes(cf, ordered, inits),
		Images:   collectImages(ordered, inits),
	}
	return p, nil
}

// Outline reports the long-running service names and the init container
// names a compose template declares, both sorted. Unlike Build it accepts
// unrendered templates: only service names and labels are read, so variable
// placeholders in typed fields cannot fail parsing.
func Outline(composeText string) (services, inits []string, err error) {
	var doc struct {
		Services map[string]struct {
			Labels keyValueMap `yaml:"labels"`
		} `yaml:"services"`
	}
	if err := yaml.Unmarshal([]byte(composeText), &doc); err != nil {
		return nil, nil, errdefs.PlanInvalid("parse compose yaml: %v", err)
	}
	if len(doc.Services) == 0 {
		return nil, nil, errdefs.PlanInvalid("compose file defines no services")
	}

	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, isInit := doc.Services[name].Labels[LabelInitOrder]; isInit {
			inits = append(inits, name)
		} else {
			services = append(services, name)
		}
	}
	return services, inits, nil
}

func buildService(name string, raw composeService) (Service, error) {
	if strings.TrimSpace(raw.Image) == "" {
		return Service{}, errdefs.PlanInvalid("service %s has no image", name)
	}

	svc := Service{
		Name:          name,
		Image:         raw.Image,
		ContainerName: raw.ContainerName,
		Env:           map[string]string(raw.Environment),
		Labels:        map[string]string(raw.Labels),
		Networks:      raw.Networks,
		Command:       raw.Command,
		Entrypoint:    raw.Entrypoint,
		Restart:       raw.Restart,
		MemLimit:      int64(raw.MemLimit),
		CPUs:          float64(raw.CPUs),
		User:          raw.User,
		WorkingDir:    raw.WorkingDir,
	}

	deps := append([]string(nil), raw.DependsOn...)
	sort.Strings(deps)
	svc.DependsOn = dedupe(deps)

	for _, pe := range raw.Ports {
		bindings, err := parsePortEntry(pe)
		if err != nil {
			return Service{}, errdefs.PlanInvalid("service %s: %v", name, err)
		}
		svc.Ports = append(svc.Ports, bindings...)
	}

	for _, ve := range raw.Volumes {
		mount, err := classifyMount(ve)
		if err != nil {
			return Service{}, errdefs.PlanInvalid("service %s: %v", name, err)
		}
		svc.Mounts = append(svc.Mounts, mount)
	}

	if raw.Healthcheck != nil {
		hc := Healthcheck{
			Test:        raw.Healthcheck.Test,
			Interval:    time.Duration(raw.Healthcheck.Interval),
			Timeout:     time.Duration(raw.Healthcheck.Timeout),
			Retries:     raw.Healthcheck.Retries,
			StartPeriod: time.Duration(raw.Healthcheck.StartPeriod),
			Disable:     raw.Healthcheck.Disable,
		}
		if len(hc.Test) == 1 && hc.Test[0] == "NONE" {
			hc.Disable = true
		}
		svc.Healthcheck = &hc
	}

	return svc, nil
}

func parsePortEntry(pe portEntry) ([]PortBinding, error) {
	if pe.raw != "" {
		mappings, err := nat.ParsePortSpec(pe.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", pe.raw, err)
		}
		out := make([]PortBinding, 0, len(mappings))
		for _, m := range mappings {
			out = append(out, PortBinding{
				HostIP:        m.Binding.HostIP,
				HostPort:      m.Binding.HostPort,
				ContainerPort: m.Port.Port(),
				Protocol:      m.Port.Proto(),
			})
		}
		return out, nil
	}

	if pe.Target == "" {
		return nil, fmt.Errorf("port entry has no target")
	}
	proto := pe.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return []PortBinding{{
		HostIP:        pe.HostIP,
		HostPort:      pe.Published,
		ContainerPort: pe.Target,
		Protocol:      proto,
	}}, nil
}

func classifyMount(ve volumeEntry) (Mount, error) {
	m := Mount{Source: ve.Source, Target: ve.Target, ReadOnly: ve.ReadOnly}
	switch {
	case ve.Target == "" || !strings.HasPrefix(ve.Target, "/"):
		return m, fmt.Errorf("volume target %q must be an absolute container path", ve.Target)
	case ve.Source == "":
		m.Kind = MountAnonymous
	case strings.HasPrefix(ve.Source, "/"):
		m.Kind = MountBind
	case strings.HasPrefix(ve.Source, ".") || strings.HasPrefix(ve.Source, "~"):
		return m, fmt.Errorf("relative host path %q is not supported in templates", ve.Source)
	default:
		m.Kind = MountVolume
	}
	return m, nil
}

// checkHostPorts rejects plans where two services publish the same host
// endpoint.
func checkHostPorts(services []Service) error {
	type claim struct{ service string }
	seen := make(map[string]claim)
	for _, svc := range services {
		for _, pb := range svc.Ports {
			if pb.HostPort == "" {
				continue
			}
			key := pb.HostIP + ":" + pb.HostPort + "/" + pb.Protocol
			if prev, ok := seen[key]; ok && prev.service != svc.Name {
				return errdefs.PlanInvalid("host port %s used by %s and %s", pb.HostPort, prev.service, svc.Name)
			}
			seen[key] = claim{service: svc.Name}
		}
	}
	return nil
}

// checkBindPaths enforces the host-path allow-list on bind mounts.
func checkBindPaths(services []Service, inits []InitContainer, allowList []string) error {
	check := func(svc Service) error {
		for _, m := range svc.Mounts {
			if m.Kind != MountBind {
				continue
			}
			if !pathPermitted(m.Source, allowList) {
				return errdefs.PathNotPermitted(m.Source)
			}
		}
		return nil
	}
	for _, svc := range services {
		if err := check(svc); err != nil {
			return err
		}
	}
	for _, init := range inits {
		if err := check(init.Service); err != nil {
			return err
		}
	}
	return nil
}

// pathPermitted reports whether p equals or lives under one of the allowed
// roots.
func pathPermitted(p string, allowList []string) bool {
	cleaned := path.Clean(p)
	for _, root := range allowList {
		root = path.Clean(root)
		if cleaned == root || strings.HasPrefix(cleaned, root+"/") {
			return true
		}
	}
	return false
}

func collectNetworks(cf *composeFile, services []Service, inits []InitContainer) []Network {
	referenced := make(map[string]bool)
	addRefs := func(svc Service) {
		if len(svc.Networks) == 0 {
			referenced["default"] = true
			return
		}
		for _, n := range svc.Networks {
			referenced[n] = true
		}
	}
	for _, svc := range services {
		addRefs(svc)
	}
	for _, init := range inits {
		addRefs(init.Service)
	}

	names := make([]string, 0, len(referenced))
	for name := range referenced {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Network, 0, len(names))
	for _, name := range names {
		n := Network{Name: name}
		if decl, ok := cf.Networks[name]; ok {
			n.Driver = decl.Driver
			n.DriverOpts = decl.DriverOpts
			n.External = decl.External
			n.Labels = map[string]string(decl.Labels)
		}
		out = append(out, n)
	}
	return out
}

func collectVolumes(cf *composeFile, services []Service, inits []InitContainer) []Volume {
	referenced := make(map[string]bool)
	addRefs := func(svc Service) {
		for _, m := range svc.Mounts {
			if m.Kind == MountVolume {
				referenced[m.Source] = true
			}
		}
	}
	for _, svc := range services {
		addRefs(svc)
	}
	for _, init := range inits {
		addRefs(init.Service)
	}

	names := make([]string, 0, len(referenced))
	for name := range referenced {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Volume, 0, len(names))
	for _, name := range names {
		v := Volume{Name: name}
		if decl, ok := cf.Volumes[name]; ok {
			v.Driver = decl.Driver
			v.DriverOpts = decl.DriverOpts
			v.External = decl.External
			v.Labels = map[string]string(decl.Labels)
		}
		out = append(out, v)
	}
	return out
}

func collectImages(services []Service, inits []InitContainer) []string {
	seen := make(map[string]bool)
	var images []string
	add := func(image string) {
		if !seen[image] {
			seen[image] = true
			images = append(images, image)
		}
	}
	for _, init := range inits {
		add(init.Image)
	}
	for _, svc := range services {
		add(svc.Image)
	}
	sort.Strings(images)
	return images
}

func findService(services []Service, name string) (*Service, bool) {
	for i := range services {
		if services[i].Name == name {
			return &services[i], true
		}
	}
	return nil, false
}

func dedupe(sorted []string) []string {
	if len(sorted) == 0 {
		return nil
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
