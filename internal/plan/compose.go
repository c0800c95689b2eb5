package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// composeFile is the subset of the compose format the planner understands.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
	Volumes  map[string]composeVolume  `yaml:"volumes"`
}

type composeService struct {
	Image         string              `yaml:"image"`
	ContainerName string              `yaml:"container_name"`
	Command       shellCommand        `yaml:"command"`
	Entrypoint    shellCommand        `yaml:"entrypoint"`
	Environment   keyValueMap         `yaml:"environment"`
	Ports         []portEntry         `yaml:"ports"`
	DependsOn     dependsOn           `yaml:"depends_on"`
	Healthcheck   *composeHealthcheck `yaml:"healthcheck"`
	Labels        keyValueMap         `yaml:"labels"`
	Volumes       []volumeEntry       `yaml:"volumes"`
	Networks      networkRefs         `yaml:"networks"`
	Restart       string              `yaml:"restart"`
	MemLimit      byteSize            `yaml:"mem_limit"`
	CPUs          flexFloat           `yaml:"cpus"`
	User          string              `yaml:"user"`
	WorkingDir    string              `yaml:"working_dir"`
}

type composeHealthcheck struct {
	Test        testCommand   `yaml:"test"`
	Interval    composeTiming `yaml:"interval"`
	Timeout     composeTiming `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	StartPeriod composeTiming `yaml:"start_period"`
	Disable     bool          `yaml:"disable"`
}

type composeNetwork struct {
	Driver     string            `yaml:"driver"`
	DriverOpts map[string]string `yaml:"driver_opts"`
	External   bool              `yaml:"external"`
	Labels     keyValueMap       `yaml:"labels"`
}

type composeVolume struct {
	Driver     string            `yaml:"driver"`
	DriverOpts map[string]string `yaml:"driver_opts"`
	External   bool              `yaml:"external"`
	Labels     keyValueMap       `yaml:"labels"`
}

func parseCompose(text string) (*composeFile, error) {
	var cf composeFile
	if err := yaml.Unmarshal([]byte(text), &cf); err != nil {
		return nil, fmt.Errorf("parse compose yaml: %w", err)
	}
	return &cf, nil
}

// shellCommand accepts either a YAML list or a shell-style string.
type shellCommand []string

func (s *shellCommand) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		parsed, err := shellwords.Parse(str)
		if err != nil {
			return fmt.Errorf("parse command %q: %w", str, err)
		}
		*s = parsed
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
	default:
		return fmt.Errorf("line %d: command must be a string or a list", value.Line)
	}
	return nil
}

// testCommand accepts the healthcheck test forms: a string becomes
// CMD-SHELL, a list is used verbatim.
type testCommand []string

func (tc *testCommand) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		*tc = []string{"CMD-SHELL", str}
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*tc = list
	default:
		return fmt.Errorf("line %d: healthcheck test must be a string or a list", value.Line)
	}
	return nil
}

// keyValueMap accepts a YAML map or a list of KEY=VALUE strings.
type keyValueMap map[string]string

func (kv *keyValueMap) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		raw := make(map[string]scalarString)
		if err := value.Decode(&raw); err != nil {
			return err
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			out[k] = string(v)
		}
		*kv = out
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		out := make(map[string]string, len(list))
		for _, item := range list {
			key, val, _ := strings.Cut(item, "=")
			out[key] = val
		}
		*kv = out
	default:
		return fmt.Errorf("line %d: expected a map or a list of KEY=VALUE entries", value.Line)
	}
	return nil
}

// scalarString decodes any YAML scalar (string, int, bool) into its literal
// string form.
type scalarString string

func (s *scalarString) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", value.Line)
	}
	if value.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = scalarString(value.Value)
	return nil
}

// dependsOn accepts the list form and the long map form (conditions are
// accepted but only ordering is used).
type dependsOn []string

func (d *dependsOn) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*d = list
	case yaml.MappingNode:
		var raw map[string]struct {
			Condition string `yaml:"condition"`
		}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		sort.Strings(names)
		*d = names
	default:
		return fmt.Errorf("line %d: depends_on must be a list or a map", value.Line)
	}
	return nil
}

// networkRefs accepts a list of network names or the map form with per-
// network settings (settings beyond the name are ignored).
type networkRefs []string

func (n *networkRefs) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*n = list
	case yaml.MappingNode:
		var raw map[string]yaml.Node
		if err := value.Decode(&raw); err != nil {
			return err
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		sort.Strings(names)
		*n = names
	default:
		return fmt.Errorf("line %d: networks must be a list or a map", value.Line)
	}
	return nil
}

// portEntry accepts the short "8080:80/tcp" syntax and the long map form.
type portEntry struct {
	raw       string // short form, empty when the long form was used
	Target    string
	Published string
	HostIP    string
	Protocol  string
}

func (p *portEntry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.raw = value.Value
	case yaml.MappingNode:
		var long struct {
			Target    scalarString `yaml:"target"`
			Published scalarString `yaml:"published"`
			HostIP    string       `yaml:"host_ip"`
			Protocol  string       `yaml:"protocol"`
		}
		if err := value.Decode(&long); err != nil {
			return err
		}
		p.Target = string(long.Target)
		p.Published = string(long.Published)
		p.HostIP = long.HostIP
		p.Protocol = long.Protocol
	default:
		return fmt.Errorf("line %d: port must be a string or a map", value.Line)
	}
	return nil
}

// volumeEntry accepts "source:target[:mode]" strings and the long map form.
type volumeEntry struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (v *volumeEntry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parts := strings.Split(value.Value, ":")
		switch len(parts) {
		case 1:
			v.Target = parts[0]
		case 2:
			v.Source, v.Target = parts[0], parts[1]
		case 3:
			v.Source, v.Target = parts[0], parts[1]
			for _, opt := range strings.Split(parts[2], ",") {
				if opt == "ro" {
					v.ReadOnly = true
				}
			}
		default:
			return fmt.Errorf("line %d: invalid volume %q", value.Line, value.Value)
		}
	case yaml.MappingNode:
		var long struct {
			Source   string `yaml:"source"`
			Target   string `yaml:"target"`
			ReadOnly bool   `yaml:"read_only"`
		}
		if err := value.Decode(&long); err != nil {
			return err
		}
		v.Source = long.Source
		v.Target = long.Target
		v.ReadOnly = long.ReadOnly
	default:
		return fmt.Errorf("line %d: volume must be a string or a map", value.Line)
	}
	return nil
}

// byteSize accepts integers (bytes) or strings like "512m".
type byteSize int64

func (b *byteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a size", value.Line)
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = byteSize(n)
		return nil
	}
	parsed, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = byteSize(parsed)
	return nil
}

// flexFloat accepts YAML floats and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	var n float64
	if err := value.Decode(&n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	parsed, err := strconv.ParseFloat(value.Value, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q", value.Line, value.Value)
	}
	*f = flexFloat(parsed)
	return nil
}

// composeTiming accepts duration strings like "30s" or "1m30s".
type composeTiming time.Duration

func (ct *composeTiming) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", value.Line)
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*ct = composeTiming(d)
	return nil
}
