package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ikeniborn/vpn-sub000/pkg/log"
)

// DescriptorName is the launch descriptor file inside an instance
// directory, the engine's equivalent of a compose file.
const DescriptorName = "deploy.yaml"

// DefaultStartedMarker is the log line substring that signals the managed
// process finished starting when the descriptor does not override it.
const DefaultStartedMarker = "started"

// Mount is a bind mount from the instance directory into the container.
type Mount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// Descriptor declares how the managed container is launched. It is
// operator-editable, which is exactly why Restart reconciles it against
// the committed port before acting on it.
type Descriptor struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Port          int      `yaml:"port"`
	LogFile       string   `yaml:"log_file,omitempty"`
	StartedMarker string   `yaml:"started_marker,omitempty"`
	Env           []string `yaml:"env,omitempty"`
	Mounts        []Mount  `yaml:"mounts,omitempty"`
}

// DescriptorPath returns the descriptor path for an instance dir.
func DescriptorPath(instanceDir string) string {
	return filepath.Join(instanceDir, DescriptorName)
}

// LoadDescriptor reads and parses the launch descriptor.
func LoadDescriptor(instanceDir string) (*Descriptor, error) {
	data, err := os.ReadFile(DescriptorPath(instanceDir))
	if err != nil {
		return nil, fmt.Errorf("reading launch descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing launch descriptor: %w", err)
	}
	if d.Image == "" {
		return nil, fmt.Errorf("launch descriptor has no image")
	}
	return &d, nil
}

// SaveDescriptor writes the launch descriptor.
func SaveDescriptor(d *Descriptor, instanceDir string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding launch descriptor: %w", err)
	}
	if err := os.WriteFile(DescriptorPath(instanceDir), data, 0600); err != nil {
		return fmt.Errorf("writing launch descriptor: %w", err)
	}
	return nil
}

// ReconcileDescriptor rewrites the descriptor when its port has drifted
// from the committed port. The committed port (the one in the inbound
// document and the port cache) always wins; a hand-edited descriptor must
// not resurrect an old port across a restart.
func ReconcileDescriptor(instanceDir string, committedPort int) (bool, error) {
	d, err := LoadDescriptor(instanceDir)
	if err != nil {
		return false, err
	}
	if d.Port == committedPort {
		return false, nil
	}

	logger := log.WithComponent("lifecycle")
	logger.Warn().
		Int("descriptor_port", d.Port).
		Int("committed_port", committedPort).
		Msg("launch descriptor drifted from committed port, rewriting")

	d.Port = committedPort
	if err := SaveDescriptor(d, instanceDir); err != nil {
		return false, err
	}
	return true, nil
}

// Marker returns the started marker, defaulted.
func (d *Descriptor) Marker() string {
	if d.StartedMarker == "" {
		return DefaultStartedMarker
	}
	return d.StartedMarker
}

// LogPath returns the log file path, resolved against the instance dir
// when relative.
func (d *Descriptor) LogPath(instanceDir string) string {
	if d.LogFile == "" {
		return filepath.Join(instanceDir, "logs", "endpoint.log")
	}
	if filepath.IsAbs(d.LogFile) {
		return d.LogFile
	}
	return filepath.Join(instanceDir, d.LogFile)
}
