package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PortPair fixes the local tunnel port for an IDE and the default remote
// port its job script starts scanning from.
type PortPair struct {
	Local  int `yaml:"local"`
	Remote int `yaml:"remote"`
}

// Limits bounds the resource requests a partition accepts.
type Limits struct {
	MaxCPUs     int    `yaml:"maxCpus"`
	MaxMemGB    int    `yaml:"maxMemGB"`
	MaxWalltime string `yaml:"maxWalltime"`
}

// Release is one versioned container image plus its environment.
type Release struct {
	Image              string   `yaml:"image"`
	IDEs               []string `yaml:"ides"`
	RLibrary           string   `yaml:"rLibrary"`
	PythonSitePackages string   `yaml:"pythonSitePackages"`
}

// HasIDE reports whether the release ships the given IDE.
func (r Release) HasIDE(ide string) bool {
	for _, i := range r.IDEs {
		if i == ide {
			return true
		}
	}
	return false
}

// Cluster describes one SLURM deployment reachable over SSH.
type Cluster struct {
	Host      string             `yaml:"host"`
	Partition string             `yaml:"partition"`
	Account   string             `yaml:"account"`
	AdminUser string             `yaml:"adminUser"`
	GPUTypes  []string           `yaml:"gpuTypes"`
	Limits    Limits             `yaml:"limits"`
	Releases  map[string]Release `yaml:"releases"`
}

// Release looks up a release version on this cluster.
func (c Cluster) Release(version string) (Release, bool) {
	r, ok := c.Releases[version]
	return r, ok
}

// ValidGPU reports whether the GPU type is offered by this cluster.
func (c Cluster) ValidGPU(gpuType string) bool {
	for _, t := range c.GPUTypes {
		if t == gpuType {
			return true
		}
	}
	return false
}

// ClustersConfig is the parsed static blob.
type ClustersConfig struct {
	IDEPorts       map[string]PortPair `yaml:"idePorts"`
	DevServerPorts []int               `yaml:"devServerPorts"`
	Clusters       map[string]Cluster  `yaml:"clusters"`
}

// defaultClustersYAML covers local development; deployments point
// CLUSTERS_FILE at their own blob.
const defaultClustersYAML = `
idePorts:
  vscode: {local: 8443, remote: 8443}
  rstudio: {local: 8787, remote: 8787}
  jupyter: {local: 8888, remote: 8888}
devServerPorts: [3000, 5173, 8050]
clusters:
  gemini:
    host: gemini.hpc.example.org
    partition: compute
    account: rbioc
    adminUser: svc-rbioc
    gpuTypes: [a100, v100]
    limits: {maxCpus: 32, maxMemGB: 256, maxWalltime: "72:00:00"}
    releases:
      "3.20":
        image: /opt/apptainer/images/rbioc-3.20.sif
        ides: [vscode, rstudio, jupyter]
        rLibrary: /opt/R/4.4/site-library
        pythonSitePackages: /opt/python/3.12/site-packages
  apollo:
    host: apollo.hpc.example.org
    partition: compute
    account: rbioc
    adminUser: svc-rbioc
    gpuTypes: []
    limits: {maxCpus: 16, maxMemGB: 128, maxWalltime: "24:00:00"}
    releases:
      "3.20":
        image: /opt/apptainer/images/rbioc-3.20.sif
        ides: [rstudio, jupyter]
        rLibrary: /opt/R/4.4/site-library
        pythonSitePackages: /opt/python/3.12/site-packages
`

// LoadClusters parses the blob at path, or the compiled-in default when
// path is empty, and validates it.
func LoadClusters(path string) (ClustersConfig, error) {
	raw := []byte(defaultClustersYAML)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return ClustersConfig{}, fmt.Errorf("op=config.LoadClusters: %w", err)
		}
		raw = b
	}
	var cc ClustersConfig
	if err := yaml.Unmarshal(raw, &cc); err != nil {
		return ClustersConfig{}, fmt.Errorf("op=config.LoadClusters: %w", err)
	}
	if err := cc.validate(); err != nil {
		return ClustersConfig{}, fmt.Errorf("op=config.LoadClusters: %w", err)
	}
	return cc, nil
}

func (cc ClustersConfig) validate() error {
	if len(cc.Clusters) == 0 {
		return fmt.Errorf("no clusters configured")
	}
	for name, c := range cc.Clusters {
		if c.Host == "" {
			return fmt.Errorf("cluster %s: missing host", name)
		}
		if c.Partition == "" {
			return fmt.Errorf("cluster %s: missing partition", name)
		}
		if len(c.Releases) == 0 {
			return fmt.Errorf("cluster %s: no releases", name)
		}
		if c.Limits.MaxWalltime != "" {
			if _, err := ParseWalltime(c.Limits.MaxWalltime); err != nil {
				return fmt.Errorf("cluster %s: maxWalltime: %w", name, err)
			}
		}
	}
	for ide, pp := range cc.IDEPorts {
		if pp.Local < 1 || pp.Local > 65535 || pp.Remote < 1 || pp.Remote > 65535 {
			return fmt.Errorf("idePorts %s: port out of range", ide)
		}
	}
	return nil
}

// Cluster looks up a cluster by name.
func (cc ClustersConfig) Cluster(name string) (Cluster, bool) {
	c, ok := cc.Clusters[name]
	return c, ok
}

// Names returns the configured cluster names, sorted.
func (cc ClustersConfig) Names() []string {
	names := make([]string, 0, len(cc.Clusters))
	for n := range cc.Clusters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LocalPort returns the fixed local tunnel port for an IDE.
func (cc ClustersConfig) LocalPort(ide string) int {
	if pp, ok := cc.IDEPorts[ide]; ok && pp.Local > 0 {
		return pp.Local
	}
	return 0
}

// RemotePort returns the default remote port for an IDE.
func (cc ClustersConfig) RemotePort(ide string) int {
	if pp, ok := cc.IDEPorts[ide]; ok && pp.Remote > 0 {
		return pp.Remote
	}
	return 0
}

// KnownPorts lists every local IDE port plus the dev-server ports; the
// startup orphan reaper scans these.
func (cc ClustersConfig) KnownPorts() []int {
	var ports []int
	for _, pp := range cc.IDEPorts {
		ports = append(ports, pp.Local)
	}
	ports = append(ports, cc.DevServerPorts...)
	sort.Ints(ports)
	return ports
}

// ParseWalltime parses SLURM [DD-]HH:MM[:SS] and MM[:SS] forms into a
// duration.
func ParseWalltime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty walltime")
	}
	var days int
	if i := strings.Index(s, "-"); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil || d < 0 {
			return 0, fmt.Errorf("invalid walltime days: %q", s)
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	var h, m, sec int
	var err error
	switch len(parts) {
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid walltime: %q", s)
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("invalid walltime: %q", s)
		}
		if sec, err = strconv.Atoi(parts[2]); err != nil {
			return 0, fmt.Errorf("invalid walltime: %q", s)
		}
	case 2:
		// MM:SS without a day prefix, HH:MM with one
		if days > 0 {
			if h, err = strconv.Atoi(parts[0]); err != nil {
				return 0, fmt.Errorf("invalid walltime: %q", s)
			}
			if m, err = strconv.Atoi(parts[1]); err != nil {
				return 0, fmt.Errorf("invalid walltime: %q", s)
			}
		} else {
			if m, err = strconv.Atoi(parts[0]); err != nil {
				return 0, fmt.Errorf("invalid walltime: %q", s)
			}
			if sec, err = strconv.Atoi(parts[1]); err != nil {
				return 0, fmt.Errorf("invalid walltime: %q", s)
			}
		}
	case 1:
		// DD-HH form when a day prefix was present, bare minutes otherwise
		if days > 0 {
			if h, err = strconv.Atoi(parts[0]); err != nil {
				return 0, fmt.Errorf("invalid walltime: %q", s)
			}
		} else {
			if m, err = strconv.Atoi(parts[0]); err != nil {
				return 0, fmt.Errorf("invalid walltime: %q", s)
			}
		}
	default:
		return 0, fmt.Errorf("invalid walltime: %q", s)
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}

// ParseMemoryGB parses a SLURM memory string (e.g. 16G, 512M, 1T) into
// gigabytes.
func ParseMemoryGB(s string) (float64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory")
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K':
		mult = 1.0 / (1024 * 1024)
		s = s[:len(s)-1]
	case 'M':
		mult = 1.0 / 1024
		s = s[:len(s)-1]
	case 'G':
		s = s[:len(s)-1]
	case 'T':
		mult = 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid memory: %q", s)
	}
	return v * mult, nil
}
