package model

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	yamlv3 "gopkg.in/yaml.v3"

	_ "embed"
)

// Known services. The server service is the primary one: the process lives
// as long as it does.
const (
	ServiceServer            = "server"
	ServiceSession           = "session"
	ServiceNetworkConnection = "network_connection"
	ServiceMixer             = "mixer"

	PrimaryService = ServiceServer
)

const (
	DefaultAddress                      = "localhost"
	DefaultServerPort            uint16 = 9090
	DefaultSessionPort           uint16 = 9091
	DefaultNetworkConnectionPort uint16 = 9092
	DefaultMixerPort             uint16 = 9093
	DefaultPoolSize                     = 15
	DefaultShutdownTimeout              = 5 * time.Second

	OnServiceStopContinue = "continue"
	OnServiceStopExit     = "exit"

	configVersion = 0
)

var serviceNames = [...]string{
	ServiceServer,
	ServiceSession,
	ServiceNetworkConnection,
	ServiceMixer,
}

// ServiceNames returns the names of all known services, primary first.
func ServiceNames() []string {
	return append([]string(nil), serviceNames[:]...)
}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the process configuration. It is built once at startup and never
// modified afterwards, so runners read it concurrently without locking.
type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Address    string     `json:"address,omitempty" yaml:"address,omitempty"`
	PoolSize   *int       `json:"pool_size,omitempty" yaml:"pool_size,omitempty"` // default for every service
	Services   Services   `json:"services" yaml:"services"`
	Supervisor Supervisor `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`
}

type Services struct {
	Server            *Endpoint `json:"server,omitempty" yaml:"server,omitempty"`
	Session           *Endpoint `json:"session,omitempty" yaml:"session,omitempty"`
	NetworkConnection *Endpoint `json:"network_connection,omitempty" yaml:"network_connection,omitempty"`
	Mixer             *Endpoint `json:"mixer,omitempty" yaml:"mixer,omitempty"`
}

// Endpoint configures one service. A nil Port means "not set", which is
// different from port 0 (an ephemeral port chosen by the kernel).
type Endpoint struct {
	Port     *uint16 `json:"port,omitempty" yaml:"port,omitempty"`
	PoolSize *int    `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
}

// Supervisor holds process wide settings.
type Supervisor struct {
	Verbose         *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log             *string `json:"log,omitempty" yaml:"log,omitempty"`                         // "stderr"|"stdout"|"discard"|path
	OnServiceStop   *string `json:"on_service_stop,omitempty" yaml:"on_service_stop,omitempty"` // "continue"|"exit"
	ShutdownTimeout *string `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	Status          *Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// Status schedules the periodic status report, either every ISO8601
// duration or on a cron expression.
type Status struct {
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// ServiceSpec is the resolved view of one service.
type ServiceSpec struct {
	Name     string
	Port     uint16
	Enabled  bool
	Primary  bool
	PoolSize int
}

// Addr returns the listen address on all interfaces.
func (s ServiceSpec) Addr() string {
	return net.JoinHostPort("", strconv.Itoa(int(s.Port)))
}

// DefaultConfig returns the configuration with every service enabled on
// its well known port.
func DefaultConfig() Config {
	return Config{
		Version: configVersion,
		Address: DefaultAddress,
		Services: Services{
			Server:            &Endpoint{Port: Ptr(DefaultServerPort)},
			Session:           &Endpoint{Port: Ptr(DefaultSessionPort)},
			NetworkConnection: &Endpoint{Port: Ptr(DefaultNetworkConnectionPort)},
			Mixer:             &Endpoint{Port: Ptr(DefaultMixerPort)},
		},
	}
}

func (c Config) endpoint(name string) (*Endpoint, error) {
	switch name {
	case ServiceServer:
		return c.Services.Server, nil
	case ServiceSession:
		return c.Services.Session, nil
	case ServiceNetworkConnection:
		return c.Services.NetworkConnection, nil
	case ServiceMixer:
		return c.Services.Mixer, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
}

// Resolve returns the ServiceSpec of a named service. The primary service is
// always enabled and falls back to DefaultServerPort. Any other service is
// enabled only when its port is set, there is no default port for it.
func (c Config) Resolve(name string) (ServiceSpec, error) {
	ep, err := c.endpoint(name)
	if err != nil {
		return ServiceSpec{}, err
	}

	spec := ServiceSpec{
		Name:     name,
		Primary:  name == PrimaryService,
		PoolSize: c.poolSize(ep),
	}
	switch {
	case ep != nil && ep.Port != nil:
		spec.Port = *ep.Port
		spec.Enabled = true
	case spec.Primary:
		spec.Port = DefaultServerPort
		spec.Enabled = true
	}
	return spec, nil
}

// Specs resolves all known services in ServiceNames order.
func (c Config) Specs() []ServiceSpec {
	ret := make([]ServiceSpec, 0, len(serviceNames))
	for _, name := range serviceNames {
		spec, _ := c.Resolve(name) // known names never fail
		ret = append(ret, spec)
	}
	return ret
}

func (c Config) poolSize(ep *Endpoint) int {
	if ep != nil && ep.PoolSize != nil {
		return *ep.PoolSize
	}
	if c.PoolSize != nil {
		return *c.PoolSize
	}
	return DefaultPoolSize
}

// Validate checks the semantic rules the schema can't express. All problems
// are reported at once.
func (c Config) Validate() error {
	var errs []error
	if c.Version != configVersion {
		errs = append(errs, fmt.Errorf("%w: config version %d, expected %d", ErrUnsupported, c.Version, configVersion))
	}
	if c.PoolSize != nil && *c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: pool_size %d", ErrInvalidPoolSize, *c.PoolSize))
	}

	ports := make(map[uint16]string, len(serviceNames))
	for _, spec := range c.Specs() {
		if ep, _ := c.endpoint(spec.Name); ep != nil && ep.PoolSize != nil && *ep.PoolSize <= 0 {
			errs = append(errs, fmt.Errorf("%w: services.%s.pool_size %d", ErrInvalidPoolSize, spec.Name, *ep.PoolSize))
		}
		// port 0 asks the kernel for a free port, it can't collide
		if !spec.Enabled || spec.Port == 0 {
			continue
		}
		if other, ok := ports[spec.Port]; ok {
			errs = append(errs, fmt.Errorf("%w: services %s and %s both use port %d", ErrPortCollision, other, spec.Name, spec.Port))
			continue
		}
		ports[spec.Port] = spec.Name
	}

	s := c.Supervisor
	switch p := c.OnServiceStop(); p {
	case OnServiceStopContinue, OnServiceStopExit:
	default:
		errs = append(errs, fmt.Errorf("%w: supervisor.on_service_stop %q", ErrUnsupported, p))
	}
	if s.ShutdownTimeout != nil {
		if err := positiveDuration(*s.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.shutdown_timeout: %w", err))
		}
	}
	if s.Status != nil {
		if err := s.Status.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s Status) validate() error {
	switch {
	case s.Every != "" && s.Cron != "":
		return errors.New("supervisor.status: every and cron are mutually exclusive")
	case s.Every != "":
		if err := positiveDuration(s.Every); err != nil {
			return fmt.Errorf("supervisor.status.every: %w", err)
		}
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return fmt.Errorf("supervisor.status.cron: %w", err)
		}
	}
	return nil
}

func positiveDuration(s string) error {
	d, err := ParseISODuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrNonPositiveDuration, s)
	}
	return nil
}

func (c Config) Verbose() bool {
	return Get(c.Supervisor.Verbose)
}

func (c Config) Log() string {
	return Get(c.Supervisor.Log)
}

func (c Config) OnServiceStop() string {
	if c.Supervisor.OnServiceStop == nil {
		return OnServiceStopContinue
	}
	return *c.Supervisor.OnServiceStop
}

// ShutdownTimeout returns how long the supervisor waits for runners to stop.
// Validate rejects values which are not positive durations, those fall back to
// the default here.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Supervisor.ShutdownTimeout == nil {
		return DefaultShutdownTimeout
	}
	d, err := ParseISODuration(*c.Supervisor.ShutdownTimeout)
	if err != nil || d <= 0 {
		return DefaultShutdownTimeout
	}
	return d
}

// LoadConfig validates YAML from r against CUE schema, decodes it to Config
// and runs Validate.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}

	return &out, nil
}

// Encode writes c as YAML.
func (c Config) Encode(w io.Writer) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func Ptr[T any](v T) *T {
	return &v
}
