package topology

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/routing"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is written into topologies built in code
const CurrentVersion = "1.0.0"

// SupportedVersions is the constraint a topology file version must satisfy
const SupportedVersions = "^1.0.0"

// Topology is the declarative description of a broker's exchanges, queues
// and bindings
type Topology struct {
	Version   string     `yaml:"version"`
	Exchanges []Exchange `yaml:"exchanges"`
	Queues    []Queue    `yaml:"queues"`
	Bindings  []Binding  `yaml:"bindings"`
}

// Exchange declares an exchange
type Exchange struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Durable bool   `yaml:"durable"`
}

// Queue declares a queue
type Queue struct {
	Name                 string        `yaml:"name"`
	Durable              bool          `yaml:"durable"`
	TTL                  time.Duration `yaml:"ttl,omitempty"`
	DeadLetterExchange   string        `yaml:"deadLetterExchange,omitempty"`
	DeadLetterRoutingKey string        `yaml:"deadLetterRoutingKey,omitempty"`
	MaxLength            int           `yaml:"maxLength,omitempty"`
	MaxRetries           int           `yaml:"maxRetries,omitempty"`
}

// Binding declares a binding
type Binding struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Pattern  string `yaml:"pattern"`
}

// Target receives declarations. *broker.Broker implements it.
type Target interface {
	DeclareExchange(ex routing.Exchange) error
	DeclareQueue(cfg broker.QueueConfig) (*broker.Queue, error)
	Bind(exchange, queue, pattern string) error
}

// Load reads and validates a YAML topology file
func Load(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML topology. Unknown keys are rejected.
func Parse(data []byte) (Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Topology{}, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Marshal encodes the topology as YAML
func (t Topology) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the version and that every name is declared once and
// every reference points at a declared exchange or queue. All problems are
// reported together.
func (t Topology) Validate() error {
	if err := checkVersion(t.Version); err != nil {
		return err
	}

	var errs []error
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if _, err := ex.exchange(); err != nil {
			errs = append(errs, err)
			continue
		}
		if exchanges[ex.Name] {
			errs = append(errs, fmt.Errorf("exchange %s declared twice", ex.Name))
		}
		exchanges[ex.Name] = true
	}

	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if err := q.Config().Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if queues[q.Name] {
			errs = append(errs, fmt.Errorf("queue %s declared twice", q.Name))
		}
		queues[q.Name] = true
	}
	for _, q := range t.Queues {
		if q.DeadLetterExchange != "" && !exchanges[q.DeadLetterExchange] {
			errs = append(errs, fmt.Errorf("queue %s: dead-letter exchange %s is not declared", q.Name, q.DeadLetterExchange))
		}
	}

	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			errs = append(errs, fmt.Errorf("binding %s -> %s: exchange is not declared", b.Exchange, b.Queue))
		}
		if !queues[b.Queue] {
			errs = append(errs, fmt.Errorf("binding %s -> %s: queue is not declared", b.Exchange, b.Queue))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, errors.Join(errs...))
	}
	return nil
}

// Apply declares every exchange, then every queue, then every binding on
// target. It stops at the first failure.
func (t Topology) Apply(target Target) error {
	for _, ex := range t.Exchanges {
		exchange, err := ex.exchange()
		if err != nil {
			return err
		}
		if err := target.DeclareExchange(exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		if _, err := target.DeclareQueue(q.Config()); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}

	for _, b := range t.Bindings {
		if err := target.Bind(b.Exchange, b.Queue, b.Pattern); err != nil {
			return fmt.Errorf("failed to bind queue %s to exchange %s: %w", b.Queue, b.Exchange, err)
		}
	}
	return nil
}

// Config converts the declaration into a broker queue config
func (q Queue) Config() broker.QueueConfig {
	return broker.QueueConfig{
		Name:                 q.Name,
		Durable:              q.Durable,
		TTL:                  q.TTL,
		DeadLetterExchange:   q.DeadLetterExchange,
		DeadLetterRoutingKey: q.DeadLetterRoutingKey,
		MaxLength:            q.MaxLength,
		MaxRetries:           q.MaxRetries,
	}
}

func (e Exchange) exchange() (routing.Exchange, error) {
	kind, err := routing.ParseKind(e.Kind)
	if err != nil {
		return routing.Exchange{}, fmt.Errorf("exchange %s: %w", e.Name, err)
	}
	ex := routing.Exchange{Name: e.Name, Kind: kind, Durable: e.Durable}
	return ex, ex.Validate()
}

// checkVersion accepts an empty version as the current one
func checkVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return nil
}
