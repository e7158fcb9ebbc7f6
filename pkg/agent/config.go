package agent

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/cloud-control/brownout-rubis/pkg/allocation"
	"github.com/cloud-control/brownout-rubis/pkg/brownout"
	"github.com/cloud-control/brownout-rubis/pkg/price"
	"github.com/cloud-control/brownout-rubis/pkg/publish"
)

const (
	// DefaultConfigNamespace and DefaultConfigMapName locate the optional
	// configuration ConfigMap.
	DefaultConfigNamespace = "brownout-system"
	DefaultConfigMapName   = "brownout-controller-config"

	// envPrefix prefixes every environment override.
	envPrefix = "BROWNOUT_"
)

// AgentConfig holds all configurable parameters of the controller.
// Values can be loaded from a ConfigMap, a YAML file, environment variables
// and command-line flags, in increasing order of precedence.
type AgentConfig struct {
	// Pole of the closed loop, in (0, 1). Higher is slower and smoother.
	Pole float64

	// SetPoint is the target 95th percentile latency in seconds.
	SetPoint float64

	// InitialTheta is the service level published before the first period.
	InitialTheta float64

	// ControlPeriod is how often the dimmer is recomputed.
	ControlPeriod time.Duration

	// NegotiationPeriod is how often a capacity request is sent.
	NegotiationPeriod time.Duration

	LatencyAddress     string
	NegotiationAddress string
	RMAddress          string

	// RLS estimator tuning.
	RLSForgetting        float64
	RLSInitialCovariance float64
	InitialAlpha         float64

	// ProfiledThroughputPerUnit is the request rate one capacity unit serves.
	ProfiledThroughputPerUnit float64

	RevenueGamma float64
	RevenueK     float64
	RevenueBeta  float64

	InitialBasePrice    float64
	InitialDynamicPrice float64

	InitialBaseCapacity    float64
	InitialDynamicCapacity float64

	// HistoryBins is the number of histogram bins used when replanning.
	HistoryBins int

	// CapacityMin and CapacityMax bound the demand assumed before any
	// capacity request has been observed.
	CapacityMin float64
	CapacityMax float64

	ServiceLevelPath string

	// ServiceLevelConfigMap, when set, also mirrors the service level into
	// this ConfigMap in ServiceLevelNamespace.
	ServiceLevelConfigMap string
	ServiceLevelNamespace string

	// HealthPort serves /healthz, /readyz, /metrics and /api/status. 0 disables.
	HealthPort int

	// ReportCSV prints one CSV record per control period on stdout.
	ReportCSV bool
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Pole:                      brownout.DefaultPole,
		SetPoint:                  brownout.DefaultSetPoint,
		InitialTheta:              brownout.DefaultInitialTheta,
		ControlPeriod:             brownout.DefaultControlPeriod,
		NegotiationPeriod:         5 * time.Second,
		LatencyAddress:            "localhost:2712",
		NegotiationAddress:        "0.0.0.0:2713",
		RMAddress:                 "192.168.122.1:2712",
		RLSForgetting:             brownout.DefaultForgetting,
		RLSInitialCovariance:      brownout.DefaultInitialCovariance,
		InitialAlpha:              brownout.DefaultInitialAlpha,
		ProfiledThroughputPerUnit: 10,
		RevenueGamma:              2.28e-6 / 3.03810674805e-05,
		RevenueK:                  0.7,
		RevenueBeta:               1,
		InitialBasePrice:          price.DefaultBasePrice,
		InitialDynamicPrice:       price.DefaultDynamicPrice,
		InitialBaseCapacity:       1,
		InitialDynamicCapacity:    10,
		HistoryBins:               allocation.DefaultHistogramBins,
		CapacityMin:               allocation.DefaultCapacityMin,
		CapacityMax:               allocation.DefaultCapacityMax,
		ServiceLevelPath:          publish.DefaultPath,
		ServiceLevelNamespace:     DefaultConfigNamespace,
		HealthPort:                8082,
		ReportCSV:                 true,
	}
}

// configKeys maps flag names to ConfigMap/file keys. Environment variables
// are the flag name upper-cased with BROWNOUT_ prepended, e.g.
// BROWNOUT_SET_POINT.
var configKeys = map[string]string{
	"pole":                         "pole",
	"set-point":                    "setPoint",
	"initial-theta":                "initialTheta",
	"control-period":               "controlPeriod",
	"negotiation-period":           "negotiationPeriod",
	"latency-address":              "latencyAddress",
	"negotiation-address":          "negotiationAddress",
	"rm-address":                   "rmAddress",
	"rls-forgetting":               "rlsForgetting",
	"rls-initial-covariance":       "rlsInitialCovariance",
	"initial-alpha":                "initialAlpha",
	"profiled-throughput-per-unit": "profiledThroughputPerUnit",
	"revenue-gamma":                "revenueGamma",
	"revenue-k":                    "revenueK",
	"revenue-beta":                 "revenueBeta",
	"initial-base-price":           "initialBasePrice",
	"initial-dynamic-price":        "initialDynamicPrice",
	"initial-base-capacity":        "initialBaseCapacity",
	"initial-dynamic-capacity":     "initialDynamicCapacity",
	"history-bins":                 "historyBins",
	"capacity-min":                 "capacityMin",
	"capacity-max":                 "capacityMax",
	"service-level-path":           "serviceLevelPath",
	"service-level-configmap":      "serviceLevelConfigMap",
	"service-level-namespace":      "serviceLevelNamespace",
	"health-port":                  "healthPort",
	"report-csv":                   "reportCSV",
}

// AddFlags binds every setting to a flag in fs. The current values are the
// flag defaults.
func (c *AgentConfig) AddFlags(fs *pflag.FlagSet) {
	fs.Float64Var(&c.Pole, "pole", c.Pole, "Pole of the closed loop, in (0, 1)")
	fs.Float64Var(&c.SetPoint, "set-point", c.SetPoint, "Target 95th percentile latency in seconds")
	fs.Float64Var(&c.InitialTheta, "initial-theta", c.InitialTheta, "Service level published at startup, in [0, 1]")
	fs.DurationVar(&c.ControlPeriod, "control-period", c.ControlPeriod, "How often the service level is recomputed")
	fs.DurationVar(&c.NegotiationPeriod, "negotiation-period", c.NegotiationPeriod, "How often capacity is requested from the resource manager")
	fs.StringVar(&c.LatencyAddress, "latency-address", c.LatencyAddress, "UDP address receiving latency reports")
	fs.StringVar(&c.NegotiationAddress, "negotiation-address", c.NegotiationAddress, "UDP address exchanging messages with the resource manager")
	fs.StringVar(&c.RMAddress, "rm-address", c.RMAddress, "UDP address of the resource manager")
	fs.Float64Var(&c.RLSForgetting, "rls-forgetting", c.RLSForgetting, "Forgetting factor of the sensitivity estimator, in (0, 1]")
	fs.Float64Var(&c.RLSInitialCovariance, "rls-initial-covariance", c.RLSInitialCovariance, "Initial covariance of the sensitivity estimator")
	fs.Float64Var(&c.InitialAlpha, "initial-alpha", c.InitialAlpha, "Initial service time sensitivity estimate")
	fs.Float64Var(&c.ProfiledThroughputPerUnit, "profiled-throughput-per-unit", c.ProfiledThroughputPerUnit, "Requests per second one capacity unit can serve")
	fs.Float64Var(&c.RevenueGamma, "revenue-gamma", c.RevenueGamma, "Revenue model scale")
	fs.Float64Var(&c.RevenueK, "revenue-k", c.RevenueK, "Revenue model exponent")
	fs.Float64Var(&c.RevenueBeta, "revenue-beta", c.RevenueBeta, "Revenue model tail exponent")
	fs.Float64Var(&c.InitialBasePrice, "initial-base-price", c.InitialBasePrice, "Base capacity unit price until the resource manager sends one")
	fs.Float64Var(&c.InitialDynamicPrice, "initial-dynamic-price", c.InitialDynamicPrice, "Dynamic capacity unit price until the resource manager sends one")
	fs.Float64Var(&c.InitialBaseCapacity, "initial-base-capacity", c.InitialBaseCapacity, "Base capacity before the first replan")
	fs.Float64Var(&c.InitialDynamicCapacity, "initial-dynamic-capacity", c.InitialDynamicCapacity, "Dynamic capacity before the first replan")
	fs.IntVar(&c.HistoryBins, "history-bins", c.HistoryBins, "Histogram bins for the capacity request history")
	fs.Float64Var(&c.CapacityMin, "capacity-min", c.CapacityMin, "Lower bound of the demand assumed without history")
	fs.Float64Var(&c.CapacityMax, "capacity-max", c.CapacityMax, "Upper bound of the demand assumed without history")
	fs.StringVar(&c.ServiceLevelPath, "service-level-path", c.ServiceLevelPath, "File the service level is published to")
	fs.StringVar(&c.ServiceLevelConfigMap, "service-level-configmap", c.ServiceLevelConfigMap, "ConfigMap the service level is mirrored to (empty disables)")
	fs.StringVar(&c.ServiceLevelNamespace, "service-level-namespace", c.ServiceLevelNamespace, "Namespace of the service level ConfigMap")
	fs.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Port for health and metrics endpoints (0 disables)")
	fs.BoolVar(&c.ReportCSV, "report-csv", c.ReportCSV, "Print one CSV record per control period on stdout")
}

// ConfigSources lists where LoadConfig reads settings from. Every field is
// optional.
type ConfigSources struct {
	// Client and ConfigMap locate a ConfigMap holding settings.
	Client             kubernetes.Interface
	ConfigMapNamespace string
	ConfigMapName      string

	// File is a YAML file with the same keys as the ConfigMap.
	File string

	// Flags is the parsed command line. Flags set there are never
	// overridden.
	Flags *pflag.FlagSet
}

// LoadConfig layers the ConfigMap, the file and the environment on top of c,
// skipping settings given explicitly on the command line, then validates
// and logs the result.
func LoadConfig(ctx context.Context, c *AgentConfig, src ConfigSources) error {
	if src.Client != nil {
		ns, name := src.ConfigMapNamespace, src.ConfigMapName
		if ns == "" {
			ns = DefaultConfigNamespace
		}
		if name == "" {
			name = DefaultConfigMapName
		}
		cm, err := src.Client.CoreV1().ConfigMaps(ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			klog.V(2).InfoS("ConfigMap not found, using defaults and environment variables", "namespace", ns, "name", name, "error", err)
		} else if err := c.loadFromConfigMap(cm, src.Flags); err != nil {
			return fmt.Errorf("invalid ConfigMap %s/%s: %w", ns, name, err)
		} else {
			klog.InfoS("Loaded configuration from ConfigMap", "namespace", ns, "name", name)
		}
	}

	if src.File != "" {
		if err := c.loadFromFile(src.File, src.Flags); err != nil {
			return fmt.Errorf("invalid config file %s: %w", src.File, err)
		}
		klog.InfoS("Loaded configuration from file", "path", src.File)
	}

	c.loadFromEnvironment(src.Flags)

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.Log()
	return nil
}

// loadFromConfigMap loads configuration values from a ConfigMap.
func (c *AgentConfig) loadFromConfigMap(cm *corev1.ConfigMap, explicit *pflag.FlagSet) error {
	if cm.Data == nil {
		return fmt.Errorf("ConfigMap data is nil")
	}
	return c.apply(cm.Data, explicit)
}

// loadFromFile loads configuration values from a YAML file.
func (c *AgentConfig) loadFromFile(path string, explicit *pflag.FlagSet) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	data := make(map[string]string, len(doc))
	for k, v := range doc {
		data[k] = formatYAMLValue(v)
	}
	return c.apply(data, explicit)
}

// formatYAMLValue turns a decoded scalar back into the text a flag parses.
func formatYAMLValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// loadFromEnvironment loads configuration values from BROWNOUT_* variables.
// Environment variables take precedence over ConfigMap and file values.
// Unparseable values are logged and ignored.
func (c *AgentConfig) loadFromEnvironment(explicit *pflag.FlagSet) {
	for _, flagName := range sortedFlagNames() {
		name := envName(flagName)
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		// Flag parsing writes its zero value before failing, so parse into
		// a copy and keep it only on success.
		next := *c
		if err := next.apply(map[string]string{configKeys[flagName]: val}, explicit); err != nil {
			klog.ErrorS(err, "Ignoring invalid environment variable", "name", name)
			continue
		}
		*c = next
		klog.V(2).InfoS("Loaded setting from environment", "name", name, "value", val)
	}
}

// apply parses data (ConfigMap keys to values) into c. Unknown keys are
// ignored; every invalid value is reported.
func (c *AgentConfig) apply(data map[string]string, explicit *pflag.FlagSet) error {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	c.AddFlags(fs)

	byKey := make(map[string]string, len(configKeys))
	for flagName, key := range configKeys {
		byKey[key] = flagName
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		val := data[key]
		flagName, ok := byKey[key]
		if !ok {
			klog.V(2).InfoS("Ignoring unknown configuration key", "key", key)
			continue
		}
		if val == "" {
			continue
		}
		if explicit != nil && explicit.Changed(flagName) {
			continue
		}
		if err := fs.Set(flagName, val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func sortedFlagNames() []string {
	names := make([]string, 0, len(configKeys))
	for n := range configKeys {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate validates the configuration values and reports every problem.
func (c *AgentConfig) Validate() error {
	var errs []error
	if err := c.ControllerParams().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.InitialTheta < 0 || c.InitialTheta > 1 {
		errs = append(errs, fmt.Errorf("initialTheta must be in [0, 1], got %f", c.InitialTheta))
	}
	if c.NegotiationPeriod <= 0 {
		errs = append(errs, fmt.Errorf("negotiationPeriod must be > 0, got %v", c.NegotiationPeriod))
	}
	if c.LatencyAddress == "" {
		errs = append(errs, fmt.Errorf("latencyAddress cannot be empty"))
	}
	if c.NegotiationAddress == "" {
		errs = append(errs, fmt.Errorf("negotiationAddress cannot be empty"))
	}
	if c.RMAddress == "" {
		errs = append(errs, fmt.Errorf("rmAddress cannot be empty"))
	}
	if c.ProfiledThroughputPerUnit <= 0 {
		errs = append(errs, fmt.Errorf("profiledThroughputPerUnit must be > 0, got %f", c.ProfiledThroughputPerUnit))
	}
	if err := c.Revenue().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.InitialBasePrice < 0 {
		errs = append(errs, fmt.Errorf("initialBasePrice must be >= 0, got %g", c.InitialBasePrice))
	}
	if c.InitialDynamicPrice <= 0 {
		errs = append(errs, fmt.Errorf("initialDynamicPrice must be > 0, got %g", c.InitialDynamicPrice))
	}
	if c.InitialBaseCapacity < 1 {
		errs = append(errs, fmt.Errorf("initialBaseCapacity must be >= 1, got %f", c.InitialBaseCapacity))
	}
	if c.InitialDynamicCapacity < c.InitialBaseCapacity {
		errs = append(errs, fmt.Errorf("initialDynamicCapacity (%f) must be >= initialBaseCapacity (%f)", c.InitialDynamicCapacity, c.InitialBaseCapacity))
	}
	if c.HistoryBins < 1 {
		errs = append(errs, fmt.Errorf("historyBins must be >= 1, got %d", c.HistoryBins))
	}
	if c.CapacityMin < 0 || c.CapacityMax < c.CapacityMin {
		errs = append(errs, fmt.Errorf("capacity bounds must satisfy 0 <= capacityMin <= capacityMax, got [%f, %f]", c.CapacityMin, c.CapacityMax))
	}
	if c.ServiceLevelPath == "" && c.ServiceLevelConfigMap == "" {
		errs = append(errs, fmt.Errorf("serviceLevelPath and serviceLevelConfigMap cannot both be empty"))
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("healthPort must be in [0, 65535], got %d", c.HealthPort))
	}
	return utilerrors.NewAggregate(errs)
}

// ControllerParams returns the dimmer controller parameters.
func (c *AgentConfig) ControllerParams() brownout.Params {
	return brownout.Params{
		SetPoint:          c.SetPoint,
		Pole:              c.Pole,
		ControlPeriod:     c.ControlPeriod,
		Forgetting:        c.RLSForgetting,
		InitialCovariance: c.RLSInitialCovariance,
		InitialAlpha:      c.InitialAlpha,
	}
}

// Revenue returns the revenue model used for capacity planning.
func (c *AgentConfig) Revenue() allocation.Revenue {
	return allocation.Revenue{Gamma: c.RevenueGamma, K: c.RevenueK, Beta: c.RevenueBeta}
}

// Bounds returns the demand range assumed without history.
func (c *AgentConfig) Bounds() allocation.Bounds {
	return allocation.Bounds{Min: c.CapacityMin, Max: c.CapacityMax}
}

// Log logs the current configuration values.
func (c *AgentConfig) Log() {
	klog.InfoS("Controller configuration",
		"pole", c.Pole,
		"setPoint", c.SetPoint,
		"initialTheta", c.InitialTheta,
		"controlPeriod", c.ControlPeriod,
		"negotiationPeriod", c.NegotiationPeriod,
		"latencyAddress", c.LatencyAddress,
		"negotiationAddress", c.NegotiationAddress,
		"rmAddress", c.RMAddress,
		"rlsForgetting", c.RLSForgetting,
		"rlsInitialCovariance", c.RLSInitialCovariance,
		"initialAlpha", c.InitialAlpha,
		"profiledThroughputPerUnit", c.ProfiledThroughputPerUnit,
		"revenueGamma", c.RevenueGamma,
		"revenueK", c.RevenueK,
		"revenueBeta", c.RevenueBeta,
		"initialBasePrice", c.InitialBasePrice,
		"initialDynamicPrice", c.InitialDynamicPrice,
		"initialBaseCapacity", c.InitialBaseCapacity,
		"initialDynamicCapacity", c.InitialDynamicCapacity,
		"historyBins", c.HistoryBins,
		"capacityMin", c.CapacityMin,
		"capacityMax", c.CapacityMax,
		"serviceLevelPath", c.ServiceLevelPath,
		"serviceLevelConfigMap", c.ServiceLevelConfigMap,
		"healthPort", c.HealthPort,
		"reportCSV", c.ReportCSV)
}
