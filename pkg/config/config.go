// Package config holds the operator's static process configuration: cloud
// provider settings, scheduling constraints, and network-policy toggles.
// Everything here is fixed for the lifetime of the process; per-environment
// settings live on the MaterializeEnvironment spec instead.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// CloudProvider identifies the platform the operator runs on.
type CloudProvider string

const (
	ProviderAWS     CloudProvider = "aws"
	ProviderGeneric CloudProvider = "generic"
)

var awsAccountIDPattern = regexp.MustCompile(`^\d{12}$`)

// NetworkPolicyConfig holds the toggles and allow-lists for one environment's
// synthesized network policies. An enabled direction with an empty CIDR list
// produces a deny-all policy, never allow-all.
type NetworkPolicyConfig struct {
	InternalEnabled bool     `json:"internalEnabled"`
	IngressEnabled  bool     `json:"ingressEnabled"`
	EgressEnabled   bool     `json:"egressEnabled"`
	IngressCIDRs    []string `json:"ingressCIDRs,omitempty"`
	EgressCIDRs     []string `json:"egressCIDRs,omitempty"`
}

// OperatorConfig is the full static configuration surface.
type OperatorConfig struct {
	CloudProvider CloudProvider `json:"cloudProvider"`
	Region        string        `json:"region,omitempty"`

	// AWSAccountID is required when CloudProvider is aws.
	AWSAccountID string `json:"awsAccountID,omitempty"`
	// EnvironmentdIAMRoleARN is assumed by environmentd for persist access.
	EnvironmentdIAMRoleARN string `json:"environmentdIAMRoleARN,omitempty"`
	// ConnectionIAMRoleARN is assumed for customer connections.
	ConnectionIAMRoleARN string `json:"connectionIAMRoleARN,omitempty"`

	EnvironmentdNodeSelector map[string]string `json:"environmentdNodeSelector,omitempty"`
	BalancerdNodeSelector    map[string]string `json:"balancerdNodeSelector,omitempty"`

	NetworkPolicies NetworkPolicyConfig `json:"networkPolicies"`

	// EphemeralVolumeClass, when set, makes workloads request generic
	// ephemeral volumes of this storage class instead of networked storage.
	EphemeralVolumeClass string `json:"ephemeralVolumeClass,omitempty"`

	ImagePullPolicy corev1.PullPolicy `json:"imagePullPolicy,omitempty"`

	// CreateNamespace allows the operator to create a missing environment
	// namespace. When false, a missing namespace is a configuration error.
	CreateNamespace bool `json:"createNamespace"`
}

// keyValueFlag collects repeatable key=value flags into a map.
type keyValueFlag struct {
	target *map[string]string
}

func (f keyValueFlag) String() string {
	if f.target == nil || *f.target == nil {
		return ""
	}
	pairs := make([]string, 0, len(*f.target))
	for k, v := range *f.target {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (f keyValueFlag) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	if *f.target == nil {
		*f.target = map[string]string{}
	}
	(*f.target)[k] = v
	return nil
}

// stringListFlag collects a repeatable flag into a slice.
type stringListFlag struct {
	target *[]string
}

func (f stringListFlag) String() string {
	if f.target == nil {
		return ""
	}
	return strings.Join(*f.target, ",")
}

func (f stringListFlag) Set(value string) error {
	*f.target = append(*f.target, value)
	return nil
}

// BindFlags registers the configuration surface on the given FlagSet.
func (c *OperatorConfig) BindFlags(fs *flag.FlagSet) {
	fs.Func("cloud-provider", "Cloud provider the operator manages environments on ('aws' or 'generic').", func(v string) error {
		switch CloudProvider(v) {
		case ProviderAWS, ProviderGeneric:
			c.CloudProvider = CloudProvider(v)
			return nil
		default:
			return fmt.Errorf("unknown cloud provider %q", v)
		}
	})
	fs.StringVar(&c.Region, "region", "", "Cloud region the managed environments run in.")
	fs.StringVar(&c.AWSAccountID, "aws-account-id", "", "AWS account id. Required when --cloud-provider=aws.")
	fs.StringVar(&c.EnvironmentdIAMRoleARN, "environmentd-iam-role-arn", "", "IAM role ARN assumed by environmentd.")
	fs.StringVar(&c.ConnectionIAMRoleARN, "connection-iam-role-arn", "", "IAM role ARN assumed for customer connections.")
	fs.Var(keyValueFlag{&c.EnvironmentdNodeSelector}, "environmentd-node-selector",
		"Node selector constraint for environmentd as key=value. Repeatable.")
	fs.Var(keyValueFlag{&c.BalancerdNodeSelector}, "balancerd-node-selector",
		"Node selector constraint for balancerd as key=value. Repeatable.")
	fs.BoolVar(&c.NetworkPolicies.InternalEnabled, "network-policies-internal-enabled", false,
		"Emit the intra-environment network policy.")
	fs.BoolVar(&c.NetworkPolicies.IngressEnabled, "network-policies-ingress-enabled", false,
		"Emit the ingress network policy. Without --network-policies-ingress-cidr the policy denies all ingress.")
	fs.BoolVar(&c.NetworkPolicies.EgressEnabled, "network-policies-egress-enabled", false,
		"Emit the egress network policy. Without --network-policies-egress-cidr the policy denies all egress.")
	fs.Var(stringListFlag{&c.NetworkPolicies.IngressCIDRs}, "network-policies-ingress-cidr",
		"CIDR allowed to reach environment workloads. Repeatable.")
	fs.Var(stringListFlag{&c.NetworkPolicies.EgressCIDRs}, "network-policies-egress-cidr",
		"CIDR environment workloads may reach. Repeatable.")
	fs.StringVar(&c.EphemeralVolumeClass, "ephemeral-volume-class", "",
		"Storage class for ephemeral scratch volumes. When set, workloads use ephemeral volumes of this class.")
	fs.Func("image-pull-policy", "Image pull policy for managed workloads (Always, IfNotPresent, Never).", func(v string) error {
		switch corev1.PullPolicy(v) {
		case corev1.PullAlways, corev1.PullIfNotPresent, corev1.PullNever:
			c.ImagePullPolicy = corev1.PullPolicy(v)
			return nil
		default:
			return fmt.Errorf("unknown image pull policy %q", v)
		}
	})
	fs.BoolVar(&c.CreateNamespace, "namespace-create", false,
		"Create a missing environment namespace instead of failing reconciliation.")
}

// LoadFromFile overlays configuration from a YAML file. Flags parsed after
// the overlay still win.
func (c *OperatorConfig) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration once at startup. Errors here are fatal:
// a misconfigured operator must not start reconciling.
func (c *OperatorConfig) Validate() error {
	if c.CloudProvider == "" {
		c.CloudProvider = ProviderGeneric
	}
	if c.CloudProvider == ProviderAWS {
		if c.AWSAccountID == "" {
			return fmt.Errorf("--aws-account-id is required with --cloud-provider=aws")
		}
		if !awsAccountIDPattern.MatchString(c.AWSAccountID) {
			return fmt.Errorf("--aws-account-id %q is not a 12-digit account id", c.AWSAccountID)
		}
	}
	for name, value := range map[string]string{
		"--environmentd-iam-role-arn": c.EnvironmentdIAMRoleARN,
		"--connection-iam-role-arn":   c.ConnectionIAMRoleARN,
	} {
		if value == "" {
			continue
		}
		parsed, err := arn.Parse(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if parsed.Service != "iam" {
			return fmt.Errorf("%s: %q is not an IAM role ARN", name, value)
		}
	}
	for _, cidr := range append(append([]string{}, c.NetworkPolicies.IngressCIDRs...), c.NetworkPolicies.EgressCIDRs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
	}
	if c.ImagePullPolicy == "" {
		c.ImagePullPolicy = corev1.PullIfNotPresent
	}
	return nil
}
